package authz

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// roleMatrixFile is the YAML shape of a role→capability matrix profile.
type roleMatrixFile struct {
	Roles []struct {
		ID           string   `yaml:"id"`
		Name         string   `yaml:"name"`
		Capabilities []string `yaml:"capabilities"`
	} `yaml:"roles"`
}

// LoadMatrix reads a role matrix profile from a YAML file and installs every
// role into the evaluator, replacing existing definitions with the same id.
func (e *Evaluator) LoadMatrix(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load role matrix %q: %w", path, err)
	}
	return e.LoadMatrixBytes(data)
}

// LoadMatrixBytes installs a role matrix from raw YAML.
func (e *Evaluator) LoadMatrixBytes(data []byte) error {
	var file roleMatrixFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse role matrix: %w", err)
	}
	for _, r := range file.Roles {
		if r.ID == "" {
			return fmt.Errorf("role matrix entry %q missing id", r.Name)
		}
		caps := make([]Capability, 0, len(r.Capabilities))
		for _, c := range r.Capabilities {
			caps = append(caps, Capability(c))
		}
		e.SetRole(Role{ID: r.ID, Name: r.Name, Capabilities: caps})
	}
	return nil
}
