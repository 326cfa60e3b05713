package configgov

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsguild/tribunal/pkg/faults"
)

// Store persists entries and their append-only change history. ApplyChange
// and ApproveChange are atomic: the change record and the entry update
// commit together, and ApproveChange is a compare-and-set on the pending
// status so two concurrent approvers cannot both succeed.
type Store interface {
	GetEntry(ctx context.Context, key string) (*Entry, error)
	ListEntries(ctx context.Context) ([]*Entry, error)

	GetChange(ctx context.Context, changeID string) (*Change, error)
	// ListChanges returns a key's changes, newest first. An empty key
	// lists every change.
	ListChanges(ctx context.Context, key string, limit int) ([]*Change, error)
	// AppliedBefore returns the applied change immediately preceding the
	// given applied change on the same key, or nil when it was the first.
	AppliedBefore(ctx context.Context, change *Change) (*Change, error)

	// StageChange inserts a pending_approval change without touching the
	// entry.
	StageChange(ctx context.Context, change *Change) error
	// ApplyChange inserts an applied change and updates the entry in the
	// same atomic unit.
	ApplyChange(ctx context.Context, change *Change) error
	// ApproveChange promotes a pending change to applied and updates the
	// entry atomically iff the change is still pending.
	ApproveChange(ctx context.Context, changeID, approvedBy, reason string) (*Change, error)
}

// MemoryStore is the in-process Store. One mutex covers entries, changes,
// and the per-key applied sequence, which makes every compound operation
// atomic by construction.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	changes    map[string]*Change
	order      []string // change ids in insertion order
	appliedSeq map[string]int64
	clock      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*Entry),
		changes:    make(map[string]*Change),
		appliedSeq: make(map[string]int64),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) GetEntry(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, faults.NotFound("config entry %s not found", key)
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) GetChange(ctx context.Context, changeID string) (*Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	change, ok := s.changes[changeID]
	if !ok {
		return nil, faults.NotFound("config change %s not found", changeID)
	}
	cp := *change
	return &cp, nil
}

func (s *MemoryStore) ListChanges(ctx context.Context, key string, limit int) ([]*Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Change, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		change := s.changes[s.order[i]]
		if key != "" && change.Key != key {
			continue
		}
		cp := *change
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AppliedBefore(ctx context.Context, change *Change) (*Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Change
	for _, id := range s.order {
		c := s.changes[id]
		if c.Key != change.Key || c.Status != ChangeApplied {
			continue
		}
		if c.AppliedSeq >= change.AppliedSeq {
			continue
		}
		if best == nil || c.AppliedSeq > best.AppliedSeq {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) StageChange(ctx context.Context, change *Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	change.Status = ChangePendingApproval
	change.CreatedAt = now
	change.UpdatedAt = now

	cp := *change
	s.changes[change.ID] = &cp
	s.order = append(s.order, change.ID)
	return nil
}

func (s *MemoryStore) ApplyChange(ctx context.Context, change *Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	change.Status = ChangeApplied
	change.CreatedAt = now
	change.UpdatedAt = now
	s.appliedSeq[change.Key]++
	change.AppliedSeq = s.appliedSeq[change.Key]

	cp := *change
	s.changes[change.ID] = &cp
	s.order = append(s.order, change.ID)
	s.applyToEntryLocked(&cp, now)
	return nil
}

func (s *MemoryStore) ApproveChange(ctx context.Context, changeID, approvedBy, reason string) (*Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	change, ok := s.changes[changeID]
	if !ok {
		return nil, faults.NotFound("config change %s not found", changeID)
	}
	if change.Status != ChangePendingApproval {
		return nil, faults.Conflict("config change %s is %s, not pending approval", changeID, change.Status)
	}

	now := s.clock().UTC()
	change.Status = ChangeApplied
	change.ApprovedBy = approvedBy
	change.ApprovalReason = reason
	change.UpdatedAt = now
	s.appliedSeq[change.Key]++
	change.AppliedSeq = s.appliedSeq[change.Key]

	s.applyToEntryLocked(change, now)
	cp := *change
	return &cp, nil
}

// applyToEntryLocked mirrors an applied change onto the live entry. Caller
// holds the write lock.
func (s *MemoryStore) applyToEntryLocked(change *Change, now time.Time) {
	s.entries[change.Key] = &Entry{
		Key:           change.Key,
		Value:         change.Value,
		SchemaVersion: change.SchemaVersion,
		Sensitive:     change.Sensitive,
		UpdatedAt:     now,
	}
}
