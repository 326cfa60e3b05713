// Package audit implements the append-only audit trail. Every accepted
// mutation in the core is written here before it becomes visible to reads;
// denials that passed pre-authorization validation are recorded too.
// Entries are hash-chained so the trail can be verified after the fact.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit hash chain is broken")
)

// Outcome records whether the audited action was applied or refused.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDenied   Outcome = "denied"
)

// Entry is a single immutable record in the trail.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	ActorID      string          `json:"actor_id"`
	Action       string          `json:"action"`
	ItemType     string          `json:"item_type,omitempty"`
	ItemID       string          `json:"item_id,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	Reason       string          `json:"reason,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Record describes an action to append. The trail assigns identity,
// sequence, timestamps, and chain hashes.
type Record struct {
	ActorID  string
	Action   string
	ItemType string
	ItemID   string
	Outcome  Outcome
	Reason   string
	Payload  any
}

// Sink receives entries as they are appended (e.g. a SQLite persister).
// Sinks must not block; failures are the sink's problem, the chain is
// authoritative in memory.
type Sink func(entry *Entry)

// Trail is the append-only, hash-chained audit log.
type Trail struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
	clock     func() time.Time
	sinks     []Sink
}

// NewTrail creates an empty trail.
func NewTrail() *Trail {
	return &Trail{
		byID:      make(map[string]*Entry),
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// AddSink registers a sink notified on every append.
func (t *Trail) AddSink(sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, sink)
}

// Append writes a new entry and advances the chain head.
func (t *Trail) Append(rec Record) (*Entry, error) {
	payloadBytes, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialize audit payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     t.sequence,
		Timestamp:    t.clock().UTC(),
		ActorID:      rec.ActorID,
		Action:       rec.Action,
		ItemType:     rec.ItemType,
		ItemID:       rec.ItemID,
		Outcome:      rec.Outcome,
		Reason:       rec.Reason,
		Payload:      payloadBytes,
		PayloadHash:  hashBytes(payloadBytes),
		PreviousHash: t.chainHead,
	}
	entry.EntryHash = entryHash(entry)
	t.chainHead = entry.EntryHash

	t.entries = append(t.entries, entry)
	t.byID[entry.EntryID] = entry

	for _, sink := range t.sinks {
		sink(entry)
	}
	return entry, nil
}

// Get retrieves an entry by id.
func (t *Trail) Get(entryID string) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the hash of the most recent entry.
func (t *Trail) ChainHead() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chainHead
}

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	ActorID    string
	Action     string
	ItemType   string
	ItemID     string
	Outcome    Outcome
	Since      *time.Time
	Until      *time.Time
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ItemType != "" && e.ItemType != f.ItemType {
		return false
	}
	if f.ItemID != "" && e.ItemID != f.ItemID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// Query returns entries matching the filter in append order.
func (t *Trail) Query(filter Filter) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range t.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// VerifyChain walks the full trail and checks every link.
func (t *Trail) VerifyChain() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prev := "genesis"
	for _, e := range t.entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d previous hash mismatch", ErrChainBroken, e.Sequence)
		}
		if entryHash(e) != e.EntryHash {
			return fmt.Errorf("%w: entry %d content hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e *Entry) string {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		ActorID      string    `json:"actor_id"`
		Action       string    `json:"action"`
		ItemType     string    `json:"item_type"`
		ItemID       string    `json:"item_id"`
		Outcome      Outcome   `json:"outcome"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ItemType:     e.ItemType,
		ItemID:       e.ItemID,
		Outcome:      e.Outcome,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
	}
	data, _ := json.Marshal(hashable)
	return hashBytes(data)
}
