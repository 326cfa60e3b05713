package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsguild/tribunal/pkg/faults"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	// Pending restricts to the machine's awaiting-decision statuses;
	// the caller supplies them since the store is machine-agnostic.
	Statuses []Status
	Limit    int
	Offset   int
}

// Store persists items of a single type. ApplyTransition is the only write
// path for status changes and must be atomic per item: the mutation runs
// against the current row iff its status still equals expectFrom, otherwise
// the caller lost a concurrent race and observes a conflict.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context, filter ListFilter) ([]*Item, int, error)
	ApplyTransition(ctx context.Context, id string, expectFrom Status, mutate func(*Item) error) (*Item, error)
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments. All item state lives behind one mutex, which makes the
// read-modify-write of ApplyTransition trivially atomic.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
	order []string // insertion order, newest-first listing derives from SubmittedAt
	clock func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Item),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Create inserts a new item. The id must be unique within the store.
func (s *MemoryStore) Create(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return faults.Conflict("item %s already exists", item.ID)
	}
	now := s.clock().UTC()
	if item.SubmittedAt.IsZero() {
		item.SubmittedAt = now
	}
	item.UpdatedAt = now

	cp := *item
	s.items[item.ID] = &cp
	s.order = append(s.order, item.ID)
	return nil
}

// Get returns a copy of the item.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, faults.NotFound("item %s not found", id)
	}
	cp := *item
	return &cp, nil
}

// List returns items matching the filter, newest first, plus the total
// matching count before pagination.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Item, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Item, 0, len(s.items))
	for _, id := range s.order {
		item := s.items[id]
		if !filter.matches(item) {
			continue
		}
		cp := *item
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
	})

	total := len(matched)
	matched = paginate(matched, filter.Limit, filter.Offset)
	return matched, total, nil
}

// ApplyTransition runs mutate against the live item iff its status still
// equals expectFrom. Everything happens under the write lock, so two
// concurrent deciders cannot both succeed.
func (s *MemoryStore) ApplyTransition(ctx context.Context, id string, expectFrom Status, mutate func(*Item) error) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, faults.NotFound("item %s not found", id)
	}
	if item.Status != expectFrom {
		return nil, faults.Conflict("item %s is %s, expected %s", id, item.Status, expectFrom)
	}

	// Mutate a copy so a failing mutation leaves no partial state.
	cp := *item
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = s.clock().UTC()
	s.items[id] = &cp

	out := cp
	return &out, nil
}

func (f ListFilter) matches(item *Item) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if item.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func paginate(items []*Item, limit, offset int) []*Item {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ContainsFold reports a case-insensitive substring match, shared by the
// queue search paths.
func ContainsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
