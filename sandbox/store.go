package sandbox

import (
	"sync"
	"time"

	"github.com/isdmx/sandboxd/runtime"
	"github.com/isdmx/sandboxd/sanderr"
)

// record pairs a sandbox with its own lock so unrelated records never
// contend with each other.
type record struct {
	mu sync.Mutex
	sb Sandbox
}

func (r *record) snapshot() Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := r.sb
	copied.Packages = append([]string(nil), r.sb.Packages...)
	return copied
}

// Store is the source of truth for sandbox records. The outer lock
// guards only map membership; per-record state lives behind the
// record's own lock and changes through CompareAndSwapState.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	byName  map[string]string // live name -> id
}

// NewStore creates an empty record store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*record),
		byName:  make(map[string]string),
	}
}

// Put inserts a new sandbox record. A second live sandbox with the same
// name is rejected with Conflict, as is a duplicate id.
func (s *Store) Put(sb Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[sb.ID]; exists {
		return sanderr.Newf(sanderr.CodeConflict, "sandbox id %s already exists", sb.ID).WithSandbox(sb.ID)
	}
	if sb.Name != "" {
		if ownerID, taken := s.byName[sb.Name]; taken {
			return sanderr.Newf(sanderr.CodeConflict, "sandbox name %q already in use", sb.Name).WithSandbox(ownerID)
		}
		s.byName[sb.Name] = sb.ID
	}

	s.records[sb.ID] = &record{sb: sb}
	return nil
}

// Get returns a snapshot of the sandbox with the given id or name.
func (s *Store) Get(idOrName string) (Sandbox, error) {
	rec, err := s.lookup(idOrName)
	if err != nil {
		return Sandbox{}, err
	}
	return rec.snapshot(), nil
}

// List returns a snapshot of every record matching the filter. It never
// blocks concurrent mutation of individual records.
func (s *Store) List(filter Filter) []Sandbox {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]Sandbox, 0, len(recs))
	for _, rec := range recs {
		sb := rec.snapshot()
		if filter.matches(&sb) {
			out = append(out, sb)
		}
	}
	return out
}

// Remove evicts the record entirely.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return sanderr.Newf(sanderr.CodeNotFound, "sandbox %s not found", id).WithSandbox(id)
	}

	rec.mu.Lock()
	name := rec.sb.Name
	rec.mu.Unlock()

	if name != "" && s.byName[name] == id {
		delete(s.byName, name)
	}
	delete(s.records, id)
	return nil
}

// CompareAndSwapState atomically advances the sandbox state. A mismatch
// with the expected state fails with Conflict and changes nothing. When
// the swap leaves the live states the name is released for reuse.
func (s *Store) CompareAndSwapState(id string, expected, next State) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.sb.State != expected {
		current := rec.sb.State
		rec.mu.Unlock()
		return sanderr.Newf(sanderr.CodeConflict, "sandbox %s is %s, expected %s", id, current, expected).WithSandbox(id)
	}
	rec.sb.State = next
	name := rec.sb.Name
	rec.mu.Unlock()

	if name != "" && !next.live() {
		s.mu.Lock()
		if s.byName[name] == id {
			delete(s.byName, name)
		}
		s.mu.Unlock()
	}
	return nil
}

// Touch bumps the last-activity timestamp.
func (s *Store) Touch(id string, now time.Time) error {
	return s.update(id, func(sb *Sandbox) {
		sb.LastActive = now
	})
}

// SetContainer records the backing container reference.
func (s *Store) SetContainer(id string, ref runtime.ContainerRef) error {
	return s.update(id, func(sb *Sandbox) {
		sb.Container = ref
	})
}

// AddPackages appends to the advisory installed-package cache.
func (s *Store) AddPackages(id string, packages []string) error {
	return s.update(id, func(sb *Sandbox) {
		sb.Packages = append(sb.Packages, packages...)
	})
}

// LiveCount reports how many sandboxes currently count against quota.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	count := 0
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.sb.State.live() {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}

func (s *Store) update(id string, fn func(*Sandbox)) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	fn(&rec.sb)
	rec.mu.Unlock()
	return nil
}

func (s *Store) lookup(idOrName string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, exists := s.records[idOrName]; exists {
		return rec, nil
	}
	if id, exists := s.byName[idOrName]; exists {
		if rec, ok := s.records[id]; ok {
			return rec, nil
		}
	}
	return nil, sanderr.Newf(sanderr.CodeNotFound, "sandbox %s not found", idOrName)
}
