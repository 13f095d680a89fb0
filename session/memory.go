package session

import (
	"context"
	"sort"
	"sync"

	"github.com/dygram/dygram-go/machine"
)

// MemStore is an in-memory Store for tests and ephemeral runs.
// The store clones states and machines on save and on load, so callers
// never share those values with it.
type MemStore struct {
	mu       sync.RWMutex
	metadata map[string]*Metadata
	states   map[string]*StateFile
	machines map[string]*machine.Machine
	history  map[string][]TurnRecord
	last     string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		metadata: map[string]*Metadata{},
		states:   map[string]*StateFile{},
		machines: map[string]*machine.Machine{},
		history:  map[string][]TurnRecord{},
	}
}

// SaveMetadata implements Store.
func (s *MemStore) SaveMetadata(_ context.Context, md *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *md
	s.metadata[md.ID] = &cp
	return nil
}

// LoadMetadata implements Store.
func (s *MemStore) LoadMetadata(_ context.Context, id string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.metadata[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *md
	return &cp, nil
}

// SaveState implements Store.
func (s *MemStore) SaveState(_ context.Context, id string, sf *StateFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sf
	if sf.State != nil {
		cp.State = sf.State.Clone()
	}
	s.states[id] = &cp
	return nil
}

// LoadState implements Store.
func (s *MemStore) LoadState(_ context.Context, id string) (*StateFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sf, ok := s.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sf
	if sf.State != nil {
		cp.State = sf.State.Clone()
	}
	return &cp, nil
}

// SaveMachine implements Store.
func (s *MemStore) SaveMachine(_ context.Context, id string, m *machine.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[id] = m.Clone()
	return nil
}

// LoadMachine implements Store.
func (s *MemStore) LoadMachine(_ context.Context, id string) (*machine.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// AppendTurn implements Store.
func (s *MemStore) AppendTurn(_ context.Context, id string, rec TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[id] = append(s.history[id], rec)
	return nil
}

// LoadHistory implements Store.
func (s *MemStore) LoadHistory(_ context.Context, id string) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TurnRecord(nil), s.history[id]...), nil
}

// List implements Store.
func (s *MemStore) List(_ context.Context) ([]*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Metadata, 0, len(s.metadata))
	for _, md := range s.metadata {
		cp := *md
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Remove implements Store.
func (s *MemStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metadata[id]; !ok {
		if _, ok := s.states[id]; !ok {
			return ErrNotFound
		}
	}
	delete(s.metadata, id)
	delete(s.states, id)
	delete(s.machines, id)
	delete(s.history, id)
	if s.last == id {
		s.last = ""
	}
	return nil
}

// Clean implements Store.
func (s *MemStore) Clean(ctx context.Context, all bool) (int, error) {
	list, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, md := range list {
		if !all && md.Status != StatusCompleted && md.Status != StatusFailed {
			continue
		}
		if err := s.Remove(ctx, md.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// SetLast implements Store.
func (s *MemStore) SetLast(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = id
	return nil
}

// Last implements Store.
func (s *MemStore) Last(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == "" {
		return "", ErrNotFound
	}
	return s.last, nil
}
