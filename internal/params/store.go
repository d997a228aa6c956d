package params

import (
	"sync"
	"sync/atomic"
)

// Store publishes the live parameter set. Readers take one Snapshot per
// decision cycle and never observe a half-applied change; writers are
// serialized and swap in a fresh copy.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Params]
}

func NewStore(initial Params) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	c := initial.Clone()
	s.cur.Store(&c)
	return s, nil
}

// Snapshot returns the current parameters. The maps inside are shared and must
// not be modified.
func (s *Store) Snapshot() Params {
	return *s.cur.Load()
}

// Apply applies all changes in one swap or none of them.
func (s *Store) Apply(changes map[string]any) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.cur.Load().With(changes)
	if err != nil {
		return Params{}, err
	}
	s.cur.Store(&next)
	return next, nil
}
