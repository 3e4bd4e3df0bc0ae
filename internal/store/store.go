package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DoyleJ11/als-sync-backend/internal/engine"
)

var ErrNotFound = errors.New("match not found")
var ErrExists = errors.New("match already exists")
var ErrVersionNotAdvanced = errors.New("next state does not advance the version")

// StaleVersionError is returned by Commit when the caller computed against an old version.
type StaleVersionError struct {
	MatchID string
	Base    int
	Current int
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version for match %s: base %d, current %d", e.MatchID, e.Base, e.Current)
}

// Snapshot is a match at one version.
type Snapshot struct {
	Version int
	State   engine.State
}

// Store holds exactly one match per identifier and is safe for concurrent use.
// Callers never see the stored value itself, only copies.
type Store struct {
	lock    sync.RWMutex
	matches map[string]engine.State
}

func New() *Store {
	return &Store{matches: make(map[string]engine.State)}
}

func (s *Store) Create(matchID string, initial engine.State) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.matches[matchID]; ok {
		return fmt.Errorf("create %s: %w", matchID, ErrExists)
	}
	s.matches[matchID] = initial.Clone()
	return nil
}

func (s *Store) Get(matchID string) (Snapshot, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	st, ok := s.matches[matchID]
	if !ok {
		return Snapshot{}, fmt.Errorf("get %s: %w", matchID, ErrNotFound)
	}
	return Snapshot{Version: st.Version, State: st.Clone()}, nil
}

// Commit swaps in next if the stored version still equals base. The compare and the
// swap happen under one lock, so two writers on the same base cannot both succeed.
func (s *Store) Commit(matchID string, base int, next engine.State) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	cur, ok := s.matches[matchID]
	if !ok {
		return fmt.Errorf("commit %s: %w", matchID, ErrNotFound)
	}
	if cur.Version != base {
		return &StaleVersionError{MatchID: matchID, Base: base, Current: cur.Version}
	}
	if next.Version <= base {
		return fmt.Errorf("commit %s at %d: %w", matchID, next.Version, ErrVersionNotAdvanced)
	}
	s.matches[matchID] = next.Clone()
	return nil
}

func (s *Store) Delete(matchID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.matches, matchID)
}

func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.matches)
}
