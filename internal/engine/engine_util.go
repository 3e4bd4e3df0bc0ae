package engine

import (
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"time"
)

// NewMatch deals a fresh match from the standard deck. The same seed always deals the same hands.
func NewMatch(matchID string, players [2]string, seed uint64) State {
	deck := Standard.IDs()
	r := rand.New(rand.NewPCG(seed, seedFromID(matchID)))
	r.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })

	s := NewEmptyState(matchID, players)
	s.Hands[SeatOne] = slices.Clone(deck[:HandSize])
	s.Hands[SeatTwo] = slices.Clone(deck[HandSize : 2*HandSize])
	rest := deck[2*HandSize:]
	half := len(rest) / 2
	s.Decks[SeatOne] = slices.Clone(rest[:half])
	s.Decks[SeatTwo] = slices.Clone(rest[half:])
	return s
}

// NewEmptyState is an in-progress match at version 0 with nothing dealt.
func NewEmptyState(matchID string, players [2]string) State {
	s := State{
		MatchID:  matchID,
		Status:   StatusInProgress,
		Players:  players,
		Turn:     SeatOne,
		Theaters: map[Theater][]PlayedCard{},
		Applied:  map[string]int{},
		Winner:   NoSeat,
	}
	for _, t := range Theaters {
		s.Theaters[t] = []PlayedCard{}
	}
	for i := range s.Hands {
		s.Hands[i] = []CardID{}
		s.Decks[i] = []CardID{}
	}
	return s
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Theaters = make(map[Theater][]PlayedCard, len(s.Theaters))
	for t, stack := range s.Theaters {
		out.Theaters[t] = append([]PlayedCard{}, stack...)
	}
	for i := range s.Hands {
		out.Hands[i] = append([]CardID{}, s.Hands[i]...)
		out.Decks[i] = append([]CardID{}, s.Decks[i]...)
	}
	out.Applied = make(map[string]int, len(s.Applied))
	for k, v := range s.Applied {
		out.Applied[k] = v
	}
	return out
}

// SeatOf returns the seat held by identity, or NoSeat.
func (s State) SeatOf(identity string) Seat {
	for i, p := range s.Players {
		if p != "" && p == identity {
			return Seat(i)
		}
	}
	return NoSeat
}

// Replay applies actions in order, stopping at the first rejection.
func (e Engine) Replay(initial State, actions []Action) (State, error) {
	s := initial
	for _, a := range actions {
		_, next, err := e.Apply(s, a)
		if err != nil {
			return s, err
		}
		s = next
	}
	return s, nil
}

// ShouldForfeit reports whether a seat disconnected for d forfeits under the grace window.
// A non-positive grace disables forfeiture.
func ShouldForfeit(d, grace time.Duration) bool {
	return grace > 0 && d >= grace
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func seedFromID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
