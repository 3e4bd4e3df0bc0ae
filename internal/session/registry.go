package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/engine"
)

var ErrNotFound = errors.New("connection not bound")
var ErrMatchFull = errors.New("match has no free seat")
var ErrSeatNotAllocated = errors.New("seat not allocated")

// ConnID identifies one transport connection.
type ConnID string

// Binding is what a live connection is bound to.
type Binding struct {
	Conn     ConnID
	MatchID  string
	Seat     engine.Seat
	Identity string
}

type seatKey struct {
	matchID string
	seat    engine.Seat
}

type seatState struct {
	identity       string
	conn           ConnID // empty while unbound
	disconnectedAt time.Time
}

// Registry maps connections to seats across all matches. Safe for concurrent use.
type Registry struct {
	lock  sync.RWMutex
	now   func() time.Time
	conns map[ConnID]Binding
	seats map[seatKey]*seatState
}

// NewRegistry uses clock for disconnect timestamps; nil means time.Now.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		now:   clock,
		conns: make(map[ConnID]Binding),
		seats: make(map[seatKey]*seatState),
	}
}

// Allocate returns the seat identity already holds in the match, or the first free one.
func (r *Registry) Allocate(matchID, identity string) (engine.Seat, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	free := engine.NoSeat
	for _, seat := range []engine.Seat{engine.SeatOne, engine.SeatTwo} {
		st, ok := r.seats[seatKey{matchID, seat}]
		if !ok {
			if free == engine.NoSeat {
				free = seat
			}
			continue
		}
		if st.identity == identity {
			return seat, nil
		}
	}
	if free == engine.NoSeat {
		return engine.NoSeat, fmt.Errorf("allocate %s in %s: %w", identity, matchID, ErrMatchFull)
	}
	// A seat is unbound until Bind; it counts as disconnected since allocation.
	r.seats[seatKey{matchID, free}] = &seatState{identity: identity, disconnectedAt: r.now()}
	return free, nil
}

// Bind attaches conn to an allocated seat. If another connection held the seat it is
// returned as evicted and is no longer bound.
func (r *Registry) Bind(conn ConnID, matchID string, seat engine.Seat) (ConnID, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	st, ok := r.seats[seatKey{matchID, seat}]
	if !ok {
		return "", fmt.Errorf("bind seat %d in %s: %w", seat, matchID, ErrSeatNotAllocated)
	}

	// A connection holds one seat at a time.
	if prev, ok := r.conns[conn]; ok && (prev.MatchID != matchID || prev.Seat != seat) {
		r.unbindLocked(conn)
	}

	var evicted ConnID
	if st.conn != "" && st.conn != conn {
		evicted = st.conn
		delete(r.conns, evicted)
	}
	st.conn = conn
	st.disconnectedAt = time.Time{}
	r.conns[conn] = Binding{Conn: conn, MatchID: matchID, Seat: seat, Identity: st.identity}
	return evicted, nil
}

// Unbind detaches conn and starts the disconnect clock for its seat.
func (r *Registry) Unbind(conn ConnID) (Binding, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.unbindLocked(conn)
}

func (r *Registry) unbindLocked(conn ConnID) (Binding, bool) {
	b, ok := r.conns[conn]
	if !ok {
		return Binding{}, false
	}
	delete(r.conns, conn)
	if st, ok := r.seats[seatKey{b.MatchID, b.Seat}]; ok && st.conn == conn {
		st.conn = ""
		st.disconnectedAt = r.now()
	}
	return b, true
}

func (r *Registry) SeatOf(conn ConnID) (Binding, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	b, ok := r.conns[conn]
	if !ok {
		return Binding{}, fmt.Errorf("seat of %s: %w", conn, ErrNotFound)
	}
	return b, nil
}

// DisconnectedFor reports how long an allocated seat has been unbound. It returns
// false when the seat is bound or was never allocated.
func (r *Registry) DisconnectedFor(matchID string, seat engine.Seat) (time.Duration, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	st, ok := r.seats[seatKey{matchID, seat}]
	if !ok || st.conn != "" {
		return 0, false
	}
	return r.now().Sub(st.disconnectedAt), true
}

// Players returns the identities allocated in the match, indexed by seat.
func (r *Registry) Players(matchID string) [2]string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var out [2]string
	for _, seat := range []engine.Seat{engine.SeatOne, engine.SeatTwo} {
		if st, ok := r.seats[seatKey{matchID, seat}]; ok {
			out[seat] = st.identity
		}
	}
	return out
}

// BoundCount is the number of seats in the match with a live connection.
func (r *Registry) BoundCount(matchID string) int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	n := 0
	for _, seat := range []engine.Seat{engine.SeatOne, engine.SeatTwo} {
		if st, ok := r.seats[seatKey{matchID, seat}]; ok && st.conn != "" {
			n++
		}
	}
	return n
}

// Forget drops every seat and binding of the match.
func (r *Registry) Forget(matchID string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, seat := range []engine.Seat{engine.SeatOne, engine.SeatTwo} {
		key := seatKey{matchID, seat}
		if st, ok := r.seats[key]; ok {
			if st.conn != "" {
				delete(r.conns, st.conn)
			}
			delete(r.seats, key)
		}
	}
}
