package session

import (
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistry_AllocateRecoversSeat(t *testing.T) {
	r := NewRegistry(nil)

	a, err := r.Allocate("M1", "alice")
	require.NoError(t, err)
	b, err := r.Allocate("M1", "bob")
	require.NoError(t, err)
	again, err := r.Allocate("M1", "alice")
	require.NoError(t, err)

	assert.Equal(t, engine.SeatOne, a)
	assert.Equal(t, engine.SeatTwo, b)
	assert.Equal(t, a, again)
	assert.Equal(t, [2]string{"alice", "bob"}, r.Players("M1"))

	_, err = r.Allocate("M1", "carol")
	assert.ErrorIs(t, err, ErrMatchFull)

	// Matches are independent.
	other, err := r.Allocate("M2", "carol")
	require.NoError(t, err)
	assert.Equal(t, engine.SeatOne, other)
}

func TestRegistry_BindSeatOfUnbind(t *testing.T) {
	r := NewRegistry(nil)
	seat, err := r.Allocate("M1", "alice")
	require.NoError(t, err)

	evicted, err := r.Bind("c1", "M1", seat)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, 1, r.BoundCount("M1"))

	b, err := r.SeatOf("c1")
	require.NoError(t, err)
	assert.Equal(t, Binding{Conn: "c1", MatchID: "M1", Seat: engine.SeatOne, Identity: "alice"}, b)

	got, ok := r.Unbind("c1")
	assert.True(t, ok)
	assert.Equal(t, b, got)
	_, err = r.SeatOf("c1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok = r.Unbind("c1")
	assert.False(t, ok)
}

func TestRegistry_BindUnallocatedSeat(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Bind("c1", "M1", engine.SeatTwo)
	assert.ErrorIs(t, err, ErrSeatNotAllocated)
}

func TestRegistry_SecondBindEvictsFirst(t *testing.T) {
	r := NewRegistry(nil)
	seat, err := r.Allocate("M1", "alice")
	require.NoError(t, err)

	_, err = r.Bind("c1", "M1", seat)
	require.NoError(t, err)
	evicted, err := r.Bind("c2", "M1", seat)
	require.NoError(t, err)

	assert.Equal(t, ConnID("c1"), evicted)
	_, err = r.SeatOf("c1")
	assert.ErrorIs(t, err, ErrNotFound)
	b, err := r.SeatOf("c2")
	require.NoError(t, err)
	assert.Equal(t, engine.SeatOne, b.Seat)
	assert.Equal(t, 1, r.BoundCount("M1"))

	// The evicted connection leaving later must not unbind the new one.
	_, ok := r.Unbind("c1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.BoundCount("M1"))
}

func TestRegistry_DisconnectedFor(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRegistry(clock.Now)
	seat, err := r.Allocate("M1", "alice")
	require.NoError(t, err)
	_, err = r.Bind("c1", "M1", seat)
	require.NoError(t, err)

	_, down := r.DisconnectedFor("M1", seat)
	assert.False(t, down)

	r.Unbind("c1")
	clock.Advance(45 * time.Second)

	d, down := r.DisconnectedFor("M1", seat)
	assert.True(t, down)
	assert.Equal(t, 45*time.Second, d)

	_, err = r.Bind("c2", "M1", seat)
	require.NoError(t, err)
	_, down = r.DisconnectedFor("M1", seat)
	assert.False(t, down)

	_, down = r.DisconnectedFor("M1", engine.SeatTwo)
	assert.False(t, down, "never allocated")
}

func TestRegistry_Forget(t *testing.T) {
	r := NewRegistry(nil)
	seat, _ := r.Allocate("M1", "alice")
	_, err := r.Bind("c1", "M1", seat)
	require.NoError(t, err)

	r.Forget("M1")
	_, err = r.SeatOf("c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, [2]string{}, r.Players("M1"))
}
