package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/codec"
	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	sent     chan codec.Intent
	incoming chan codec.ServerMessage
	sendErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan codec.Intent, 16), incoming: make(chan codec.ServerMessage, 16)}
}

func (f *fakeConn) Send(_ context.Context, in codec.Intent) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent <- in
	return nil
}

func (f *fakeConn) Receive(ctx context.Context) (codec.ServerMessage, error) {
	select {
	case m := <-f.incoming:
		return m, nil
	case <-ctx.Done():
		return codec.ServerMessage{}, ctx.Err()
	}
}

func (f *fakeConn) Close() error { return nil }

func recvSent(t *testing.T, f *fakeConn) codec.Intent {
	t.Helper()
	select {
	case in := <-f.sent:
		return in
	case <-time.After(time.Second):
		t.Fatalf("nothing sent")
		return codec.Intent{}
	}
}

type fixture struct {
	conn  *fakeConn
	rec   *Reconciler
	now   time.Time
	mu    sync.Mutex
	seq   int
	start engine.State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{conn: newFakeConn(), now: time.Unix(1000, 0)}
	f.rec = NewReconciler(Options{
		Conn:           f.conn,
		Identity:       "alice",
		Logger:         zaptest.NewLogger(t),
		PendingTimeout: time.Second,
		Clock:          func() time.Time { return f.now },
		NewNonce: func() string {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.seq++
			return fmt.Sprintf("n%d", f.seq)
		},
	})

	s := engine.NewEmptyState("M1", [2]string{"alice", "bob"})
	s.Hands[engine.SeatOne] = []engine.CardID{"Fighter Jet", "Heavy Tanks"}
	s.Hands[engine.SeatTwo] = []engine.CardID{"Submarine", "Infantry"}
	f.start = s
	return f
}

func snapshotMsg(t *testing.T, s engine.State) codec.ServerMessage {
	t.Helper()
	msg, err := codec.NewSnapshot(s, nil)
	require.NoError(t, err)
	return msg
}

// authoritative applies the action the way the server would.
func authoritative(t *testing.T, s engine.State, in codec.Intent) engine.State {
	t.Helper()
	a, err := in.Action()
	require.NoError(t, err)
	_, next, err := engine.Apply(s, a)
	require.NoError(t, err)
	return next
}

func TestReconciler_NotReadyBeforeSnapshot(t *testing.T) {
	f := newFixture(t)
	err := f.rec.SubmitAction(context.Background(), "Fighter Jet", engine.TheaterAir)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, f.rec.Resync(context.Background()), ErrNotReady)
}

func TestReconciler_OptimisticThenConfirmed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))
	assert.Equal(t, engine.SeatOne, f.rec.Seat())

	var seen []int
	unsubscribe := f.rec.OnSnapshot(func(s engine.State) { seen = append(seen, s.Version) })
	defer unsubscribe()

	require.NoError(t, f.rec.SubmitAction(context.Background(), "Fighter Jet", engine.TheaterAir))
	sent := recvSent(t, f.conn)
	assert.Equal(t, codec.IntentPlayCard, sent.Type)
	assert.Equal(t, engine.SeatOne, sent.Seat)

	shown := f.rec.Displayed()
	assert.Equal(t, []engine.PlayedCard{{Card: "Fighter Jet", Owner: engine.SeatOne, FaceUp: true}}, shown.Theaters[engine.TheaterAir])
	assert.Equal(t, []string{sent.Nonce}, f.rec.Pending())

	confirmed := authoritative(t, f.start, sent)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, confirmed)))
	assert.Empty(t, f.rec.Pending())
	assert.Equal(t, 1, f.rec.Displayed().Version)
	assert.Equal(t, []int{1, 1}, seen)
}

func TestReconciler_LocalRuleRejectionNotSent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))

	err := f.rec.SubmitAction(context.Background(), "Submarine", engine.TheaterSea)
	assert.ErrorIs(t, err, engine.ErrCardNotHeld)
	assert.Empty(t, f.rec.Pending())
	select {
	case in := <-f.conn.sent:
		t.Fatalf("unexpected send %s", in.Nonce)
	default:
	}
}

func TestReconciler_RejectionRevertsToConfirmed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))

	var rejected []codec.Reason
	defer f.rec.OnRejection(func(p codec.RejectionPayload) { rejected = append(rejected, p.Reason) })()

	require.NoError(t, f.rec.SubmitAction(context.Background(), "Fighter Jet", engine.TheaterAir))
	sent := recvSent(t, f.conn)

	require.NoError(t, f.rec.Handle(codec.NewRejection(0, sent.Nonce, engine.ErrNotYourTurn)))
	assert.Equal(t, []codec.Reason{codec.ReasonNotYourTurn}, rejected)
	assert.Empty(t, f.rec.Pending())
	shown := f.rec.Displayed()
	assert.Empty(t, shown.Theaters[engine.TheaterAir])
	assert.Equal(t, 0, shown.Version)
}

func TestReconciler_NewerSnapshotReplacesWholesale(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))

	// Someone else's move arrives while ours is in flight; ours is no longer legal.
	require.NoError(t, f.rec.SubmitAction(context.Background(), "Fighter Jet", engine.TheaterAir))
	sent := recvSent(t, f.conn)

	var failed []string
	defer f.rec.OnFailure(func(in codec.Intent) { failed = append(failed, in.Nonce) })()

	other := f.start.Clone()
	other.Turn = engine.SeatTwo
	other.Version = 1
	require.NoError(t, f.rec.Handle(snapshotMsg(t, other)))

	assert.Equal(t, []string{sent.Nonce}, failed)
	assert.Empty(t, f.rec.Pending())
	assert.Equal(t, engine.SeatTwo, f.rec.Displayed().Turn)
}

func TestReconciler_StaleSnapshotIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))
	require.NoError(t, f.rec.SubmitAction(context.Background(), "Fighter Jet", engine.TheaterAir))
	recvSent(t, f.conn)

	// A resync of the version we already hold keeps the optimistic move.
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))
	assert.Len(t, f.rec.Pending(), 1)
	assert.Len(t, f.rec.Displayed().Theaters[engine.TheaterAir], 1)
}

func TestReconciler_RetryOnceThenFail(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))

	var failed []string
	defer f.rec.OnFailure(func(in codec.Intent) { failed = append(failed, in.Nonce) })()

	require.NoError(t, f.rec.SubmitAction(context.Background(), "Fighter Jet", engine.TheaterAir))
	sent := recvSent(t, f.conn)
	ctx := context.Background()

	require.NoError(t, f.rec.CheckPending(ctx, f.now.Add(500*time.Millisecond)))
	assert.Empty(t, f.conn.sent)

	require.NoError(t, f.rec.CheckPending(ctx, f.now.Add(time.Second)))
	resent := recvSent(t, f.conn)
	assert.Equal(t, sent, resent)
	assert.Empty(t, failed)

	require.NoError(t, f.rec.CheckPending(ctx, f.now.Add(2*time.Second)))
	assert.Equal(t, []string{sent.Nonce}, failed)
	assert.Empty(t, f.rec.Pending())
	assert.Empty(t, f.rec.Displayed().Theaters[engine.TheaterAir])
}

func TestReconciler_SendFailureStaysPending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))
	f.conn.sendErr = errors.New("link down")

	err := f.rec.SubmitAction(context.Background(), "Fighter Jet", engine.TheaterAir)
	require.Error(t, err)
	assert.Len(t, f.rec.Pending(), 1)
}

func TestReconciler_Resync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))

	require.NoError(t, f.rec.Resync(context.Background()))
	in := recvSent(t, f.conn)
	require.Equal(t, codec.IntentReconnect, in.Type)
	a, err := in.Action()
	require.NoError(t, err)
	assert.Equal(t, 0, a.LastKnownVersion)

	require.NoError(t, f.rec.Handle(codec.NewAck(0, in.Nonce)))
}

func TestReconciler_UnsubscribeStopsDelivery(t *testing.T) {
	f := newFixture(t)
	calls := 0
	unsubscribe := f.rec.OnSnapshot(func(engine.State) { calls++ })

	require.NoError(t, f.rec.Handle(snapshotMsg(t, f.start)))
	unsubscribe()
	next := f.start.Clone()
	next.Version = 1
	require.NoError(t, f.rec.Handle(snapshotMsg(t, next)))
	assert.Equal(t, 1, calls)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() { errs <- f.rec.Run(ctx) }()

	f.conn.incoming <- snapshotMsg(t, f.start)
	require.Eventually(t, func() bool { return f.rec.Seat() == engine.SeatOne }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}
}
