package lobby

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/codec"
	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"github.com/DoyleJ11/als-sync-backend/internal/session"
	"github.com/DoyleJ11/als-sync-backend/internal/store"
	"go.uber.org/zap"
)

// maxCommitAttempts bounds transparent retries after a StaleVersionError.
const maxCommitAttempts = 5

var ErrClosed = errors.New("lobby closed")
var errCommitContention = errors.New("commit kept losing to concurrent writers")

type Msg interface{ isLobbyMsg() }

// Outbox is a connection's bounded outbound queue. The lobby closes it when it drops
// the connection; nothing else may close it.
type Outbox chan codec.ServerMessage

type Join struct {
	Conn     session.ConnID
	Identity string
	Outbox   Outbox
	Reply    chan JoinResult
}

func (Join) isLobbyMsg() {}

// Reconnect rebinds a seat. The client gets an ack if it is already current and a full
// snapshot otherwise.
type Reconnect struct {
	Conn             session.ConnID
	Identity         string
	Outbox           Outbox
	LastKnownVersion int
	Reply            chan JoinResult
}

func (Reconnect) isLobbyMsg() {}

// Resync asks for the current state on an already bound connection.
type Resync struct {
	Conn             session.ConnID
	LastKnownVersion int
	Nonce            string
}

func (Resync) isLobbyMsg() {}

type Submit struct {
	Conn   session.ConnID
	Intent codec.Intent
}

func (Submit) isLobbyMsg() {}

type Leave struct{ Conn session.ConnID }

func (Leave) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type JoinResult struct {
	Seat engine.Seat
	Err  error
}

type View struct {
	Phase      engine.Status
	Version    int
	NumClients int
	State      engine.State
}

// Store is the part of the game state store the lobby writes through.
type Store interface {
	Create(matchID string, initial engine.State) error
	Get(matchID string) (store.Snapshot, error)
	Commit(matchID string, base int, next engine.State) error
}

// SetupFunc deals the initial state once both seats are bound.
type SetupFunc func(matchID string, players [2]string) engine.State

type Options struct {
	Store    Store
	Registry *session.Registry
	Logger   *zap.Logger
	Engine   engine.Engine
	// Setup defaults to a randomly seeded engine.NewMatch.
	Setup                SetupFunc
	ReconnectGrace       time.Duration
	ForfeitCheckInterval time.Duration
	// OnFinished receives the final state. It runs on its own goroutine.
	OnFinished func(final engine.State)
	// IdleTimeout is how long a match that never started may sit with nobody connected
	// before OnIdle is called, once. Zero disables it.
	IdleTimeout time.Duration
	OnIdle      func(*Lobby)
	Clock       func() time.Time
}

// Lobby is the synchronization controller of one match. Every message is handled by a
// single goroutine, which makes that goroutine the match's critical section.
type Lobby struct {
	id       string
	inbox    chan Msg
	phase    engine.Status
	outboxes map[session.ConnID]Outbox

	store      Store
	registry   *session.Registry
	logger     *zap.Logger
	engine     engine.Engine
	setup      SetupFunc
	grace      time.Duration
	checkEvery time.Duration
	onFinished func(engine.State)
	idleAfter  time.Duration
	onIdle     func(*Lobby)
	clock      func() time.Time
	emptySince time.Time
	idleSent   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLobby(parent context.Context, matchID string, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		id:         matchID,
		inbox:      make(chan Msg, 64), // Small buffer
		phase:      engine.StatusLobby,
		outboxes:   make(map[session.ConnID]Outbox),
		store:      opts.Store,
		registry:   opts.Registry,
		logger:     opts.Logger,
		engine:     opts.Engine,
		setup:      opts.Setup,
		grace:      opts.ReconnectGrace,
		checkEvery: opts.ForfeitCheckInterval,
		onFinished: opts.OnFinished,
		idleAfter:  opts.IdleTimeout,
		onIdle:     opts.OnIdle,
		clock:      opts.Clock,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.With(zap.String("match_id", matchID))
	if l.engine.Rules == nil {
		l.engine = engine.Default
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	l.emptySince = l.clock()
	if l.checkEvery <= 0 && l.idleAfter > 0 {
		l.checkEvery = l.idleAfter / 2
	}
	if l.setup == nil {
		l.setup = func(id string, players [2]string) engine.State {
			return engine.NewMatch(id, players, rand.Uint64())
		}
	}

	go l.loop()
	return l
}

func (l *Lobby) ID() string { return l.id }

// Expose the inbox so tests or WS layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby loop has exited.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Send delivers m unless the lobby has shut down.
func (l *Lobby) Send(m Msg) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.inbox <- m:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (l *Lobby) loop() {
	defer close(l.done)

	var tick <-chan time.Time
	if l.checkEvery > 0 {
		t := time.NewTicker(l.checkEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case <-tick:
			l.checkForfeit()
			l.checkIdle()

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				seat, err := l.join(msg.Conn, msg.Identity, msg.Outbox, -1)
				msg.Reply <- JoinResult{Seat: seat, Err: err}

			case Reconnect:
				seat, err := l.join(msg.Conn, msg.Identity, msg.Outbox, msg.LastKnownVersion)
				msg.Reply <- JoinResult{Seat: seat, Err: err}

			case Resync:
				if _, ok := l.outboxes[msg.Conn]; ok {
					l.resync(msg.Conn, msg.LastKnownVersion, msg.Nonce)
				}

			case Submit:
				l.submit(msg)

			case Leave:
				if _, ok := l.outboxes[msg.Conn]; ok {
					l.drop(msg.Conn, "left")
				}

			case GetState:
				// reflect internal state without data races
				cur := l.current()
				msg.Reply <- View{
					Phase:      l.phase,
					Version:    cur.Version,
					NumClients: len(l.outboxes),
					State:      cur,
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

// join binds the connection and sends it the current state. lastKnown < 0 means a
// fresh join, which always gets a full snapshot.
func (l *Lobby) join(conn session.ConnID, identity string, out Outbox, lastKnown int) (engine.Seat, error) {
	seat, err := l.registry.Allocate(l.id, identity)
	if err != nil {
		return engine.NoSeat, err
	}
	evicted, err := l.registry.Bind(conn, l.id, seat)
	if err != nil {
		return engine.NoSeat, err
	}
	if evicted != "" {
		l.logger.Info("evicting prior connection", zap.String("conn", string(evicted)), zap.Int("seat", int(seat)))
		l.closeOutbox(evicted)
	}
	l.outboxes[conn] = out

	cur := l.current()
	if lastKnown >= 0 && lastKnown == cur.Version && l.phase != engine.StatusLobby {
		l.send(conn, codec.NewAck(cur.Version, ""))
	} else if msg, err := codec.NewSnapshot(cur, nil); err != nil {
		l.logger.Error("encode snapshot", zap.Error(err))
	} else {
		l.send(conn, msg)
	}
	l.logger.Info("seat bound",
		zap.String("conn", string(conn)),
		zap.String("identity", identity),
		zap.Int("seat", int(seat)),
		zap.Int("last_known_version", lastKnown),
		zap.Int("version", cur.Version),
	)

	if l.phase == engine.StatusLobby && l.registry.BoundCount(l.id) == 2 {
		l.start()
	}
	return seat, nil
}

func (l *Lobby) start() {
	players := l.registry.Players(l.id)
	initial := l.setup(l.id, players)
	initial.MatchID = l.id
	initial.Players = players

	if err := l.store.Create(l.id, initial); err != nil && !errors.Is(err, store.ErrExists) {
		l.logger.Error("create match", zap.Error(err))
		return
	}
	l.phase = engine.StatusInProgress
	l.logger.Info("match started", zap.Strings("players", players[:]))

	cur := l.current()
	msg, err := codec.NewSnapshot(cur, nil)
	if err != nil {
		l.logger.Error("encode snapshot", zap.Error(err))
		return
	}
	l.broadcast(msg)
}

func (l *Lobby) submit(msg Submit) {
	b, err := l.registry.SeatOf(msg.Conn)
	if err != nil || b.MatchID != l.id {
		l.logger.Warn("submit from unbound connection", zap.String("conn", string(msg.Conn)))
		return
	}

	action, err := msg.Intent.Action()
	if err != nil {
		l.send(msg.Conn, codec.NewRejection(l.current().Version, msg.Intent.Nonce, err))
		return
	}
	action.Seat = b.Seat

	if action.Type == engine.ActionReconnect {
		l.resync(msg.Conn, action.LastKnownVersion, action.Nonce)
		return
	}
	if l.phase == engine.StatusLobby {
		l.send(msg.Conn, codec.NewRejection(0, action.Nonce, engine.ErrGameNotStarted))
		return
	}

	base, events, next, err := l.applyAndCommit(action)
	if err != nil {
		l.logger.Debug("action rejected",
			zap.String("conn", string(msg.Conn)),
			zap.String("nonce", action.Nonce),
			zap.Int("version", base.Version),
			zap.Error(err),
		)
		l.send(msg.Conn, codec.NewRejection(base.Version, action.Nonce, err))
		return
	}

	accepted := msg.Intent
	accepted.Seat = b.Seat
	out, err := codec.NewSnapshot(next, &accepted)
	if err != nil {
		l.logger.Error("encode snapshot", zap.Error(err))
		return
	}
	l.broadcast(out)

	if engine.ContainsEvent(events, engine.EvtGameFinished) {
		l.finish(next)
	}
}

// resync answers an in-band reconnect: ack when current, full snapshot otherwise.
func (l *Lobby) resync(conn session.ConnID, lastKnown int, nonce string) {
	cur := l.current()
	if lastKnown == cur.Version && l.phase != engine.StatusLobby {
		l.send(conn, codec.NewAck(cur.Version, nonce))
		return
	}
	msg, err := codec.NewSnapshot(cur, nil)
	if err != nil {
		l.logger.Error("encode snapshot", zap.Error(err))
		return
	}
	l.send(conn, msg)
}

// applyAndCommit runs the engine against the stored state and commits the result,
// retrying against the fresh version when the store reports a stale base.
func (l *Lobby) applyAndCommit(a engine.Action) (engine.State, []engine.Event, engine.State, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		snap, err := l.store.Get(l.id)
		if err != nil {
			return engine.State{}, nil, engine.State{}, err
		}

		events, next, err := l.engine.Apply(snap.State, a)
		if err != nil {
			return snap.State, nil, engine.State{}, err
		}

		err = l.store.Commit(l.id, snap.Version, next)
		var stale *store.StaleVersionError
		if errors.As(err, &stale) {
			l.logger.Debug("stale commit, retrying", zap.Int("base", stale.Base), zap.Int("current", stale.Current))
			continue
		}
		if err != nil {
			return snap.State, nil, engine.State{}, err
		}

		for _, ev := range events {
			l.logger.Debug("event",
				zap.String("type", string(ev.Type)),
				zap.Int("seat", int(ev.Seat)),
				zap.String("card", string(ev.Card)),
				zap.String("theater", string(ev.Theater)),
				zap.Int("version", next.Version),
			)
		}
		return snap.State, events, next, nil
	}
	cur := l.current()
	return cur, nil, engine.State{}, fmt.Errorf("apply %s: %w", a.Nonce, errCommitContention)
}

// checkForfeit forfeits a seat unbound past the grace window. When both are, the
// seat that has been gone longer loses.
func (l *Lobby) checkForfeit() {
	if l.phase != engine.StatusInProgress {
		return
	}
	loser, longest := engine.NoSeat, time.Duration(0)
	for _, seat := range []engine.Seat{engine.SeatOne, engine.SeatTwo} {
		d, down := l.registry.DisconnectedFor(l.id, seat)
		if !down || !engine.ShouldForfeit(d, l.grace) {
			continue
		}
		if loser == engine.NoSeat || d > longest {
			loser, longest = seat, d
		}
	}
	if loser == engine.NoSeat {
		return
	}

	a := engine.Action{Type: engine.ActionForfeit, Seat: loser, Nonce: fmt.Sprintf("forfeit:%d", loser)}
	_, events, next, err := l.applyAndCommit(a)
	if err != nil {
		l.logger.Error("forfeit", zap.Int("seat", int(loser)), zap.Error(err))
		return
	}
	l.logger.Info("seat forfeited", zap.Int("seat", int(loser)), zap.Duration("disconnected", longest))

	msg, err := codec.NewSnapshot(next, nil)
	if err != nil {
		l.logger.Error("encode snapshot", zap.Error(err))
	} else {
		l.broadcast(msg)
	}
	if engine.ContainsEvent(events, engine.EvtGameFinished) {
		l.finish(next)
	}
}

// checkIdle reports a match that never started and has had nobody connected for the
// idle timeout.
func (l *Lobby) checkIdle() {
	if l.idleAfter <= 0 || l.idleSent || l.phase != engine.StatusLobby || len(l.outboxes) > 0 {
		return
	}
	if l.clock().Sub(l.emptySince) < l.idleAfter {
		return
	}
	l.idleSent = true
	l.logger.Info("lobby idle", zap.Duration("empty_for", l.clock().Sub(l.emptySince)))
	if l.onIdle != nil {
		go l.onIdle(l)
	}
}

func (l *Lobby) finish(final engine.State) {
	l.phase = engine.StatusFinished
	l.logger.Info("match finished",
		zap.Int("winner", int(final.Winner)),
		zap.String("reason", string(final.Reason)),
		zap.Int("version", final.Version),
	)
	if l.onFinished != nil {
		go l.onFinished(final)
	}
}

// current is the authoritative state, or a placeholder while waiting for players.
func (l *Lobby) current() engine.State {
	if l.phase != engine.StatusLobby {
		if snap, err := l.store.Get(l.id); err == nil {
			return snap.State
		}
	}
	s := engine.NewEmptyState(l.id, l.registry.Players(l.id))
	s.Status = engine.StatusLobby
	return s
}

// send never blocks. A full queue disconnects that connection only.
func (l *Lobby) send(conn session.ConnID, msg codec.ServerMessage) {
	ch, ok := l.outboxes[conn]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		l.logger.Warn("outbound queue full, disconnecting", zap.String("conn", string(conn)))
		l.drop(conn, "outbound queue overflow")
	}
}

func (l *Lobby) broadcast(msg codec.ServerMessage) {
	for conn := range l.outboxes {
		l.send(conn, msg)
	}
}

// drop unbinds the connection's seat and closes its queue.
func (l *Lobby) drop(conn session.ConnID, reason string) {
	l.registry.Unbind(conn)
	l.closeOutbox(conn)
	l.logger.Info("connection dropped", zap.String("conn", string(conn)), zap.String("reason", reason))
}

func (l *Lobby) closeOutbox(conn session.ConnID) {
	if ch, ok := l.outboxes[conn]; ok {
		close(ch) // Tell client no more messages
		delete(l.outboxes, conn)
		if len(l.outboxes) == 0 {
			l.emptySince = l.clock()
		}
	}
}

func (l *Lobby) shutdown() {
	for conn := range l.outboxes {
		l.registry.Unbind(conn)
		l.closeOutbox(conn)
	}
	l.cancel()
}
