package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/codec"
	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotReady means no snapshot naming this player's seat has arrived yet.
	ErrNotReady = errors.New("no authoritative state yet")
)

type Options struct {
	Conn     Conn
	Identity string
	Engine   engine.Engine
	Logger   *zap.Logger
	// PendingTimeout is how long an action may stay unconfirmed before it is resent once.
	PendingTimeout time.Duration
	Clock          func() time.Time
	NewNonce       func() string
}

type pending struct {
	intent  codec.Intent
	action  engine.Action
	sentAt  time.Time
	retried bool
}

// Reconciler keeps a client's displayed state: the last authoritative snapshot with
// its own unconfirmed actions applied on top.
type Reconciler struct {
	conn     Conn
	identity string
	engine   engine.Engine
	logger   *zap.Logger
	timeout  time.Duration
	clock    func() time.Time
	newNonce func() string

	mu        sync.Mutex
	seat      engine.Seat
	synced    bool
	confirmed engine.State
	displayed engine.State
	pending   []*pending

	subMu       sync.Mutex
	nextSub     int
	onSnapshot  map[int]func(engine.State)
	onRejection map[int]func(codec.RejectionPayload)
	onFailure   map[int]func(codec.Intent)
}

func NewReconciler(opts Options) *Reconciler {
	r := &Reconciler{
		conn:        opts.Conn,
		identity:    opts.Identity,
		engine:      opts.Engine,
		logger:      opts.Logger,
		timeout:     opts.PendingTimeout,
		clock:       opts.Clock,
		newNonce:    opts.NewNonce,
		seat:        engine.NoSeat,
		onSnapshot:  make(map[int]func(engine.State)),
		onRejection: make(map[int]func(codec.RejectionPayload)),
		onFailure:   make(map[int]func(codec.Intent)),
	}
	if r.engine.Rules == nil {
		r.engine = engine.Default
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.newNonce == nil {
		r.newNonce = uuid.NewString
	}
	return r
}

// OnSnapshot registers fn for every change of the displayed state. Call the returned
// func to unsubscribe.
func (r *Reconciler) OnSnapshot(fn func(engine.State)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.onSnapshot[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.onSnapshot, id)
	}
}

func (r *Reconciler) OnRejection(fn func(codec.RejectionPayload)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.onRejection[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.onRejection, id)
	}
}

// OnFailure reports actions that stayed unconfirmed after their one retry.
func (r *Reconciler) OnFailure(fn func(codec.Intent)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.onFailure[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.onFailure, id)
	}
}

func (r *Reconciler) Displayed() engine.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.displayed.Clone()
}

func (r *Reconciler) Seat() engine.Seat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seat
}

// Pending lists the nonces of unconfirmed actions, oldest first.
func (r *Reconciler) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.intent.Nonce)
	}
	return out
}

func (r *Reconciler) SubmitAction(ctx context.Context, card engine.CardID, theater engine.Theater) error {
	return r.play(ctx, card, theater, false)
}

func (r *Reconciler) SubmitFaceDown(ctx context.Context, card engine.CardID, theater engine.Theater) error {
	return r.play(ctx, card, theater, true)
}

func (r *Reconciler) play(ctx context.Context, card engine.CardID, theater engine.Theater, faceDown bool) error {
	return r.submit(ctx, func(seat engine.Seat, nonce string) (codec.Intent, error) {
		return codec.NewPlayCard(seat, nonce, card, theater, faceDown)
	})
}

func (r *Reconciler) Resign(ctx context.Context) error {
	return r.submit(ctx, func(seat engine.Seat, nonce string) (codec.Intent, error) {
		return codec.Intent{Type: codec.IntentResign, Seat: seat, Nonce: nonce}, nil
	})
}

// submit applies the action locally, queues it as pending and sends it. A locally
// rejected action is returned as an error and never sent.
func (r *Reconciler) submit(ctx context.Context, build func(engine.Seat, string) (codec.Intent, error)) error {
	r.mu.Lock()
	if !r.synced || r.seat == engine.NoSeat {
		r.mu.Unlock()
		return ErrNotReady
	}
	in, err := build(r.seat, r.newNonce())
	if err != nil {
		r.mu.Unlock()
		return err
	}
	action, err := in.Action()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	_, next, err := r.engine.Apply(r.displayed, action)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.displayed = next
	r.pending = append(r.pending, &pending{intent: in, action: action, sentAt: r.clock()})
	shown := r.displayed.Clone()
	r.mu.Unlock()

	r.emitSnapshot(shown)
	if err := r.conn.Send(ctx, in); err != nil {
		// Stays pending; CheckPending resends it.
		return fmt.Errorf("send %s: %w", in.Nonce, err)
	}
	return nil
}

// Resync asks the authority for anything newer than the confirmed version.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	if !r.synced || r.seat == engine.NoSeat {
		r.mu.Unlock()
		return ErrNotReady
	}
	in, err := codec.NewReconnect(r.seat, r.newNonce(), r.confirmed.Version)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.conn.Send(ctx, in)
}

// Handle folds one authoritative message into the local view.
func (r *Reconciler) Handle(msg codec.ServerMessage) error {
	switch msg.Type {
	case codec.StateSnapshot:
		p, err := msg.Snapshot()
		if err != nil {
			return err
		}
		r.applySnapshot(p.Match)

	case codec.StateRejection:
		p, err := msg.Rejection()
		if err != nil {
			return err
		}
		r.applyRejection(p)

	case codec.StateAck:
		p, err := msg.Ack()
		if err != nil {
			return err
		}
		r.logger.Debug("in sync", zap.Int("version", msg.Version), zap.String("nonce", p.Nonce))

	default:
		return fmt.Errorf("unknown state message type %q", msg.Type)
	}
	return nil
}

func (r *Reconciler) applySnapshot(s engine.State) {
	r.mu.Lock()
	if r.synced && s.Version <= r.confirmed.Version && s.Status == r.confirmed.Status {
		r.mu.Unlock()
		return
	}
	r.confirmed = s
	r.synced = true
	if r.seat == engine.NoSeat {
		r.seat = s.SeatOf(r.identity)
	}

	kept := r.pending[:0]
	for _, p := range r.pending {
		if _, done := s.Applied[p.intent.Nonce]; !done {
			kept = append(kept, p)
		}
	}
	r.pending = kept
	failed := r.rebaseLocked()
	shown := r.displayed.Clone()
	r.mu.Unlock()

	r.emitSnapshot(shown)
	r.emitFailures(failed)
}

func (r *Reconciler) applyRejection(p codec.RejectionPayload) {
	r.mu.Lock()
	for i, pa := range r.pending {
		if pa.intent.Nonce == p.Nonce {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	failed := r.rebaseLocked()
	shown := r.displayed.Clone()
	r.mu.Unlock()

	r.logger.Info("action rejected", zap.String("nonce", p.Nonce), zap.String("reason", string(p.Reason)))
	r.emitRejection(p)
	r.emitSnapshot(shown)
	r.emitFailures(failed)
}

// rebaseLocked rebuilds the displayed state from the confirmed one plus the actions
// still pending. Pending actions that no longer apply are dropped and returned.
func (r *Reconciler) rebaseLocked() []codec.Intent {
	var failed []codec.Intent
	shown := r.confirmed
	kept := r.pending[:0]
	for _, p := range r.pending {
		_, next, err := r.engine.Apply(shown, p.action)
		if err != nil {
			failed = append(failed, p.intent)
			continue
		}
		shown = next
		kept = append(kept, p)
	}
	r.pending = kept
	r.displayed = shown
	return failed
}

// CheckPending resends actions that timed out once and gives up on those that timed
// out again.
func (r *Reconciler) CheckPending(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	var resend []codec.Intent
	var failed []codec.Intent
	kept := r.pending[:0]
	for _, p := range r.pending {
		if now.Sub(p.sentAt) < r.timeout {
			kept = append(kept, p)
			continue
		}
		if !p.retried {
			p.retried = true
			p.sentAt = now
			resend = append(resend, p.intent)
			kept = append(kept, p)
			continue
		}
		failed = append(failed, p.intent)
	}
	r.pending = kept
	var shown engine.State
	if len(failed) > 0 {
		failed = append(failed, r.rebaseLocked()...)
		shown = r.displayed.Clone()
	}
	r.mu.Unlock()

	var err error
	for _, in := range resend {
		r.logger.Info("retrying action", zap.String("nonce", in.Nonce))
		err = multierr.Append(err, r.conn.Send(ctx, in))
	}
	if len(failed) > 0 {
		r.emitSnapshot(shown)
		r.emitFailures(failed)
	}
	return err
}

// Run receives state messages and checks pending actions until ctx ends or the
// connection fails.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			msg, err := r.conn.Receive(ctx)
			if err != nil {
				return err
			}
			if err := r.Handle(msg); err != nil {
				r.logger.Warn("bad state message", zap.Error(err))
			}
		}
	})

	g.Go(func() error {
		t := time.NewTicker(r.timeout / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if err := r.CheckPending(ctx, r.clock()); err != nil {
					r.logger.Warn("resend failed", zap.Error(err))
				}
			}
		}
	})

	return g.Wait()
}

func (r *Reconciler) emitSnapshot(s engine.State) {
	r.subMu.Lock()
	fns := make([]func(engine.State), 0, len(r.onSnapshot))
	for _, fn := range r.onSnapshot {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (r *Reconciler) emitRejection(p codec.RejectionPayload) {
	r.subMu.Lock()
	fns := make([]func(codec.RejectionPayload), 0, len(r.onRejection))
	for _, fn := range r.onRejection {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (r *Reconciler) emitFailures(failed []codec.Intent) {
	if len(failed) == 0 {
		return
	}
	r.subMu.Lock()
	fns := make([]func(codec.Intent), 0, len(r.onFailure))
	for _, fn := range r.onFailure {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	for _, in := range failed {
		r.logger.Warn("action failed", zap.String("nonce", in.Nonce))
		for _, fn := range fns {
			fn(in)
		}
	}
}
