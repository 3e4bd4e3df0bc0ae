package hub

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/archive"
	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"github.com/DoyleJ11/als-sync-backend/internal/lobby"
	"github.com/DoyleJ11/als-sync-backend/internal/session"
	"github.com/DoyleJ11/als-sync-backend/internal/store"
	"go.uber.org/zap"
)

const archiveTimeout = 5 * time.Second

type HubMsg interface{ isHubMsg() }

// CreateMatch replies with nil if the id is taken.
type CreateMatch struct {
	ID    string
	Reply chan *lobby.Lobby
}

type GetMatch struct {
	ID    string
	Reply chan *lobby.Lobby
}

type EnsureMatch struct {
	ID    string
	Reply chan *lobby.Lobby
}

// RemoveMatch shuts a match down. A non-nil Lobby limits removal to that instance, so a
// late request cannot take down a newer match reusing the id.
type RemoveMatch struct {
	ID    string
	Lobby *lobby.Lobby
}

// MatchFinished is sent by a lobby once its match has a winner.
type MatchFinished struct {
	Final engine.State
}

type ShutdownHub struct{}

func (CreateMatch) isHubMsg()   {}
func (GetMatch) isHubMsg()      {}
func (EnsureMatch) isHubMsg()   {}
func (RemoveMatch) isHubMsg()   {}
func (MatchFinished) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

type Options struct {
	Store    *store.Store
	Registry *session.Registry
	Archive  archive.Archive
	Logger   *zap.Logger
	Engine   engine.Engine
	Setup    lobby.SetupFunc

	ReconnectGrace       time.Duration
	ForfeitCheckInterval time.Duration
	// FinishedRetention is how long a finished match stays reachable before removal.
	FinishedRetention time.Duration
	// IdleLobbyTimeout removes a match that never started once nobody has been connected
	// for this long. Zero keeps such matches until shutdown.
	IdleLobbyTimeout time.Duration
}

// Hub owns the directory of live matches.
type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	opts    Options
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Store == nil {
		opts.Store = store.New()
	}
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(time.Now)
	}
	if opts.Archive == nil {
		opts.Archive = archive.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		opts:    opts,
		logger:  opts.Logger.Named("hub"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.done }

// Archive exposes the archive so finished matches can still be read after removal.
func (h *Hub) Archive() archive.Archive { return h.opts.Archive }

// Send delivers m unless the hub has shut down.
func (h *Hub) Send(m HubMsg) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	}
}

// Get is a blocking GetMatch round trip. It returns nil once the hub is gone.
func (h *Hub) Get(id string) *lobby.Lobby {
	return h.ask(func(reply chan *lobby.Lobby) HubMsg { return GetMatch{ID: id, Reply: reply} })
}

func (h *Hub) Create(id string) *lobby.Lobby {
	return h.ask(func(reply chan *lobby.Lobby) HubMsg { return CreateMatch{ID: id, Reply: reply} })
}

func (h *Hub) Ensure(id string) *lobby.Lobby {
	return h.ask(func(reply chan *lobby.Lobby) HubMsg { return EnsureMatch{ID: id, Reply: reply} })
}

func (h *Hub) ask(build func(chan *lobby.Lobby) HubMsg) *lobby.Lobby {
	reply := make(chan *lobby.Lobby, 1)
	if !h.Send(build(reply)) {
		return nil
	}
	select {
	case lb := <-reply:
		return lb
	case <-h.done:
		return nil
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateMatch:
				if h.lobbies[msg.ID] != nil {
					msg.Reply <- nil
					break
				}
				msg.Reply <- h.open(msg.ID)

			case GetMatch:
				msg.Reply <- h.lobbies[msg.ID] // May be nil

			case EnsureMatch:
				if lb := h.lobbies[msg.ID]; lb != nil {
					msg.Reply <- lb
					break
				}
				msg.Reply <- h.open(msg.ID)

			case MatchFinished:
				h.finished(msg.Final)

			case RemoveMatch:
				if msg.Lobby != nil && h.lobbies[msg.ID] != msg.Lobby {
					break
				}
				h.remove(msg.ID)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) open(id string) *lobby.Lobby {
	lb := lobby.NewLobby(h.ctx, id, lobby.Options{
		Store:                h.opts.Store,
		Registry:             h.opts.Registry,
		Logger:               h.opts.Logger,
		Engine:               h.opts.Engine,
		Setup:                h.opts.Setup,
		ReconnectGrace:       h.opts.ReconnectGrace,
		ForfeitCheckInterval: h.opts.ForfeitCheckInterval,
		OnFinished:           func(final engine.State) { h.Send(MatchFinished{Final: final}) },
		IdleTimeout:          h.opts.IdleLobbyTimeout,
		OnIdle: func(idle *lobby.Lobby) {
			h.logger.Info("removing idle match", zap.String("match_id", id))
			h.Send(RemoveMatch{ID: id, Lobby: idle})
		},
	})
	h.lobbies[id] = lb
	h.logger.Info("match opened", zap.String("match_id", id))
	return lb
}

// finished archives the final state off the hub goroutine and schedules removal.
func (h *Hub) finished(final engine.State) {
	id := final.MatchID
	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, archiveTimeout)
		defer cancel()
		err := h.opts.Archive.Save(ctx, final)
		switch {
		case errors.Is(err, archive.ErrArchived):
			h.logger.Warn("match already archived", zap.String("match_id", id))
		case err != nil:
			h.logger.Error("archive match", zap.String("match_id", id), zap.Error(err))
		default:
			h.logger.Info("match archived", zap.String("match_id", id), zap.Int("version", final.Version))
		}
	}()
	lb := h.lobbies[id]
	time.AfterFunc(h.opts.FinishedRetention, func() { h.Send(RemoveMatch{ID: id, Lobby: lb}) })
}

func (h *Hub) remove(id string) {
	lb, ok := h.lobbies[id]
	if !ok {
		return
	}
	_ = lb.Send(lobby.Shutdown{})
	delete(h.lobbies, id)
	h.opts.Store.Delete(id)
	h.opts.Registry.Forget(id)
	h.logger.Info("match removed", zap.String("match_id", id))
}

func (h *Hub) shutdown() {
	for id := range h.lobbies {
		h.remove(id)
	}
	h.cancel()
}
