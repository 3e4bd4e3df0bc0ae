package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/codec"
	"github.com/DoyleJ11/als-sync-backend/internal/hub"
	"github.com/DoyleJ11/als-sync-backend/internal/lobby"
	"github.com/DoyleJ11/als-sync-backend/internal/session"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	Logger            *zap.Logger
	OutboundQueueSize int
	WriteTimeout      time.Duration
	// PingInterval spaces heartbeat pings. Reads have no deadline, so a peer that stops
	// answering pings within PingTimeout is what gets a connection dropped.
	PingInterval    time.Duration
	PingTimeout     time.Duration
	MaxMessageBytes int64
	// OriginPatterns are passed to websocket.Accept. Empty means same origin only.
	OriginPatterns []string
}

// Handler upgrades /ws?match=ID&player=NAME[&last_version=N] and bridges the socket to
// the match's lobby. A fresh join opens the match if it does not exist yet; a
// last_version parameter makes the join a reconnect, which needs a live match.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		matchID, player := q.Get("match"), q.Get("player")
		if matchID == "" || player == "" {
			http.Error(w, "missing match or player", http.StatusBadRequest)
			return
		}
		lastKnown := -1
		if v := q.Get("last_version"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "bad last_version", http.StatusBadRequest)
				return
			}
			lastKnown = n
		}

		var lb *lobby.Lobby
		if lastKnown >= 0 {
			lb = h.Get(matchID)
		} else {
			lb = h.Ensure(matchID)
		}
		if lb == nil {
			http.Error(w, "match not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", zap.Error(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(opts.MaxMessageBytes)

		connID := session.ConnID(uuid.NewString())
		log := logger.With(zap.String("match_id", matchID), zap.String("conn", string(connID)), zap.String("player", player))

		out := make(lobby.Outbox, opts.OutboundQueueSize)
		reply := make(chan lobby.JoinResult, 1)
		var join lobby.Msg = lobby.Join{Conn: connID, Identity: player, Outbox: out, Reply: reply}
		if lastKnown >= 0 {
			join = lobby.Reconnect{Conn: connID, Identity: player, Outbox: out, LastKnownVersion: lastKnown, Reply: reply}
		}
		if err := lb.Send(join); err != nil {
			conn.Close(websocket.StatusGoingAway, "match closed")
			return
		}

		var res lobby.JoinResult
		select {
		case res = <-reply:
		case <-lb.Done():
			conn.Close(websocket.StatusGoingAway, "match closed")
			return
		}
		if res.Err != nil {
			log.Info("join refused", zap.Error(res.Err))
			conn.Close(websocket.StatusPolicyViolation, res.Err.Error())
			return
		}
		defer func() { _ = lb.Send(lobby.Leave{Conn: connID}) }()
		log.Info("client connected", zap.Int("seat", int(res.Seat)))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var wg sync.WaitGroup

		// Writer goroutine
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-out:
					if !ok {
						// The lobby dropped us: evicted or too slow to keep up.
						conn.Close(websocket.StatusPolicyViolation, "disconnected by server")
						return
					}
					data, err := codec.EncodeState(msg)
					if err != nil {
						log.Error("encode state", zap.Error(err))
						continue
					}
					wctx, wcancel := context.WithTimeout(ctx, opts.WriteTimeout)
					err = conn.Write(wctx, websocket.MessageText, data)
					wcancel()
					if err != nil {
						log.Debug("write failed", zap.Error(err))
						return
					}
				}
			}
		}()

		if opts.PingInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				heartbeat(ctx, cancel, conn, opts.PingInterval, opts.PingTimeout, log)
			}()
		}

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Info("client closed")
				default:
					log.Debug("read ended", zap.Error(err))
				}
				break
			}

			intent, err := codec.DecodeIntent(data)
			if err == nil && intent.Seat != res.Seat {
				err = &codec.ProtocolError{Reason: "seat does not match connection"}
			}
			if err != nil {
				reason := "protocol error"
				var perr *codec.ProtocolError
				if errors.As(err, &perr) {
					reason = perr.Reason
				}
				log.Warn("protocol error, closing", zap.Error(err))
				conn.Close(websocket.StatusPolicyViolation, reason)
				break
			}

			if err := lb.Send(lobby.Submit{Conn: connID, Intent: intent}); err != nil {
				conn.Close(websocket.StatusGoingAway, "match closed")
				break
			}
		}

		cancel()
		wg.Wait()
	}
}

// heartbeat pings until ctx ends. A missing pong closes the connection, which ends the
// read loop. Pongs are only processed while a Read is in flight.
func heartbeat(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, every, timeout time.Duration, log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Info("heartbeat failed, closing", zap.Error(err))
				}
				conn.CloseNow()
				cancel()
				return
			}
		}
	}
}
