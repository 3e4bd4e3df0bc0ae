package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/DoyleJ11/als-sync-backend/internal/codec"
	"github.com/coder/websocket"
)

// readLimit leaves room for full snapshots late in a match.
const readLimit = 1 << 20

// Conn is one client's link to the authority. Each Reconciler owns its own.
type Conn interface {
	Send(ctx context.Context, in codec.Intent) error
	Receive(ctx context.Context) (codec.ServerMessage, error)
	Close() error
}

type WSConn struct {
	c *websocket.Conn
}

// Dial opens endpoint (for example ws://host:8080/ws) for matchID as player. A
// non-negative lastKnown makes it a reconnect.
func Dial(ctx context.Context, endpoint, matchID, player string, lastKnown int) (*WSConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("match", matchID)
	q.Set("player", player)
	if lastKnown >= 0 {
		q.Set("last_version", strconv.Itoa(lastKnown))
	}
	u.RawQuery = q.Encode()

	c, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", matchID, err)
	}
	c.SetReadLimit(readLimit)
	return &WSConn{c: c}, nil
}

func (w *WSConn) Send(ctx context.Context, in codec.Intent) error {
	data, err := codec.EncodeIntent(in)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *WSConn) Receive(ctx context.Context) (codec.ServerMessage, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return codec.ServerMessage{}, err
	}
	return codec.DecodeState(data)
}

func (w *WSConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}
