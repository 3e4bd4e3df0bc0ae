package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/codec"
	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"github.com/DoyleJ11/als-sync-backend/internal/hub"
	"github.com/DoyleJ11/als-sync-backend/internal/lobby"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedSetup(id string, players [2]string) engine.State {
	s := engine.NewEmptyState(id, players)
	s.Hands[engine.SeatOne] = []engine.CardID{"Fighter Jet", "Heavy Tanks"}
	s.Hands[engine.SeatTwo] = []engine.CardID{"Submarine", "Infantry"}
	return s
}

func newServer(t *testing.T, mutate ...func(*Options)) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(ctx, hub.Options{Logger: zap.NewNop(), Setup: fixedSetup, FinishedRetention: time.Minute})
	require.NotNil(t, h.Create("ABC123"))

	opts := Options{
		Logger:            zap.NewNop(),
		OutboundQueueSize: 8,
		WriteTimeout:      time.Second,
		PingInterval:      time.Minute,
		PingTimeout:       time.Second,
		MaxMessageBytes:   4096,
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv := httptest.NewServer(Handler(h, opts))
	t.Cleanup(srv.Close)
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func read(t *testing.T, c *websocket.Conn) codec.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	msg, err := codec.DecodeState(data)
	require.NoError(t, err)
	return msg
}

func write(t *testing.T, c *websocket.Conn, in codec.Intent) {
	t.Helper()
	data, err := codec.EncodeIntent(in)
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, data))
}

func readClose(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// startMatch connects both players and drains the lobby and start snapshots.
func startMatch(t *testing.T, srv *httptest.Server) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	alice := dial(t, srv, "match=ABC123&player=alice")
	first := read(t, alice)
	require.Equal(t, codec.StateSnapshot, first.Type)

	bob := dial(t, srv, "match=ABC123&player=bob")
	_ = read(t, bob)
	for _, c := range []*websocket.Conn{alice, bob} {
		msg := read(t, c)
		p, err := msg.Snapshot()
		require.NoError(t, err)
		require.Equal(t, engine.StatusInProgress, p.Match.Status)
	}
	return alice, bob
}

func TestHandler_PlayIsBroadcast(t *testing.T) {
	srv, _ := newServer(t)
	alice, bob := startMatch(t, srv)

	in, err := codec.NewPlayCard(engine.SeatOne, "n1", "Fighter Jet", engine.TheaterAir, false)
	require.NoError(t, err)
	write(t, alice, in)

	for _, c := range []*websocket.Conn{alice, bob} {
		msg := read(t, c)
		assert.Equal(t, codec.StateSnapshot, msg.Type)
		assert.Equal(t, 1, msg.Version)
		p, err := msg.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, engine.SeatTwo, p.Match.Turn)
	}
}

func TestHandler_RejectionOnlyToSubmitter(t *testing.T) {
	srv, _ := newServer(t)
	_, bob := startMatch(t, srv)

	in, err := codec.NewPlayCard(engine.SeatTwo, "m1", "Submarine", engine.TheaterSea, false)
	require.NoError(t, err)
	write(t, bob, in)

	msg := read(t, bob)
	require.Equal(t, codec.StateRejection, msg.Type)
	p, err := msg.Rejection()
	require.NoError(t, err)
	assert.Equal(t, codec.ReasonNotYourTurn, p.Reason)
	assert.Equal(t, 0, msg.Version)
}

func TestHandler_MalformedIntentClosesConnection(t *testing.T) {
	srv, _ := newServer(t)
	alice, _ := startMatch(t, srv)

	require.NoError(t, alice.Write(context.Background(), websocket.MessageText, []byte(`{"type":"play_card"`)))
	assert.Equal(t, websocket.StatusPolicyViolation, readClose(t, alice))
}

func TestHandler_SeatMismatchClosesConnection(t *testing.T) {
	srv, _ := newServer(t)
	alice, _ := startMatch(t, srv)

	in, err := codec.NewPlayCard(engine.SeatTwo, "n1", "Submarine", engine.TheaterSea, false)
	require.NoError(t, err)
	write(t, alice, in)
	assert.Equal(t, websocket.StatusPolicyViolation, readClose(t, alice))
}

func TestHandler_ReconnectWithCurrentVersionGetsAck(t *testing.T) {
	srv, _ := newServer(t)
	alice, _ := startMatch(t, srv)
	alice.Close(websocket.StatusNormalClosure, "bye")

	again := dial(t, srv, "match=ABC123&player=alice&last_version=0")
	msg := read(t, again)
	assert.Equal(t, codec.StateAck, msg.Type)
	assert.Equal(t, 0, msg.Version)
}

func TestHandler_BadRequests(t *testing.T) {
	srv, _ := newServer(t)

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{name: "missing player", query: "match=ABC123", want: http.StatusBadRequest},
		{name: "bad version", query: "match=ABC123&player=alice&last_version=x", want: http.StatusBadRequest},
		{name: "reconnect to unknown match", query: "match=NOPE00&player=alice&last_version=3", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + tc.query
			_, resp, err := websocket.Dial(ctx, url, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestHandler_ThirdPlayerRefused(t *testing.T) {
	srv, _ := newServer(t)
	startMatch(t, srv)

	carol := dial(t, srv, "match=ABC123&player=carol")
	assert.Equal(t, websocket.StatusPolicyViolation, readClose(t, carol))
}

func numClients(t *testing.T, h *hub.Hub, id string) int {
	t.Helper()
	lb := h.Get(id)
	require.NotNil(t, lb)
	reply := make(chan lobby.View, 1)
	require.NoError(t, lb.Send(lobby.GetState{Reply: reply}))
	select {
	case v := <-reply:
		return v.NumClients
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return 0
	}
}

// keepReading drains c in the background the way a browser would, which also answers
// pings.
func keepReading(c *websocket.Conn) {
	go func() {
		for {
			if _, _, err := c.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}

func TestHandler_IdlePlayersStayBound(t *testing.T) {
	srv, h := newServer(t, func(o *Options) {
		o.PingInterval = 20 * time.Millisecond
		o.PingTimeout = 200 * time.Millisecond
	})
	alice, bob := startMatch(t, srv)
	keepReading(alice)
	keepReading(bob)

	// Well past several heartbeats with nobody sending anything.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, numClients(t, h, "ABC123"))
}

func TestHandler_UnresponsivePeerDropped(t *testing.T) {
	srv, h := newServer(t, func(o *Options) {
		o.PingInterval = 20 * time.Millisecond
		o.PingTimeout = 50 * time.Millisecond
	})
	alice := dial(t, srv, "match=ABC123&player=alice")
	_ = read(t, alice)
	require.Equal(t, 1, numClients(t, h, "ABC123"))

	// alice never reads again, so pongs are never sent.
	require.Eventually(t, func() bool { return numClients(t, h, "ABC123") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_FreshJoinOpensMatch(t *testing.T) {
	srv, h := newServer(t)
	require.Nil(t, h.Get("NEW123"))

	alice := dial(t, srv, "match=NEW123&player=alice")
	msg := read(t, alice)
	p, err := msg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLobby, p.Match.Status)
	assert.Equal(t, "NEW123", p.Match.MatchID)
	assert.NotNil(t, h.Get("NEW123"))
}
