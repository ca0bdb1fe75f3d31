package switchgateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSwitch is a minimal switch control socket for tests: it authenticates
// connections and answers commands from a scripted handler. Every
// authenticated server-side conn is delivered on conns so tests can sever it.
type fakeSwitch struct {
	t        *testing.T
	server   *httptest.Server
	password string
	conns    chan *websocket.Conn
	onFrame  func(conn *websocket.Conn, frame commandFrame)
}

func newFakeSwitch(t *testing.T, password string, onFrame func(conn *websocket.Conn, frame commandFrame)) *fakeSwitch {
	fs := &fakeSwitch{t: t, password: password, conns: make(chan *websocket.Conn, 8), onFrame: onFrame}
	upgrader := websocket.Upgrader{}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth commandFrame
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		ok := auth.Type == frameAuth && auth.Password == fs.password
		reply := serverFrame{Type: frameReply, RequestID: auth.RequestID, OK: ok}
		if !ok {
			reply.ErrorText = "bad credentials"
		}
		if err := conn.WriteJSON(reply); err != nil || !ok {
			return
		}
		fs.conns <- conn

		for {
			var frame commandFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if fs.onFrame != nil {
				fs.onFrame(conn, frame)
			}
		}
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeSwitch) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		Username:       "svc",
		Password:       "secret",
		ConnectTimeout: 2 * time.Second,
		MaxReconnects:  1,
		EventBuffer:    16,
	}
}

func TestGateway_OriginateFailsFastWhenDisconnected(t *testing.T) {
	g := New(testConfig("ws://127.0.0.1:1/none"), testLogger())

	start := time.Now()
	_, err := g.Originate(context.Background(), "+14155550100", "sip:dest@example.com", domain.CallMetadata{TenantID: "t"})
	assert.ErrorIs(t, err, domain.ErrSwitchUnavailable)
	assert.Less(t, time.Since(start), time.Second, "must fail fast, not queue or block")
}

func TestGateway_OriginateRequiresTenant(t *testing.T) {
	g := New(testConfig("ws://127.0.0.1:1/none"), testLogger())
	_, err := g.Originate(context.Background(), "+14155550100", "sip:dest@example.com", domain.CallMetadata{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSwitchUnavailable)
}

func TestGateway_ConnectRejectedCredentials(t *testing.T) {
	fs := newFakeSwitch(t, "other-secret", nil)
	g := New(testConfig(fs.wsURL()), testLogger())
	defer g.Close()

	err := g.Connect(context.Background())
	require.ErrorIs(t, err, domain.ErrSwitchUnavailable)
	assert.False(t, g.Connected())
}

func TestGateway_OriginateAndTerminate(t *testing.T) {
	fs := newFakeSwitch(t, "secret", func(conn *websocket.Conn, frame commandFrame) {
		switch frame.Type {
		case frameOriginate:
			conn.WriteJSON(serverFrame{Type: frameReply, RequestID: frame.RequestID, OK: true, CallRef: "ref-777"})
		case frameTerminate:
			conn.WriteJSON(serverFrame{Type: frameReply, RequestID: frame.RequestID, OK: true})
		}
	})
	g := New(testConfig(fs.wsURL()), testLogger())
	defer g.Close()

	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))
	assert.True(t, g.Connected())

	callRef, err := g.Originate(ctx, "+14155550100", "sip:dest@example.com", domain.CallMetadata{TenantID: "tenant-acme"})
	require.NoError(t, err)
	assert.Equal(t, "ref-777", callRef)

	assert.NoError(t, g.Terminate(ctx, callRef))
}

func TestGateway_TerminateUnknownCallIsNoop(t *testing.T) {
	fs := newFakeSwitch(t, "secret", func(conn *websocket.Conn, frame commandFrame) {
		conn.WriteJSON(serverFrame{
			Type: frameReply, RequestID: frame.RequestID,
			OK: false, ErrorCode: errCodeCallNotFound, ErrorText: "no such call",
		})
	})
	g := New(testConfig(fs.wsURL()), testLogger())
	defer g.Close()

	require.NoError(t, g.Connect(context.Background()))
	assert.NoError(t, g.Terminate(context.Background(), "ref-ghost"))
}

func TestGateway_EventsDelivered(t *testing.T) {
	fs := newFakeSwitch(t, "secret", func(conn *websocket.Conn, frame commandFrame) {
		if frame.Type == frameOriginate {
			conn.WriteJSON(serverFrame{Type: frameReply, RequestID: frame.RequestID, OK: true, CallRef: "ref-1"})
			conn.WriteJSON(serverFrame{Type: frameEvent, Event: &domain.CallEvent{
				Type: domain.EventRinging, CallRef: "ref-1", Seq: 1,
			}})
		}
	})
	g := New(testConfig(fs.wsURL()), testLogger())
	defer g.Close()

	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))
	_, err := g.Originate(ctx, "+14155550100", "sip:dest@example.com", domain.CallMetadata{TenantID: "t"})
	require.NoError(t, err)

	select {
	case ev := <-g.Events():
		assert.Equal(t, domain.EventRinging, ev.Type)
		assert.Equal(t, "ref-1", ev.CallRef)
		assert.Equal(t, uint64(1), ev.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestGateway_ReconnectsAfterConnectionLoss(t *testing.T) {
	fs := newFakeSwitch(t, "secret", func(conn *websocket.Conn, frame commandFrame) {
		if frame.Type == frameOriginate {
			conn.WriteJSON(serverFrame{Type: frameReply, RequestID: frame.RequestID, OK: true, CallRef: "ref-after"})
		}
	})
	cfg := testConfig(fs.wsURL())
	cfg.MaxReconnects = 5
	cfg.ReconnectInterval = 10 * time.Millisecond
	g := New(cfg, testLogger())
	defer g.Close()

	require.NoError(t, g.Connect(context.Background()))
	first := <-fs.conns
	first.Close()

	select {
	case <-fs.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never redialed the switch")
	}
	require.Eventually(t, g.Connected, 2*time.Second, 10*time.Millisecond)
	assert.False(t, g.GaveUp())

	// Commands work again over the fresh connection.
	callRef, err := g.Originate(context.Background(), "+14155550100", "sip:dest@example.com", domain.CallMetadata{TenantID: "t"})
	require.NoError(t, err)
	assert.Equal(t, "ref-after", callRef)
}

func TestGateway_ReconnectGivesUpAfterBudget(t *testing.T) {
	fs := newFakeSwitch(t, "secret", nil)
	cfg := testConfig(fs.wsURL())
	cfg.MaxReconnects = 2
	cfg.ReconnectInterval = 10 * time.Millisecond
	g := New(cfg, testLogger())
	defer g.Close()

	require.NoError(t, g.Connect(context.Background()))
	conn := <-fs.conns

	// Take the listener down first so every redial is refused, then break
	// the established socket.
	fs.server.Close()
	conn.Close()

	require.Eventually(t, g.GaveUp, 5*time.Second, 10*time.Millisecond)
	assert.False(t, g.Connected())

	_, err := g.Originate(context.Background(), "+14155550100", "sip:dest@example.com", domain.CallMetadata{TenantID: "t"})
	assert.ErrorIs(t, err, domain.ErrSwitchUnavailable)
}

func TestGateway_CloseStopsReconnect(t *testing.T) {
	fs := newFakeSwitch(t, "secret", nil)
	cfg := testConfig(fs.wsURL())
	cfg.MaxReconnects = 1000
	cfg.ReconnectInterval = 5 * time.Millisecond
	g := New(cfg, testLogger())

	require.NoError(t, g.Connect(context.Background()))
	conn := <-fs.conns
	fs.server.Close()
	conn.Close()

	time.Sleep(20 * time.Millisecond) // let the retry loop start
	g.Close()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, g.Connected())
	assert.False(t, g.GaveUp(), "an explicit close is not a reconnect failure")
}

func TestGateway_DropOldestOnFullBuffer(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/none")
	cfg.EventBuffer = 2
	g := New(cfg, testLogger())

	for seq := uint64(1); seq <= 4; seq++ {
		g.publishEvent(domain.CallEvent{Type: domain.EventDTMF, CallRef: "ref-1", Seq: seq})
	}

	assert.Equal(t, uint64(2), g.DroppedEvents())

	first := <-g.Events()
	second := <-g.Events()
	assert.Equal(t, uint64(3), first.Seq, "oldest events are the ones dropped")
	assert.Equal(t, uint64(4), second.Seq)
}
