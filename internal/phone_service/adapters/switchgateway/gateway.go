package switchgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// Config holds the switch connection parameters.
type Config struct {
	URL            string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// MaxReconnects bounds the reconnect loop. When exhausted the gateway
	// stays down and reports itself unhealthy instead of retrying forever.
	MaxReconnects int
	// ReconnectInterval is the initial delay between reconnect attempts,
	// growing exponentially up to 30s.
	ReconnectInterval time.Duration
	// EventBuffer bounds the subscriber channel. When full the oldest event
	// is dropped and counted (drop-oldest policy).
	EventBuffer int
}

// Gateway is the protocol adapter to the external signaling switch. It owns
// the websocket connection, correlates command replies, and fans call events
// out to a single bounded subscriber channel.
type Gateway struct {
	logger *slog.Logger
	cfg    Config

	dialer *websocket.Dialer

	connMu sync.Mutex // guards conn and writes to it
	conn   *websocket.Conn

	connected atomic.Bool
	gaveUp    atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan serverFrame

	events  chan domain.CallEvent
	dropped atomic.Uint64

	// runCtx is cancelled by Close; it bounds reconnect dialing and backoff waits.
	runCtx    context.Context
	runCancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Gateway. Call Connect before issuing commands.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Gateway{
		logger:    logger.With("component", "switch_gateway"),
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		pending:   make(map[string]chan serverFrame),
		events:    make(chan domain.CallEvent, cfg.EventBuffer),
		runCtx:    runCtx,
		runCancel: runCancel,
		done:      make(chan struct{}),
	}
}

// Events returns the call event feed. Events carry a per-call monotonically
// increasing sequence number; consumers discard duplicates by seq.
func (g *Gateway) Events() <-chan domain.CallEvent { return g.events }

// Connected reports whether the switch socket is currently up.
func (g *Gateway) Connected() bool { return g.connected.Load() }

// GaveUp reports that the bounded reconnect budget was exhausted.
func (g *Gateway) GaveUp() bool { return g.gaveUp.Load() }

// DroppedEvents returns how many events were discarded by the drop-oldest policy.
func (g *Gateway) DroppedEvents() uint64 { return g.dropped.Load() }

// Connect dials the switch, authenticates, and starts the read loop.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.dialAndAuth(ctx); err != nil {
		return err
	}
	go g.readLoop()
	return nil
}

func (g *Gateway) dialAndAuth(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := g.dialer.DialContext(dialCtx, g.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrSwitchUnavailable, g.cfg.URL, err)
	}

	auth := commandFrame{
		Type:      frameAuth,
		RequestID: uuid.NewString(),
		Username:  g.cfg.Username,
		Password:  g.cfg.Password,
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("%w: send auth: %v", domain.ErrSwitchUnavailable, err)
	}

	var reply serverFrame
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.ConnectTimeout))
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return fmt.Errorf("%w: read auth reply: %v", domain.ErrSwitchUnavailable, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if !reply.OK {
		conn.Close()
		return fmt.Errorf("%w: switch rejected credentials: %s", domain.ErrSwitchUnavailable, reply.ErrorText)
	}

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()
	g.connected.Store(true)
	g.logger.Info("Connected to telephony switch", "url", g.cfg.URL)
	return nil
}

// readLoop pumps frames off the socket until it breaks, then hands off to the
// reconnect loop. Runs until Close.
func (g *Gateway) readLoop() {
	for {
		g.connMu.Lock()
		conn := g.conn
		g.connMu.Unlock()
		if conn == nil {
			return
		}

		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-g.done:
				return
			default:
			}
			g.connected.Store(false)
			g.failPending(fmt.Errorf("%w: connection lost", domain.ErrSwitchUnavailable))
			g.logger.Warn("Switch connection lost, entering reconnect", "error", err)
			g.reconnectLoop()
			return
		}

		switch frame.Type {
		case frameReply:
			g.deliverReply(frame)
		case frameEvent:
			if frame.Event != nil {
				g.publishEvent(*frame.Event)
			}
		default:
			g.logger.Warn("Unknown frame type from switch", "type", frame.Type)
		}
	}
}

// reconnectLoop retries dialAndAuth with capped exponential backoff. After
// MaxReconnects attempts the gateway gives up and reports unhealthy.
func (g *Gateway) reconnectLoop() {
	attempt := 0
	operation := func() error {
		attempt++
		g.logger.Info("Reconnecting to switch", "attempt", attempt, "max", g.cfg.MaxReconnects)
		return g.dialAndAuth(g.runCtx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.ReconnectInterval
	bo.MaxInterval = 30 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(g.cfg.MaxReconnects)), g.runCtx)

	if err := backoff.Retry(operation, policy); err != nil {
		select {
		case <-g.done:
			return
		default:
		}
		g.gaveUp.Store(true)
		g.logger.Error("Switch reconnect budget exhausted, gateway is down", "attempts", attempt, "error", err)
		return
	}
	go g.readLoop()
}

// publishEvent applies the drop-oldest policy on a full buffer.
func (g *Gateway) publishEvent(ev domain.CallEvent) {
	for {
		select {
		case g.events <- ev:
			return
		default:
		}
		select {
		case <-g.events:
			g.dropped.Add(1)
		default:
		}
	}
}

func (g *Gateway) deliverReply(frame serverFrame) {
	g.pendingMu.Lock()
	ch, ok := g.pending[frame.RequestID]
	if ok {
		delete(g.pending, frame.RequestID)
	}
	g.pendingMu.Unlock()
	if ok {
		ch <- frame
	}
}

func (g *Gateway) failPending(err error) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	for id, ch := range g.pending {
		ch <- serverFrame{Type: frameReply, RequestID: id, OK: false, ErrorText: err.Error()}
		delete(g.pending, id)
	}
}

// sendCommand writes a frame and waits for its correlated reply.
func (g *Gateway) sendCommand(ctx context.Context, frame commandFrame) (serverFrame, error) {
	if !g.connected.Load() {
		return serverFrame{}, domain.ErrSwitchUnavailable
	}

	replyCh := make(chan serverFrame, 1)
	g.pendingMu.Lock()
	g.pending[frame.RequestID] = replyCh
	g.pendingMu.Unlock()

	g.connMu.Lock()
	conn := g.conn
	var err error
	if conn == nil {
		err = domain.ErrSwitchUnavailable
	} else {
		err = conn.WriteJSON(frame)
	}
	g.connMu.Unlock()
	if err != nil {
		g.pendingMu.Lock()
		delete(g.pending, frame.RequestID)
		g.pendingMu.Unlock()
		if errors.Is(err, domain.ErrSwitchUnavailable) {
			return serverFrame{}, err
		}
		return serverFrame{}, fmt.Errorf("%w: write command: %v", domain.ErrSwitchUnavailable, err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		g.pendingMu.Lock()
		delete(g.pending, frame.RequestID)
		g.pendingMu.Unlock()
		return serverFrame{}, ctx.Err()
	case <-g.done:
		return serverFrame{}, domain.ErrSwitchUnavailable
	}
}

// Originate asks the switch to place an outbound call. Fails fast with
// ErrSwitchUnavailable while disconnected rather than queuing.
func (g *Gateway) Originate(ctx context.Context, fromNumber, toURI string, meta domain.CallMetadata) (string, error) {
	if meta.TenantID == "" {
		return "", fmt.Errorf("originate metadata missing tenant id")
	}
	frame := commandFrame{
		Type:       frameOriginate,
		RequestID:  uuid.NewString(),
		FromNumber: fromNumber,
		ToURI:      toURI,
		Metadata:   &meta,
	}
	reply, err := g.sendCommand(ctx, frame)
	if err != nil {
		return "", err
	}
	if !reply.OK {
		return "", fmt.Errorf("switch rejected originate: %s: %s", reply.ErrorCode, reply.ErrorText)
	}
	return reply.CallRef, nil
}

// Terminate hangs up a call. Terminating an already-ended or unknown call is
// a no-op success.
func (g *Gateway) Terminate(ctx context.Context, callRef string) error {
	frame := commandFrame{
		Type:      frameTerminate,
		RequestID: uuid.NewString(),
		CallRef:   callRef,
	}
	reply, err := g.sendCommand(ctx, frame)
	if err != nil {
		return err
	}
	if !reply.OK {
		if reply.ErrorCode == errCodeCallNotFound || reply.ErrorCode == errCodeCallEnded {
			return nil
		}
		return fmt.Errorf("switch rejected terminate: %s: %s", reply.ErrorCode, reply.ErrorText)
	}
	return nil
}

// Close shuts the gateway down and stops any reconnect attempts.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.runCancel()
		g.connected.Store(false)
		g.connMu.Lock()
		if g.conn != nil {
			g.conn.Close()
			g.conn = nil
		}
		g.connMu.Unlock()
		g.failPending(domain.ErrSwitchUnavailable)
	})
}
