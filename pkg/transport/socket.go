package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livemorph/livemorph/pkg/events"
	"github.com/livemorph/livemorph/pkg/protocol"
)

// SocketConfig configures the WebSocket channel.
type SocketConfig struct {
	// URL is the WebSocket endpoint.
	URL string

	// ReconnectDelay is the fixed backoff between reconnect attempts.
	// Default: 3 seconds.
	ReconnectDelay time.Duration

	// IdleInterval is the inactivity span that triggers a liveness ping.
	// Default: 10 seconds.
	IdleInterval time.Duration

	// PongTimeout is how long to wait for the ping response before the
	// connection is considered dead. Default: 5 seconds.
	PongTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// Dialer is the websocket dialer. Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger receives socket diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultSocketConfig returns a SocketConfig with sensible defaults.
func DefaultSocketConfig(url string) SocketConfig {
	return SocketConfig{
		URL:            url,
		ReconnectDelay: 3 * time.Second,
		IdleInterval:   10 * time.Second,
		PongTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		Dialer:         websocket.DefaultDialer,
		Logger:         slog.Default(),
	}
}

// Socket is the single shared WebSocket connection for a runtime. It
// reconnects automatically with a fixed backoff and buffers subscription
// traffic queued while disconnected, replaying it once the socket reopens.
type Socket struct {
	cfg     SocketConfig
	emitter *events.Emitter

	mu      sync.Mutex // guards conn writes, pending and handler fields
	conn    *websocket.Conn
	stop    chan struct{} // per-connection stop signal
	pending [][]byte

	onMessage   func(*protocol.Notification)
	onReconnect []func()

	online       atomic.Bool
	closed       atomic.Bool
	lastActivity atomic.Int64
	pongCh       chan struct{}
}

// NewSocket creates a socket, filling config defaults. Connect must be
// called before traffic flows.
func NewSocket(cfg SocketConfig, emitter *events.Emitter) *Socket {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &Socket{
		cfg:     cfg,
		emitter: emitter,
		pongCh:  make(chan struct{}, 1),
	}
}

// SetHandler registers the inbound notification handler.
func (s *Socket) SetHandler(fn func(*protocol.Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnReconnect registers a hook run after every successful reconnect (not
// the initial connect). Used for resubscription and queue draining.
func (s *Socket) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = append(s.onReconnect, fn)
}

// Online reports the current liveness status.
func (s *Socket) Online() bool {
	return s.online.Load()
}

// Connect dials the endpoint and starts the read and liveness loops.
func (s *Socket) Connect(ctx context.Context) error {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return &NetworkError{Err: err}
	}
	s.attach(conn, false)
	return nil
}

// Close shuts the socket down permanently.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.online.Store(false)
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send transmits a notification envelope. Subscribe and unsubscribe
// messages queued while offline are buffered and replayed on reconnect;
// other traffic fails with ErrSocketClosed when the socket is down.
func (s *Socket) Send(n *protocol.Notification) error {
	data, err := protocol.EncodeNotification(n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || !s.online.Load() {
		if n.Type == protocol.TypeSubscribe || n.Type == protocol.TypeUnsubscribe {
			s.pending = append(s.pending, data)
			return nil
		}
		return ErrSocketClosed
	}
	return s.writeLocked(data)
}

// writeLocked sends raw bytes on the current connection. Caller holds mu.
func (s *Socket) writeLocked(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.cfg.Logger.Error("socket write error", "error", err)
		return &NetworkError{Err: err}
	}
	return nil
}

// attach installs a fresh connection, replays the pending buffer, and
// starts the per-connection loops.
func (s *Socket) attach(conn *websocket.Conn, reconnected bool) {
	stop := make(chan struct{})

	conn.SetPongHandler(func(string) error {
		s.touch()
		select {
		case s.pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.stop = stop
	s.online.Store(true)
	s.touch()

	pending := s.pending
	s.pending = nil
	for _, data := range pending {
		if err := s.writeLocked(data); err != nil {
			break
		}
	}
	hooks := make([]func(), len(s.onReconnect))
	copy(hooks, s.onReconnect)
	s.mu.Unlock()

	s.emitter.EmitNamed(events.WebsocketConnected, "", map[string]any{
		"reconnected": reconnected,
	})
	if reconnected {
		for _, fn := range hooks {
			fn()
		}
	}

	go s.readLoop(conn, stop)
	go s.pingLoop(conn, stop)
}

// touch records activity for the idle timer.
func (s *Socket) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// readLoop reads frames until the connection dies, then hands off to the
// reconnect path.
func (s *Socket) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return // deliberate shutdown
			default:
			}
			s.handleDisconnect(conn)
			return
		}
		s.touch()

		n, err := protocol.DecodeNotification(msg)
		if err != nil {
			s.cfg.Logger.Error("notification decode error", "error", err)
			continue
		}

		s.mu.Lock()
		handler := s.onMessage
		s.mu.Unlock()
		if handler != nil {
			handler(n)
		}
	}
}

// pingLoop probes liveness: after IdleInterval without traffic it sends a
// ping and expects a pong within PongTimeout, otherwise it kills the
// connection so the read loop reconnects.
func (s *Socket) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.IdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle < s.cfg.IdleInterval {
				continue
			}

			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}

			select {
			case <-s.pongCh:
			case <-time.After(s.cfg.PongTimeout):
				s.cfg.Logger.Warn("pong timeout, dropping connection")
				conn.Close()
				return
			case <-stop:
				return
			}
		}
	}
}

// handleDisconnect flips status to offline and retries the dial with a
// fixed backoff until it succeeds or the socket is closed.
func (s *Socket) handleDisconnect(conn *websocket.Conn) {
	conn.Close()
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	if s.conn != conn {
		// A newer connection already took over.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()

	s.online.Store(false)
	s.emitter.EmitNamed(events.WebsocketDisconnected, "", nil)

	for {
		time.Sleep(s.cfg.ReconnectDelay)
		if s.closed.Load() {
			return
		}
		fresh, _, err := s.cfg.Dialer.Dial(s.cfg.URL, nil)
		if err != nil {
			s.cfg.Logger.Debug("reconnect failed", "error", err)
			continue
		}
		s.attach(fresh, true)
		return
	}
}
