package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/metrics"
	"github.com/filecast/filecast/internal/origin"
	"github.com/filecast/filecast/internal/ratelimit"
)

const (
	DefaultMaxMessageBytes         = 64 * 1024
	DefaultMaxFramesPerSecond      = 20
	DefaultPingInterval            = 30 * time.Second
	DefaultIdleTimeout             = 60 * time.Second
	DefaultInactivityTimeout       = 60 * time.Second
	DefaultInactivitySweepInterval = 30 * time.Second

	wsWriteWait  = 1 * time.Second
	wsCloseGrace = 1 * time.Second
)

// Config wires together the runtime dependencies for the signaling service.
// Nil dependencies are replaced with defaults.
type Config struct {
	Registry    *hub.Registry
	Messages    *ratelimit.MessageLimiter
	Connections *ratelimit.ConnectionLimiter
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Clock       ratelimit.Clock

	// AllowedOrigins is passed to origin.IsAllowed. Requests without an Origin
	// header are always accepted.
	AllowedOrigins []string

	MaxMessageBytes    int64
	MaxFramesPerSecond int

	PingInterval time.Duration
	IdleTimeout  time.Duration

	InactivityTimeout       time.Duration
	InactivitySweepInterval time.Duration
	RateSweepInterval       time.Duration

	// TrustProxyHeaders takes the client address from X-Forwarded-For.
	TrustProxyHeaders bool
}

// Server hosts the control channel at GET /ws.
type Server struct {
	cfg      Config
	relay    *Relay
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Registry == nil {
		cfg.Registry = hub.New(hub.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Messages == nil {
		cfg.Messages = ratelimit.NewMessageLimiter(cfg.Clock, 0, 0)
	}
	if cfg.Connections == nil {
		cfg.Connections = ratelimit.NewConnectionLimiter(0)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxFramesPerSecond <= 0 {
		cfg.MaxFramesPerSecond = DefaultMaxFramesPerSecond
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.InactivitySweepInterval <= 0 {
		cfg.InactivitySweepInterval = DefaultInactivitySweepInterval
	}
	if cfg.RateSweepInterval <= 0 {
		cfg.RateSweepInterval = ratelimit.DefaultSweepInterval
	}

	relay := &Relay{
		Registry:    cfg.Registry,
		Messages:    cfg.Messages,
		Connections: cfg.Connections,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	}
	s := &Server{
		cfg:   cfg,
		relay: relay,
		log:   cfg.Logger,
		conns: make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Registry() *hub.Registry { return s.cfg.Registry }

// Start launches the inactivity and rate limiter sweepers. They stop when ctx
// is done or Close is called.
func (s *Server) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ratelimit.RunSweeper(ctx, s.cfg.RateSweepInterval, s.log, s.cfg.Messages, s.cfg.Connections)
	}()
	go func() {
		defer s.wg.Done()
		s.runInactivitySweeper(ctx)
	}()
}

func (s *Server) runInactivitySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.InactivitySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepInactive()
		}
	}
}

// SweepInactive evicts idle devices and rebroadcasts the roster if any were
// removed.
func (s *Server) SweepInactive() int {
	n := s.cfg.Registry.CleanupInactive(s.cfg.InactivityTimeout)
	if n > 0 {
		s.log.Info("inactive devices evicted", "count", n)
		s.relay.BroadcastRoster()
	}
	return n
}

// Close stops the sweepers and closes every open control channel.
func (s *Server) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	for _, c := range conns {
		_ = c.CloseWith(websocket.CloseGoingAway, "server shutting down")
		_ = c.closeSocket()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	_, ok := origin.Policy{Allowed: s.cfg.AllowedOrigins}.Check(r)
	return ok
}

func (s *Server) remoteAddr(r *http.Request) string {
	if s.cfg.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := &wsConn{conn: conn}
	s.track(c)
	defer s.untrack(c)
	defer c.closeSocket()

	sess := s.relay.NewSession(c, s.remoteAddr(r))
	defer sess.Close()

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(c, done)

	idle := s.cfg.IdleTimeout
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		if id := sess.DeviceID(); id != "" {
			s.cfg.Registry.UpdateActivity(id)
		}
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	flood := ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MaxFramesPerSecond), int64(s.cfg.MaxFramesPerSecond))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !isTimeout(err) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("websocket read failed", "remote_addr", r.RemoteAddr, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		// Read the frame before rejecting it so the close frame is not lost
		// to a reset caused by unread data.
		if !flood.Allow(1) {
			s.cfg.Metrics.Inc(metrics.FrameFloodClosed)
			s.log.Warn("signaling frame flood", "remote_addr", r.RemoteAddr, "device_id", sess.DeviceID())
			_ = c.Send(encodeError(errRateLimited))
			_ = c.CloseWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			sess.HandleBinary()
			continue
		}
		sess.HandleFrame(data)
	}
}

func (s *Server) pingLoop(c *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.closeSocket()
				return
			}
		}
	}
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// wsConn serializes writes to a gorilla connection, which supports at most
// one concurrent writer.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// CloseWith starts the closing handshake. The read loop ends when the peer
// echoes the close frame or the grace period expires.
func (c *wsConn) CloseWith(code int, reason string) error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	_ = c.conn.SetReadDeadline(time.Now().Add(wsCloseGrace))
	return err
}

// Close is used by the registry when it evicts an inactive device.
func (c *wsConn) Close() error {
	_ = c.CloseWith(websocket.CloseGoingAway, "inactive")
	return c.closeSocket()
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) closeSocket() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
