package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kootru-repo/gemini-livewire-avatar/internal/admission"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/config"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/metrics"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/relay"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/session"
)

// WSServer accepts client WebSocket connections and runs one relay
// supervisor per connection.
type WSServer struct {
	logger    *slog.Logger
	config    *config.Config
	metrics   *metrics.Metrics
	registry  *session.Registry
	admission *admission.Controller
	dialer    relay.Dialer

	server   *http.Server
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Active connections, closed on Stop to unwedge their read loops.
	connMu sync.Mutex
	conns  map[*wsConn]struct{}

	startTime time.Time

	totalConnections    atomic.Uint64
	rejectedConnections atomic.Uint64
}

// NewWSServer creates the client-facing WebSocket server.
func NewWSServer(logger *slog.Logger, cfg *config.Config, m *metrics.Metrics,
	registry *session.Registry, adm *admission.Controller, dialer relay.Dialer) *WSServer {

	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		logger:    logger,
		config:    cfg,
		metrics:   m,
		registry:  registry,
		admission: adm,
		dialer:    dialer,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[*wsConn]struct{}),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is validated after the upgrade so rejections can
			// carry a close code and reason the browser can read.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start begins accepting connections.
func (s *WSServer) Start() error {
	s.logger.Info("Starting WebSocket server",
		slog.String("address", s.server.Addr),
		slog.Int("max_concurrent", s.admission.Capacity()),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop refuses new connections, closes active ones, and waits for their
// supervisors to finish.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("WebSocket listener shutdown error", slog.String("error", err.Error()))
	}

	s.connMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleWS runs the full life of one client connection.
func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	ip := clientIP(r.RemoteAddr)

	if !s.admission.CheckOrigin(r.Header.Get("Origin")) {
		s.reject(conn, ip, string(admission.RejectBadOrigin))
		return
	}
	if !s.admission.AllowRate(ip) {
		s.reject(conn, ip, string(admission.RejectRateLimited))
		return
	}
	if !s.admission.TryAcquire() {
		s.reject(conn, ip, string(admission.RejectCapacity))
		return
	}
	defer s.admission.Release()

	s.totalConnections.Add(1)
	s.metrics.RecordConnection()
	defer s.metrics.RecordDisconnection()

	s.logger.Info("Client connected",
		slog.String("ip", ip),
		slog.Int("active_connections", s.admission.ActiveConnections()),
	)

	wc := newWSConn(conn, s.config.Upstream.GetSendTimeout())
	conn.SetReadLimit(s.config.Server.MaxMessageSize)

	s.trackConn(wc)
	defer s.untrackConn(wc)

	s.wg.Add(1)
	defer s.wg.Done()

	stopPing := s.startKeepalive(wc)
	defer stopPing()

	sup := relay.NewSupervisor(s.logger, s.metrics, s.registry, s.dialer, wc, relay.SupervisorConfig{
		Limits: relay.Limits{
			MaxAudioBytes: s.config.Limits.MaxAudioBytes,
			MaxImageBytes: s.config.Limits.MaxImageBytes,
			MaxTextChars:  s.config.Limits.MaxTextChars,
		},
		PreloadContext: s.config.Upstream.PreloadContext,
	})

	if err := sup.Run(s.ctx); err != nil {
		s.logger.Error("Session ended with error",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
	}
}

// reject closes a just-upgraded connection with a policy violation frame so
// the browser can see why it was refused.
func (s *WSServer) reject(conn *websocket.Conn, ip, reason string) {
	s.rejectedConnections.Add(1)
	s.metrics.RecordAdmissionRejected(reason)

	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	conn.Close()

	s.logger.Warn("Connection rejected",
		slog.String("ip", ip),
		slog.String("reason", reason),
	)
}

// startKeepalive pings the client on the configured interval and enforces
// the pong deadline through the read deadline. Returns a stop function.
func (s *WSServer) startKeepalive(wc *wsConn) func() {
	interval := s.config.Server.GetPingInterval()
	pongWait := s.config.Server.GetPongTimeout()

	wc.conn.SetReadDeadline(time.Now().Add(interval + pongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(interval + pongWait))
	})

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := wc.ping(pongWait); err != nil {
					return
				}
			case <-stop:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

func (s *WSServer) trackConn(wc *wsConn) {
	s.connMu.Lock()
	s.conns[wc] = struct{}{}
	s.connMu.Unlock()
}

func (s *WSServer) untrackConn(wc *wsConn) {
	s.connMu.Lock()
	delete(s.conns, wc)
	s.connMu.Unlock()
}

// Statistics summarizes server activity for the monitoring endpoints.
type Statistics struct {
	Uptime              time.Duration `json:"uptime"`
	TotalConnections    uint64        `json:"total_connections"`
	ActiveConnections   int           `json:"active_connections"`
	RejectedConnections uint64        `json:"rejected_connections"`
	ActiveSessions      int           `json:"active_sessions"`
}

// GetStatistics returns a point-in-time server summary.
func (s *WSServer) GetStatistics() Statistics {
	return Statistics{
		Uptime:              time.Since(s.startTime),
		TotalConnections:    s.totalConnections.Load(),
		ActiveConnections:   s.admission.ActiveConnections(),
		RejectedConnections: s.rejectedConnections.Load(),
		ActiveSessions:      s.registry.Count(),
	}
}

// clientIP strips the port from a remote address, falling back to the raw
// value for unusual listener types.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// wsConn adapts a gorilla connection to the relay's ClientConn with
// serialized writes and per-write deadlines.
type wsConn struct {
	conn        *websocket.Conn
	sendTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, sendTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, sendTimeout: sendTimeout}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, raw, err := c.conn.ReadMessage()
	return raw, err
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
