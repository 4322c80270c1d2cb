package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ipcjson/internal/auth"
	"github.com/danmuck/ipcjson/internal/config"
	"github.com/danmuck/ipcjson/internal/logging"
	"github.com/danmuck/ipcjson/internal/observability"
	"github.com/danmuck/ipcjson/internal/protocol"
	"github.com/danmuck/ipcjson/internal/protocol/session"
	"github.com/danmuck/ipcjson/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ConnectionInfo is a point-in-time view of one served peer.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Remote      string    `json:"remote"`
	Transport   string    `json:"transport"`
	Identity    string    `json:"identity,omitempty"`
	State       string    `json:"state"`
	Pending     int       `json:"pending"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type tracked struct {
	conn *session.Connection
	info ConnectionInfo
}

type Option func(*Service)

// WithHandler replaces the built-in command mux.
func WithHandler(h session.Handler) Option {
	return func(s *Service) { s.handler = h }
}

func WithRegistry(reg *protocol.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// Service accepts peers and runs one session.Connection per peer.
type Service struct {
	cfg      config.Config
	log      zerolog.Logger
	handler  session.Handler
	mux      *session.Mux
	registry *protocol.Registry
	acceptor *transport.WebSocketAcceptor

	connsMu sync.Mutex
	conns   map[string]tracked
	seq     atomic.Int64
	active  atomic.Int64
	wg      sync.WaitGroup
}

func New(cfg config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		log:   logging.Named("service").With().Str("server", cfg.Name).Logger(),
		conns: make(map[string]tracked),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.mux = BuiltinMux(cfg.Name)
		s.handler = s.mux
	}
	if s.registry == nil {
		s.registry = Registry()
	}
	s.acceptor = transport.NewWebSocketAcceptor(cfg.AllowedOrigins, int64(cfg.Session.Limits.MaxBodyBytes))
	return s
}

// Run listens on cfg.ListenAddr with the configured transport and serves
// until ctx ends. A metrics listener runs alongside when MetricsAddr is set.
func (s *Service) Run(ctx context.Context) error {
	ln, err := transport.Listen(s.cfg.ListenAddr, s.cfg.Net)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Str("transport", s.cfg.Transport).Msg("listening")

	g, ctx := errgroup.WithContext(ctx)
	switch s.cfg.Transport {
	case config.TransportWebSocket:
		g.Go(func() error { return s.serveHTTP(ctx, ln, s.Router()) })
	default:
		g.Go(func() error { return s.Serve(ctx, ln) })
	}
	if addr := strings.TrimSpace(s.cfg.MetricsAddr); addr != "" {
		mln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.log.Info().Str("addr", mln.Addr().String()).Msg("metrics listening")
		g.Go(func() error { return s.serveHTTP(ctx, mln, s.Router()) })
	}
	return g.Wait()
}

// Serve accepts stream peers on ln until ctx ends, then closes every live
// connection and waits for them to finish.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.CloseAll()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			identity, err := transport.PeerIdentity(conn)
			if err != nil {
				s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("tls handshake failed")
				_ = conn.Close()
				return
			}
			_ = s.ServeStream(ctx, conn, ConnectionInfo{
				Remote:    conn.RemoteAddr().String(),
				Transport: config.TransportTCP,
				Identity:  identity,
			})
		}()
	}
}

// ServeStream runs one connection over stream until it terminates. The
// stream is closed on return.
func (s *Service) ServeStream(ctx context.Context, stream io.ReadWriteCloser, info ConnectionInfo) error {
	n := s.seq.Add(1)
	conn := session.NewDuplex(stream,
		session.WithName(fmt.Sprintf("%s-%d", s.cfg.Name, n)),
		session.WithHandler(s.handler),
		session.WithRegistry(s.registry),
		session.WithConfig(s.cfg.Session),
		session.WithLogger(s.log),
	)
	info.ID = conn.ID()
	info.Name = conn.Name()
	info.ConnectedAt = time.Now().UTC()
	s.track(conn, info)
	defer s.untrack(conn)

	active := s.active.Add(1)
	s.log.Info().Str("remote", info.Remote).Str("conn", info.Name).Int64("active_clients", active).Msg("client connected")
	defer func() {
		remaining := s.active.Add(-1)
		s.log.Info().Str("remote", info.Remote).Str("conn", info.Name).Int64("active_clients", remaining).Msg("client disconnected")
	}()

	emitCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.WithDefaults().WriteTimeout)
	err := conn.Emit(emitCtx, connectedEvent(s.cfg.Name, conn, s.mux))
	cancel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.Start(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	err = conn.Wait()
	_ = conn.Close()
	if errors.Is(err, session.ErrConnectionClosed) || errors.Is(err, session.ErrConnectionDisposed) {
		return nil
	}
	return err
}

// BroadcastRequest is the body accepted by POST /events.
type BroadcastRequest struct {
	Event string         `json:"event" binding:"required"`
	Body  map[string]any `json:"body,omitempty"`
}

// BroadcastResult reports how many peers accepted a broadcast event.
type BroadcastResult struct {
	Event string `json:"event"`
	Sent  int    `json:"sent"`
}

// Router serves the WebSocket stream endpoint, metrics, health, the live
// connection list and event broadcast. Everything except health and metrics
// requires cfg.AuthToken when it is set.
func (s *Service) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), observability.RequestID(), observability.AccessLog(s.log), observability.HTTPMetrics(s.cfg.Name))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "server": s.cfg.Name, "active": s.active.Load()})
	})
	r.GET("/metrics", gin.WrapH(observability.Handler()))

	var validator auth.Validator
	if token := strings.TrimSpace(s.cfg.AuthToken); token != "" {
		validator = auth.StaticToken{Token: token}
	}
	gate := auth.Require(validator)
	r.GET("/connections", gate, func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Connections())
	})
	r.POST("/events", gate, func(c *gin.Context) {
		var req BroadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var body any
		if req.Body != nil {
			body = req.Body
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Session.WithDefaults().WriteTimeout)
		defer cancel()
		c.JSON(http.StatusOK, BroadcastResult{Event: req.Event, Sent: s.Broadcast(ctx, req.Event, body)})
	})
	path := s.cfg.WebSocketPath
	if path == "" {
		path = transport.DefaultWebSocketPath
	}
	r.GET(path, gate, func(c *gin.Context) {
		stream, err := s.acceptor.Accept(c.Writer, c.Request)
		if err != nil {
			s.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade failed")
			return
		}
		info := ConnectionInfo{Remote: stream.RemoteAddr(), Transport: config.TransportWebSocket}
		if err := s.ServeStream(c.Request.Context(), stream, info); err != nil {
			s.log.Debug().Err(err).Str("remote", info.Remote).Msg("websocket connection ended")
		}
	})
	return r
}

func (s *Service) serveHTTP(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		s.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Connections lists live peers ordered by connect time.
func (s *Service) Connections() []ConnectionInfo {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]ConnectionInfo, 0, len(s.conns))
	for _, t := range s.conns {
		info := t.info
		info.State = t.conn.State().String()
		info.Pending = len(t.conn.Pending())
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Broadcast sends an event to every live peer and returns how many accepted it.
func (s *Service) Broadcast(ctx context.Context, name string, body any) int {
	s.connsMu.Lock()
	conns := make([]*session.Connection, 0, len(s.conns))
	for _, t := range s.conns {
		conns = append(conns, t.conn)
	}
	s.connsMu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := c.SendEvent(ctx, name, body); err != nil {
			s.log.Debug().Err(err).Str("conn", c.Name()).Str("event", name).Msg("broadcast skipped")
			continue
		}
		sent++
	}
	return sent
}

// CloseAll disposes every live connection.
func (s *Service) CloseAll() {
	s.connsMu.Lock()
	conns := make([]*session.Connection, 0, len(s.conns))
	for _, t := range s.conns {
		conns = append(conns, t.conn)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Service) track(conn *session.Connection, info ConnectionInfo) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn.ID()] = tracked{conn: conn, info: info}
}

func (s *Service) untrack(conn *session.Connection) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn.ID())
}
