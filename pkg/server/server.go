package server

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/webchat/pkg/database"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/aeolun/webchat/pkg/server"

//go:embed static/index.html
var staticFiles embed.FS

// Server is the chat server: HTTP surface, connection lifecycle and dispatch
type Server struct {
	config    ServerConfig
	directory Directory
	store     MessageStore
	hub       *Hub
	metrics   *Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	upgrader  websocket.Upgrader

	nextConnID atomic.Uint64
	wg         sync.WaitGroup // one per live connection
	startTime  time.Time
}

// NewServer creates a server over the given directory and message store.
// logger may be nil.
func NewServer(config ServerConfig, directory Directory, store MessageStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics()

	s := &Server{
		config:    config,
		directory: directory,
		store:     store,
		hub:       NewHub(logger.Named("hub"), metrics),
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     newOriginPolicy(config.AllowedOrigins, logger).check,
	}
	return s
}

// NewServerFromStore wires a StoreDirectory and StoreArchive over store
func NewServerFromStore(config ServerConfig, store database.Store, logger *zap.Logger) *Server {
	return NewServer(config,
		NewDirectory(store, config.BcryptCost, config.AdminUsers),
		NewArchive(store, config.HistoryLimit),
		logger)
}

// Hub exposes the live session and room state
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the public HTTP routes: the chat page, /ws and /health
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/ws", s.HandleWebSocket)
	r.Get("/health", s.HealthHandler)
	return r
}

// MetricsRouter returns the internal /metrics routes
func (s *Server) MetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/health", s.HealthHandler)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	public := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{public}
	if s.config.MetricsPort > 0 {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           s.MetricsRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.logger.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "listen on %s", srv.Addr)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("http shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		s.Shutdown()
		return nil
	})
	return g.Wait()
}

// Shutdown closes every connection and waits for their teardown to finish
func (s *Server) Shutdown() {
	conns := s.hub.Conns()
	s.logger.Info("closing connections", zap.Int("count", len(conns)))
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	s.logger.Info("shutdown complete")
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes. Teardown runs on every exit path.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response
		s.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	transport := NewSafeConn(ws, s.config.MaxMessageLength, s.config.WriteTimeout, s.config.PongTimeout)
	c := NewConn(s.nextConnID.Add(1), r.RemoteAddr, transport, s.config.SendQueueSize, s.config.PingInterval(), s.newLimiter())

	s.wg.Add(1)
	defer s.wg.Done()

	s.hub.Attach(c)
	defer s.teardown(c)

	s.logger.Debug("connection opened", zap.Uint64("conn", c.ID), zap.String("remote", c.RemoteAddr))

	go func() {
		if err := c.writePump(); err != nil {
			s.logger.Debug("write pump stopped", zap.Uint64("conn", c.ID), zap.Error(err))
		}
	}()

	ctx := context.WithoutCancel(r.Context())
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				s.logger.Debug("read error", zap.Uint64("conn", c.ID), zap.Error(err))
			}
			return
		}
		if !c.Allow() {
			s.metrics.RecordFrameDropped("rate_limited")
			continue
		}
		s.handleFrame(ctx, c, data)
	}
}

// teardown removes c from every index, closes it and announces the room it
// left
func (s *Server) teardown(c *Conn) {
	room, identified := s.hub.Detach(c)
	c.Close()
	if identified {
		s.hub.Announce(room)
	}
	s.logger.Debug("connection closed", zap.Uint64("conn", c.ID), zap.String("room", room))
}

func (s *Server) newLimiter() *rate.Limiter {
	perMinute := s.config.MessageRateLimit
	if perMinute <= 0 {
		return nil
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.config.StaticDir != "" {
		path := filepath.Join(s.config.StaticDir, "index.html")
		if _, err := os.Stat(path); err == nil {
			http.ServeFile(w, r, path)
			return
		}
		s.logger.Warn("static index missing, serving built-in page", zap.String("path", path))
	}

	page, err := fs.ReadFile(staticFiles, "static/index.html")
	if err != nil {
		http.Error(w, "page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

type healthResponse struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Sessions      int    `json:"sessions"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HealthHandler reports liveness and current connection counts
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	conns, sessions := s.hub.Counts()
	w.Header().Set("Content-Type", "application/json")
	jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Connections:   conns,
		Sessions:      sessions,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}
