// Package host is a reference action host. It serves the client's frame
// protocol over websockets (or any transport.Conn) and executes actions on a
// Backend, normally a chromedp-driven browser.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/transport"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

// Constants for WebSocket timeouts and limits.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Outbound replies buffered per connection.
	sendChannelSize = 256
	// Grace period for in-flight requests during shutdown.
	shutdownTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The host is meant for local automation; any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts client connections and dispatches their requests.
type Server struct {
	cfg      config.HostConfig
	backend  Backend
	registry *wire.Registry
	logger   *zap.Logger
	metrics  metrics.Metrics

	// Bounds concurrently executing actions across all connections.
	slots *semaphore.Weighted

	connections atomic.Int64
}

// New creates a server for backend. m may be nil.
func New(cfg config.HostConfig, backend Backend, logger *zap.Logger, m metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	limit := int64(cfg.MaxConcurrency)
	if limit <= 0 {
		limit = 1
	}
	return &Server{
		cfg:      cfg,
		backend:  backend,
		registry: wire.DefaultRegistry(),
		logger:   logger.Named("host"),
		metrics:  m,
		slots:    semaphore.NewWeighted(limit),
	}
}

// Handler returns the HTTP routes: the websocket endpoint, a health check,
// and the metrics endpoint when exposeMetrics is set.
func (s *Server) Handler(exposeMetrics bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The websocket route is registered without request logging or
	// timeouts; it is long lived.
	r.With(s.requireToken).Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/healthz", s.handleHealth)
		if exposeMetrics {
			r.Handle("/metrics", s.metrics.Handler())
		}
	})
	return r
}

// ListenAndServe serves on cfg.ListenAddr until ctx ends, then shuts down
// gracefully and closes the backend.
func (s *Server) ListenAndServe(ctx context.Context, exposeMetrics bool) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(exposeMetrics),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		if cerr := s.backend.Close(); cerr != nil {
			s.logger.Error("Backend close error", zap.Error(cerr))
		}
		return fmt.Errorf("host listener: %w", err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Host listening.", zap.String("address", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("host listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down host...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	if cerr := s.backend.Close(); cerr != nil {
		s.logger.Error("Backend close error", zap.Error(cerr))
	}
	s.logger.Info("Host stopped.")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.connections.Load())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}

	session := r.Header.Get(transport.SessionHeader)
	if session == "" {
		session = uuid.NewString()
	}
	logger := s.logger.With(zap.String("session", session), zap.String("remote_addr", r.RemoteAddr))
	if subject := subjectFrom(r.Context()); subject != "" {
		logger = logger.With(zap.String("subject", subject))
	}
	conn := transport.NewWebSocketConn(ws, transport.KeepaliveOptions{
		WriteWait:      writeWait,
		PongWait:       pongWait,
		PingPeriod:     pingPeriod,
		MaxMessageSize: s.cfg.MaxMessageSize,
	}, logger)

	if err := s.serve(r.Context(), conn, logger); err != nil {
		logger.Warn("Connection ended with error.", zap.Error(err))
	}
}

// ServeConn runs the request loop for one established connection until the
// peer goes away or ctx ends. Requests run concurrently; replies are written
// by a single pump in completion order.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) error {
	return s.serve(ctx, conn, s.logger.With(zap.String("session", uuid.NewString())))
}

func (s *Server) serve(ctx context.Context, conn transport.Conn, logger *zap.Logger) error {
	s.metrics.SetHostConnections(int(s.connections.Add(1)))
	defer func() { s.metrics.SetHostConnections(int(s.connections.Add(-1))) }()
	logger.Info("Client connected.")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := make(chan []byte, sendChannelSize)
	var inflight sync.WaitGroup
	limiter := rate.NewLimiter(rate.Inf, 0)
	if s.cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.RequestBurst)
	}
	g, gctx := errgroup.WithContext(ctx)

	// Closing the transport is what releases a blocked ReadFrame.
	g.Go(func() error {
		<-gctx.Done()
		if err := conn.Close(); err != nil {
			logger.Debug("Transport close reported an error.", zap.Error(err))
		}
		return nil
	})

	// writePump centralizes all writes to the connection.
	g.Go(func() error {
		for {
			select {
			case frame := <-send:
				if err := conn.WriteFrame(frame); err != nil {
					cancel()
					return fmt.Errorf("writing reply: %w", err)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	// readPump decodes requests and hands each to its own goroutine so slow
	// actions never block the connection.
	g.Go(func() error {
		defer cancel()
		for {
			raw, err := conn.ReadFrame()
			if err != nil {
				logger.Info("Client disconnected.", zap.Error(err))
				return nil
			}
			req, err := wire.DecodeRequest(raw)
			if err != nil {
				logger.Warn("Rejecting malformed request.", zap.Error(err))
				if req != nil {
					s.queue(gctx, send, errorFrame(req.ID, CodeBadRequest, err.Error()))
				}
				continue
			}
			// Reading pauses while the connection is over its request rate.
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				s.queue(gctx, send, s.handle(gctx, req, logger))
			}()
		}
	})

	err := g.Wait()
	inflight.Wait()
	return err
}

func (s *Server) queue(ctx context.Context, send chan<- []byte, frame []byte) {
	if frame == nil {
		return
	}
	select {
	case send <- frame:
	case <-ctx.Done():
	}
}

// handle executes one request and returns the reply frame.
func (s *Server) handle(ctx context.Context, req *wire.Request, logger *zap.Logger) []byte {
	start := time.Now()
	logger = logger.With(zap.String("request_id", req.ID), zap.String("action", req.Action))

	desc, ok := s.registry.Lookup(req.Action)
	if !ok {
		s.metrics.ObserveHostAction(req.Action, metrics.OutcomeError, time.Since(start).Seconds())
		return errorFrame(req.ID, CodeUnknownAction, fmt.Sprintf("action %q is not supported", req.Action))
	}
	if err := wire.ValidateParams(desc, req.Params); err != nil {
		s.metrics.ObserveHostAction(req.Action, metrics.OutcomeError, time.Since(start).Seconds())
		return errorFrame(req.ID, CodeInvalidParams, err.Error())
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer s.slots.Release(1)

	actx := ctx
	if timeout, ok, _ := wire.TimeoutFromParams(req.Params); ok && timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result interface{}
	var err error
	if req.Action == wire.ActionHostListActions {
		result = s.registry.Names()
	} else {
		result, err = s.backend.Execute(actx, req.Action, req.Params)
	}
	elapsed := time.Since(start)
	if err != nil {
		code, message := replyError(err)
		outcome := metrics.OutcomeRemote
		if code == CodeTimeout {
			outcome = metrics.OutcomeTimeout
		}
		s.metrics.ObserveHostAction(req.Action, outcome, elapsed.Seconds())
		logger.Debug("Action failed.", zap.String("code", code), zap.Error(err), zap.Duration("elapsed", elapsed))
		return errorFrame(req.ID, code, message)
	}

	frame, err := encodeResult(req.ID, desc, result)
	if err != nil {
		s.metrics.ObserveHostAction(req.Action, metrics.OutcomeError, elapsed.Seconds())
		logger.Error("Action result could not be encoded.", zap.Error(err))
		return errorFrame(req.ID, CodeActionFailed, err.Error())
	}
	s.metrics.ObserveHostAction(req.Action, metrics.OutcomeSuccess, elapsed.Seconds())
	logger.Debug("Action completed.", zap.Duration("elapsed", elapsed))
	return frame
}

func encodeResult(id string, desc wire.ActionDescriptor, result interface{}) ([]byte, error) {
	switch desc.Result {
	case schemas.ShapeVoid:
		return wire.EncodeResult(id, nil)
	case schemas.ShapeBinary:
		switch b := result.(type) {
		case *BinaryResult:
			return wire.EncodeResult(id, wire.NewBinaryPayload(b.Data, b.MimeType))
		case BinaryResult:
			return wire.EncodeResult(id, wire.NewBinaryPayload(b.Data, b.MimeType))
		case []byte:
			return wire.EncodeResult(id, wire.EncodeBinary(b))
		}
		return nil, fmt.Errorf("action %q must produce bytes, got %T", desc.Name, result)
	}
	return wire.EncodeResult(id, result)
}

func errorFrame(id, code, message string) []byte {
	frame, err := wire.EncodeError(id, code, message)
	if err != nil {
		return nil
	}
	return frame
}
