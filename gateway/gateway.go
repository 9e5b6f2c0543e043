package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c360/trdpsim/component"
	trdpengine "github.com/c360/trdpsim/engine"
	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/health"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/metric"
	"github.com/c360/trdpsim/stack"
	"github.com/c360/trdpsim/telegram"
)

// Engine is the simulation surface the gateway exposes over REST. The
// concrete engine satisfies it; tests substitute fakes.
type Engine interface {
	Running() bool
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	LoadFromXML(path string) error
	Snapshot() ([]hub.TelegramState, error)
	SetFields(comID uint32, values map[string]telegram.FieldValue) error
	SendTxTelegram(comID uint32, overrides map[string]telegram.FieldValue) (stack.SessionID, error)
	StopTxTelegram(comID uint32) error
	TxPublishActive(comID uint32) (bool, error)
	URIToIP(uri string, useCache bool) (netip.Addr, error)
	IPToURI(ip netip.Addr, useCache bool) (string, error)
	LabelToIDs(label string, useCache bool) (trdpengine.LabelIDs, error)
}

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, for example ":8080".
	Addr string

	// ShutdownTimeout bounds the graceful drain of in-flight requests.
	ShutdownTimeout time.Duration

	// RateLimit and RateBurst throttle mutating endpoints per client IP,
	// in requests per second.
	RateLimit float64
	RateBurst int

	// MaxRequestSize limits request body size in bytes.
	MaxRequestSize int64

	// EnableCORS enables CORS headers. Requires explicit CORSOrigins.
	EnableCORS  bool
	CORSOrigins []string
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 5 * time.Second,
		RateLimit:       10,
		RateBurst:       20,
		MaxRequestSize:  1024 * 1024, // 1MB
	}
}

// Validate ensures the gateway configuration is valid.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Validate",
			"listen addr cannot be empty")
	}
	if c.RateLimit <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Validate",
			fmt.Sprintf("rate limit must be positive, got %v", c.RateLimit))
	}
	if c.RateBurst < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Validate",
			fmt.Sprintf("rate burst must be at least 1, got %d", c.RateBurst))
	}
	if c.MaxRequestSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Validate",
			"max request size must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Validate",
			"CORS requires explicit origins")
	}
	return nil
}

// Dependencies wires the gateway to its collaborators. Engine and Registry
// are required. WebSocket, when set, is mounted at /ws. Components feed the
// readiness endpoint; a nil metrics registry disables /metrics and the
// gateway's own counters.
type Dependencies struct {
	Engine     Engine
	Registry   *telegram.Registry
	WebSocket  http.Handler
	Components []component.Discoverable
	Logger     *slog.Logger
	Metrics    *metric.MetricsRegistry
}

// Server serves the REST inspection API, the WebSocket mount, health
// probes and Prometheus metrics on a single listener.
type Server struct {
	name   string
	config Config

	engine     Engine
	registry   *telegram.Registry
	ws         http.Handler
	components []component.Discoverable
	logger     *slog.Logger
	metrics    *serverMetrics
	monitor    *health.Monitor

	handler  http.Handler
	limiters *visitorLimiters

	running atomic.Bool

	// Protects startTime, lastActivity, lastError and the server handle.
	mu           sync.Mutex
	startTime    time.Time
	lastActivity time.Time
	lastError    string
	httpServer   *http.Server
	listenAddr   string
	cancel       context.CancelFunc
	done         chan error

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

var (
	_ component.Discoverable       = (*Server)(nil)
	_ component.LifecycleComponent = (*Server)(nil)
)

// New creates the gateway server. The route table is fixed at construction;
// Start binds the listener.
func New(deps Dependencies, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Engine == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New",
			"engine is required")
	}
	if deps.Registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New",
			"telegram registry is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newServerMetrics(deps.Metrics)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "New", "register metrics")
	}

	s := &Server{
		name:       "http-gateway",
		config:     cfg,
		engine:     deps.Engine,
		registry:   deps.Registry,
		ws:         deps.WebSocket,
		components: deps.Components,
		logger:     logger.With("component", "http-gateway"),
		metrics:    metrics,
		monitor:    health.NewMonitor(),
		limiters:   newVisitorLimiters(cfg.RateLimit, cfg.RateBurst),
	}
	s.handler = s.wrap(s.buildMux(deps.Metrics))
	return s, nil
}

// buildMux lays out the route table. Mutating endpoints go through the
// per-IP limiter; read endpoints do not.
func (s *Server) buildMux(registry *metric.MetricsRegistry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/telegrams", s.handleListTelegrams)
	mux.HandleFunc("GET /api/telegrams/{comId}", s.handleGetTelegram)
	mux.HandleFunc("POST /api/telegrams/{comId}/fields", s.limited(s.handleSetFields))
	mux.HandleFunc("POST /api/telegrams/{comId}/send", s.limited(s.handleSendTelegram))
	mux.HandleFunc("POST /api/telegrams/{comId}/stop", s.limited(s.handleStopTelegram))

	mux.HandleFunc("POST /api/config/load", s.limited(s.handleLoadConfig))
	mux.HandleFunc("POST /api/engine/start", s.limited(s.handleEngineStart))
	mux.HandleFunc("POST /api/engine/stop", s.limited(s.handleEngineStop))

	mux.HandleFunc("GET /api/dnr/uri/{uri}", s.handleResolveURI)
	mux.HandleFunc("GET /api/dnr/ip/{ip}", s.handleResolveIP)
	mux.HandleFunc("GET /api/dnr/label/{label}", s.handleResolveLabel)

	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			registry.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
	}
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	return mux
}

// getOrGenerateRequestID extracts the request ID from headers or generates
// a new one so responses can be correlated with log lines.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// wrap applies the cross-cutting request concerns: request IDs, activity
// accounting and CORS.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)

		s.requestsTotal.Add(1)
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()

		if s.config.EnableCORS {
			s.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// applyCORS applies CORS headers to the response.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, allowedOrigin := range s.config.CORSOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if allowed {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

// Initialize prepares the gateway.
func (s *Server) Initialize() error {
	return nil
}

// Start binds the listener and serves until Stop. The HTTP server and the
// limiter janitor run under one error group; the first failure tears both
// down and is reported through Health.
func (s *Server) Start(_ context.Context) error {
	if s.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start",
			"gateway already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("listen on %s", s.config.Addr))
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan error, 1)

	s.mu.Lock()
	s.httpServer = httpServer
	s.listenAddr = ln.Addr().String()
	s.cancel = cancel
	s.done = done
	s.startTime = time.Now()
	s.lastError = ""
	s.mu.Unlock()
	s.running.Store(true)

	s.logger.Info("Gateway listening", "addr", ln.Addr().String())

	go func() {
		g, gctx := errgroup.WithContext(serveCtx)

		g.Go(func() error {
			err := httpServer.Serve(ln)
			if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			s.limiters.run(gctx)
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, release := context.WithTimeout(
				context.Background(), s.config.ShutdownTimeout)
			defer release()
			return httpServer.Shutdown(shutdownCtx)
		})

		err := g.Wait()
		if err != nil && !stderrors.Is(err, context.Canceled) {
			s.logger.Error("Gateway serve failed", "error", err)
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
		}
		s.running.Store(false)
		done <- err
	}()

	return nil
}

// Stop drains in-flight requests and releases the listener.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case err := <-done:
		if err != nil && !stderrors.Is(err, context.Canceled) {
			return errors.WrapTransient(err, "Server", "Stop", "serve loop")
		}
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrTimeout, "Server", "Stop",
			fmt.Sprintf("gateway did not drain within %v", timeout))
	}
}

// Addr returns the bound listen address, which differs from the configured
// one when the configuration asked for port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Meta returns component metadata.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.name,
		Type:        "gateway",
		Description: "REST and WebSocket API for telegram inspection and control",
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (s *Server) Health() component.HealthStatus {
	s.mu.Lock()
	startTime := s.startTime
	lastError := s.lastError
	s.mu.Unlock()

	running := s.running.Load()
	status := component.HealthStatus{
		Healthy:    running,
		LastError:  lastError,
		LastCheck:  time.Now(),
		ErrorCount: int(s.requestsFailed.Load()),
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}
