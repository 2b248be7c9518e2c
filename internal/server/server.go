package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/dukerupert/stamptour/internal/gateway"
	"github.com/dukerupert/stamptour/internal/handler"
	"github.com/dukerupert/stamptour/internal/metrics"
	"github.com/dukerupert/stamptour/internal/middleware"
	"github.com/dukerupert/stamptour/internal/reward"
	ws "github.com/dukerupert/stamptour/internal/websocket"
)

// Config holds everything the server needs besides the ledger.
type Config struct {
	Gateway        gateway.Config
	Archiver       gateway.Archiver
	AllowedOrigins []string
	// RegisterLimit is the number of registrations allowed per client IP per
	// minute. Resets are limited to a fifth of that, at least one.
	RegisterLimit int
	// TrustedProxies are peers allowed to name the client in
	// CF-Connecting-IP or X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

type Server struct {
	gw            *gateway.Gateway
	hub           *ws.Hub
	metrics       *metrics.Metrics
	registrationH *handler.RegistrationHandler
	rateLimiter   *middleware.RateLimiter
	clientIP      *middleware.ClientIP
	origins       []string
	registerLimit int
	logger        *slog.Logger
}

func New(cfg Config, ledger gateway.Ledger, logger *slog.Logger) (*Server, error) {
	hub := ws.NewHub(logger.With("component", "websocket"))
	m := metrics.New()
	table := cfg.Gateway.Table

	opts := []gateway.Option{
		gateway.WithLogger(logger.With("component", "gateway")),
		gateway.WithObserver(func(event string, snap reward.Snapshot) {
			m.SetRemaining(table, snap)
			hub.Observe(event, snap)
		}),
	}
	if cfg.Archiver != nil {
		opts = append(opts, gateway.WithArchiver(cfg.Archiver))
	}
	gw, err := gateway.New(cfg.Gateway, ledger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	if cfg.RegisterLimit <= 0 {
		cfg.RegisterLimit = 10
	}

	return &Server{
		gw:            gw,
		hub:           hub,
		metrics:       m,
		registrationH: handler.NewRegistrationHandler(gw, m, logger.With("component", "registration")),
		rateLimiter:   middleware.NewRateLimiter(),
		clientIP:      middleware.NewClientIP(cfg.TrustedProxies),
		origins:       cfg.AllowedOrigins,
		registerLimit: cfg.RegisterLimit,
		logger:        logger,
	}, nil
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RefreshQuota reads the ledger once and publishes the snapshot to the quota
// gauges. Used at startup so the gauges are populated before the first write.
func (s *Server) RefreshQuota(ctx context.Context) error {
	snap, err := s.gw.RemainingQuota(ctx)
	if err != nil {
		return err
	}
	s.metrics.SetRemaining(s.gw.Table(), snap)
	return nil
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.origins))

	mux.HandleFunc("GET /api/tiers", s.registrationH.Tiers)
	mux.HandleFunc("GET /api/submissions", s.registrationH.List)
	mux.HandleFunc("GET /api/quota", s.registrationH.Quota)
	mux.HandleFunc("GET /api/quota/{tier}", s.registrationH.TierQuota)
	mux.HandleFunc("POST /api/registrations", s.rateLimitedHandler(s.registrationH.Register, s.registerLimit))
	mux.HandleFunc("POST /api/admin/reset", s.rateLimitedHandler(s.registrationH.Reset, max(1, s.registerLimit/5)))

	cors := middleware.CORS(s.origins)
	return middleware.RequestLogger(s.logger.With("component", "http"))(cors(mux))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc, limit int) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return r.URL.Path + "|" + s.clientIP.Of(r)
	}
	return middleware.RateLimit(s.rateLimiter, keyFunc, limit, time.Minute)(h).ServeHTTP
}
