package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/SamiiBou/Bloom-sub000/services/claimd/claim"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/events"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/ledger"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	Auth          AuthConfig
	RateLimit     RateLimit
}

// Server hosts the claim and rewards endpoints.
type Server struct {
	cfg         Config
	coordinator *claim.Coordinator
	rewards     *ledger.Ledger
	broker      *events.Broker
	auth        *Authenticator
	limiter     *RateLimiter
	logger      *slog.Logger
}

// New constructs the claimd HTTP server.
func New(cfg Config, coordinator *claim.Coordinator, rewards *ledger.Ledger, broker *events.Broker, logger *slog.Logger) (*Server, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("claim coordinator required")
	}
	if rewards == nil {
		return nil, fmt.Errorf("rewards ledger required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		rewards:     rewards,
		broker:      broker,
		auth:        auth,
		limiter:     NewRateLimiter(cfg.RateLimit),
		logger:      logger,
	}, nil
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.auth.Middleware)
		v1.Route("/claim", func(cr chi.Router) {
			cr.With(s.limiter.Middleware).Post("/request", s.handleClaimRequest)
			cr.With(s.limiter.Middleware).Post("/confirm", s.handleClaimConfirm)
			cr.With(s.limiter.Middleware).Post("/cancel", s.handleClaimCancel)
			cr.Get("/status", s.handleClaimStatus)
			cr.Get("/events", s.handleClaimEvents)
		})
		v1.Route("/rewards", func(rr chi.Router) {
			rr.Post("/watch", s.handleRewardsWatch)
			rr.Post("/verify", s.handleRewardsVerify)
		})
	})
	return otelhttp.NewHandler(r, "claimd")
}

// Run serves requests until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("claimd listening", "address", s.cfg.ListenAddress)
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
