// Package httpapi exposes the purchase lifecycle over JSON/HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"accountmarket/auth"
	"accountmarket/dispute"
	"accountmarket/escrow"
	"accountmarket/logging"
	"accountmarket/purchase"
	"accountmarket/report"
	"accountmarket/sale"
)

// Pinger reports whether the ledger answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger    Pinger
	Auth      *auth.Service
	Purchases *purchase.Coordinator
	Escrow    *escrow.Engine
	Sales     *sale.Ledger
	Disputes  *dispute.Service
	Reports   *report.Triage
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// LoginLimit throttles /auth/login per client; zero uses DefaultLoginLimit.
	LoginLimit RateLimit
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	ledger    Pinger
	auth      *auth.Service
	purchases *purchase.Coordinator
	escrow    *escrow.Engine
	sales     *sale.Ledger
	disputes  *dispute.Service
	reports   *report.Triage
	metrics   http.Handler
	logins    *rateLimiter
	logger    *slog.Logger

	router http.Handler
}

func New(cfg Config) *Server {
	s := &Server{
		ledger:    cfg.Ledger,
		auth:      cfg.Auth,
		purchases: cfg.Purchases,
		escrow:    cfg.Escrow,
		sales:     cfg.Sales,
		disputes:  cfg.Disputes,
		reports:   cfg.Reports,
		metrics:   cfg.Metrics,
		logins:    newRateLimiter(cfg.LoginLimit, cfg.Now),
		logger:    logging.OrDefault(cfg.Logger),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.With(s.logins.middleware).Post("/auth/login", s.handleLogin)

		api.Group(func(p chi.Router) {
			p.Use(s.authenticate)

			p.Route("/purchases", func(r chi.Router) {
				r.Post("/", s.handleCreatePurchase)
				r.Get("/", s.handleListPurchases)
				r.Get("/{id}", s.handleGetPurchase)
				r.Get("/{id}/escrow", s.handlePurchaseEscrow)
				r.Get("/{id}/sale", s.handlePurchaseSale)
				r.Post("/{id}/pay", s.handleMarkPaid)
				r.Post("/{id}/deliver", s.handlePurchaseDeliver)
				r.Post("/{id}/confirm", s.handlePurchaseConfirm)
				r.Post("/{id}/complete", s.handleMarkCompleted)
				r.Post("/{id}/cancel", s.handleMarkCancelled)
				r.Post("/{id}/dispute", s.handleMarkDisputed)
				r.Post("/{id}/refund", s.handleMarkRefunded)
			})

			p.Route("/escrows/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetEscrow)
				r.Post("/fund", s.handleFundEscrow)
				r.Post("/deliver", s.handleEscrowDeliver)
				r.Post("/confirm", s.handleEscrowConfirm)
				r.Post("/dispute", s.handleEscrowDispute)
				r.Post("/release", s.handleEscrowRelease)
				r.Post("/cancel", s.handleEscrowCancel)
				r.Post("/resolve", s.handleEscrowResolve)
				r.Get("/delivery", s.handleRevealDelivery)
			})

			p.Get("/sales", s.handleListSales)
			p.Get("/sales/{id}", s.handleGetSale)
			p.Get("/sellers/{id}/summary", s.handleSellerSummary)

			p.Route("/disputes", func(r chi.Router) {
				r.Post("/", s.handleCreateDispute)
				r.Get("/", s.handleUserDisputes)
				r.Get("/{id}", s.handleGetDispute)
				r.Post("/{id}/assign", s.handleAssignDispute)
				r.Post("/{id}/resolve", s.handleResolveDispute)
				r.Post("/{id}/close", s.handleCloseDispute)
				r.Post("/{id}/escalate", s.handleEscalateDispute)
			})

			p.Route("/reports", func(r chi.Router) {
				r.Post("/", s.handleCreateReport)
				r.Get("/", s.handleUserReports)
				r.Get("/{id}", s.handleGetReport)
				r.Post("/{id}/assign", s.handleAssignReport)
				r.Post("/{id}/resolve", s.handleResolveReport)
				r.Post("/{id}/dismiss", s.handleDismissReport)
			})

			p.Route("/admin", func(r chi.Router) {
				r.Get("/disputes", s.handleAdminDisputes)
				r.Get("/disputes/overdue", s.handleOverdueDisputes)
				r.Get("/reports", s.handleAdminReports)
				r.Get("/reports/frequent", s.handleFrequentlyReported)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ledger.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
