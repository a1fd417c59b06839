// Package rpcserver exposes the lending engine's public operations over a
// JSON HTTP API built with github.com/go-chi/chi/v5, one handler group per
// component. Rate limiting and request logging are wired as chi middleware.
package rpcserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"agrilend/internal/apierr"
	"agrilend/internal/audit"
	"agrilend/internal/authz"
	"agrilend/internal/collateral"
	"agrilend/internal/domain"
	"agrilend/internal/governance"
	"agrilend/internal/ledger"
	"agrilend/internal/liquidation"
	"agrilend/internal/loan"
	"agrilend/internal/metrics"
	"agrilend/internal/oracle"
	"agrilend/internal/pool"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Server bundles every component the RPC surface calls into.
type Server struct {
	Collateral  *collateral.Registry
	Pool        *pool.Pool
	Loans       *loan.Engine
	Liquidation *liquidation.Engine
	Oracle      *oracle.Oracle
	Ledger      ledger.Ledger
	Authorizer  authz.Authorizer
	Governance  *governance.Registry
	Audit       *audit.Logger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	rateLimitPerMinute int
}

// New constructs a Server.
func New(
	coll *collateral.Registry, p *pool.Pool, l *loan.Engine, liq *liquidation.Engine,
	orc *oracle.Oracle, led ledger.Ledger, authzr authz.Authorizer, gov *governance.Registry, aud *audit.Logger,
	m *metrics.Metrics, logger *slog.Logger, rateLimitPerMinute int,
) *Server {
	return &Server{
		Collateral: coll, Pool: p, Loans: l, Liquidation: liq,
		Oracle: orc, Ledger: led, Authorizer: authzr, Governance: gov, Audit: aud,
		Metrics: m, Logger: logger, rateLimitPerMinute: rateLimitPerMinute,
	}
}

// Router builds the chi.Router serving every public operation.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	limiter := rate.NewLimiter(rate.Limit(float64(s.rateLimitPerMinute)/60.0), s.rateLimitPerMinute)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				writeError(w, apierr.New(apierr.KindRateLimited, "request rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/nfts", func(r chi.Router) {
		r.With(s.pausedGuard).Post("/mint", s.handleMintNFT)
		r.With(s.pausedGuard).Post("/transfer", s.handleTransferNFT)
		r.Get("/{tokenID}", s.handleGetNFT)
		r.Get("/by-owner/{owner}", s.handleListNFTsByOwner)
	})
	r.Route("/loans", func(r chi.Router) {
		r.With(s.pausedGuard).Post("/apply", s.handleApplyLoan)
		r.With(s.pausedGuard).Post("/approve", s.handleApproveLoan)
		r.With(s.pausedGuard).Post("/disburse", s.handleDisburseLoan)
		r.With(s.pausedGuard).Post("/repay", s.handleRepayLoan)
		r.Get("/{loanID}", s.handleGetLoan)
		r.Get("/by-borrower/{borrower}", s.handleListLoansByBorrower)
	})
	r.Route("/pool", func(r chi.Router) {
		r.With(s.pausedGuard).Post("/deposit", s.handleDepositLiquidity)
		r.With(s.pausedGuard).Post("/withdraw", s.handleWithdrawLiquidity)
		r.Get("/stats", s.handleGetPoolStats)
		r.Get("/investor/{principal}", s.handleGetInvestorBalance)
	})
	r.Route("/oracle", func(r chi.Router) {
		r.Post("/fetch/{commodity}", s.handleFetchCommodityPrice)
		r.Get("/{commodity}", s.handleGetCommodityPrice)
		r.Post("/admin-set/{commodity}", s.handleAdminSetCommodityPrice)
		r.Get("/{commodity}/stale", s.handleIsPriceStale)
	})
	r.Route("/liquidation", func(r chi.Router) {
		r.Get("/eligibility/{loanID}", s.handleCheckEligibility)
		r.With(s.emergencyGuard).Post("/trigger/{loanID}", s.handleTriggerLiquidation)
		r.Post("/admin-resolve/{loanID}", s.handleAdminResolution)
	})
	r.Route("/governance", func(r chi.Router) {
		r.Post("/parameters", s.handleUpdateProtocolParameters)
		r.Post("/grant-admin", s.handleGrantAdmin)
		r.Post("/revoke-admin", s.handleRevokeAdmin)
		r.Post("/emergency-stop", s.handleEmergencyStop)
		r.Post("/resume", s.handleResumeOperations)
		r.Post("/maintenance/enter", s.handleEnterMaintenance)
		r.Post("/maintenance/exit", s.handleExitMaintenance)
		r.Get("/system-metrics", s.handleSystemMetrics)
	})

	return r
}

// pausedGuard blocks user-facing mutations while the system is in
// EmergencyStop or MaintenanceMode. Applied to mint/transfer/apply/approve/
// disburse/repay/deposit/withdraw, every operation an ordinary caller can
// trigger that changes state.
func (s *Server) pausedGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Governance != nil {
			if err := s.Governance.CheckUserMutation(); err != nil {
				writeError(w, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// emergencyGuard blocks only on EmergencyStop, letting liquidation continue
// during MaintenanceMode since it is operator-triggered, not user-facing.
func (s *Server) emergencyGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Governance != nil {
			if err := s.Governance.CheckOperational(); err != nil {
				writeError(w, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps apierr.Kind to an HTTP status.
func errorStatus(kind apierr.Kind) int {
	switch kind {
	case apierr.KindValidation, apierr.KindInvalidMetadata, apierr.KindInvalidAmount, apierr.KindBelowMinimum:
		return http.StatusBadRequest
	case apierr.KindUnauthorized:
		return http.StatusForbidden
	case apierr.KindRateLimited, apierr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindAlreadyLocked, apierr.KindNotLocked, apierr.KindWrongState, apierr.KindDuplicateBlock:
		return http.StatusConflict
	case apierr.KindSystemPaused, apierr.KindMaintenanceMode:
		return http.StatusServiceUnavailable
	case apierr.KindInsufficientLiquidity, apierr.KindEmergencyReserveBreach, apierr.KindInsufficientBalance,
		apierr.KindOraclePriceUnavailable, apierr.KindNotEligible:
		return http.StatusUnprocessableEntity
	case apierr.KindLedgerTransferFailed, apierr.KindLedgerUnavailable, apierr.KindOracleFetchFailed, apierr.KindInvalidResponse:
		return http.StatusBadGateway
	case apierr.KindInvariantViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		writeJSON(w, errorStatus(apiErr.Kind), map[string]string{"kind": string(apiErr.Kind), "message": apiErr.Message, "field": apiErr.Field})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"kind": string(apierr.KindInternal), "message": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r.URL.Query().Get("caller")) {
		return
	}
	stats, err := s.Pool.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	s.Metrics.SyncPool(stats.TotalLiquidity, stats.AvailableLiquidity, stats.TotalBorrowed, stats.CumulativeLosses)
	writeJSON(w, http.StatusOK, stats)
}

func principalParam(r *http.Request, name string) domain.Principal {
	return domain.Principal(chi.URLParam(r, name))
}
