// Command agrilendd is the lending engine service entrypoint: it loads
// configuration, opens the Stable Store, wires every internal engine, and
// serves the chi-based RPC surface: config first, storage second, engines
// third, router last.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agrilend/internal/audit"
	"agrilend/internal/authz"
	"agrilend/internal/collateral"
	"agrilend/internal/config"
	"agrilend/internal/domain"
	"agrilend/internal/governance"
	"agrilend/internal/ledger"
	"agrilend/internal/liquidation"
	"agrilend/internal/loan"
	"agrilend/internal/logging"
	"agrilend/internal/metrics"
	"agrilend/internal/oracle"
	"agrilend/internal/pool"
	"agrilend/internal/rpcserver"
	"agrilend/internal/store"
)

func main() {
	configPath := flag.String("config", "agrilend.toml", "path to the service's TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("opening stable store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	now := func() uint64 { return uint64(time.Now().Unix()) }

	m := metrics.New()

	auditLogger := audit.New(s, 1_000_000, func() { m.AuditDroppedWrites.Inc() })

	admins := make(map[domain.Principal]authz.Principal)
	for _, a := range cfg.Parameters.Admins {
		admins[domain.Principal(a)] = authz.Principal{Role: authz.RoleAdmin, Active: true}
	}
	if cfg.Parameters.LoanManagerPrincipal != "" {
		admins[domain.Principal(cfg.Parameters.LoanManagerPrincipal)] = authz.Principal{Role: authz.RoleLoanManager, Active: true}
	}
	authorizer := authz.NewStatic(admins)

	collateralRegistry := collateral.New(s, authorizer, now,
		cfg.Parameters.MaxNFTPerUser, cfg.Parameters.MinCollateralValueIDR, cfg.Parameters.MaxCollateralValueIDR)

	liquidityPool := pool.New(s, now, cfg.Parameters.EmergencyReservePctBps, cfg.Parameters.MinWithdrawalSatoshi)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	priceOracle := oracle.New(httpClient, cfg.Oracle.BaseURL, time.Duration(cfg.Oracle.MaxAgeHours)*time.Hour)
	if err := priceOracle.AttachStore(s); err != nil {
		logger.Warn("loading persisted oracle prices", "error", err)
	}

	loanEngine := loan.New(s, collateralRegistry, liquidityPool, priceOracle, now, loan.Config{
		LTVRatioBps:         cfg.Parameters.LTVRatioBps,
		BaseAprBps:          cfg.Parameters.BaseAprBps,
		MaxLoanDurationDays: cfg.Parameters.MaxLoanDurationDays,
		GracePeriodDays:     cfg.Parameters.GracePeriodDays,
		ProtocolFeeBps:      cfg.Parameters.ProtocolFeeBps,
		MaxLoanAmount:       cfg.Parameters.MaxLoanAmount,
		ReferenceIDRPerBTC:  cfg.Parameters.ReferenceIDRPerBTC,
	})

	liquidationEngine := liquidation.New(s, loanEngine, collateralRegistry, liquidityPool, priceOracle, auditLogger, now, liquidation.Config{
		ReferenceIDRPerBTC:              cfg.Parameters.ReferenceIDRPerBTC,
		LiquidationThresholdHealthRatio: cfg.Parameters.LiquidationThresholdHealthRatio,
	})

	// Standalone runs disburse against the in-memory stub; a deployment
	// wires a real ICRC-1 client here and funds the protocol account on the
	// actual ledger instead.
	wrappedBTCLedger := ledger.NewStub(map[string]uint64{
		string(domain.ProtocolPrincipal): 21_000_000 * 100_000_000,
	})

	initialAdmins := make([]domain.Principal, 0, len(cfg.Parameters.Admins))
	for _, a := range cfg.Parameters.Admins {
		initialAdmins = append(initialAdmins, domain.Principal(a))
	}
	governanceRegistry, err := governance.New(s, authorizer, auditLogger, now, domain.ProtocolParameters{
		Admins:                          initialAdmins,
		LoanManagerPrincipal:            domain.Principal(cfg.Parameters.LoanManagerPrincipal),
		MinCollateralValueIDR:           cfg.Parameters.MinCollateralValueIDR,
		MaxCollateralValueIDR:           cfg.Parameters.MaxCollateralValueIDR,
		MaxNFTPerUser:                   cfg.Parameters.MaxNFTPerUser,
		LTVRatioBps:                     cfg.Parameters.LTVRatioBps,
		BaseAprBps:                      cfg.Parameters.BaseAprBps,
		MaxLoanDurationDays:             cfg.Parameters.MaxLoanDurationDays,
		GracePeriodDays:                 cfg.Parameters.GracePeriodDays,
		ProtocolFeeBps:                  cfg.Parameters.ProtocolFeeBps,
		EmergencyReservePctBps:          cfg.Parameters.EmergencyReservePctBps,
		LiquidationThresholdHealthRatio: cfg.Parameters.LiquidationThresholdHealthRatio,
		MinWithdrawalSatoshi:            cfg.Parameters.MinWithdrawalSatoshi,
		ReferenceIDRPerBTC:              cfg.Parameters.ReferenceIDRPerBTC,
		MaxLoanAmount:                   cfg.Parameters.MaxLoanAmount,
	})
	if err != nil {
		logger.Error("initializing governance registry", "error", err)
		os.Exit(1)
	}

	server := rpcserver.New(
		collateralRegistry, liquidityPool, loanEngine, liquidationEngine,
		priceOracle, wrappedBTCLedger, authorizer, governanceRegistry, auditLogger, m, logger,
		cfg.HTTP.RateLimitPerMinute,
	)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runLiquidationScanner(ctx, liquidationEngine, loanEngine, logger)
	go runOracleHeartbeat(ctx, priceOracle, logger)

	go func() {
		logger.Info("agrilendd listening", "addr", cfg.HTTP.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// runLiquidationScanner periodically scans active loans for liquidation
// eligibility: log failures, never retry within the same tick.
func runLiquidationScanner(ctx context.Context, liq *liquidation.Engine, loans *loan.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scanAndLiquidate(liq, loans, logger)
		}
	}
}

// maxLiquidationsPerScan caps the blast radius of a single automated scan
// tick: loans beyond the cap wait for the next tick rather than all
// landing in one pass.
const maxLiquidationsPerScan = 25

func scanAndLiquidate(liq *liquidation.Engine, loans *loan.Engine, logger *slog.Logger) {
	active, err := loans.ListActive()
	if err != nil {
		logger.Error("liquidation scan: listing active loans", "error", err)
		return
	}
	var eligible []uint64
	for _, l := range active {
		ok, _, err := liq.Eligibility(l.ID)
		if err != nil {
			logger.Error("liquidation scan: eligibility check failed", "loan_id", l.ID, "error", err)
			continue
		}
		if ok {
			eligible = append(eligible, l.ID)
		}
		if len(eligible) >= maxLiquidationsPerScan {
			break
		}
	}
	if len(eligible) == 0 {
		return
	}
	results := liq.Bulk(domain.Principal("system:scanner"), eligible)
	for _, r := range results {
		if r.Err != nil {
			logger.Error("liquidation scan: trigger failed", "loan_id", r.LoanID, "error", r.Err)
		}
	}
}

func runOracleHeartbeat(ctx context.Context, o *oracle.Oracle, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Heartbeat(ctx, func(commodity string, err error) {
				logger.Warn("oracle heartbeat refresh failed", "commodity", commodity, "error", err)
			})
		}
	}
}
