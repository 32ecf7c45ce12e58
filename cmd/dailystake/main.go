package main

import (
	"context"

	"github.com/mohib051/grow-stake-daily/internal/gateway"
	"github.com/mohib051/grow-stake-daily/internal/handlers"
	"github.com/mohib051/grow-stake-daily/internal/ledger"
	"github.com/mohib051/grow-stake-daily/internal/rules"
	"github.com/mohib051/grow-stake-daily/internal/scheduler"
	"github.com/mohib051/grow-stake-daily/internal/stakes"
	"github.com/mohib051/grow-stake-daily/pkg/auth"
	"github.com/mohib051/grow-stake-daily/pkg/config"
	"github.com/mohib051/grow-stake-daily/pkg/database"
	"github.com/mohib051/grow-stake-daily/pkg/logging"
	"github.com/mohib051/grow-stake-daily/pkg/monitoring"
	"github.com/mohib051/grow-stake-daily/pkg/server"
	"github.com/mohib051/grow-stake-daily/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("dailystake")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting DailyStake (Staking Ledger Engine)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("RUN_MIGRATIONS", true) {
		migrateCtx := context.Background()
		if err := database.ApplySchema(migrateCtx, db, logger); err != nil {
			logger.WithError(err).Fatal("Schema migration failed")
		}
		if err := database.ApplySeeds(migrateCtx, db, logger); err != nil {
			logger.WithError(err).Fatal("Seed application failed")
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("dailystake", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("dailystake", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom scheduler metrics
	schedulerMetrics := &scheduler.Metrics{
		SchedulerRuns:  metricsCollector.NewCounter("payout_scheduler_runs_total", "Payout sweep runs", []string{"status"}),
		PayoutsApplied: metricsCollector.NewCounter("payouts_applied_total", "Daily payouts applied", []string{"status"}),
	}

	// Wire domain services
	ledgerSvc := ledger.New(db, logger)
	resolver := rules.NewResolver(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := resolver.Reload(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to load payout rules")
	}

	gatewayClient := gateway.NewClientFromEnv(logger)

	stakeCfg := stakes.DefaultConfig()
	stakeCfg.MinStakeAmount = config.GetEnvInt64("MIN_STAKE_AMOUNT", stakeCfg.MinStakeAmount)
	stakeCfg.RefundPolicy = stakes.RefundPolicy(config.GetEnv("REFUND_POLICY", string(stakeCfg.RefundPolicy)))
	stakeCfg.PendingPaymentTTL = config.GetEnvDuration("PENDING_PAYMENT_TTL", stakeCfg.PendingPaymentTTL)

	// The gateway client satisfies the manager's interface, but a typed
	// nil must not be passed as a non-nil interface value.
	var gw stakes.GatewayClient
	if gatewayClient != nil {
		gw = gatewayClient
	}
	stakeMgr := stakes.NewManager(db, logger, ledgerSvc, resolver, gw, stakeCfg)

	// Initialize and start the payout scheduler
	jobManager := scheduler.NewJobManager(db, logger, stakeMgr, resolver, schedulerMetrics)
	if err := jobManager.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start payout jobs")
	}
	defer jobManager.Stop()

	logger.Info("JobManager started - payout and expiry jobs active")

	// Initialize handlers
	handlers.Init(db, logger, ledgerSvc, stakeMgr, resolver, jobManager, gatewayClient)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "dailystake", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/staking/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/stakes", handlers.CreateStake)
			protected.GET("/stakes", handlers.ListStakes)
			protected.GET("/stakes/:stake_id", handlers.GetStake)
			protected.POST("/stakes/:stake_id/cancel", handlers.CancelStake)

			protected.GET("/wallet", handlers.GetWallet)
			protected.POST("/wallet/topup", handlers.TopUp)
			protected.POST("/wallet/withdraw", handlers.Withdraw)
			protected.GET("/wallet/transactions", handlers.ListTransactions)

			protected.GET("/dashboard", handlers.GetDashboardStats)
			protected.GET("/rules", handlers.GetRules)
		}

		// Webhook endpoints (no auth required)
		router.POST("/webhooks/gateway", handlers.HandleGatewayWebhook)

		// Admin endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/admin/scheduler/run", handlers.TriggerSchedulerRun)
			serviceAPI.POST("/admin/rules/reload", handlers.ReloadRules)
			serviceAPI.GET("/admin/ledger/:user_id/verify", handlers.VerifyLedger)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("dailystake", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
