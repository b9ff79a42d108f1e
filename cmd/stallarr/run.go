package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mescon/stallarr/internal/api"
	"github.com/mescon/stallarr/internal/clock"
	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/db"
	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/eventbus"
	"github.com/mescon/stallarr/internal/integration"
	"github.com/mescon/stallarr/internal/logger"
	"github.com/mescon/stallarr/internal/metrics"
	"github.com/mescon/stallarr/internal/notifier"
	"github.com/mescon/stallarr/internal/services"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		checkInterval  time.Duration
		databasePath   string
		statusListen   string
		downloadClient string
	)

	command := &cobra.Command{
		Use:   "run",
		Short: "Start the stall checker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := opts.flagOverrides(cmd)
			overrides.CheckInterval = &checkInterval
			overrides.DatabasePath = &databasePath
			overrides.StatusListen = &statusListen
			overrides.DownloadClient = &downloadClient

			cfg, err := config.Load(opts.loadOptions(), overrides)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	command.Flags().DurationVar(&checkInterval, "check-interval", 0, "time between polling cycles (env: CHECK_INTERVAL, minutes)")
	command.Flags().StringVar(&databasePath, "database-path", "", "SQLite action journal path (env: DATABASE_PATH)")
	command.Flags().StringVar(&statusListen, "status-listen", "", "status API listen address, e.g. :9595 (env: STATUS_LISTEN)")
	command.Flags().StringVar(&downloadClient, "download-client", "", "download client name recorded in manager history (env: DOWNLOAD_CLIENT)")

	return command
}

func logConfiguration(cfg *config.Config) {
	logger.Infof("Configuration:")
	logger.Infof("  Check Interval: %s", cfg.CheckInterval)
	logger.Infof("  Stall Checks: %d", cfg.StallChecks)
	logger.Infof("  Stall Days: %d", cfg.StallDays)
	logger.Infof("  Recent Download Grace Period: %s", cfg.RecentDownloadGracePeriod)
	logger.Infof("  Download Client: %s", cfg.DownloadClient)
	logger.Infof("  eMulerr: %s", cfg.EmulerrHost)
	for name, mc := range cfg.Managers() {
		logger.Infof("  %s: %s (category %q)", name, mc.Host, mc.Category)
	}
	logger.Infof("  Delete if unmonitored: serie=%v season=%v episode=%v movie=%v",
		cfg.DeleteIfUnmonitoredSerie, cfg.DeleteIfUnmonitoredSeason, cfg.DeleteIfUnmonitoredEpisode, cfg.DeleteIfUnmonitoredMovie)
	logger.Infof("  Delete if only on eMulerr: %v", cfg.DeleteIfOnlyOnEmulerr)
	logger.Infof("  API Rate Limit: %.1f req/s (burst: %d)", cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.DatabasePath != "" {
		logger.Infof("  Journal: %s (retention %d days)", cfg.DatabasePath, cfg.JournalRetentionDays)
	}
	if cfg.DryRun {
		logger.Infof("  DRY-RUN MODE: ENABLED (nothing will be removed)")
	}
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	logger.Infof("========================================")
	logger.Infof("Starting Stallarr %s...", config.Version)
	logger.Infof("========================================")
	logConfiguration(cfg)

	var (
		repo    *db.Repository
		journal eventbus.Journal
	)
	if cfg.DatabasePath != "" {
		logger.Infof("Initializing journal: %s", cfg.DatabasePath)
		r, err := db.NewRepository(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize journal: %w", err)
		}
		repo, journal = r, r
		defer func() {
			if err := repo.GracefulClose(); err != nil {
				logger.Errorf("Failed to close journal: %v", err)
			}
		}()
	}

	eb := eventbus.NewEventBus(journal)
	defer eb.Shutdown()

	metricsService := metrics.NewMetricsService(eb)
	metricsService.Start()

	urls, err := notifier.BuildURLs(cfg)
	if err != nil {
		return err
	}
	notify, err := notifier.New(urls, eb)
	if err != nil {
		return err
	}
	if !notify.Enabled() {
		logger.Warnf("No notification endpoints configured")
	}

	clk := clock.NewRealClock()
	breakers := integration.NewCircuitBreakerRegistry(integration.DefaultCircuitBreakerConfig(), clk)
	clientOpts := integration.OptionsFromConfig(cfg, breakers)

	managers := make(map[domain.Manager]integration.ManagerClient)
	if cfg.Radarr != nil {
		managers[domain.ManagerRadarr] = integration.NewArrClient(domain.ManagerRadarr, *cfg.Radarr, cfg.HistoryPageSize, clientOpts)
	}
	if cfg.Sonarr != nil {
		managers[domain.ManagerSonarr] = integration.NewArrClient(domain.ManagerSonarr, *cfg.Sonarr, cfg.HistoryPageSize, clientOpts)
	}

	poller := services.NewPoller(cfg, services.PollerDeps{
		Downloads: integration.NewEmulerrClient(cfg.EmulerrHost, clientOpts),
		Managers:  managers,
		Notifier:  notify,
		EventBus:  eb,
		Clock:     clk,
	})

	scheduler := services.NewSchedulerService(ctx)
	if cfg.ClearCompletedSchedule != "" {
		if !cfg.QBittorrent.Enabled() {
			logger.Warnf("CLEAR_COMPLETED_SCHEDULE is set but QBITTORRENT_HOST is not; cleaner disabled")
		} else {
			cleaner := services.NewCleanerService(integration.NewQBittorrentClient(cfg.QBittorrent, clientOpts), eb, cfg.ClearCompletedDeleteFiles, cfg.DryRun)
			if err := scheduler.AddJob("clear-completed", cfg.ClearCompletedSchedule, services.ClearCompletedJob(cleaner)); err != nil {
				return err
			}
		}
	}
	if repo != nil && cfg.JournalRetentionDays > 0 {
		if err := scheduler.AddJob("journal-maintenance", "@daily", services.JournalMaintenanceJob(repo, cfg.JournalRetentionDays)); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	var apiServer *api.RESTServer
	if cfg.StatusListen != "" {
		deps := api.ServerDeps{
			Config:   cfg,
			Status:   poller,
			EventBus: eb,
			Metrics:  metricsService.Handler(),
		}
		if repo != nil {
			deps.Events = repo
		}
		apiServer = api.NewRESTServer(deps)
		go func() {
			if err := apiServer.Start(cfg.StatusListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Status API stopped: %v", err)
			}
		}()
		logger.Infof("Status API listening on %s", cfg.StatusListen)
	}

	logger.Infof("Stallarr %s started", config.Version)
	poller.Run(ctx)

	logger.Infof("Shutting down...")
	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Status API shutdown error: %v", err)
		}
	}
	return nil
}
