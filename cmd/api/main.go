package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mcctl/internal/cmdreceiver"
	"mcctl/internal/config"
	"mcctl/internal/cronjob"
	"mcctl/internal/dns"
	"mcctl/internal/hetzner"
	"mcctl/internal/log"
	"mcctl/internal/metrics"
	"mcctl/internal/pgsql"
	"mcctl/internal/rcon"
	"mcctl/internal/whitelist"
	"mcctl/internal/worker"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	log.SetupLogger(log.LevelInfo)
	logger := log.Component("main")
	logger.Info("--- Starting mcctl ---")

	logger.Info("[step] Loading configuration")
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	log.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger = log.Component("main")
	logger.Infof("[ok] Configuration loaded (addr=%s strict_transitions=%v)", cfg.HTTPAddr, cfg.StrictTransitions)

	logger.Info("[step] Initializing PostgreSQL connector")
	connector := pgsql.NewConnector(cfg.DBURL)
	startCtx, startCancel := context.WithTimeout(context.Background(), startupTimeout)
	defer startCancel()

	if err := connector.Connect(startCtx); err != nil {
		logger.Fatalf("Failed to connect database: %v", err)
	}
	logger.Info("[ok] Database connected")

	logger.Info("[step] Applying migrations")
	if err := pgsql.Migrate(startCtx, connector.DB()); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	logger.Info("[ok] Schema up to date")

	repos := pgsql.NewRepos(connector)
	recorder := metrics.New()

	logger.Info("[step] Building gateways")
	provider, err := hetzner.NewHCloudGateway(hetzner.Options{
		Token:  cfg.HCloudToken,
		Image:  cfg.HCloudImage,
		SSHKey: cfg.HCloudSSHKey,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize provider gateway: %v", err)
	}
	var dnsGateway dns.Gateway = dns.Noop{}
	if cfg.DNSEnabled() {
		cf, err := dns.NewCloudflareConnector(dns.Options{
			APIToken:   cfg.Cloudflare.APIToken,
			ZoneID:     cfg.Cloudflare.ZoneID,
			RecordID:   cfg.Cloudflare.RecordID,
			RecordName: cfg.Cloudflare.RecordName,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize DNS gateway: %v", err)
		}
		dnsGateway = cf
	} else {
		logger.Warn("[config] cloudflare not configured, DNS updates disabled")
	}
	console := rcon.NewClient(nil, cfg.RCONTimeout)
	resolver, err := whitelist.NewMojangConnector(whitelist.DefaultProfileURL, 5*time.Second)
	if err != nil {
		logger.Fatalf("Failed to initialize profile lookup: %v", err)
	}
	logger.Info("[ok] Gateways ready")

	logger.Info("[step] Initializing worker")
	workerSvc, err := worker.NewWorkerI(repos, worker.Gateways{
		Provider: provider,
		DNS:      dnsGateway,
		RCON:     console,
		Metrics:  recorder,
	}, worker.Options{
		WebhookURL:        cfg.WebhookURL(),
		WebhookSecret:     cfg.WebhookSecret,
		RCONPort:          cfg.RCONPort,
		RCONPassword:      cfg.RCONPassword,
		ShutdownGrace:     cfg.ShutdownGrace,
		ReadyEstimate:     cfg.ReadyEstimate,
		IdleTimeout:       cfg.IdleTimeout,
		SuspendTimeout:    cfg.SuspendTimeout,
		StrictTransitions: cfg.StrictTransitions,
		MaxPlayers:        cfg.MaxPlayers,
		GameVersion:       cfg.GameVersion,
		Now:               time.Now,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize worker: %v", err)
	}
	logger.Info("[ok] Worker initialized")

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	logger.Info("[step] Starting health-check scheduler")
	scheduler := cronjob.NewScheduler(repos, provider, cronjob.Options{
		Interval: cfg.HealthCheckInterval,
		Metrics:  recorder,
	})
	rep := scheduler.RunOnce(startCtx)
	logger.Infof("[ok] Initial reconciliation: %s (%s)", rep.Status, rep.Message)
	scheduler.Start(runCtx)

	logger.Info("[step] Starting HTTP server")
	mux := http.NewServeMux()
	wl := whitelist.NewService(repos, resolver, console, cfg.RCONPort)
	cmdHandler := cmdreceiver.NewHandlerI(workerSvc, wl, cmdreceiver.Options{
		AdminToken:    cfg.AdminToken,
		WebhookSecret: cfg.WebhookSecret,
		Metrics:       recorder,
	})
	cmdHandler.Register(mux)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("[ok] HTTP listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	logger.Info("[ok] Service bootstrap completed")
	logger.Info("--- mcctl is running ---")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("--- Stopping mcctl ---")
	runCancel()
	logger.Info("[step] Shutting down HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown warning: %v", err)
	} else {
		logger.Info("[ok] HTTP server stopped")
	}

	logger.Info("[step] Closing database connector")
	if err := connector.Close(); err != nil {
		logger.Warnf("database close warning: %v", err)
	} else {
		logger.Info("[ok] Database connector closed")
	}
	logger.Info("--- Shutdown complete ---")
}
