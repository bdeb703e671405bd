package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smsrelay/api"
	"smsrelay/auth"
	"smsrelay/config"
	"smsrelay/discovery"
	"smsrelay/logging"
	"smsrelay/metrics"
	"smsrelay/network"
	"smsrelay/relay"
	"smsrelay/scheduler"
	"smsrelay/storage"
	"smsrelay/task"
)

// JobCredentialCheck is the periodic credential inspection job.
const JobCredentialCheck = "auth.check"

func main() {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, _, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Collector:       %s\n", displayURL(cfg.ServerURL))
	fmt.Printf("Listen Address:  %s\n", cfg.ListenAddr)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	if err := run(cfg, cfgPath, dataDir, logger); err != nil {
		logger.Fatal("relay stopped with error", zap.Error(err))
	}
	fmt.Println("Status:          stopped")
}

func run(cfg *config.Config, cfgPath, dataDir string, logger *zap.Logger) error {
	holder := config.NewHolder(cfg, cfgPath)

	store, dbPath, err := storage.Open(dataDir,
		storage.WithLogger(logger),
		storage.WithAttemptRetention(cfg.Retention),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	pool := task.NewPool(task.DefaultPoolSize(), logger)
	defer pool.Close()

	sched, err := scheduler.New(scheduler.Config{
		Pool: pool,
		Connectivity: scheduler.TCPProbe{Addr: func() string {
			if addr := holder.Get().ConnectivityProbeAddr; addr != "" {
				return addr
			}
			return scheduler.ProbeAddr(holder.ServerURL())
		}},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	defer sched.Stop()

	client := network.NewClient(network.ClientOptions{
		Timeout: cfg.HTTPTimeout,
		Logger:  logger,
	})

	origin := task.NewOrigin()
	rel, err := relay.New(relay.Config{
		Outbox:          store,
		Pool:            pool,
		Origin:          origin,
		Scheduler:       sched,
		Collector:       client,
		Credentials:     auth.NewStaticProvider(holder),
		Endpoint:        holder,
		Metrics:         m,
		Logger:          logger,
		ThrottleDelay:   cfg.ThrottleDelay,
		RetryDelay:      cfg.RetryDelay,
		Retention:       cfg.Retention,
		CleanupInterval: cfg.CleanupInterval,
	})
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}
	// Deferred after sched.Stop so it runs first: the final flush still
	// reaches the pool before it closes.
	defer rel.Stop()

	if err := rel.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	checker := auth.NewChecker(holder, logger)
	if _, err := sched.EnqueuePeriodic(JobCredentialCheck, cfg.TokenCheckInterval, checker.Check, scheduler.Options{
		Policy: scheduler.PolicyKeep,
	}); err != nil {
		return fmt.Errorf("schedule credential check: %w", err)
	}

	server, err := api.New(api.Config{
		Addr:        cfg.ListenAddr,
		Pipeline:    rel,
		Store:       store,
		Settings:    holder,
		Credentials: checker,
		Breaker:     client,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		origin.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return server.ListenAndServe(groupCtx)
	})

	if cfg.DiscoveryEnabled {
		startDiscovery(groupCtx, group, cfg, holder, logger)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	err = group.Wait()
	fmt.Println("Status:          shutting down")
	return err
}

// startDiscovery browses for collectors and advertises the relay. Failures
// are logged; the relay works without mDNS.
func startDiscovery(ctx context.Context, group *errgroup.Group, cfg *config.Config, holder *config.Holder, logger *zap.Logger) {
	discoveryCfg := discovery.Config{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		ListenAddr: cfg.ListenAddr,
		Logger:     logger,
	}

	scanner, err := discovery.NewCollectorScanner(discoveryCfg)
	if err != nil {
		logger.Warn("collector discovery unavailable", zap.Error(err))
	} else {
		scanner.Start()
		group.Go(func() error {
			defer scanner.Stop()
			discovery.AdoptFirstCollector(ctx, scanner.Events(), holder, logger)
			return nil
		})
	}

	advertiser, err := discovery.StartAdvertiser(discoveryCfg)
	if err != nil {
		logger.Warn("relay advertisement unavailable", zap.Error(err))
		return
	}
	group.Go(func() error {
		<-ctx.Done()
		advertiser.Stop()
		return nil
	})
}

func displayURL(serverURL string) string {
	if serverURL == "" {
		return "(not configured)"
	}
	return serverURL
}
