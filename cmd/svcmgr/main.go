package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"svcmgr/admin"
	"svcmgr/codec"
	"svcmgr/config"
	"svcmgr/domain"
	"svcmgr/loadbalance"
	"svcmgr/logging"
	"svcmgr/manager"
	"svcmgr/message"
	"svcmgr/metrics"
	"svcmgr/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	code := run(cfg, logr)
	_ = logr.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, logr *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Both were checked by config.Validate.
	ct, _ := codec.ParseCodecType(cfg.Codec)
	routes, _ := loadbalance.New(cfg.Dispatch.RoutePolicy)

	// --- metrics ---
	var collector metrics.Collector = metrics.NewLogCollector(logr.Named("calls"))
	if cfg.Metrics.RedisURL != "" {
		client, err := metrics.NewRedisUniversalClient(cfg.Metrics.RedisURL)
		if err != nil {
			logr.Error("failed to init redis", zap.Error(err))
			return 1
		}
		defer client.Close()
		collector = metrics.NewRedisCollector(client, cfg.Metrics.Key, cfg.Metrics.MaxLength)
	}
	acc := metrics.NewAccumulator(metrics.Config{
		BatchSize: cfg.Metrics.BatchSize,
		Rate:      cfg.Metrics.Rate,
	}, collector, logr)
	acc.Start(context.Background())

	// --- reactor and transport ---
	var mgr *manager.Manager
	poster := server.PosterFunc(func(ctx context.Context, msg message.Message) error {
		return mgr.Post(ctx, msg)
	})
	svr := server.NewServer(poster, ct, logr)

	self := message.ProcessHandle{PID: cfg.Domain.PID, IPC: cfg.DomainIPC()}
	deps := manager.Deps{Outbound: svr, Metrics: acc, Routes: routes, Logger: logr}

	var dir *domain.Directory
	var gateway *domain.Gateway
	if len(cfg.Domain.EtcdEndpoints) > 0 {
		var err error
		dir, err = domain.NewDirectory(domain.DirectoryConfig{
			Endpoints: cfg.Domain.EtcdEndpoints,
			Domain:    cfg.Domain.Name,
			Process:   self,
			LeaseTTL:  cfg.Domain.LeaseTTL,
		}, logr)
		if err != nil {
			logr.Error("failed to init domain directory", zap.Error(err))
			return 1
		}
		defer dir.Close()
		gateway = domain.NewGateway(dir, poster, cfg.Domain.DiscoverTimeout, logr)
		deps.Gateway = gateway
		deps.Spawner = domain.NewScaleForwarder(dir.Client(), cfg.Domain.Name)
	}

	mgr = manager.New(manager.Config{
		Domain:          cfg.Domain.Name,
		Process:         self,
		InboxSize:       cfg.Dispatch.InboxSize,
		FlushInterval:   cfg.Metrics.FlushInterval,
		SlowHandler:     cfg.Dispatch.SlowHandler,
		CheckInvariants: cfg.Dispatch.CheckInvariants,
	}, deps)

	runErr := make(chan error, 1)
	go func() {
		runErr <- mgr.Run(ctx)
	}()

	if dir != nil {
		go gateway.Run(ctx)
		go gateway.Prune(ctx, dir.Watch(ctx))
		go domain.NewPublisher(mgr, dir, cfg.Domain.PublishInterval, logr).Run(ctx)
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logr.Error("failed to listen", zap.String("addr", cfg.Listen), zap.Error(err))
		stop()
		<-runErr
		acc.Stop()
		return 1
	}
	go func() {
		if err := svr.ServeListener(listener); err != nil {
			logr.Error("server error", zap.Error(err))
		}
	}()

	// --- admin ---
	e := admin.NewEcho(admin.NewHTTPServer(mgr, logr), cfg.Admin.Rate, cfg.Admin.Burst)
	go func() {
		if err := e.Start(cfg.Admin.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("admin server error", zap.Error(err))
		}
	}()

	health := admin.NewHealth()
	if hl, err := net.Listen("tcp", cfg.Admin.HealthListen); err != nil {
		logr.Warn("health service disabled", zap.String("addr", cfg.Admin.HealthListen), zap.Error(err))
	} else {
		go health.Serve(hl)
	}
	health.SetServing(true)

	logr.Info("service manager started",
		zap.String("domain", cfg.Domain.Name), zap.String("listen", cfg.Listen), zap.String("admin", cfg.Admin.Listen))

	var reactorErr error
	stopped := false
	select {
	case <-ctx.Done():
		logr.Info("shutting down")
	case reactorErr = <-runErr:
		stopped = true
	}

	// --- shutdown ---
	health.SetServing(false)
	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		logr.Warn("server shutdown", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logr.Warn("admin shutdown", zap.Error(err))
	}
	health.Stop()
	if dir != nil {
		if err := dir.Withdraw(shutdownCtx); err != nil {
			logr.Warn("withdraw published services", zap.Error(err))
		}
	}

	stop()
	if !stopped {
		reactorErr = <-runErr
	}
	acc.Stop()

	if reactorErr != nil {
		logr.Error("service manager failed", zap.Error(reactorErr), zap.Bool("invariant", manager.IsInvariant(reactorErr)))
		return 1
	}
	logr.Info("service manager stopped")
	return 0
}
