// Package main implements the middlewared daemon: the RPC middleware that
// fronts the storage appliance's services over a unix socket, a websocket
// endpoint and an HTTP facade.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/truenas/middleware-sub024/auth"
	"github.com/truenas/middleware-sub024/config"
	"github.com/truenas/middleware-sub024/dispatch"
	"github.com/truenas/middleware-sub024/eventbus"
	"github.com/truenas/middleware-sub024/health"
	"github.com/truenas/middleware-sub024/job"
	"github.com/truenas/middleware-sub024/metric"
	"github.com/truenas/middleware-sub024/registry"
	"github.com/truenas/middleware-sub024/relay"
	"github.com/truenas/middleware-sub024/role"
	"github.com/truenas/middleware-sub024/schema"
	"github.com/truenas/middleware-sub024/services"
	"github.com/truenas/middleware-sub024/transport"
)

const (
	Version = "2.3.0"
	appName = "middlewared"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath      = flag.String("config", os.Getenv("MIDDLEWARED_CONFIG"), "Path to YAML configuration (env: MIDDLEWARED_CONFIG)")
		validate        = flag.Bool("validate", false, "Validate configuration and exit")
		showVersion     = flag.Bool("version", false, "Show version and exit")
		shutdownTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("Starting middlewared", "config_path", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	engine := schema.NewEngine(logger)
	roles := role.NewManager(logger)
	if err := services.RegisterRoles(roles); err != nil {
		return err
	}
	reg := registry.New(engine, logger, registry.WithRoleChecker(roles))

	bus := eventbus.New(logger, eventbus.WithMetrics(metrics.Metrics))

	store, err := job.OpenStore(cfg.Jobs.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := job.NewManager(job.Config{
		Workers:  cfg.Jobs.Workers,
		LogDir:   cfg.Jobs.LogDir,
		KeepJobs: cfg.Jobs.KeepJobs,
		KeepLogs: cfg.Jobs.KeepLogs,
	}, logger,
		job.WithEvents(bus),
		job.WithMetrics(metrics.Metrics),
		job.WithStore(store),
	)
	if err != nil {
		return err
	}

	accounts, err := auth.LoadAccounts(cfg.Auth.AccountsPath)
	if err != nil {
		return err
	}
	authn := auth.NewManager(accounts, logger,
		auth.WithMetrics(metrics.Metrics),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithRateLimit(1/cfg.Auth.RateLimitSecs, cfg.Auth.RateBurst),
	)
	defer authn.Close()

	dispatcher := dispatch.New(dispatch.Config{
		Version:     Version,
		PoolWorkers: cfg.Dispatch.PoolWorkers,
		PoolQueue:   cfg.Dispatch.PoolQueue,
	}, reg, roles, engine, bus, jobs, authn, logger, metrics.Metrics)

	rest := transport.NewRESTServer(
		transport.RESTConfig{Addr: cfg.REST.Addr},
		dispatcher, authn, jobs, logger,
		transport.WithMetricsHandler(metrics.Handler()),
		transport.WithHealthHandler(monitor.Handler(appName)),
	)

	if err := services.RegisterCore(reg, services.CoreDeps{
		Registry:  reg,
		Engine:    engine,
		Jobs:      jobs,
		Sessions:  dispatcher,
		Caller:    dispatcher,
		Downloads: rest,
	}); err != nil {
		return err
	}
	if err := services.RegisterAuth(reg, authn, dispatcher); err != nil {
		return err
	}
	services.SyncRoles(reg, roles)
	if err := reg.RunSetupHooks(); err != nil {
		return err
	}

	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer shutdown(monitor, "jobs", func() error { return jobs.Stop(*shutdownTimeout) })

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer shutdown(monitor, "dispatcher", func() error { return dispatcher.Stop(*shutdownTimeout) })
	monitor.UpdateHealthy("dispatcher", "serving")
	monitor.UpdateHealthy("jobs", fmt.Sprintf("%d workers", cfg.Jobs.Workers))

	unixListener := transport.NewUnixListener(cfg.Socket.Path, dispatcher, logger)
	wsListener := transport.NewWSListener(cfg.WebSocket.Addr, dispatcher, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return unixListener.Start(gctx) })
	g.Go(func() error { return wsListener.Start(gctx) })
	g.Go(func() error { return rest.Start(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	defer shutdown(monitor, "transports", func() error {
		_ = rest.Stop(*shutdownTimeout)
		_ = wsListener.Stop(*shutdownTimeout)
		return unixListener.Stop(*shutdownTimeout)
	})
	monitor.UpdateHealthy("transports", "listening")

	var eventRelay *relay.Relay
	if cfg.Relay.Enabled {
		eventRelay, err = relay.New(relay.Config{
			URL:       cfg.Relay.URL,
			Subject:   cfg.Relay.Subject,
			NodeID:    cfg.Relay.NodeID,
			AllowList: cfg.Relay.AllowList,
		}, bus, logger)
		if err != nil {
			return err
		}
		if err := eventRelay.Start(ctx); err != nil {
			return err
		}
		defer shutdown(monitor, "relay", func() error { return eventRelay.Stop(*shutdownTimeout) })
		monitor.UpdateHealthy("relay", "connected")
	}

	logger.Info("middlewared ready",
		"socket", cfg.Socket.Path,
		"websocket", cfg.WebSocket.Addr,
		"rest", cfg.REST.Addr,
		"relay", cfg.Relay.Enabled)

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

// shutdown stops one subsystem and downgrades its health entry so probes
// observe the drain.
func shutdown(monitor *health.Monitor, name string, stop func() error) {
	monitor.UpdateDegraded(name, "shutting down")
	if err := stop(); err != nil {
		slog.Warn("Subsystem stop failed", "subsystem", name, "error", err)
	}
}
