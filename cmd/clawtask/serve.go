package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/background"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/channels"
	"github.com/basket/clawtask/internal/claudecli"
	"github.com/basket/clawtask/internal/claudemem"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/cron"
	"github.com/basket/clawtask/internal/gateway"
	"github.com/basket/clawtask/internal/health"
	otelPkg "github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/telemetry"
)

const (
	limiterEvictInterval = 5 * time.Minute
	limiterIdleAge       = 30 * time.Minute
	outboundFlushTimeout = 3 * time.Second
)

func runServe(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	quiet := fs.Bool("quiet", false, "log to <home>/logs/system.jsonl only")
	logLevel := fs.String("log-level", "", "override log_level from config.yaml")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,

		Version:      Version,
		DefaultModel: cfg.Agent.Model,
		TaskDir:      cfg.TaskDir,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	eventBus := bus.New()
	healthSvc := health.New(health.Config{
		HomeDir:          cfg.HomeDir,
		SnapshotInterval: time.Duration(cfg.Health.SnapshotIntervalSeconds) * time.Second,
		StaleThreshold:   time.Duration(cfg.Health.StaleThresholdSeconds) * time.Second,
		Logger:           logger,
	})

	store, err := persistence.NewTaskStore(cfg.TaskDir,
		persistence.WithLogger(logger),
		persistence.WithObserver(auditLog.Observe),
		persistence.WithObserver(healthSvc.Observe),
		persistence.WithObserver(publishTransitions(eventBus)),
	)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "store_opened", "task_dir", store.Dir())

	stale := store.DrainStale()
	metrics.StaleRecovered(ctx, len(stale))
	for _, rec := range stale {
		logger.Warn("task marked stale after restart", "task_id", rec.ID, "channel", rec.Channel, "chat_id", rec.ChatID)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "stale", len(stale))

	client := claudecli.New(claudecli.Config{
		Binary:        cfg.Agent.Binary,
		DefaultModel:  cfg.Agent.Model,
		StreamTimeout: cfg.Agent.StreamTimeout(),
		Timeout:       cfg.Agent.Timeout(),
		PollInterval:  cfg.Agent.PollInterval(),
		ExtraArgs:     cfg.Agent.ExtraArgs,
		Env:           cfg.Agent.Env,
		WorkDir:       cfg.Agent.WorkDir,
		Logger:        logger,
		Tracer:        otelProvider.Tracer,
		Metrics:       metrics,
	})

	var memory background.Memory
	if cfg.Memory.Enabled {
		memClient := claudemem.New(claudemem.Config{URL: cfg.Memory.URL, Project: cfg.Memory.Project, Logger: logger})
		memClient.Available(ctx)
		memory = memClient
	}

	mgr := background.NewManager(background.ManagerConfig{
		Store: store,
		Runner: &background.Runner{
			Store:            healthSvc.Track(store),
			Interval:         cfg.StatusInterval(),
			ActivityMaxChars: cfg.ActivityMaxChars,
			Logger:           logger,
			Metrics:          metrics,
			Tracer:           otelProvider.Tracer,
		},
		Streamer:      client,
		Publisher:     eventBus,
		Memory:        memory,
		Model:         cfg.Agent.Model,
		MaxConcurrent: cfg.MaxConcurrentTasks,
		Logger:        logger,
	})
	go mgr.Serve(ctx, eventBus)
	logger.Info("startup phase", "phase", "manager_started", "model", cfg.Agent.Model, "max_concurrent", cfg.MaxConcurrentTasks)

	// Delivery outlives ctx so notices posted while draining tasks still reach chats.
	deliveryCtx, stopDelivery := context.WithCancel(context.Background())
	defer stopDelivery()

	channelNames := []string{gateway.ChannelWS}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				eventBus,
				logger,
				healthSvc.MarkChannelMessage,
			)
			channelNames = append(channelNames, tg.Name())
			go func() {
				if err := tg.Start(deliveryCtx); err != nil && deliveryCtx.Err() == nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	sched, err := cron.NewScheduler(cron.Config{
		Submitter: mgr,
		Schedules: schedulesFromConfig(cfg.Schedules),
		Logger:    logger,
		OnFire:    healthSvc.MarkCronRun,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	healthSvc.MarkStarted(channelNames, sched.Len())
	healthSvc.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "schedules", sched.Len(), "channels", channelNames)

	gw, err := gateway.New(gateway.Config{
		Store:        store,
		Tasks:        mgr,
		Bus:          eventBus,
		Health:       healthSvc.Snapshot,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		RateLimit:    cfg.RateLimit,
		OnMessage:    healthSvc.MarkChannelMessage,
		Tracer:       otelProvider.Tracer,
		Logger:       logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.Limiter().StartEviction(ctx, limiterEvictInterval, limiterIdleAge)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return deliveryCtx },
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
				applyReload(cfg.HomeDir, level, mgr, sched, healthSvc, logger)
			}
		}()
	}

	if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
		fmt.Fprintf(os.Stderr, "clawtask %s listening on %s (Ctrl+C to stop)\n", Version, cfg.BindAddr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdown(logger, server, mgr, eventBus, cfg.DrainTimeout(), stopDelivery)
	logger.Info("shutdown complete")
	return 0
}

type taskDrainer interface {
	Shutdown(timeout time.Duration) error
	Active() []string
}

// shutdown stops HTTP intake, lets running tasks finish as cancelled,
// flushes their notices to the channels, then stops the channels.
func shutdown(logger *slog.Logger, server *http.Server, tasks taskDrainer, b *bus.Bus, drain time.Duration, stopDelivery context.CancelFunc) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := tasks.Shutdown(drain); err != nil {
		logger.Warn("background tasks did not drain", "error", err, "remaining", tasks.Active())
	}
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), outboundFlushTimeout)
	defer cancelFlush()
	if err := b.WaitDrained(flushCtx, bus.TopicOutboundPrefix); err != nil {
		logger.Warn("outbound messages not delivered before shutdown", "error", err)
	}
	stopDelivery()
}

// applyReload re-reads config.yaml and applies the settings that can change
// without a restart: log level, default model and cron schedules.
func applyReload(homeDir string, level *slog.LevelVar, mgr *background.Manager, sched *cron.Scheduler, healthSvc *health.Service, logger *slog.Logger) {
	newCfg, err := config.LoadFrom(homeDir)
	if err != nil {
		logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
		return
	}
	level.Set(telemetry.ParseLevel(newCfg.LogLevel))
	if newCfg.Agent.Model != mgr.Model() {
		logger.Info("default model changed", "from", mgr.Model(), "to", newCfg.Agent.Model)
		mgr.SetModel(newCfg.Agent.Model)
	}
	if err := sched.SetSchedules(schedulesFromConfig(newCfg.Schedules)); err != nil {
		logger.Error("schedule reload rejected", "error", err)
	} else {
		healthSvc.SetCronJobCount(sched.Len())
	}
	logger.Info("config.yaml hot-reloaded", "config_fingerprint", newCfg.Fingerprint())
}

func schedulesFromConfig(in []config.ScheduleConfig) []cron.Schedule {
	out := make([]cron.Schedule, 0, len(in))
	for _, s := range in {
		out = append(out, cron.Schedule{
			Name:    s.Name,
			Expr:    s.Cron,
			Channel: s.Channel,
			ChatID:  s.ChatID,
			Prompt:  s.Prompt,
			Model:   s.Model,
		})
	}
	return out
}

// publishTransitions forwards store transitions to the bus.
func publishTransitions(b *bus.Bus) persistence.TransitionObserver {
	return func(t persistence.Transition) {
		b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    t.Record.ID,
			Channel:   t.Record.Channel,
			ChatID:    t.Record.ChatID,
			OldStatus: string(t.From),
			NewStatus: string(t.To),
		})
	}
}
