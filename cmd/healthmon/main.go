package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"healthmon/internal/api"
	"healthmon/internal/config"
	"healthmon/internal/dispatch"
	"healthmon/internal/engine"
	"healthmon/internal/ingest"
	"healthmon/internal/logging"
	"healthmon/internal/metrics"
	"healthmon/internal/model"
	"healthmon/internal/monitor"
	"healthmon/internal/normalize"
	"healthmon/internal/notifications"
	"healthmon/internal/state"
	"healthmon/internal/storage"
	"healthmon/internal/summary"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfgMgr, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfgMgr.Get().LogLevel, cfgMgr.Get().LogFormat)
	slog.SetDefault(logger)

	if err := run(cfgMgr, logger); err != nil {
		logger.Error("healthmon stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfgMgr *config.Manager, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := cfgMgr.Get()
	loc, err := cfg.Stream.Location()
	if err != nil {
		return err
	}
	m := metrics.New()

	settings, err := config.NewSettingsManager(config.ResolvePath(cfg.Notifications.SettingsPath))
	if err != nil {
		return fmt.Errorf("load notification settings: %w", err)
	}

	registry, err := storage.NewRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer registry.Close()
	if err := registry.Init(ctx); err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	channels := []dispatch.Channel{dispatch.NewEmail(cfg.Email), dispatch.NewSMS(cfg.SMS)}
	if !cfg.Email.Configured() {
		logger.Info("email delivery disabled: smtp host or credentials missing")
	}
	if cfg.Kafka.Enabled {
		channels = append(channels, dispatch.NewKafka(cfg.Kafka))
		logger.Info("kafka publisher enabled", "topic", cfg.Kafka.Topic)
	}
	dispatcher := dispatch.New(logger, channels,
		dispatch.WithBufferSize(cfg.Dispatch.Buffer),
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithMetrics(m),
	)
	defer dispatcher.Close()

	var summarizer engine.Summarizer
	if cfg.AI.APIKey != "" {
		summarizer = summary.NewClient(cfg.AI)
	} else {
		logger.Info("ai summaries disabled: no api key")
	}

	inbox := notifications.NewStore(cfg.Notifications.StoreLimit)
	dedupe := engine.NewDedupeIndex(cfg.Notifications.DedupeCapacity)
	eng := engine.NewEngine(cfg, logger, m, inbox, dedupe, summarizer, dispatcher)

	st := state.NewStore(cfg.Stream.LogCapacity)
	st.SetUnreadSource(inbox.UnreadByService)

	transport, err := ingest.NewTransport(cfg.Stream, logger)
	if err != nil {
		return err
	}

	hub := api.NewHub(logger)
	var publish func(kind, serviceID string, data any)
	if cfg.API.Enabled {
		publish = hub.Publish
		eng.OnNotify(func(rec model.NotificationRecord) {
			hub.Publish("notification", rec.ServiceID, rec)
		})
	}

	supervisor := monitor.NewSupervisor(monitor.Deps{
		Transport:  transport,
		State:      st,
		Engine:     eng,
		Settings:   settings.Snapshot,
		Classifier: normalize.Classifier{Location: loc},
		Metrics:    m,
		Logger:     logger,
		Retry:      cfg.Stream.RetryInterval,
		Publish:    publish,
	})

	watcher := storage.NewWatcher(registry, cfg.Registry.WatchInterval, logger)
	go watcher.Run(ctx, supervisor.Reconcile)

	stop := make(chan struct{})
	defer close(stop)
	go settings.Watch(cfg.Notifications.SettingsWatchInterval, func(model.NotificationSettings) {
		logger.Info("notification settings reloaded", "path", settings.Path())
	}, func(err error) {
		logger.Warn("notification settings reload failed", "err", err)
	}, stop)
	go cfgMgr.Watch(5*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("config reloaded; stream, registry and channel changes apply on restart", "path", cfgMgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stop)

	srv := api.New(api.Options{
		Config:     cfgMgr,
		Settings:   settings,
		Registry:   registry,
		Watcher:    watcher,
		State:      st,
		Engine:     eng,
		Supervisor: supervisor,
		Sender:     dispatcher,
		Hub:        hub,
		Logger:     logger,
		Version:    version,
	})
	api.Start(ctx, srv)

	logger.Info("healthmon started",
		"version", version,
		"transport", cfg.Stream.Transport,
		"registry", cfg.Registry.Driver,
		"retry", cfg.Stream.RetryInterval,
	)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stream shutdown incomplete", "err", err)
	}
	return nil
}
