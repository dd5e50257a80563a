package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/autotask/internal/bus"
	"github.com/t77yq/autotask/internal/config"
	"github.com/t77yq/autotask/internal/content"
	"github.com/t77yq/autotask/internal/monitor"
	"github.com/t77yq/autotask/internal/protocol"
	"github.com/t77yq/autotask/internal/runner"
	"github.com/t77yq/autotask/internal/scheduler"
	"github.com/t77yq/autotask/internal/script"
	"github.com/t77yq/autotask/internal/storage"
	"github.com/t77yq/autotask/internal/wake"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level: %w", err)
	}
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, level, nil
}

func main() {
	config.RegisterFlags(pflag.CommandLine)
	runID := pflag.String("run", "", "run the rule with this id once, then exit")
	once := pflag.Bool("once", false, "run a single pass over due rules, then exit")
	enable := pflag.StringSlice("enable", nil, "enable the rules with these ids, then exit")
	disable := pflag.StringSlice("disable", nil, "disable the rules with these ids, then exit")
	runWait := pflag.Duration("run-wait", 2*time.Minute, "how long --run waits for the daemon to report the run")
	history := pflag.String("history", "", "print recent runs of a rule (\"all\" for every rule), then exit")
	pflag.Parse()

	// Bootstrap logger until the configured one is built
	bootstrap, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	loader, err := config.NewLoader(pflag.CommandLine, bootstrap)
	if err != nil {
		bootstrap.Fatal("Failed to create config loader", zap.Error(err))
	}
	cfg, err := loader.Load()
	if err != nil {
		bootstrap.Fatal("Failed to load config", zap.Error(err))
	}

	logger, level, err := newLogger(cfg.Log)
	if err != nil {
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()
	logger = logger.Named(cfg.App.Name)

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Failed to resolve timezone", zap.Error(err))
	}

	store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open rule store", zap.Error(err))
	}
	defer store.Close()

	switch {
	case len(*enable) > 0 || len(*disable) > 0:
		toggleRules(context.Background(), store, logger, *enable, *disable)
		return
	case *history != "":
		printHistory(context.Background(), store, *history)
		return
	}

	// Deliveries go to NATS when configured, otherwise to the log
	var (
		notifier  protocol.Notifier
		cacher    protocol.Cacher
		events    runner.Recorder
		publisher *bus.Publisher
	)
	if cfg.NATS.URL != "" {
		nc, js, err := bus.Connect(bus.ConnectOptions{
			URL:            cfg.NATS.URL,
			Name:           cfg.App.Name,
			Timeout:        cfg.NATS.ConnectTimeout,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectRetries: cfg.NATS.ConnectRetries,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Drain()

		publisher, err = bus.NewPublisher(js, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Fatal("Failed to create publisher", zap.Error(err))
		}
		notifier, cacher, events = publisher, publisher, publisher
	} else {
		sink := bus.NewLogSink(logger)
		notifier, cacher, events = sink, sink, sink
	}

	var library protocol.Library
	if cfg.Content.BaseURL != "" {
		library = content.NewHTTPLibrary(cfg.Content.BaseURL, cfg.Content.Timeout, logger)
	} else {
		logger.Warn("content.base_url not set, refreshToc actions will fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := protocol.NewDispatcher(library, notifier, cacher, logger)
	alerter := monitor.NewFailureAlerter(notifier, cfg.Alert.FailureThreshold, logger)
	runtime := script.NewRuntime(logger, nil)

	var taskRunner *runner.Runner
	timer := wake.NewTimer(func() { taskRunner.RunDue(ctx) }, logger)
	taskRunner = runner.New(store, runtime, dispatcher, timer, logger,
		runner.WithLocation(loc),
		runner.WithRecorders(store, events, alerter),
		runner.WithScheduleEnabled(cfg.Schedule.Enabled))

	switch {
	case *runID != "" && publisher != nil:
		// the daemon runs the rule under its own execution lock
		run, err := publisher.RunNow(ctx, *runID, *runWait)
		if err != nil {
			logger.Fatal("Run request failed", zap.String("rule_id", *runID), zap.Error(err))
		}
		logger.Info("Run finished",
			zap.String("rule_id", run.RuleID),
			zap.String("status", string(run.Status)),
			zap.Duration("duration", run.Duration))
		printRule(ctx, store, *runID)
		return
	case *runID != "":
		logger.Warn("No NATS configured, running in this process outside a live daemon's lock")
		err := taskRunner.RunOnce(ctx, *runID)
		timer.Cancel()
		if err != nil {
			logger.Fatal("Run failed", zap.String("rule_id", *runID), zap.Error(err))
		}
		printRule(ctx, store, *runID)
		return
	case *once:
		taskRunner.RunDue(ctx)
		timer.Cancel()
		logger.Info("Pass finished", zap.String("status", taskRunner.Status()))
		return
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	sweeper := scheduler.NewSweeper(loc, logger)
	if err := sweeper.Schedule(ctx, "sweep", cfg.Schedule.Sweep, taskRunner.RunDue); err != nil {
		logger.Fatal("Failed to schedule sweep", zap.Error(err))
	}
	if err := sweeper.Schedule(ctx, "prune", cfg.History.Prune, func(ctx context.Context) {
		if _, err := store.DeleteRunsBefore(ctx, time.Now().Add(-cfg.History.Retention)); err != nil {
			logger.Error("Failed to prune run history", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("Failed to schedule prune", zap.Error(err))
	}
	sweeper.Start()

	if publisher != nil {
		err := publisher.SubscribeRunRequests(ctx, func(req bus.RunRequest) {
			logger.Info("Run requested", zap.String("rule_id", req.RuleID))
			// RunOnce blocks on the execution lock
			go func() {
				if err := taskRunner.RunOnce(ctx, req.RuleID); err != nil {
					logger.Warn("Requested run failed", zap.String("rule_id", req.RuleID), zap.Error(err))
				}
			}()
		})
		if err != nil {
			logger.Fatal("Failed to subscribe to run requests", zap.Error(err))
		}
	}

	loader.Watch(func(old, updated *config.Config) {
		if old.Schedule.Enabled != updated.Schedule.Enabled {
			taskRunner.SetScheduleEnabled(ctx, updated.Schedule.Enabled)
		}
		if old.Log.Level != updated.Log.Level {
			if l, err := zapcore.ParseLevel(updated.Log.Level); err == nil {
				level.SetLevel(l)
			}
		}
		if old.Schedule.Sweep != updated.Schedule.Sweep {
			if err := sweeper.Schedule(ctx, "sweep", updated.Schedule.Sweep, taskRunner.RunDue); err != nil {
				logger.Error("Failed to reschedule sweep", zap.Error(err))
			}
		}
	})

	logger.Info("AutoTask daemon started",
		zap.String("db", cfg.Storage.Path),
		zap.String("config", loader.FileUsed()),
		zap.Bool("schedule_enabled", cfg.Schedule.Enabled))

	go taskRunner.RunDue(ctx)

	statusTicker := time.NewTicker(time.Minute)
	defer statusTicker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-statusTicker.C:
			logger.Info("Scheduler status",
				zap.String("status", taskRunner.Status()),
				zap.Bool("running", taskRunner.Running()),
				zap.Time("next_wake", taskRunner.NextWake()))
		}
	}

	// Graceful shutdown
	timer.Cancel()
	sweeper.Stop()

	deadline := time.After(10 * time.Second)
	for taskRunner.Running() {
		select {
		case <-deadline:
			logger.Warn("Shutdown timeout reached, a pass is still running")
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	logger.Info("AutoTask daemon stopped")
}

func printRule(ctx context.Context, store *storage.SQLiteStore, id string) {
	rule, err := store.Get(ctx, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(rule.LastLog)
}

func toggleRules(ctx context.Context, store *storage.SQLiteStore, logger *zap.Logger, enable, disable []string) {
	if len(enable) > 0 {
		n, err := store.SetEnabled(ctx, true, enable...)
		if err != nil {
			logger.Fatal("Failed to enable rules", zap.Error(err))
		}
		logger.Info("Rules enabled", zap.Int64("count", n))
	}
	if len(disable) > 0 {
		n, err := store.SetEnabled(ctx, false, disable...)
		if err != nil {
			logger.Fatal("Failed to disable rules", zap.Error(err))
		}
		logger.Info("Rules disabled", zap.Int64("count", n))
	}
}

func printHistory(ctx context.Context, store *storage.SQLiteStore, ruleID string) {
	if ruleID == "all" {
		ruleID = ""
	}
	runs, err := store.ListRuns(ctx, ruleID, 20)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	for _, run := range runs {
		line := fmt.Sprintf("%s  %-9s %-8s %6dms  %s",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.Status, run.Trigger,
			run.Duration.Milliseconds(), run.Name)
		if run.Error != "" {
			line += "  " + run.Error
		}
		fmt.Println(line)
	}
}
