package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/config"
	"github.com/Rajchodisetti/tradegate/internal/configchange"
	"github.com/Rajchodisetti/tradegate/internal/exchange"
	"github.com/Rajchodisetti/tradegate/internal/feed"
	"github.com/Rajchodisetti/tradegate/internal/gate"
	"github.com/Rajchodisetti/tradegate/internal/indicators"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/orchestrator"
	"github.com/Rajchodisetti/tradegate/internal/outbox"
	"github.com/Rajchodisetti/tradegate/internal/params"
	"github.com/Rajchodisetti/tradegate/internal/research"
	"github.com/Rajchodisetti/tradegate/internal/risk"
	"github.com/Rajchodisetti/tradegate/internal/server"
)

var version = "dev"

func main() {
	var cfgPath string
	var researchOnce bool
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.BoolVar(&researchOnce, "research-once", false, "run one research pass and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config/config.example.yaml?)", err)
	}
	if err := observ.InitLogging(observ.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output}); err != nil {
		log.Fatalf("init logging: %v", err)
	}
	observ.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, researchOnce); err != nil {
		observ.Log("fatal", map[string]any{"level": "error", "err": err})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Root, researchOnce bool) error {
	initial, err := cfg.Params()
	if err != nil {
		return err
	}
	store, err := params.NewStore(initial)
	if err != nil {
		return err
	}

	engine, err := risk.NewEngine(cfg.Risk.EventLogPath)
	if err != nil {
		return err
	}

	ob, err := outbox.New(cfg.Outbox.Path, cfg.Outbox.DedupeWindowSecs)
	if err != nil {
		return err
	}
	var rec orchestrator.Recorder = ob
	if cfg.Kafka.Enabled {
		sink, err := outbox.NewKafkaSink(outbox.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		rec = outbox.Fanout{ob, sink}
	}

	var notifier alerts.Notifier = alerts.LogNotifier{}
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		slack := alerts.NewSlackClient(alerts.SlackConfig{
			WebhookURL:      cfg.Slack.WebhookURL,
			Channel:         cfg.Slack.Channel,
			RateLimitPerMin: cfg.Slack.RateLimitPerMin,
			QueueSize:       cfg.Slack.QueueSize,
			DedupeWindow:    time.Duration(cfg.Slack.DedupeWindowSecs) * time.Second,
		}, nil)
		defer slack.Close()
		notifier = slack
	}

	rbac := alerts.NewRBAC(cfg.RBAC.Admins, cfg.RBAC.Operators, cfg.Slack.SigningSecret, alerts.NewAuditLogger(cfg.RBAC.AuditLogPath))
	if !rbac.CanVerify() {
		observ.Log("commands_disabled", map[string]any{"level": "warn", "reason": "slack.signing_secret is empty, every operator command will be refused"})
	}

	evaluator := gate.NewHTTPEvaluator(gate.HTTPConfig{
		URL:           cfg.Gate.URL,
		MaxRetries:    cfg.Gate.MaxRetries,
		BackoffBase:   cfg.Gate.BackoffBase,
		MinConfidence: cfg.Gate.MinConfidence,
	}, &http.Client{Timeout: cfg.Gate.Timeout})
	approver := gate.New(evaluator, gate.Config{
		Timeout:  cfg.Gate.Timeout,
		FailOpen: cfg.Gate.FailOpen,
		Disabled: !cfg.Gate.Enabled,
	}, rec)

	paper := exchange.NewPaper(exchange.PaperConfig{
		StartingBalance: cfg.Paper.StartingBalance,
		StartingPrice:   cfg.Paper.StartingPrice,
		LatencyMsMin:    cfg.Paper.LatencyMsMin,
		LatencyMsMax:    cfg.Paper.LatencyMsMax,
		SlippageBpsMin:  cfg.Paper.SlippageBpsMin,
		SlippageBpsMax:  cfg.Paper.SlippageBpsMax,
		FeeBps:          cfg.Paper.FeeBps,
		TickVolatility:  cfg.Paper.TickVolatility,
		Seed:            cfg.Paper.Seed,
	})
	defer paper.Close()

	workflow := configchange.New(store, configchange.Config{
		TTL:           cfg.Workflow.TTL,
		SweepInterval: cfg.Workflow.SweepInterval,
		Retention:     cfg.Workflow.Retention,
	}, rec, notifier)

	scheduler, closeHistory := newScheduler(ctx, cfg, store, workflow, rec, notifier)
	if closeHistory != nil {
		defer closeHistory()
	}
	if researchOnce {
		if scheduler == nil {
			return errors.New("research is disabled or its history source is unavailable")
		}
		_, err := scheduler.RunOnce(ctx)
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		Symbols:      cfg.Symbols,
		FillTimeout:  cfg.Orchestrator.FillTimeout,
		LaneBuffer:   cfg.Orchestrator.LaneBuffer,
		CommandQueue: cfg.Orchestrator.CommandQueue,
		DryRun:       cfg.TradingMode == "dry-run",
	}, orchestrator.Deps{
		Exchange: paper,
		Risk:     engine,
		Gate:     approver,
		Params:   store,
		Workflow: workflow,
		RBAC:     rbac,
		Recorder: rec,
		Orders:   ob,
		Notifier: notifier,
	})

	norm := indicators.DefaultNormalizer()
	poller := feed.NewPoller(paper, indicators.NewSuiteSource(norm.RSI, norm.MFI, 0), norm, orch, cfg.Symbols, cfg.Orchestrator.TickInterval)

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CommandRatePerS: cfg.Server.CommandRatePerS,
	}, orch, workflow, rbac)

	observ.Log("startup", map[string]any{
		"trading_mode":   cfg.TradingMode,
		"symbols":        cfg.Symbols,
		"gate_enabled":   cfg.Gate.Enabled,
		"gate_fail_open": cfg.Gate.FailOpen,
		"research":       scheduler != nil,
		"kafka_enabled":  cfg.Kafka.Enabled,
		"slack_enabled":  cfg.Slack.Enabled,
		"params_version": store.Snapshot().Version,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	orchErr := make(chan error, 1)
	goRun(func() { orchErr <- orch.Run(ctx) })
	goRun(func() { workflow.Run(ctx) })
	goRun(func() { poller.Run(ctx) })
	if scheduler != nil {
		goRun(func() { scheduler.Run(ctx) })
	}
	srv.Start()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-orchErr:
	}
	observ.Log("shutdown", map[string]any{"err": runErr})
	cancel()

	if err := srv.Shutdown(context.Background()); err != nil {
		observ.Log("http_shutdown_failed", map[string]any{"level": "error", "err": err})
	}
	wg.Wait()
	return runErr
}

// newScheduler returns nil when research is disabled or ClickHouse cannot be
// reached; trading runs either way.
func newScheduler(ctx context.Context, cfg config.Root, store *params.Store, workflow *configchange.Workflow, rec research.Recorder, notifier alerts.Notifier) (*research.Scheduler, func()) {
	if !cfg.Research.Enabled {
		return nil, nil
	}
	history, err := research.OpenClickHouse(ctx, research.ClickHouseConfig{
		DSN:             cfg.ClickHouse.DSN,
		Table:           cfg.ClickHouse.Table,
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		QueryTimeout:    cfg.ClickHouse.QueryTimeout,
	})
	if err != nil {
		observ.Log("research_disabled", map[string]any{"level": "warn", "err": err})
		return nil, nil
	}
	s := research.NewScheduler(research.Config{
		Interval:           cfg.Research.Interval,
		LookbackDays:       cfg.Research.LookbackDays,
		Timeframes:         cfg.Research.Timeframes,
		Lookahead:          cfg.Research.Lookahead,
		MinReturnThreshold: cfg.Research.MinReturnThreshold,
		MinOccurrences:     cfg.Research.MinOccurrences,
	}, cfg.Symbols, research.Deps{
		History:  history,
		Advisor:  research.HeuristicAdvisor{},
		Proposer: workflow,
		Current:  store.Snapshot,
		Recorder: rec,
		Notifier: notifier,
	})
	return s, func() { _ = history.Close() }
}
