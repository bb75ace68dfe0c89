package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/BTreeMap/StateFlow/internal/agent"
	"github.com/BTreeMap/StateFlow/internal/buffer"
	"github.com/BTreeMap/StateFlow/internal/config"
	"github.com/BTreeMap/StateFlow/internal/decision"
	"github.com/BTreeMap/StateFlow/internal/genai"
	"github.com/BTreeMap/StateFlow/internal/history"
	"github.com/BTreeMap/StateFlow/internal/lockfile"
	"github.com/BTreeMap/StateFlow/internal/messaging"
	"github.com/BTreeMap/StateFlow/internal/metrics"
	"github.com/BTreeMap/StateFlow/internal/pipeline"
	"github.com/BTreeMap/StateFlow/internal/store"
	"github.com/BTreeMap/StateFlow/internal/tools"
	"github.com/BTreeMap/StateFlow/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds the wired components shared by chat and serve.
type app struct {
	cfg      config.Config
	graph    *agent.Graph
	store    store.Store
	lock     *lockfile.Lock
	tracker  history.Tracker
	metrics  *metrics.Metrics
	sender   messaging.Sender
	pipeline *pipeline.Pipeline
	buffer   *buffer.Buffer
}

// appOpts selects the notification path and metrics registry.
type appOpts struct {
	registerer prometheus.Registerer
	// outbox queues notifications for a background OutboxSender instead of sending inline.
	outbox bool
	hook   pipeline.OutcomeHook
	// logOut receives notifications when Twilio is not configured.
	logOut io.Writer
}

func buildApp(ctx context.Context, cfg config.Config, opts appOpts) (*app, error) {
	graph, err := loadGraph(cfg.AgentFile)
	if err != nil {
		return nil, err
	}

	var lock *lockfile.Lock
	if cfg.DatabaseURL != "" && store.DetectDSNType(cfg.DatabaseURL) == store.DriverSQLite {
		lock, err = lockfile.Acquire(filepath.Dir(cfg.DatabaseURL))
		if err != nil {
			return nil, err
		}
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{cfg: cfg, graph: graph, store: st, lock: lock, metrics: metrics.New(opts.registerer)}

	if cfg.RedisAddr != "" {
		rt := history.NewRedisTracker(cfg.RedisAddr, cfg.RedisPassword, 0, history.WithWindow(cfg.HistoryWindow))
		if err := rt.Ping(ctx); err != nil {
			_ = rt.Close()
			_ = a.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		a.tracker = rt
		slog.Info("Using Redis history tracker", "addr", cfg.RedisAddr)
	} else {
		a.tracker = history.NewMemoryTracker(cfg.HistoryWindow)
	}

	a.sender, err = buildSender(cfg, opts.logOut)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	var notifier tools.Notifier = messaging.NewDirectNotifier(a.sender)
	if opts.outbox {
		notifier = messaging.NewOutboxNotifier(st)
	}

	reasoner, auditor, err := buildReasoning(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	engine := decision.NewEngine(reasoner, decision.WithRetryCeiling(cfg.RetryCeiling))
	validatorOpts := []validation.Option{
		validation.WithMaxRepeats(cfg.MaxRepeats),
		validation.WithApprovalConfidence(cfg.ApprovalConfidence),
	}
	if auditor != nil {
		validatorOpts = append(validatorOpts, validation.WithAuditor(auditor))
	}

	dispatcher := tools.NewDispatcher(st,
		tools.WithNotifier(notifier),
		tools.WithMetrics(a.metrics),
		tools.WithLocation(cfg.Location()),
	)

	pipelineOpts := []pipeline.Option{
		pipeline.WithStore(st),
		pipeline.WithTracker(a.tracker),
		pipeline.WithDispatcher(dispatcher),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithMaxSkipDepth(cfg.MaxSkipDepth),
	}
	if opts.hook != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithOutcomeHook(opts.hook))
	}
	a.pipeline = pipeline.New(graph, engine, validation.New(validatorOpts...), pipelineOpts...)

	a.buffer = buffer.New(a.pipeline.HandleBatch,
		buffer.WithStatusRecorder(st),
		buffer.WithMetrics(a.metrics),
		buffer.WithContext(ctx),
	)
	slog.Info("StateFlow bootstrapped", "agent", graph.Name, "states", len(graph.States), "llm", cfg.OpenAIKey != "", "twilio", cfg.TwilioEnabled())
	return a, nil
}

// bufferConfig is the per-enqueue buffering configuration.
func (a *app) bufferConfig() buffer.Config {
	return buffer.Config{Enabled: a.cfg.BufferEnabled, Delay: a.cfg.BufferDelay}
}

// Close shuts the buffer down and releases the backends.
func (a *app) Close() error {
	var errs []error
	if a.buffer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.BufferDelay+shutdownGrace)
		errs = append(errs, a.buffer.Shutdown(ctx))
		cancel()
	}
	if rt, ok := a.tracker.(*history.RedisTracker); ok {
		errs = append(errs, rt.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.lock.Release())
	return errors.Join(errs...)
}

func buildSender(cfg config.Config, logOut io.Writer) (messaging.Sender, error) {
	if !cfg.TwilioEnabled() {
		slog.Info("Twilio not configured, notifications are logged")
		return messaging.NewLogSender(logOut), nil
	}
	s, err := messaging.NewTwilioSender(
		messaging.WithAccountSID(cfg.TwilioAccountSID),
		messaging.WithAuthToken(cfg.TwilioAuthToken),
		messaging.WithFromNumber(cfg.TwilioFromNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create twilio sender: %w", err)
	}
	return s, nil
}

// buildReasoning picks the language model when a key is configured and the
// keyword heuristic otherwise.
func buildReasoning(cfg config.Config) (decision.Reasoner, validation.Auditor, error) {
	if cfg.OpenAIKey == "" {
		slog.Info("OPENAI_API_KEY not set, using heuristic reasoner")
		return decision.NewHeuristicReasoner(), nil, nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(cfg.OpenAIKey), genai.WithModel(cfg.OpenAIModel))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return decision.NewLLMReasoner(client), validation.NewLLMAuditor(client), nil
}
