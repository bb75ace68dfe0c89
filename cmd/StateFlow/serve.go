package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/StateFlow/internal/api"
	"github.com/BTreeMap/StateFlow/internal/history"
	"github.com/BTreeMap/StateFlow/internal/messaging"
	"github.com/BTreeMap/StateFlow/internal/scheduler"
	"github.com/BTreeMap/StateFlow/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// purgeTimeout bounds one purge run.
const purgeTimeout = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops server and background workers",
	Long: `Serves /metrics, /healthz, /agent and /conversations/{id}, delivers queued
notifications from the outbox and purges settled buffered messages on a cron
schedule, until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.MetricsAddr, _ = cmd.Flags().GetString("addr")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", api.DefaultAddr, "ops server listen address (overrides $STATEFLOW_METRICS_ADDR)")
}

type pinger interface {
	Ping(ctx context.Context) error
}

func runServe(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := buildApp(ctx, cfg, appOpts{registerer: reg, outbox: true, logOut: os.Stdout})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("serve close failed", "error", err)
		}
	}()

	apiOpts := []api.Option{api.WithAddr(cfg.MetricsAddr), api.WithGatherer(reg)}
	if p, ok := a.store.(pinger); ok {
		apiOpts = append(apiOpts, api.WithHealthCheck("store", p.Ping))
	}
	if rt, ok := a.tracker.(*history.RedisTracker); ok {
		apiOpts = append(apiOpts, api.WithHealthCheck("redis", rt.Ping))
	}
	srv := api.NewServer(a.graph, a.store, apiOpts...)

	outbox := store.NewOutboxSender(a.store, messaging.Delivery(a.sender), 0)
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("OutboxSender recovery failed", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddJob("purge-buffered", cfg.PurgeSchedule, scheduler.PurgeJob(a.store, cfg.BufferRetention, purgeTimeout)); err != nil {
		return fmt.Errorf("failed to schedule purge: %w", err)
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sched.Stop(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("StateFlow exited successfully")
	return nil
}
