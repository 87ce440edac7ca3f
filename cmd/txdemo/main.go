// Command txdemo wires every component together and runs a short
// end-to-end scenario: create a task, register a worker, claim and run
// the task, record a learning from it, and retrieve it back.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/tx/internal/claim"
	"github.com/user/tx/internal/config"
	"github.com/user/tx/internal/feedback"
	"github.com/user/tx/internal/graph"
	"github.com/user/tx/internal/learning"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/orchestrator"
	"github.com/user/tx/internal/ready"
	"github.com/user/tx/internal/retrieval"
	"github.com/user/tx/internal/run"
	"github.com/user/tx/internal/store"
	"github.com/user/tx/internal/taskgraph"
	"github.com/user/tx/internal/worker"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("TX_CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	s, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	tasks := taskgraph.New(s)
	readyComputer := ready.New(s)
	workers := worker.New(s, cfg.WorkerPoolSize, cfg.DeadMissedHeartbeats, cfg.HeartbeatInterval())
	claims := claim.New(s, cfg.LeaseDuration(), cfg.MaxRenewals)
	runs := run.New(s, cfg.HeartbeatInterval()*time.Duration(cfg.DeadMissedHeartbeats))
	learnings := learning.New(s)
	g := graph.New(s)
	fb, err := feedback.New(s, g, cfg.FeedbackCacheSize)
	if err != nil {
		slog.Error("failed to build feedback tracker", "error", err)
		os.Exit(1)
	}
	retriever := retrieval.New(learnings, nil, retrieval.NoopEmbedder{}, fb, g, nil)
	orch := orchestrator.New(s, workers, claims)

	printStartupBanner(&cfg)

	if err := orch.Start(ctx); err != nil {
		slog.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	if err := runDemoScenario(ctx, tasks, readyComputer, workers, claims, runs, learnings, retriever, orch); err != nil {
		slog.Error("demo scenario failed", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(cfg.HeartbeatInterval())
	defer ticker.Stop()
	slog.Info("orchestrator running, Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			gracefulShutdown(orch)
			return
		case <-ticker.C:
			result, err := orch.Step(ctx)
			if err != nil {
				slog.Warn("orchestrator step failed", "error", err)
				continue
			}
			if len(result.DeadWorkers) > 0 || len(result.ReleasedClaims) > 0 || len(result.ExpiredClaims) > 0 {
				slog.Info("orchestrator step",
					"dead_workers", len(result.DeadWorkers),
					"released_claims", len(result.ReleasedClaims),
					"expired_claims", len(result.ExpiredClaims),
				)
			}
		}
	}
}

func runDemoScenario(
	ctx context.Context,
	tasks *taskgraph.TaskGraph,
	readyComputer *ready.Computer,
	workers *worker.Registry,
	claims *claim.Manager,
	runs *run.Recorder,
	learnings *learning.Store,
	retriever *retrieval.Retriever,
	orch *orchestrator.Orchestrator,
) error {
	task, err := tasks.Create(ctx, "add rate limiting to the ingest endpoint", "", "", 5)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	readyTasks, err := readyComputer.List(ctx, ready.Options{Limit: 10})
	if err != nil {
		return fmt.Errorf("list ready tasks: %w", err)
	}
	slog.Info("ready tasks", "count", len(readyTasks))

	w, err := workers.Register(ctx, "demo-worker", "", 0, nil)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	if _, err := claims.Claim(ctx, task.ID, w.ID); err != nil {
		return fmt.Errorf("claim task: %w", err)
	}

	r, err := runs.Create(ctx, task.ID, w.ID, "demo-agent", 0, run.Paths{Transcript: "/tmp/tx-demo-transcript.log"}, nil)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	if err := runs.Heartbeat(ctx, r.ID, 128, 0, 512); err != nil {
		return fmt.Errorf("heartbeat run: %w", err)
	}
	if err := runs.Complete(ctx, r.ID, model.RunStatusCompleted, sql.NullInt64{Int64: 0, Valid: true}, "", ""); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if err := claims.Release(ctx, task.ID, w.ID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if _, err := tasks.Update(ctx, task.ID, taskgraph.Patch{Status: strPtr("done")}); err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}

	l, err := learnings.Create(ctx, "rate limiting the ingest endpoint needed a token bucket per tenant, not a global one", "pattern")
	if err != nil {
		return fmt.Errorf("create learning: %w", err)
	}
	if err := learnings.SetEmbedding(ctx, l.ID, []float32{0.1, 0.2, 0.3, 0.4}); err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}

	results, err := retriever.Retrieve(ctx, "rate limiting ingest", retrieval.Options{
		Limit:               5,
		Weights:             retrieval.Weights{Recency: 0.15, Outcome: 0.2, Frequency: 0.1, Feedback: 0.2},
		RRFK:                60,
		HalfLifeSeconds:      86400 * 30,
		FrequencySaturation: 10,
	})
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	slog.Info("retrieval results", "count", len(results))

	return nil
}

func strPtr(s string) *string { return &s }

func printStartupBanner(cfg *config.Config) {
	fmt.Printf("\ntx v%s\n", version)
	fmt.Printf("  db:           %s\n", cfg.DBPath)
	fmt.Printf("  worker pool:  %d\n", cfg.WorkerPoolSize)
	fmt.Printf("  lease:        %ds\n", cfg.LeaseDurationSeconds)
	if dump, err := config.DumpYAML(*cfg); err == nil {
		slog.Debug("effective config", "yaml", string(dump))
	}
	fmt.Println("\nCtrl+C to stop")
}

func gracefulShutdown(orch *orchestrator.Orchestrator) {
	slog.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.Stop(ctx); err != nil {
		slog.Warn("orchestrator stop failed", "error", err)
	}
	slog.Info("tx stopped")
}
