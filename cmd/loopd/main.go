// Package main is the entry point for loopd, the command-line process
// that wires the four owned singletons — Agent Process Supervisor,
// Assignment Coordinator, Persistence, Event Fabric — and drives one
// plan's Loop Orchestrator to completion, grounded on the teacher's
// cmd/orchestrator/main.go numbered bootstrap sequence (config, logger,
// signal-aware context, component wiring, HTTP server, graceful
// shutdown), reworked from a gin+NATS+Postgres service into a
// single-process, file-backed core with no external dependencies beyond
// the local filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loopforge/coreloop/internal/assignment"
	"github.com/loopforge/coreloop/internal/common/config"
	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/internal/coreerr"
	"github.com/loopforge/coreloop/internal/eventbus"
	"github.com/loopforge/coreloop/internal/orchestrator"
	"github.com/loopforge/coreloop/internal/persistence"
	"github.com/loopforge/coreloop/internal/provider"
	"github.com/loopforge/coreloop/internal/supervisor"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

// Exit codes per spec: 0 clean stop, 1 unhandled failure, 2 fatal
// configuration error.
const (
	exitOK            = 0
	exitUnhandled     = 1
	exitConfigInvalid = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a loopd config file (optional)")
	dataRoot := flag.String("data", "", "override the persistence data directory")
	planID := flag.String("plan", "", "id of the plan to run (required)")
	providerName := flag.String("provider", "", "provider to spawn agents with (required)")
	model := flag.String("model", "", "model name passed through to the provider")
	fallbacks := flag.String("fallback-providers", "", "comma-separated providers to fall back to on rate-limit, in order")
	baseBranch := flag.String("base-branch", "", "isolate the run in a git worktree branched from this ref and merge back on success")
	learningsSeed := flag.String("learnings-seed", "", "path to a learnings.seed.yaml to merge in before the loop starts")
	flag.Parse()

	// 1. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfigInvalid
	}
	if *dataRoot != "" {
		cfg.Data.Root = *dataRoot
	}
	if *planID == "" {
		fmt.Fprintln(os.Stderr, "missing required -plan flag")
		return exitConfigInvalid
	}
	if *providerName == "" {
		fmt.Fprintln(os.Stderr, "missing required -provider flag")
		return exitConfigInvalid
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfigInvalid
	}
	logger.SetDefault(log)
	log.Info("starting loopd", zap.String("plan_id", *planID))

	// 3. Signal-aware root context; cancelling it drops straight through to
	// every blocking suspension point (Orchestrator.Run, event fabric Run,
	// HTTP server) per the cancellation-propagation design.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Persistence.
	store, err := persistence.New(cfg.Data.Root, log)
	if err != nil {
		log.WithError(err).Error("failed to open persistence store")
		return exitConfigInvalid
	}

	plan, extra, err := store.ReadPlan(*planID)
	if err != nil {
		log.WithError(err).Error("failed to load plan", zap.String("plan_id", *planID))
		if coreerr.Is(err, coreerr.NotFound) || coreerr.Is(err, coreerr.Corrupt) {
			return exitConfigInvalid
		}
		return exitUnhandled
	}

	// 5. Provider registry and Agent Process Supervisor.
	registry := provider.NewRegistry(provider.Builtins()...)
	sup := supervisor.New(supervisor.Config{
		DefaultIdleTimeout:  cfg.Supervisor.DefaultIdleTimeout,
		TerminationGrace:    cfg.Supervisor.TerminationGrace,
		MaxConcurrentAgents: cfg.Supervisor.MaxConcurrentAgents,
	}, registry, log)

	// 6. Event Fabric.
	bus := eventbus.New(log)
	go bus.Run(ctx)

	// 7. Assignment Coordinator, wired to publish lease events onto the bus.
	coordinator, err := assignment.New(store, log)
	if err != nil {
		log.WithError(err).Error("failed to load assignment coordinator")
		return exitUnhandled
	}
	coordinator.SetSink(bus)

	// 8. Startup recovery: close out any iteration a prior crash left open,
	// and drop every lease whose ttl has passed. Unexpired leases are kept,
	// even when the agent holding them died with the prior process.
	orch := orchestrator.New(sup, store, bus, promptBuilder{}, log)
	if err := orch.RecoverDangling(*planID); err != nil {
		log.WithError(err).Warn("dangling iteration recovery failed", zap.String("plan_id", *planID))
	}
	if err := coordinator.Sweep(); err != nil {
		log.WithError(err).Warn("initial lease sweep failed")
	}
	if *learningsSeed != "" {
		if err := store.SeedLearningsFromFile(*learningsSeed); err != nil {
			log.WithError(err).Warn("failed to merge learnings seed file", zap.String("path", *learningsSeed))
		}
	}

	// 8b. Optional worktree isolation: run the agent against a dedicated
	// worktree branched off baseBranch instead of the plan's own checkout,
	// merging back (and reporting, not resolving, conflicts) once the loop
	// finishes cleanly.
	baseRepoRoot := plan.ProjectRoot
	var worktree assignment.WorktreeInfo
	isolated := false
	if *baseBranch != "" {
		wt, err := coordinator.CreateWorktree(ctx, plan.ProjectRoot, *baseBranch, plan.ID)
		if err != nil {
			log.WithError(err).Error("failed to create isolated worktree", zap.String("plan_id", *planID))
			return exitUnhandled
		}
		worktree = wt
		isolated = true
		plan.ProjectRoot = wt.Path
	}

	// 9. Periodic lease sweeper, stopped when ctx is cancelled.
	sweepInterval := cfg.Assignment.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	go runSweeper(ctx, coordinator, sweepInterval, log)

	// 10. Minimal HTTP server exposing the Event Fabric over WebSocket and
	// a liveness check. No routing framework: the only two routes are
	// fixed and the core carries no web-framework dependency.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/events", eventsHandler(bus, log))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("event stream listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	// 11. Drive the plan's loop. Run observes ctx cancellation internally
	// and returns LoopReasonCancelled rather than leaving the caller to
	// race its own shutdown against the loop.
	reason, runErr := orch.Run(ctx, plan, orchestratorConfig(cfg, plan, *providerName, *model, *fallbacks))

	// 12. Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}

	if isolated {
		plan.ProjectRoot = baseRepoRoot
	}

	if runErr != nil {
		log.WithError(runErr).Error("loop exited with an error", zap.String("plan_id", *planID))
		return exitUnhandled
	}
	log.Info("loop completed", zap.String("plan_id", *planID), zap.String("reason", string(reason)))

	if isolated && reason == coreloop.LoopReasonSuccess {
		mergeCtx, mergeCancel := context.WithTimeout(context.Background(), time.Minute)
		merged, mergeErr := coordinator.MergeBack(mergeCtx, baseRepoRoot, worktree.Branch, *baseBranch)
		mergeCancel()
		switch {
		case mergeErr != nil:
			log.WithError(mergeErr).Error("merge-back failed", zap.String("plan_id", *planID))
		case !merged.Merged:
			log.Warn("merge-back left conflicts for manual resolution",
				zap.String("plan_id", *planID), zap.Strings("conflicts", merged.ConflictFiles))
		default:
			removeCtx, removeCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := coordinator.RemoveWorktree(removeCtx, baseRepoRoot, worktree.Path); err != nil {
				log.WithError(err).Warn("failed to remove worktree after merge-back")
			}
			removeCancel()
		}
	}

	// Persist the plan file unchanged (round-trips any fields this binary
	// doesn't know about) so a future run sees the same extras.
	if err := store.WritePlan(plan, extra); err != nil {
		log.WithError(err).Warn("failed to persist plan on exit")
	}

	return exitOK
}

func runSweeper(ctx context.Context, coordinator *assignment.Coordinator, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := coordinator.Sweep(); err != nil {
				log.WithError(err).Warn("lease sweep failed")
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The Event Fabric is a local operational endpoint, not a public API;
	// callers are expected to run it behind their own origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventsHandler upgrades a request to a WebSocket and streams every Bus
// event matching the optional ?plan= filter until the client disconnects
// or the Bus shuts down.
func eventsHandler(bus *eventbus.Bus, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Debug("websocket upgrade failed")
			return
		}

		var filter eventbus.Filter
		if plan := r.URL.Query().Get("plan"); plan != "" {
			filter = eventbus.ByPlan(bus, plan)
		}
		sub, unsubscribe := bus.Subscribe(256, filter)
		defer unsubscribe()

		eventbus.ServeConn(conn, sub, log)
	}
}

func orchestratorConfig(cfg *config.Config, plan *coreloop.Plan, providerName, model, fallbacks string) orchestrator.Config {
	var maxCost *int64
	if cfg.Orchestrator.MaxCostTokens > 0 {
		v := cfg.Orchestrator.MaxCostTokens
		maxCost = &v
	}
	var fallbackProviders []string
	if fallbacks != "" {
		fallbackProviders = strings.Split(fallbacks, ",")
	}
	return orchestrator.Config{
		MaxIterations:     cfg.Orchestrator.MaxIterations,
		MaxCostTokens:     maxCost,
		Provider:          providerName,
		Model:             model,
		CompletionPromise: plan.CompletionPromise,
		IdleTimeout:       cfg.Supervisor.DefaultIdleTimeout,
		TerminationGrace:  cfg.Supervisor.TerminationGrace,
		FallbackProviders: fallbackProviders,
		RetryPolicy: orchestrator.RetryPolicy{
			MaxAttempts: cfg.Orchestrator.RetryMaxAttempts,
			BaseDelay:   cfg.Orchestrator.RetryBaseDelay,
			Multiplier:  cfg.Orchestrator.RetryMultiplier,
			Jitter:      0.2,
		},
		ErrorStrategy: orchestrator.ErrorStrategy(cfg.Orchestrator.ErrorStrategy),
	}
}
