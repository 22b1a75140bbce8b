// Command swell loads a task plan, computes conflict-aware execution waves,
// and optionally runs them with one worker process per task.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aleistner/swell/internal/config"
	"github.com/aleistner/swell/internal/conflict"
	"github.com/aleistner/swell/internal/cycle"
	"github.com/aleistner/swell/internal/events"
	"github.com/aleistner/swell/internal/graph"
	"github.com/aleistner/swell/internal/orchestrator"
	"github.com/aleistner/swell/internal/persistence"
	"github.com/aleistner/swell/internal/wave"
	"github.com/aleistner/swell/internal/worker"
)

// planTask is one task entry in a plan file.
type planTask struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Category  string   `json:"category"`
	Priority  int      `json:"priority"`
	DependsOn []string `json:"depends_on"`
	Impacts   []struct {
		Pattern   string `json:"pattern"`
		Op        string `json:"op"`
		Estimated bool   `json:"estimated"`
	} `json:"impacts"`
}

type plan struct {
	ListID string     `json:"list_id"`
	Tasks  []planTask `json:"tasks"`
}

func main() {
	planPath := flag.String("plan", "", "path to the JSON plan file")
	execute := flag.Bool("execute", false, "execute the computed waves")
	dbPath := flag.String("db", "", "optional sqlite path to persist tasks and run records")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "usage: swell -plan plan.json [-execute] [-db swell.db]")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *planPath, *execute, *dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, planPath string, execute bool, dbPath string) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	p, err := loadPlan(planPath)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	store := graph.NewStore()
	guard := cycle.NewGuard(store, bus)
	estimator := conflict.NewPatternEstimator(estimationRules(cfg))

	if err := buildGraph(ctx, store, guard, estimator, p); err != nil {
		return err
	}

	detector := conflict.NewDetector(cfg.Scheduler.StrictIsolation)
	scheduler := wave.NewScheduler(store, detector,
		wave.WithMaxSubWaves(cfg.Scheduler.MaxSubWavesPerLayer))

	waves, err := scheduler.CalculateWaves(p.ListID)
	if err != nil {
		return fmt.Errorf("computing waves: %w", err)
	}
	parallelism, err := scheduler.MaxParallelism(p.ListID)
	if err != nil {
		return err
	}

	fmt.Printf("Task list %q: %d tasks in %d waves (max parallelism %d)\n",
		p.ListID, len(p.Tasks), len(waves), parallelism)
	for i, w := range waves {
		fmt.Printf("  wave %d: %s\n", i, strings.Join(w, ", "))
	}

	var db *persistence.SQLiteStore
	if dbPath != "" {
		db, err = persistence.NewSQLiteStore(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer db.Close()
		for _, t := range store.TasksInList(p.ListID) {
			if err := db.SaveTask(ctx, t); err != nil {
				return fmt.Errorf("persisting task %q: %w", t.ID, err)
			}
		}
	}

	if !execute {
		return nil
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:          store,
		Waves:          scheduler,
		Runtime:        nil, // set below, the runtime reports back into the orchestrator
		Bus:            bus,
		Logger:         logger,
		Liveness:       cfg.Liveness,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
	})
	runtime := worker.NewProcessRuntime(cfg.Runtime.Command, cfg.Runtime.Args, orch, logger)
	orch.SetRuntime(runtime)
	defer runtime.TerminateAll()

	go logEvents(logger, bus.SubscribeAll(0))

	runID, err := orch.StartExecution(ctx, p.ListID)
	if err != nil {
		return fmt.Errorf("starting execution: %w", err)
	}
	logger.Info("execution started", zap.String("run_id", runID))

	if err := orch.Wait(ctx, runID); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("interrupted, aborting run", zap.String("run_id", runID))
			_ = orch.AbortExecution(runID)
			waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = orch.Wait(waitCtx, runID)
		} else {
			return err
		}
	}

	return report(ctx, orch, store, db, p.ListID, runID)
}

func loadPlan(path string) (*plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var p plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if p.ListID == "" {
		p.ListID = "default"
	}
	return &p, nil
}

// buildGraph registers plan tasks and admits every dependency edge through
// the cycle guard, so a cyclic plan is rejected with the offending path.
func buildGraph(ctx context.Context, store *graph.Store, guard *cycle.Guard, estimator conflict.Estimator, p *plan) error {
	for _, pt := range p.Tasks {
		task := &graph.Task{
			ID:       pt.ID,
			Title:    pt.Title,
			Category: pt.Category,
			Priority: pt.Priority,
			ListID:   p.ListID,
		}
		for _, im := range pt.Impacts {
			task.Impacts = append(task.Impacts, graph.FileImpact{
				Pattern:   im.Pattern,
				Op:        graph.Op(im.Op),
				Estimated: im.Estimated,
			})
		}
		if len(task.Impacts) == 0 {
			estimated, err := estimator.EstimateImpacts(ctx, task)
			if err != nil {
				return fmt.Errorf("estimating impacts for %q: %w", task.ID, err)
			}
			task.Impacts = estimated
		}
		if err := store.AddTask(task); err != nil {
			return err
		}
	}

	for _, pt := range p.Tasks {
		for _, depID := range pt.DependsOn {
			if err := guard.SafeAddDependency(pt.ID, depID); err != nil {
				var cycleErr *cycle.Error
				if errors.As(err, &cycleErr) {
					return fmt.Errorf("plan rejected: %w", cycleErr)
				}
				return err
			}
		}
	}
	return nil
}

func estimationRules(cfg *config.Config) map[string][]graph.FileImpact {
	rules := make(map[string][]graph.FileImpact, len(cfg.Estimation))
	for category, impacts := range cfg.Estimation {
		for _, r := range impacts {
			rules[category] = append(rules[category], graph.FileImpact{
				Pattern: r.Pattern,
				Op:      graph.Op(r.Op),
			})
		}
	}
	return rules
}

func logEvents(logger *zap.Logger, ch <-chan events.Event) {
	for ev := range ch {
		logger.Info("event", zap.String("type", ev.EventType()), zap.Any("event", ev))
	}
}

func report(ctx context.Context, orch *orchestrator.Orchestrator, store *graph.Store, db *persistence.SQLiteStore, listID, runID string) error {
	runState, ok := orch.Run(runID)
	if !ok {
		return fmt.Errorf("run %q vanished", runID)
	}

	fmt.Printf("Run %s finished with status %s\n", runID, runState.Status)
	for _, t := range store.TasksInList(listID) {
		fmt.Printf("  %-20s %s\n", t.ID, t.Status)
	}

	if db != nil {
		if err := db.SaveRun(ctx, runState); err != nil {
			return fmt.Errorf("persisting run: %w", err)
		}
		for _, t := range store.TasksInList(listID) {
			if err := db.UpdateTaskStatus(ctx, t.ID, t.Status); err != nil {
				return fmt.Errorf("persisting task status: %w", err)
			}
		}
	}
	return nil
}
