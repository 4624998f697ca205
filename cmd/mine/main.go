package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jdallman/lineage-miner/internal/config"
	"github.com/jdallman/lineage-miner/internal/dedup"
	"github.com/jdallman/lineage-miner/internal/level"
	"github.com/jdallman/lineage-miner/internal/logging"
	"github.com/jdallman/lineage-miner/internal/state"
	"github.com/jdallman/lineage-miner/internal/util"
	"github.com/jdallman/lineage-miner/internal/version"
	"github.com/jdallman/lineage-miner/internal/warehouse"
	_ "github.com/jdallman/lineage-miner/internal/warehouse/mssql"
	_ "github.com/jdallman/lineage-miner/internal/warehouse/postgres"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    version.Name,
		Usage:   "Level-synchronous table lineage mining from warehouse query logs",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start a new mining run",
				Action: runMining,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel extraction workers",
					},
					&cli.IntFlag{
						Name:  "max-levels",
						Usage: "Stop after this many discovery levels",
					},
					&cli.StringFlag{
						Name:  "statement-types",
						Usage: "Comma-separated statement types to extract (overrides config)",
					},
				},
			},
			{
				Name:   "resume",
				Usage:  "Resume an interrupted run from its checkpoint",
				Action: resumeMining,
			},
			{
				Name:   "status",
				Usage:  "Show status of the current/last run",
				Action: showStatus,
			},
			{
				Name:  "history",
				Usage: "List all runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
				},
				Action: showHistory,
			},
			{
				Name:   "failed",
				Usage:  "List failed batches recorded on disk, per level",
				Action: showFailed,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runMining(c *cli.Context) error {
	return mine(c, false)
}

func resumeMining(c *cli.Context) error {
	return mine(c, true)
}

func mine(c *cli.Context, resume bool) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Override from flags
	if c.IsSet("workers") {
		cfg.Extraction.Workers = c.Int("workers")
	}
	if c.IsSet("max-levels") {
		cfg.Levels.Max = c.Int("max-levels")
	}
	if types := util.SplitCSV(c.String("statement-types")); len(types) > 0 {
		cfg.Extraction.StatementTypes = types
	}

	if err := os.MkdirAll(cfg.Run.Dir, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	backend, err := warehouse.Open(&cfg.Warehouse)
	if err != nil {
		return fmt.Errorf("connecting to warehouse: %w", err)
	}
	defer backend.Close()

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nInterrupted. Checkpoint and done records are preserved; rerun with 'resume'.")
		cancel()
	}()

	if err := backend.Ping(ctx); err != nil {
		return fmt.Errorf("warehouse ping failed: %w", err)
	}
	logging.Info("Connected to %s warehouse at %s", backend.Name(), cfg.Warehouse.Host)

	cache, err := dedup.Open(filepath.Join(cfg.Run.Dir, "global_db_table_mapping.csv"))
	if err != nil {
		return err
	}
	defer cache.Close()

	history, err := state.OpenHistory(filepath.Join(cfg.Run.Dir, "history.db"))
	if err != nil {
		return err
	}
	defer history.Close()

	runID, err := history.StartRun()
	if err != nil {
		return err
	}
	logging.Info("Run %s started (levels %d..%d)", runID, cfg.Levels.Start, cfg.Levels.Max)

	orch := &level.Orchestrator{
		Config:       cfg,
		Backend:      backend,
		Cache:        cache,
		History:      history,
		RunID:        runID,
		Resume:       resume,
		ShowProgress: true,
	}

	runErr := orch.Run(ctx)

	status, msg := "success", ""
	if runErr != nil {
		status, msg = "failed", runErr.Error()
		if ctx.Err() != nil {
			status = "interrupted"
		}
	}
	if err := history.CompleteRun(runID, status, msg); err != nil {
		logging.Warn("Recording run completion: %v", err)
	}

	return runErr
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	history, err := state.OpenHistory(filepath.Join(cfg.Run.Dir, "history.db"))
	if err != nil {
		return err
	}
	defer history.Close()

	last, err := history.LastRun()
	if err != nil {
		return err
	}
	if last == nil {
		fmt.Println("No runs recorded")
		return nil
	}
	printRun(*last)

	ckpt := state.NewCheckpoint(filepath.Join(cfg.Run.Dir, "checkpoint.txt"))
	lvl, step, ok, err := ckpt.Load()
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("Checkpoint:      level %d, %s completed\n", lvl, level.Step(step))
	} else {
		fmt.Println("Checkpoint:      none (no interrupted run)")
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	history, err := state.OpenHistory(filepath.Join(cfg.Run.Dir, "history.db"))
	if err != nil {
		return err
	}
	defer history.Close()

	if runID := c.String("run"); runID != "" {
		failures, err := history.FailedBatches(runID)
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			fmt.Printf("No failed batches recorded for run %s\n", runID)
			return nil
		}
		for _, fb := range failures {
			fmt.Printf("%-10s %-30s batch %-4d %s\n", fb.StatementType, fb.Database, fb.BatchNumber, fb.Error)
		}
		return nil
	}

	runs, err := history.Runs()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	for _, r := range runs {
		printRun(r)
		fmt.Println()
	}
	return nil
}

func printRun(r state.Run) {
	fmt.Printf("Run:             %s\n", r.ID)
	fmt.Printf("Status:          %s\n", r.Status)
	fmt.Printf("Started:         %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	if r.FinishedAt != nil {
		fmt.Printf("Finished:        %s\n", r.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Levels complete: %d\n", r.LevelsCompleted)
	fmt.Printf("Batches:         %d ok, %d failed\n", r.BatchesOK, r.BatchesFailed)
	if r.Error != "" {
		fmt.Printf("Error:           %s\n", r.Error)
	}
}

func showFailed(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	matches, err := filepath.Glob(filepath.Join(cfg.Run.Dir, "level_*", "failed_batches.csv"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Println("No failed batches recorded")
		return nil
	}

	for _, path := range matches {
		failures, err := state.NewFailedLog(path).Load()
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			continue
		}
		fmt.Printf("%s:\n", filepath.Base(filepath.Dir(path)))
		for _, fb := range failures {
			fmt.Printf("  %-10s %-30s batch %-4d (%d tables) %s\n",
				fb.StatementType, fb.Database, fb.BatchNumber, len(fb.Tables), fb.Error)
		}
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(&cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.LoggingConfig) error {
	logging.SetLevel(logging.ParseLevel(cfg.Level))
	logging.SetFormat(cfg.Format)

	if cfg.File == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	logging.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}
