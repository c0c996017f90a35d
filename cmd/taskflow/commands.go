package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mtlprog/taskflow/internal/config"
	"github.com/mtlprog/taskflow/internal/database"
	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/eventlog"
	"github.com/mtlprog/taskflow/internal/flush"
	"github.com/mtlprog/taskflow/internal/handler"
	"github.com/mtlprog/taskflow/internal/observability"
	"github.com/mtlprog/taskflow/internal/repository"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

// replayBatchSize is how many entries replay applies per transaction.
const replayBatchSize = 500

func openRepository(ctx context.Context, cfg config.Config) (*repository.Store, error) {
	logger := slog.Default().With("component", "repository")

	switch cfg.Repository.Backend {
	case config.BackendSQLite:
		return repository.NewSQLite(ctx, cfg.Repository.Path, logger)
	case config.BackendPostgres:
		return repository.NewPostgres(ctx, cfg.Repository.URL, database.PoolConfig{
			MaxConns: cfg.Repository.MaxConns,
			MinConns: cfg.Repository.MinConns,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Repository.Backend)
	}
}

func runServe(c *cli.Context) error {
	cfg := configFrom(c)
	if addr := c.String("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	sys, err := taskflow.New(taskflow.Options{
		Config:     cfg.Engine,
		Repository: repo,
		Hooks:      observability.NewPrometheus(nil, slog.Default().With("component", "metrics")),
		Logger:     slog.Default(),
	})
	if err != nil {
		_ = repo.Close()
		return fmt.Errorf("failed to create task system: %w", err)
	}

	// abort releases the event log and the repository when startup fails
	abort := func(err error) error {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, sys.Shutdown(stopCtx, taskflow.ShutdownOptions{Force: true}))
	}

	for _, def := range builtinTemplates(&http.Client{Timeout: 15 * time.Second}) {
		if _, err := sys.RegisterTask(def); err != nil {
			return abort(fmt.Errorf("failed to register template %s: %w", def.Name, err))
		}
	}

	if err := sys.Start(ctx); err != nil {
		return abort(fmt.Errorf("failed to start task system: %w", err))
	}

	mux := http.NewServeMux()
	handler.New(sys, handler.Options{APIKey: cfg.HTTP.APIKey}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		serverErr := server.Shutdown(shutdownCtx)

		sysCtx, sysCancel := context.WithTimeout(context.WithoutCancel(ctx),
			cfg.Engine.Shutdown.GracePeriod+cfg.HTTP.ShutdownTimeout)
		defer sysCancel()
		sysErr := sys.Shutdown(sysCtx, taskflow.ShutdownOptions{})

		return errors.Join(serverErr, sysErr)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func runMigrate(c *cli.Context) error {
	cfg := configFrom(c)
	repo, err := openRepository(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	if err := repo.Initialize(c.Context); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("migrations applied", "backend", cfg.Repository.Backend)
	return nil
}

// runReplay applies every entry of every log file. Entries already in the
// repository are skipped by their unique log sequence.
func runReplay(c *cli.Context) error {
	cfg := configFrom(c)
	ctx := c.Context

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()
	if err := repo.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	var (
		batch   = make([]domain.EventLogEntry, 0, replayBatchSize)
		applied int
		lastSeq int64
	)
	apply := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := repo.ExecuteBatch(ctx, batch); err != nil {
			return err
		}
		applied += len(batch)
		lastSeq = max(lastSeq, batch[len(batch)-1].Seq)
		batch = batch[:0]
		return nil
	}

	err = eventlog.ReadAll(cfg.Engine.EventLog.Dir, cfg.Engine.EventLog.FileName, func(entry domain.EventLogEntry) error {
		batch = append(batch, entry)
		if len(batch) >= replayBatchSize {
			return apply()
		}
		return nil
	})
	if err == nil {
		err = apply()
	}
	if err != nil {
		return fmt.Errorf("replay failed after %d entries: %w", applied, err)
	}

	if err := advanceProgress(cfg, lastSeq); err != nil {
		return err
	}
	slog.Info("replay complete", "entries", applied, "last_seq", lastSeq)
	return nil
}

func progressPath(cfg config.Config) string {
	if cfg.Engine.Flush.ProgressPath != "" {
		return cfg.Engine.Flush.ProgressPath
	}
	name := cfg.Engine.EventLog.FileName
	if name == "" {
		name = eventlog.DefaultFileName
	}
	return flush.DefaultProgressPath(filepath.Join(cfg.Engine.EventLog.Dir, name))
}

// advanceProgress moves the flush progress forward to seq so the next start
// does not apply replayed entries again.
func advanceProgress(cfg config.Config, seq int64) error {
	path := progressPath(cfg)
	current, err := eventlog.ReadSeqFile(path)
	if err != nil {
		return fmt.Errorf("read flush progress: %w", err)
	}
	if seq <= current {
		return nil
	}
	if err := eventlog.WriteSeqFile(path, seq); err != nil {
		return fmt.Errorf("write flush progress: %w", err)
	}
	return nil
}

func openEventLog(cfg config.Config) (*eventlog.Log, error) {
	return eventlog.Open(eventlog.Config{
		Dir:          cfg.Engine.EventLog.Dir,
		FileName:     cfg.Engine.EventLog.FileName,
		MaxFileBytes: cfg.Engine.EventLog.MaxFileBytes,
		Logger:       slog.Default().With("component", "eventlog"),
	})
}

// runCompact compacts rotated files whose entries have all been flushed.
func runCompact(c *cli.Context) error {
	cfg := configFrom(c)
	wal, err := openEventLog(cfg)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer wal.Close()

	flushed, err := eventlog.ReadSeqFile(progressPath(cfg))
	if err != nil {
		return fmt.Errorf("read flush progress: %w", err)
	}

	files, err := wal.RotatedFiles()
	if err != nil {
		return err
	}

	results := make([]eventlog.CompactResult, 0, len(files))
	for _, path := range files {
		last, err := eventlog.LastSeqInFile(path)
		if err != nil {
			return err
		}
		if last > flushed {
			slog.Info("skipping file with unflushed entries", "path", path, "last_seq", last, "flushed_seq", flushed)
			continue
		}
		res, err := wal.CompactRotatedFile(path)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	return printJSON(c, results)
}

type walStats struct {
	eventlog.Stats
	Dir        string   `json:"dir"`
	Files      []string `json:"files"`
	FlushedSeq int64    `json:"flushedSeq"`
}

func runWALStats(c *cli.Context) error {
	cfg := configFrom(c)
	wal, err := openEventLog(cfg)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer wal.Close()

	files, err := wal.Files()
	if err != nil {
		return err
	}
	flushed, err := eventlog.ReadSeqFile(progressPath(cfg))
	if err != nil {
		return fmt.Errorf("read flush progress: %w", err)
	}

	return printJSON(c, walStats{
		Stats:      wal.Stats(),
		Dir:        wal.Dir(),
		Files:      files,
		FlushedSeq: flushed,
	})
}

func runStale(c *cli.Context) error {
	cfg := configFrom(c)
	threshold := c.Duration("threshold")
	if threshold <= 0 {
		threshold = cfg.Engine.Recovery.StaleThreshold
	}

	repo, err := openRepository(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()
	if err := repo.Initialize(c.Context); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	tasks, err := repo.FindStaleTasks(c.Context, threshold)
	if err != nil {
		return fmt.Errorf("failed to find stale tasks: %w", err)
	}
	return printJSON(c, tasks)
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
