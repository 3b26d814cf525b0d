// Package cli wires the cobra command tree to the processing pipeline.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"wormflow/internal/config"
	"wormflow/internal/pipeline"
	"wormflow/internal/server"
	"wormflow/internal/storage"
	"wormflow/internal/tasks"
)

const version = "wormflow v1.0.0-dev"

// pipelineClient is the surface of the pipeline the CLI needs. Tests
// substitute a fake.
type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// toolManager reports external tool availability for the tools command.
type toolManager interface {
	GetToolStatus() map[string]map[string]tasks.ToolStatus
	GetAvailableConverter() (string, error)
	GetAvailableEncoder() (string, error)
	GetAvailableRuntime() (string, error)
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	if real, ok := pipe.(*pipeline.Pipeline); ok {
		return server.Serve(ctx, addr, store, real, log)
	}
	return fmt.Errorf("pipeline does not support server operation")
}

// watcherFunc constructs a recording watcher for the watch command.
type watcherFunc func(root string) (*tasks.RecordingWatcher, error)

// Root carries the shared dependencies for all subcommands.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store

	toolFactory func(*config.Config) toolManager
	serveFn     serverFunc
	newWatcher  watcherFunc
}

// NewRoot constructs the CLI root with production dependencies.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn:    defaultServe,
		newWatcher: tasks.NewRecordingWatcher,
	}
}

// Run executes the command tree with the given arguments.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// enqueueAndWait submits a job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	results, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	if err := r.pipeline.Submit(job); err != nil {
		return fmt.Errorf("failed to submit job %s: %w", job.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return fmt.Errorf("pipeline closed before job %s completed", job.ID)
			}
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				return res.Error
			}
			r.printMeta(res.Meta)
			return nil
		}
	}
}

func (r *Root) printMeta(meta map[string]any) {
	for key, val := range meta {
		r.log.Info("job result", "key", key, "value", val)
	}
}

// newID builds a unique job identifier with a command prefix.
func newID(prefix string) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, time.Now().UTC().Format("20060102T150405"), rand.Intn(10000))
}
