package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/lakeops/dimsync/pkg/postgres"
	"github.com/lakeops/dimsync/pkg/postgres/dataset"
)

// Batch is one change set bound for one dimension.
type Batch struct {
	Dataset *dataset.DimensionType2Dataset
	Count   int
	RowFn   func(int) ([]any, error)
	Config  *dataset.WriteConfig
}

type Config struct {
	Logger         *slog.Logger
	Conn           postgres.Connection
	MaxConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("postgres connection is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return nil
}

// Runner applies batches to multiple dimensions. Distinct targets run
// concurrently; batches for the same target run sequentially in submission
// order, because concurrent merges against one target are unsafe.
type Runner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Run applies all batches and returns the first error encountered. Batches
// for targets other than the failing one may still have been applied; each
// batch remains individually atomic.
func (r *Runner) Run(ctx context.Context, batches []Batch) error {
	perTarget := make(map[string][]Batch)
	order := make([]string, 0, len(batches))
	for _, b := range batches {
		if b.Dataset == nil {
			return errors.New("batch has no dataset")
		}
		name := b.Dataset.TableName()
		if _, seen := perTarget[name]; !seen {
			order = append(order, name)
		}
		perTarget[name] = append(perTarget[name], b)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)

	for _, name := range order {
		target := perTarget[name]
		g.Go(func() error {
			for i, b := range target {
				if err := b.Dataset.Apply(gctx, r.cfg.Conn, b.Count, b.RowFn, b.Config); err != nil {
					return fmt.Errorf("failed to apply batch %d to %s: %w", i, name, err)
				}
				r.log.Info("applied batch", "table", name, "rows", b.Count)
			}
			return nil
		})
	}

	return g.Wait()
}
