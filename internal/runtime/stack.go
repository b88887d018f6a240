package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/recognition/cloud"
	"github.com/loqalabs/loqa-scribe/internal/recognition/local"
	"github.com/loqalabs/loqa-scribe/internal/service"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

// Stack is the recognition pipeline assembled from configuration, shared by
// the daemon and the command-line tool.
type Stack struct {
	Service *service.Service
	Store   *store.Store
	Model   *local.Handle
}

// Assemble builds the normalizer, both backends, the orchestrator and the
// persisters. The local model is not loaded until first use.
func Assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stack, error) {
	normalizer, err := audio.NewNormalizer(cfg.Audio, logger)
	if err != nil {
		return nil, fmt.Errorf("create normalizer: %w", err)
	}

	model := local.NewHandle(local.NewLoader(cfg.Local, logger))
	backends := []recognition.Backend{
		cloud.New(cfg.Cloud, logger),
		local.NewBackend(model, logger),
	}
	orch := pipeline.New(normalizer, backends, pipeline.Options{
		Policy:   audio.DurationPolicy{MaxSeconds: cfg.Audio.MaxDurationSeconds},
		Language: cfg.Recognition.Language,
		Parallel: cfg.Recognition.Parallel,
		WorkRoot: cfg.Audio.WorkDir,
	}, logger)

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	writer := artifacts.NewWriter(cfg.Output.Directory, logger)
	return &Stack{
		Service: service.New(orch, st, writer, logger),
		Store:   st,
		Model:   model,
	}, nil
}

// Close releases the model and the store.
func (s *Stack) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs []error
	if err := s.Model.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close model: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
