package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/aggregation"
	"github.com/fyrsmithlabs/feedbackd/internal/clustering"
	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/consolidation"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/lifecycle"
	"github.com/fyrsmithlabs/feedbackd/internal/logging"
	"github.com/fyrsmithlabs/feedbackd/internal/operation"
	"github.com/fyrsmithlabs/feedbackd/internal/secrets"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/store/memstore"
	"github.com/fyrsmithlabs/feedbackd/internal/synthesis"
	"github.com/fyrsmithlabs/feedbackd/internal/telemetry"
)

// backend is what both storage drivers provide.
type backend interface {
	feedback.ItemStore
	feedback.ConsolidatedStore
	feedback.DocumentStore
	AddRawItems(ctx context.Context, items []feedback.RawItem) ([]feedback.RawItem, error)
	SetRawStatus(ctx context.Context, id int64, status feedback.RawStatus) error
}

type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     backend
	service   *consolidation.Service
	close     func() error
}

// newSynthesizer builds the LLM synthesizer. Tests replace it.
var newSynthesizer = func(cfg config.SynthesisConfig, logger *zap.Logger) (synthesis.Synthesizer, error) {
	model, err := synthesis.NewModel(synthesis.ModelConfig{
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey.Value(),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", cfg.Provider, err)
	}
	completer, err := synthesis.NewModelCompleter(model, cfg.Temperature, cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	opts := []synthesis.LLMOption{
		synthesis.WithRateLimit(cfg.RateLimit, cfg.Burst),
		synthesis.WithRetries(cfg.MaxRetries, cfg.Backoff.Duration()),
	}
	if cfg.ScrubSecrets {
		scrubber, err := secrets.New(secrets.Config{AllowList: cfg.ScrubAllowList})
		if err != nil {
			return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
		}
		opts = append(opts, synthesis.WithScrubber(scrubber))
	}
	return synthesis.NewLLM(completer, logger, opts...)
}

// unconfigured stands in for the synthesizer in commands that never
// synthesize, so they run without provider credentials.
var unconfigured = synthesis.Func(func(context.Context, synthesis.Request) (synthesis.Synthesis, error) {
	return synthesis.Synthesis{}, fmt.Errorf("synthesis not configured for this command: %w", synthesis.ErrFatal)
})

// newApp loads configuration and wires the service. withSynthesis builds
// the LLM synthesizer; commands that only move or read state skip it.
func newApp(ctx context.Context, withSynthesis bool) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), zl.Named("telemetry"))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel, close: func() error { return nil }}

	switch cfg.Storage.Driver {
	case "memory":
		a.store = memstore.New()
	default:
		dir, err := config.ExpandHome(cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
		db, err := store.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		a.store = db
		a.close = db.Close
	}

	if err := a.wire(ctx, zl, withSynthesis); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, zl *zap.Logger, withSynthesis bool) error {
	synth := synthesis.Synthesizer(unconfigured)
	if withSynthesis {
		s, err := newSynthesizer(a.cfg.Synthesis, zl.Named("synthesis"))
		if err != nil {
			return err
		}
		synth = s
	}

	clusterer, err := clustering.New(clustering.Config{
		Mode:              clustering.Mode(a.cfg.Clustering.Mode),
		CategoricalField:  a.cfg.Clustering.CategoricalField,
		MinClusterSize:    a.cfg.Clustering.MinClusterSize,
		DistanceThreshold: a.cfg.Clustering.DistanceThreshold,
		DensityThreshold:  a.cfg.Clustering.DensityThreshold,
	}, zl.Named("clustering"))
	if err != nil {
		return err
	}

	checkpoints, err := operation.NewCheckpoints(a.store, zl.Named("checkpoints"))
	if err != nil {
		return err
	}
	tracker, err := operation.NewTracker(a.store, zl.Named("operation"),
		operation.WithStaleAfter(a.cfg.Aggregation.StaleAfter.Duration()))
	if err != nil {
		return err
	}

	metrics := aggregation.NewMetrics(zl)
	orch, err := aggregation.New(a.store, a.store, checkpoints, clusterer, synth, zl.Named("aggregation"),
		aggregation.WithMetrics(metrics))
	if err != nil {
		return err
	}
	batches, err := aggregation.NewBatchRunner(orch, tracker, zl.Named("batch"))
	if err != nil {
		return err
	}
	lc, err := lifecycle.NewManager(a.store, checkpoints, orch, zl.Named("lifecycle"))
	if err != nil {
		return err
	}
	a.service, err = consolidation.NewService(orch, batches, lc, tracker, zl)
	if err != nil {
		return err
	}

	a.logger.Debug(ctx, "feedbackd wired",
		zap.String("storage", a.cfg.Storage.Driver),
		zap.String("clustering", a.cfg.Clustering.Mode),
		zap.Bool("synthesis", withSynthesis))
	return nil
}

// Close flushes telemetry, syncs the logger and closes the store.
func (a *app) Close() error {
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		a.logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
	return a.close()
}
