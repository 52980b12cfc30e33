package aggregation

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/operation"
)

// Unit is one aggregation run inside a batch.
type Unit struct {
	// ID names the unit in the operation document. Defaults to
	// "<kind>:<scope>".
	ID string

	Kind  feedback.Kind
	Scope feedback.Scope
}

func (u Unit) unitID() string {
	if u.ID != "" {
		return u.ID
	}
	return string(u.Kind) + ":" + u.Scope.Key()
}

// BatchRequest describes a batch of aggregation units tracked under one
// operation key.
type BatchRequest struct {
	Service string
	Scope   string
	Units   []Unit

	// Rerun forces a full regeneration of every unit.
	Rerun bool

	// Pending writes PENDING generations instead of updating CURRENT.
	Pending bool
}

// UnitFunc runs one unit. The default runs the orchestrator.
type UnitFunc func(ctx context.Context, unit Unit, req BatchRequest) (*Result, error)

// BatchRunner executes batches sequentially under the operation tracker:
// one synthesis call at a time, cooperative cancellation between units.
type BatchRunner struct {
	tracker *operation.Tracker
	run     UnitFunc
	logger  *zap.Logger
	metrics *Metrics
}

// BatchOption configures a BatchRunner.
type BatchOption func(*BatchRunner)

// WithUnitFunc replaces how units are executed.
func WithUnitFunc(fn UnitFunc) BatchOption {
	return func(b *BatchRunner) {
		b.run = fn
	}
}

// WithBatchMetrics sets the metrics sink.
func WithBatchMetrics(m *Metrics) BatchOption {
	return func(b *BatchRunner) {
		b.metrics = m
	}
}

// NewBatchRunner creates a batch runner over orch.
func NewBatchRunner(orch *Orchestrator, tracker *operation.Tracker, logger *zap.Logger, opts ...BatchOption) (*BatchRunner, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	b := &BatchRunner{tracker: tracker, logger: logger}
	if orch != nil {
		b.run = func(ctx context.Context, unit Unit, req BatchRequest) (*Result, error) {
			if req.Pending {
				return orch.GeneratePending(ctx, unit.Kind, unit.Scope)
			}
			return orch.RunAggregation(ctx, unit.Kind, unit.Scope, req.Rerun)
		}
		b.metrics = orch.metrics
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.run == nil {
		return nil, fmt.Errorf("orchestrator or unit func required")
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(logger)
	}
	return b, nil
}

// Run executes the batch. A batch already IN_PROGRESS for the same key is
// refused with an operation.ConflictError before anything is written.
//
// Unit failures are recorded in the operation document and the batch moves
// on, except for a unit that aborted with ErrAborted: the batch stops and
// ends FAILED with that error. Once cancellation is observed no further
// unit starts. The returned
// state is the final operation document.
func (b *BatchRunner) Run(ctx context.Context, req BatchRequest) (*operation.State, error) {
	key := operation.Key{Service: req.Service, Scope: req.Scope}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := b.tracker.CheckInProgress(ctx, key); err != nil {
		return nil, err
	}

	params := map[string]string{
		"rerun":   strconv.FormatBool(req.Rerun),
		"pending": strconv.FormatBool(req.Pending),
	}
	if _, err := b.tracker.Initialize(ctx, key, len(req.Units), params); err != nil {
		return nil, fmt.Errorf("initializing operation: %w", err)
	}

	logger := b.logger.With(zap.String("service", req.Service), zap.String("scope", req.Scope))

	stats := map[string]int64{}
	for i, unit := range req.Units {
		cancelled, err := b.tracker.IsCancellationRequested(ctx, key)
		if err != nil {
			return b.fail(ctx, key, fmt.Errorf("polling cancellation: %w", err))
		}
		if cancelled {
			logger.Info("batch cancelled",
				zap.Int("completed_units", i),
				zap.Int("remaining_units", len(req.Units)-i))
			stats["cancelled"] = 1
			break
		}
		if err := ctx.Err(); err != nil {
			return b.fail(ctx, key, err)
		}

		id := unit.unitID()
		if err := b.tracker.SetCurrentUnit(ctx, key, id); err != nil {
			return b.fail(ctx, key, err)
		}

		res, unitErr := b.safeRun(ctx, unit, req)
		if res != nil {
			for k, v := range res.Stats() {
				stats[k] += v
			}
		}

		outcome := operation.UnitSucceeded
		if unitErr != nil {
			outcome = operation.UnitFailed
			logger.Warn("batch unit failed", zap.String("unit", id), zap.Error(unitErr))
		}
		b.metrics.RecordUnit(ctx, req.Service, unitErr != nil)

		if err := b.tracker.UpdateProgress(ctx, key, id, outcome, unitErr); err != nil {
			return b.fail(ctx, key, err)
		}

		if unitErr != nil && (errors.Is(unitErr, context.Canceled) || errors.Is(unitErr, context.DeadlineExceeded)) {
			return b.fail(ctx, key, unitErr)
		}
		if errors.Is(unitErr, ErrAborted) {
			if err := b.tracker.AddStats(ctx, key, stats); err != nil {
				logger.Warn("failed to record batch stats", zap.Error(err))
			}
			return b.fail(ctx, key, fmt.Errorf("unit %s: %w", id, unitErr))
		}
	}

	return b.tracker.Finalize(ctx, key, stats)
}

// safeRun runs one unit, converting a panic into a unit failure.
func (b *BatchRunner) safeRun(ctx context.Context, unit Unit, req BatchRequest) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("batch unit panicked, continuing batch",
				zap.String("unit", unit.unitID()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			res = nil
			err = fmt.Errorf("unit %s panicked: %v", unit.unitID(), r)
		}
	}()
	return b.run(ctx, unit, req)
}

func (b *BatchRunner) fail(ctx context.Context, key operation.Key, cause error) (*operation.State, error) {
	state, err := b.tracker.MarkFailed(context.WithoutCancel(ctx), key, cause)
	if err != nil {
		b.logger.Error("failed to record operation failure",
			zap.String("service", key.Service),
			zap.String("scope", key.Scope),
			zap.Error(err))
	}
	return state, cause
}
