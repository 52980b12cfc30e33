// Package consolidation is the entry point callers use to run aggregation,
// move generations through their lifecycle and observe batch operations.
//
// Every method returns an error instead of panicking. A panic inside a run
// is recovered, recorded as a FAILED operation where one is being tracked,
// and returned as ErrPanic.
package consolidation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/aggregation"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/lifecycle"
	"github.com/fyrsmithlabs/feedbackd/internal/operation"
)

// Service names used for operation keys.
const (
	ServiceAggregation = "aggregation"
	ServicePending     = "pending"
)

// OperationScope returns the operation key scope for runs over scope.
// Runs over any scopes of one agent share the key, so overlapping scopes
// never aggregate at the same time.
func OperationScope(scope feedback.Scope) string {
	return scope.Agent
}

// ErrPanic wraps a recovered panic.
var ErrPanic = errors.New("recovered panic")

// Service exposes the consolidation core.
type Service struct {
	orchestrator *aggregation.Orchestrator
	batches      *aggregation.BatchRunner
	lifecycle    *lifecycle.Manager
	tracker      *operation.Tracker
	logger       *zap.Logger
}

// NewService wires the components together.
func NewService(
	orchestrator *aggregation.Orchestrator,
	batches *aggregation.BatchRunner,
	lc *lifecycle.Manager,
	tracker *operation.Tracker,
	logger *zap.Logger,
) (*Service, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch runner cannot be nil")
	}
	if lc == nil {
		return nil, fmt.Errorf("lifecycle manager cannot be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Service{
		orchestrator: orchestrator,
		batches:      batches,
		lifecycle:    lc,
		tracker:      tracker,
		logger:       logger,
	}, nil
}

// RunAggregation runs one (kind, scope) as a single-unit tracked batch.
func (s *Service) RunAggregation(ctx context.Context, kind feedback.Kind, scope feedback.Scope, rerun bool) (*operation.State, error) {
	if err := validate(kind, scope); err != nil {
		return nil, err
	}
	return s.RunBatch(ctx, aggregation.BatchRequest{
		Service: ServiceAggregation,
		Scope:   OperationScope(scope),
		Units:   []aggregation.Unit{{Kind: kind, Scope: scope}},
		Rerun:   rerun,
	})
}

// RunBatch runs a batch under the operation tracker.
func (s *Service) RunBatch(ctx context.Context, req aggregation.BatchRequest) (state *operation.State, err error) {
	key := operation.Key{Service: req.Service, Scope: req.Scope}
	defer s.recoverRun(ctx, "run_batch", &key, &err)
	return s.batches.Run(ctx, req)
}

// GeneratePending writes a PENDING generation of (kind, scope) as a
// tracked batch under the pending service key.
func (s *Service) GeneratePending(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (*operation.State, error) {
	if err := validate(kind, scope); err != nil {
		return nil, err
	}
	return s.RunBatch(ctx, aggregation.BatchRequest{
		Service: ServicePending,
		Scope:   OperationScope(scope),
		Units:   []aggregation.Unit{{Kind: kind, Scope: scope}},
		Pending: true,
	})
}

// Upgrade promotes the PENDING generation of (kind, scope).
func (s *Service) Upgrade(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (res *lifecycle.UpgradeResult, err error) {
	defer s.recoverRun(ctx, "upgrade", nil, &err)
	return s.lifecycle.Upgrade(ctx, kind, scope)
}

// Downgrade restores the ARCHIVED generation of (kind, scope).
func (s *Service) Downgrade(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (res *lifecycle.DowngradeResult, err error) {
	defer s.recoverRun(ctx, "downgrade", nil, &err)
	return s.lifecycle.Downgrade(ctx, kind, scope)
}

// NewItemCount reports how many source items arrived since the last run.
func (s *Service) NewItemCount(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (n int, err error) {
	defer s.recoverRun(ctx, "new_item_count", nil, &err)
	return s.orchestrator.NewItemCount(ctx, kind, scope)
}

// GetOperationStatus returns the operation document for (service, scope).
// A stale IN_PROGRESS document is reported, and persisted, as FAILED.
func (s *Service) GetOperationStatus(ctx context.Context, service, scope string) (*operation.State, error) {
	return s.tracker.Status(ctx, operation.Key{Service: service, Scope: scope})
}

// RequestCancel asks a running batch to stop after its current unit.
// Returns false when nothing is running.
func (s *Service) RequestCancel(ctx context.Context, service, scope string) (bool, error) {
	return s.tracker.RequestCancellation(ctx, operation.Key{Service: service, Scope: scope})
}

// recoverRun converts a panic into an error and, when key is set, marks
// the tracked operation FAILED.
func (s *Service) recoverRun(ctx context.Context, op string, key *operation.Key, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	s.logger.Error("consolidation call panicked",
		zap.String("operation", op),
		zap.Any("panic", r),
		zap.Stack("stack"))

	err := fmt.Errorf("%s: %w: %v", op, ErrPanic, r)
	if key != nil {
		if _, markErr := s.tracker.MarkFailed(context.WithoutCancel(ctx), *key, err); markErr != nil &&
			!errors.Is(markErr, operation.ErrNoOperation) {
			s.logger.Error("failed to record panic in operation state", zap.Error(markErr))
		}
	}
	*errp = err
}

func validate(kind feedback.Kind, scope feedback.Scope) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	return scope.Validate()
}
