// Package lifecycle moves consolidated item generations between the
// CURRENT, PENDING, ARCHIVED and ARCHIVE_IN_PROGRESS states.
//
// Transitions are ordered bulk status updates scoped by kind and scope, so
// independent scopes never block each other. A transition that fails part
// way is not rolled back. Its progress marker stays in the checkpoint
// document and the next call of the same transition resumes after the last
// completed step. Until then the other transition and aggregation runs over
// overlapping scopes are refused with operation.ErrTransitionUnfinished.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/aggregation"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/operation"
)

const instrumentationName = "github.com/fyrsmithlabs/feedbackd/internal/lifecycle"

const (
	transitionUpgrade   = "upgrade"
	transitionDowngrade = "downgrade"
)

// ErrInterruptedDowngrade describes ARCHIVE_IN_PROGRESS rows found when a
// Downgrade starts. They are left over from a Downgrade that stopped after
// its first step and are finished rather than reported.
var ErrInterruptedDowngrade = errors.New("interrupted downgrade found")

// UpgradeResult counts the rows moved by Upgrade.
type UpgradeResult struct {
	Deleted  int `json:"deleted"`
	Archived int `json:"archived"`
	Promoted int `json:"promoted"`

	// Resumed is set when an interrupted Upgrade was finished.
	Resumed bool `json:"resumed,omitempty"`
}

// DowngradeResult counts the rows moved by Downgrade.
type DowngradeResult struct {
	Demoted  int `json:"demoted"`
	Restored int `json:"restored"`

	// Resumed is set when an interrupted Downgrade was finished.
	Resumed bool `json:"resumed,omitempty"`
}

// PendingGenerator produces a PENDING generation.
type PendingGenerator interface {
	GeneratePending(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (*aggregation.Result, error)
}

// Manager applies lifecycle transitions.
type Manager struct {
	store       feedback.ConsolidatedStore
	checkpoints *operation.Checkpoints
	generator   PendingGenerator
	logger      *zap.Logger
	tracer      trace.Tracer
	transitions metric.Int64Counter
}

// NewManager creates a lifecycle manager. generator may be nil when
// GeneratePending is not used.
func NewManager(store feedback.ConsolidatedStore, checkpoints *operation.Checkpoints, generator PendingGenerator, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("consolidated store cannot be nil")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoints cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	m := &Manager{
		store:       store,
		checkpoints: checkpoints,
		generator:   generator,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}

	var err error
	m.transitions, err = otel.Meter(instrumentationName).Int64Counter(
		"feedbackd.lifecycle.rows_moved_total",
		metric.WithDescription("Consolidated item rows moved by lifecycle transitions, by transition and step"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		logger.Warn("failed to create lifecycle counter", zap.Error(err))
	}
	return m, nil
}

// GeneratePending writes a new PENDING generation for (kind, scope).
func (m *Manager) GeneratePending(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (*aggregation.Result, error) {
	if m.generator == nil {
		return nil, fmt.Errorf("no pending generator configured")
	}
	return m.generator.GeneratePending(ctx, kind, scope)
}

// Upgrade promotes the PENDING generation:
//
//  1. delete ARCHIVED
//  2. CURRENT -> ARCHIVED
//  3. PENDING -> CURRENT
//
// The ledger checkpoints rotate the same way once all three steps succeed,
// in the write that clears the progress marker.
func (m *Manager) Upgrade(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (_ *UpgradeResult, err error) {
	if err := validate(kind, scope); err != nil {
		return nil, err
	}
	ctx, span := m.start(ctx, "lifecycle.upgrade", kind, scope)
	defer func() { m.end(span, err) }()

	marker, resumed, err := m.begin(ctx, kind, scope, transitionUpgrade)
	if err != nil {
		return nil, err
	}
	res := &UpgradeResult{Resumed: resumed}
	if res.Resumed {
		m.logger.Warn("resuming upgrade",
			zap.String("kind", string(kind)),
			zap.String("scope", scope.Key()),
			zap.Int("completed_step", marker.Step))
	}

	steps := []func() error{
		func() (err error) {
			res.Deleted, err = m.store.DeleteByStatus(ctx, kind, scope, feedback.StatusArchived)
			if err != nil {
				return fmt.Errorf("deleting archived items: %w", err)
			}
			m.record(ctx, kind, transitionUpgrade, "delete_archived", res.Deleted)
			return nil
		},
		func() (err error) {
			res.Archived, err = m.store.UpdateStatus(ctx, kind, scope, feedback.StatusCurrent, feedback.StatusArchived)
			if err != nil {
				return fmt.Errorf("archiving current items: %w", err)
			}
			m.record(ctx, kind, transitionUpgrade, "archive_current", res.Archived)
			return nil
		},
		func() (err error) {
			res.Promoted, err = m.store.UpdateStatus(ctx, kind, scope, feedback.StatusPending, feedback.StatusCurrent)
			if err != nil {
				return fmt.Errorf("promoting pending items: %w", err)
			}
			m.record(ctx, kind, transitionUpgrade, "promote_pending", res.Promoted)
			return nil
		},
	}
	if err := m.advance(ctx, kind, scope, marker, steps); err != nil {
		return nil, err
	}

	err = m.checkpoints.Rotate(ctx, kind, scope, [][2]operation.Generation{
		{operation.GenerationCurrent, operation.GenerationArchived},
		{operation.GenerationPending, operation.GenerationCurrent},
	})
	if err != nil {
		return nil, fmt.Errorf("rotating checkpoints: %w", err)
	}

	m.logger.Info("upgrade completed",
		zap.String("kind", string(kind)),
		zap.String("scope", scope.Key()),
		zap.Int("deleted", res.Deleted),
		zap.Int("archived", res.Archived),
		zap.Int("promoted", res.Promoted),
		zap.Bool("resumed", res.Resumed))

	return res, nil
}

// Downgrade restores the ARCHIVED generation:
//
//  1. CURRENT -> ARCHIVE_IN_PROGRESS
//  2. ARCHIVED -> CURRENT
//  3. ARCHIVE_IN_PROGRESS -> ARCHIVED
//
// An interrupted Downgrade resumes after its last completed step. Step 1
// is also skipped when ARCHIVE_IN_PROGRESS rows already exist, so rows
// restored since are not demoted again.
func (m *Manager) Downgrade(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (_ *DowngradeResult, err error) {
	if err := validate(kind, scope); err != nil {
		return nil, err
	}
	ctx, span := m.start(ctx, "lifecycle.downgrade", kind, scope)
	defer func() { m.end(span, err) }()

	marker, resumed, err := m.begin(ctx, kind, scope, transitionDowngrade)
	if err != nil {
		return nil, err
	}
	res := &DowngradeResult{Resumed: resumed}

	inFlight, err := m.store.ListConsolidated(ctx, kind, scope, feedback.StatusArchiveInProgress)
	if err != nil {
		return nil, fmt.Errorf("checking for interrupted downgrade: %w", err)
	}
	if len(inFlight) > 0 {
		res.Resumed = true
		res.Demoted = len(inFlight)
		if marker.Step < 1 {
			marker.Step = 1
		}
	}
	if res.Resumed {
		m.logger.Warn("resuming downgrade",
			zap.String("kind", string(kind)),
			zap.String("scope", scope.Key()),
			zap.Int("completed_step", marker.Step),
			zap.Int("archive_in_progress", len(inFlight)),
			zap.Error(ErrInterruptedDowngrade))
	}

	steps := []func() error{
		func() (err error) {
			res.Demoted, err = m.store.UpdateStatus(ctx, kind, scope, feedback.StatusCurrent, feedback.StatusArchiveInProgress)
			if err != nil {
				return fmt.Errorf("demoting current items: %w", err)
			}
			m.record(ctx, kind, transitionDowngrade, "demote_current", res.Demoted)
			return nil
		},
		func() (err error) {
			res.Restored, err = m.store.UpdateStatus(ctx, kind, scope, feedback.StatusArchived, feedback.StatusCurrent)
			if err != nil {
				return fmt.Errorf("restoring archived items: %w", err)
			}
			m.record(ctx, kind, transitionDowngrade, "restore_archived", res.Restored)
			return nil
		},
		func() error {
			archived, err := m.store.UpdateStatus(ctx, kind, scope, feedback.StatusArchiveInProgress, feedback.StatusArchived)
			if err != nil {
				return fmt.Errorf("archiving demoted items: %w", err)
			}
			m.record(ctx, kind, transitionDowngrade, "archive_demoted", archived)
			return nil
		},
	}
	if err := m.advance(ctx, kind, scope, marker, steps); err != nil {
		return nil, err
	}

	err = m.checkpoints.Rotate(ctx, kind, scope, [][2]operation.Generation{
		{operation.GenerationCurrent, operation.GenerationArchived},
		{operation.GenerationArchived, operation.GenerationCurrent},
	})
	if err != nil {
		return nil, fmt.Errorf("rotating checkpoints: %w", err)
	}

	m.logger.Info("downgrade completed",
		zap.String("kind", string(kind)),
		zap.String("scope", scope.Key()),
		zap.Int("demoted", res.Demoted),
		zap.Int("restored", res.Restored),
		zap.Bool("resumed", res.Resumed))

	return res, nil
}

// begin returns the marker of an interrupted run of the named transition
// on scope, or records a fresh one. Any other unfinished transition over
// an overlapping scope is refused.
func (m *Manager) begin(ctx context.Context, kind feedback.Kind, scope feedback.Scope, name string) (_ *operation.Transition, resumed bool, err error) {
	marker, err := m.checkpoints.Unfinished(ctx, kind, scope)
	if err != nil {
		return nil, false, err
	}
	if marker != nil {
		if marker.Name != name || marker.Scope != scope {
			return nil, false, fmt.Errorf("%w: run %s of %s again to finish it",
				operation.ErrTransitionUnfinished, marker.Name, marker.Scope.Key())
		}
		return marker, true, nil
	}

	marker = &operation.Transition{Name: name, StartedAt: time.Now().UTC()}
	if err := m.checkpoints.SetTransition(ctx, kind, scope, *marker); err != nil {
		return nil, false, fmt.Errorf("recording %s start: %w", name, err)
	}
	marker.Scope = scope
	return marker, false, nil
}

// advance runs the steps after marker.Step in order, recording each one
// as it completes.
func (m *Manager) advance(ctx context.Context, kind feedback.Kind, scope feedback.Scope, marker *operation.Transition, steps []func() error) error {
	for i := marker.Step; i < len(steps); i++ {
		if err := steps[i](); err != nil {
			return err
		}
		marker.Step = i + 1
		if err := m.checkpoints.SetTransition(ctx, kind, scope, *marker); err != nil {
			return fmt.Errorf("recording %s step %d: %w", marker.Name, marker.Step, err)
		}
	}
	return nil
}

func validate(kind feedback.Kind, scope feedback.Scope) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	return scope.Validate()
}

func (m *Manager) start(ctx context.Context, name string, kind feedback.Kind, scope feedback.Scope) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("scope", scope.Key()),
	))
}

func (m *Manager) end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (m *Manager) record(ctx context.Context, kind feedback.Kind, transition, step string, n int) {
	if m.transitions == nil || n == 0 {
		return
	}
	m.transitions.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("transition", transition),
		attribute.String("step", step),
	))
}
