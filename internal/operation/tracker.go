package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// DefaultStaleAfter is how long an IN_PROGRESS operation may run before a
// status read presumes its worker crashed.
const DefaultStaleAfter = 2 * time.Hour

// Tracker records progress of long batch operations per (service, scope).
//
// The IN_PROGRESS guard is a read-then-write check, not a lock: two callers
// racing past CheckInProgress can both start. A single writer per key is
// expected.
type Tracker struct {
	docs       feedback.DocumentStore
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker over a document store.
func NewTracker(docs feedback.DocumentStore, logger *zap.Logger, opts ...TrackerOption) (*Tracker, error) {
	if docs == nil {
		return nil, fmt.Errorf("document store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		docs:       docs,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// StaleAfter returns the staleness threshold.
func (t *Tracker) StaleAfter() time.Duration {
	return t.staleAfter
}

// load reads the raw document without stale recovery. An undecodable
// document is treated as absent.
func (t *Tracker) load(ctx context.Context, key Key) (*State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	body, err := t.docs.GetDocument(ctx, key.String())
	if errors.Is(err, feedback.ErrNotFound) {
		return nil, ErrNoOperation
	}
	if err != nil {
		return nil, fmt.Errorf("reading operation state: %w", err)
	}
	state, err := decodeState(body)
	if err != nil {
		t.logger.Warn("ignoring unreadable operation state",
			zap.String("service", key.Service),
			zap.String("scope", key.Scope),
			zap.Error(err))
		return nil, ErrNoOperation
	}
	return state, nil
}

func (t *Tracker) save(ctx context.Context, key Key, state *State) error {
	state.UpdatedAt = t.now().UTC()
	body, err := encodeState(state)
	if err != nil {
		return fmt.Errorf("encoding operation state: %w", err)
	}
	if err := t.docs.PutDocument(ctx, key.String(), body); err != nil {
		return fmt.Errorf("writing operation state: %w", err)
	}
	return nil
}

// mutate loads the document, applies fn and writes it back.
func (t *Tracker) mutate(ctx context.Context, key Key, fn func(*State) error) (*State, error) {
	state, err := t.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	if err := t.save(ctx, key, state); err != nil {
		return nil, err
	}
	return state, nil
}

// CheckInProgress refuses a new batch while the existing document is
// IN_PROGRESS. Stale documents are recovered first so a crashed worker
// cannot wedge the key.
func (t *Tracker) CheckInProgress(ctx context.Context, key Key) error {
	state, err := t.Status(ctx, key)
	if errors.Is(err, ErrNoOperation) {
		return nil
	}
	if err != nil {
		return err
	}
	if state.Status == StatusInProgress {
		return &ConflictError{
			Key:         key,
			OperationID: state.OperationID,
			StartedAt:   state.StartedAt.Format(time.RFC3339),
		}
	}
	return nil
}

// Initialize writes a fresh IN_PROGRESS document with zeroed counts.
func (t *Tracker) Initialize(ctx context.Context, key Key, totalUnits int, params map[string]string) (*State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := t.now().UTC()
	state := &State{
		OperationID:      uuid.New().String(),
		Service:          key.Service,
		Scope:            key.Scope,
		Status:           StatusInProgress,
		StartedAt:        now,
		TotalUnits:       totalUnits,
		ProcessedUnitIDs: []string{},
		FailedUnitList:   []FailedUnit{},
		Params:           params,
		Stats:            map[string]int64{},
	}
	if err := t.save(ctx, key, state); err != nil {
		return nil, err
	}

	t.logger.Info("operation started",
		zap.String("service", key.Service),
		zap.String("scope", key.Scope),
		zap.String("operation_id", state.OperationID),
		zap.Int("total_units", totalUnits))

	return state, nil
}

// SetCurrentUnit records the unit being processed.
func (t *Tracker) SetCurrentUnit(ctx context.Context, key Key, unit string) error {
	_, err := t.mutate(ctx, key, func(s *State) error {
		s.CurrentUnit = unit
		return nil
	})
	return err
}

// UpdateProgress records the outcome of one unit. A failed unit is appended
// to the failed list with its error string; it never raises.
func (t *Tracker) UpdateProgress(ctx context.Context, key Key, unit string, outcome UnitOutcome, unitErr error) error {
	_, err := t.mutate(ctx, key, func(s *State) error {
		s.ProcessedUnits++
		s.ProcessedUnitIDs = append(s.ProcessedUnitIDs, unit)
		switch outcome {
		case UnitFailed:
			s.FailedUnits++
			msg := "unknown error"
			if unitErr != nil {
				msg = unitErr.Error()
			}
			s.FailedUnitList = append(s.FailedUnitList, FailedUnit{Unit: unit, Error: msg})
		default:
			s.SuccessfulUnits++
		}
		if s.CurrentUnit == unit {
			s.CurrentUnit = ""
		}
		return nil
	})
	return err
}

// AddStats accumulates counters into the document.
func (t *Tracker) AddStats(ctx context.Context, key Key, stats map[string]int64) error {
	_, err := t.mutate(ctx, key, func(s *State) error {
		if s.Stats == nil {
			s.Stats = map[string]int64{}
		}
		for k, v := range stats {
			s.Stats[k] += v
		}
		return nil
	})
	return err
}

// IsCancellationRequested is polled by batch loops between units.
func (t *Tracker) IsCancellationRequested(ctx context.Context, key Key) (bool, error) {
	state, err := t.load(ctx, key)
	if err != nil {
		return false, err
	}
	return state.CancellationRequested, nil
}

// RequestCancellation flags an IN_PROGRESS operation for cooperative
// cancellation. Returns false when there is nothing running.
func (t *Tracker) RequestCancellation(ctx context.Context, key Key) (bool, error) {
	state, err := t.Status(ctx, key)
	if errors.Is(err, ErrNoOperation) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if state.Status != StatusInProgress {
		return false, nil
	}
	state.CancellationRequested = true
	if err := t.save(ctx, key, state); err != nil {
		return false, err
	}

	t.logger.Info("operation cancellation requested",
		zap.String("service", key.Service),
		zap.String("scope", key.Scope),
		zap.String("operation_id", state.OperationID))

	return true, nil
}

// Finalize marks the operation COMPLETED and merges final stats.
func (t *Tracker) Finalize(ctx context.Context, key Key, stats map[string]int64) (*State, error) {
	state, err := t.mutate(ctx, key, func(s *State) error {
		now := t.now().UTC()
		s.Status = StatusCompleted
		s.CompletedAt = &now
		s.CurrentUnit = ""
		if s.Stats == nil {
			s.Stats = map[string]int64{}
		}
		for k, v := range stats {
			s.Stats[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("operation completed",
		zap.String("service", key.Service),
		zap.String("scope", key.Scope),
		zap.String("operation_id", state.OperationID),
		zap.Int("processed_units", state.ProcessedUnits),
		zap.Int("failed_units", state.FailedUnits),
		zap.Bool("cancelled", state.CancellationRequested))

	return state, nil
}

// MarkFailed marks the operation FAILED with the triggering message.
func (t *Tracker) MarkFailed(ctx context.Context, key Key, cause error) (*State, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	state, err := t.mutate(ctx, key, func(s *State) error {
		now := t.now().UTC()
		s.Status = StatusFailed
		s.CompletedAt = &now
		s.Error = msg
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Error("operation failed",
		zap.String("service", key.Service),
		zap.String("scope", key.Scope),
		zap.String("operation_id", state.OperationID),
		zap.String("error", msg))

	return state, nil
}

// Status serves the operation document to a caller. An IN_PROGRESS
// document older than the staleness threshold is rewritten to FAILED with
// an elapsed-time error before it is returned.
func (t *Tracker) Status(ctx context.Context, key Key) (*State, error) {
	state, err := t.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusInProgress {
		return state, nil
	}

	now := t.now().UTC()
	elapsed := now.Sub(state.StartedAt)
	if elapsed <= t.staleAfter {
		return state, nil
	}

	state.Status = StatusFailed
	state.CompletedAt = &now
	state.Error = fmt.Sprintf("operation exceeded staleness threshold of %s: no completion after %s",
		t.staleAfter, elapsed.Round(time.Second))
	if err := t.save(ctx, key, state); err != nil {
		return nil, err
	}

	t.logger.Warn("recovered stale operation",
		zap.String("service", key.Service),
		zap.String("scope", key.Scope),
		zap.String("operation_id", state.OperationID),
		zap.Duration("elapsed", elapsed))

	return state, nil
}
