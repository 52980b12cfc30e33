package operation

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is written into every state document.
const SchemaVersion = 1

// Status is the state of a batch operation.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Key identifies an operation document.
type Key struct {
	Service string
	Scope   string
}

// String returns the document key.
func (k Key) String() string {
	return "operation/" + k.Service + "/" + k.Scope
}

// Validate checks both parts are set.
func (k Key) Validate() error {
	if k.Service == "" {
		return fmt.Errorf("%w: service cannot be empty", ErrInvalidKey)
	}
	if k.Scope == "" {
		return fmt.Errorf("%w: scope cannot be empty", ErrInvalidKey)
	}
	return nil
}

// UnitOutcome is the result of one unit of a batch.
type UnitOutcome string

const (
	UnitSucceeded UnitOutcome = "succeeded"
	UnitFailed    UnitOutcome = "failed"
)

// FailedUnit records a unit that failed without aborting the batch.
type FailedUnit struct {
	Unit  string `json:"unit"`
	Error string `json:"error"`
}

// State is the persisted progress document of one batch operation.
type State struct {
	SchemaVersion int    `json:"schema_version"`
	OperationID   string `json:"operation_id"`
	Service       string `json:"service"`
	Scope         string `json:"scope"`
	Status        Status `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TotalUnits      int `json:"total_units"`
	ProcessedUnits  int `json:"processed_units"`
	SuccessfulUnits int `json:"successful_units"`
	FailedUnits     int `json:"failed_units"`

	CurrentUnit      string       `json:"current_unit,omitempty"`
	ProcessedUnitIDs []string     `json:"processed_unit_ids"`
	FailedUnitList   []FailedUnit `json:"failed_unit_list"`

	Params map[string]string `json:"params,omitempty"`
	Stats  map[string]int64  `json:"stats,omitempty"`

	CancellationRequested bool   `json:"cancellation_requested"`
	Error                 string `json:"error,omitempty"`
}

// Terminal reports whether the operation has finished.
func (s *State) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Elapsed returns how long the operation has been running, or ran.
func (s *State) Elapsed(now time.Time) time.Duration {
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

func encodeState(s *State) ([]byte, error) {
	s.SchemaVersion = SchemaVersion
	return json.Marshal(s)
}

// decodeState tolerates missing and unknown fields. Nil slices and maps are
// replaced by empty ones, an unknown status is reported as an error so the
// caller can treat the document as unreadable.
func decodeState(body []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decoding operation state: %w", err)
	}
	switch s.Status {
	case StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return nil, fmt.Errorf("decoding operation state: unknown status %q", s.Status)
	}
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	if s.ProcessedUnitIDs == nil {
		s.ProcessedUnitIDs = []string{}
	}
	if s.FailedUnitList == nil {
		s.FailedUnitList = []FailedUnit{}
	}
	if s.Stats == nil {
		s.Stats = map[string]int64{}
	}
	return &s, nil
}
