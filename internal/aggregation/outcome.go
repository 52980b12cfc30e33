package aggregation

import (
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// OutcomeKind tags the result of synthesizing one cluster.
type OutcomeKind int

const (
	// OutcomeProduced means a new consolidated item was synthesized.
	OutcomeProduced OutcomeKind = iota + 1

	// OutcomeNoItem means the synthesizer judged the cluster a duplicate.
	// The fingerprint is still recorded so the call is not repeated.
	OutcomeNoItem

	// OutcomeSkipped means the call failed for this cluster only. Nothing is
	// recorded, so the cluster is retried on the next run.
	OutcomeSkipped

	// OutcomeFatal aborts the run and restores the archived items.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeProduced:
		return "produced"
	case OutcomeNoItem:
		return "no_item"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClusterOutcome is the tagged result of one cluster in a run.
type ClusterOutcome struct {
	Kind        OutcomeKind
	Fingerprint string
	MemberIDs   []int64

	// Item is set for OutcomeProduced. Its ID is assigned once persisted.
	Item *feedback.ConsolidatedItem

	// Reason is the synthesizer's explanation for OutcomeNoItem.
	Reason string

	// Err is set for OutcomeSkipped and OutcomeFatal.
	Err error
}

// Result summarises one aggregation run.
type Result struct {
	Kind    feedback.Kind
	Scope   feedback.Scope
	Rerun   bool
	Pending bool

	Clusters  int
	Unchanged int
	Changed   int

	// Healed counts unchanged ledger entries whose item was no longer
	// CURRENT and that were resynthesized.
	Healed int

	// Orphaned counts CURRENT items in scope that no ledger entry
	// referenced. They were archived and offered as predecessors.
	Orphaned int

	Synthesized int
	NoItem      int
	Skipped     int

	// Archived counts superseded items removed by this run.
	Archived int

	// Created holds the ids of items saved by this run, ascending.
	Created []int64

	LastProcessedID int64
	Outcomes        []ClusterOutcome
}

// Stats returns the counters recorded in operation documents.
func (r *Result) Stats() map[string]int64 {
	return map[string]int64{
		"clusters":    int64(r.Clusters),
		"changed":     int64(r.Changed),
		"unchanged":   int64(r.Unchanged),
		"synthesized": int64(r.Synthesized),
		"no_item":     int64(r.NoItem),
		"skipped":     int64(r.Skipped),
		"archived":    int64(r.Archived),
		"orphaned":    int64(r.Orphaned),
	}
}
