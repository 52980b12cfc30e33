package operation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/fingerprint"
	"github.com/fyrsmithlabs/feedbackd/internal/store/memstore"
)

var (
	agentScope = feedback.Scope{Agent: "bot"}
	billing    = feedback.Scope{Agent: "bot", Category: "billing"}
	shipping   = feedback.Scope{Agent: "bot", Category: "shipping"}
)

func ledgerOf(id int64, members ...int64) fingerprint.Record {
	return fingerprint.Record{fingerprint.Compute(members): {ConsolidatedID: id, MemberIDs: members}}
}

func TestCheckpoints_RecordAndLoad(t *testing.T) {
	ctx := context.Background()
	cps, err := NewCheckpoints(memstore.New(), nil)
	require.NoError(t, err)

	cp, err := cps.Load(ctx, feedback.KindFeedback, "bot", GenerationCurrent)
	require.NoError(t, err)
	assert.True(t, cp.Empty())
	assert.Empty(t, cp.Ledger(agentScope))

	err = cps.Record(ctx, feedback.KindFeedback, agentScope, GenerationCurrent, []Partition{
		{Scope: billing, Ledger: ledgerOf(7, 1, 2)},
		{Scope: shipping, Ledger: ledgerOf(8, 3, 4)},
	}, 4)
	require.NoError(t, err)

	cp, err = cps.Load(ctx, feedback.KindFeedback, "bot", GenerationCurrent)
	require.NoError(t, err)
	assert.False(t, cp.Empty())
	assert.Len(t, cp.Ledger(agentScope), 2)
	assert.Equal(t, ledgerOf(7, 1, 2), cp.Ledger(billing))
	assert.Equal(t, int64(4), cp.LastProcessedID(agentScope))

	// A narrower scope inherits the bookmark of the run that covered it.
	assert.Equal(t, int64(4), cp.LastProcessedID(billing))

	// Kinds, agents and generations are independent.
	for _, other := range []struct {
		kind  feedback.Kind
		agent string
		gen   Generation
	}{
		{feedback.KindSkill, "bot", GenerationCurrent},
		{feedback.KindFeedback, "other", GenerationCurrent},
		{feedback.KindFeedback, "bot", GenerationPending},
	} {
		cp, err := cps.Load(ctx, other.kind, other.agent, other.gen)
		require.NoError(t, err)
		assert.True(t, cp.Empty())
	}
}

func TestCheckpoints_RecordReplacesOnlyPartitionsInScope(t *testing.T) {
	ctx := context.Background()
	cps, err := NewCheckpoints(memstore.New(), nil)
	require.NoError(t, err)

	require.NoError(t, cps.Record(ctx, feedback.KindFeedback, agentScope, GenerationCurrent, []Partition{
		{Scope: billing, Ledger: ledgerOf(7, 1, 2)},
		{Scope: shipping, Ledger: ledgerOf(8, 3, 4)},
	}, 4))

	// A billing run sees only billing and leaves shipping alone.
	require.NoError(t, cps.Record(ctx, feedback.KindFeedback, billing, GenerationCurrent, []Partition{
		{Scope: billing, Ledger: ledgerOf(9, 1, 2, 5)},
	}, 5))

	cp, err := cps.Load(ctx, feedback.KindFeedback, "bot", GenerationCurrent)
	require.NoError(t, err)
	assert.Equal(t, ledgerOf(9, 1, 2, 5), cp.Ledger(billing))
	assert.Equal(t, ledgerOf(8, 3, 4), cp.Ledger(shipping))
	assert.Equal(t, int64(5), cp.LastProcessedID(billing))
	assert.Equal(t, int64(4), cp.LastProcessedID(agentScope))
	assert.Equal(t, int64(4), cp.LastProcessedID(shipping))

	// A partition that produced no clusters is dropped.
	require.NoError(t, cps.Record(ctx, feedback.KindFeedback, billing, GenerationCurrent, nil, 5))
	cp, err = cps.Load(ctx, feedback.KindFeedback, "bot", GenerationCurrent)
	require.NoError(t, err)
	assert.Empty(t, cp.Ledger(billing))
	assert.Len(t, cp.Ledger(agentScope), 1)

	err = cps.Record(ctx, feedback.KindFeedback, billing, GenerationCurrent, []Partition{{Scope: shipping}}, 5)
	assert.ErrorContains(t, err, "outside scope")
}

func TestCheckpoints_UnreadableIsEmpty(t *testing.T) {
	ctx := context.Background()
	docs := memstore.New()
	cps, err := NewCheckpoints(docs, nil)
	require.NoError(t, err)

	require.NoError(t, docs.PutDocument(ctx, checkpointKey(feedback.KindFeedback, "bot"), []byte("{")))

	cp, err := cps.Load(ctx, feedback.KindFeedback, "bot", GenerationCurrent)
	require.NoError(t, err)
	assert.True(t, cp.Empty())

	// The next write replaces it.
	require.NoError(t, cps.Record(ctx, feedback.KindFeedback, agentScope, GenerationCurrent, nil, 3))
	cp, err = cps.Load(ctx, feedback.KindFeedback, "bot", GenerationCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.LastProcessedID(agentScope))
}

func TestCheckpoints_Rotate(t *testing.T) {
	ctx := context.Background()
	cps, err := NewCheckpoints(memstore.New(), nil)
	require.NoError(t, err)

	record := func(gen Generation, scope feedback.Scope, last int64) {
		require.NoError(t, cps.Record(ctx, feedback.KindFeedback, scope, gen,
			[]Partition{{Scope: scope, Ledger: ledgerOf(last, last, last+1)}}, last))
	}
	last := func(gen Generation, scope feedback.Scope) int64 {
		cp, err := cps.Load(ctx, feedback.KindFeedback, "bot", gen)
		require.NoError(t, err)
		return cp.LastProcessedID(scope)
	}

	record(GenerationCurrent, billing, 10)
	record(GenerationPending, billing, 20)
	record(GenerationArchived, billing, 5)
	record(GenerationCurrent, shipping, 30)

	// Swap current and archived: both sources are read before writing.
	err = cps.Rotate(ctx, feedback.KindFeedback, billing, [][2]Generation{
		{GenerationCurrent, GenerationArchived},
		{GenerationArchived, GenerationCurrent},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), last(GenerationCurrent, billing))
	assert.Equal(t, int64(10), last(GenerationArchived, billing))

	err = cps.Rotate(ctx, feedback.KindFeedback, billing, [][2]Generation{
		{GenerationCurrent, GenerationArchived},
		{GenerationPending, GenerationCurrent},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), last(GenerationCurrent, billing))
	assert.Equal(t, int64(5), last(GenerationArchived, billing))
	assert.Zero(t, last(GenerationPending, billing))

	// Shipping is outside every rotation.
	assert.Equal(t, int64(30), last(GenerationCurrent, shipping))
	assert.Zero(t, last(GenerationArchived, shipping))
}

func TestCheckpoints_Transition(t *testing.T) {
	ctx := context.Background()
	cps, err := NewCheckpoints(memstore.New(), nil)
	require.NoError(t, err)

	tr, err := cps.Transition(ctx, feedback.KindFeedback, billing)
	require.NoError(t, err)
	assert.Nil(t, tr)

	require.NoError(t, cps.SetTransition(ctx, feedback.KindFeedback, billing, Transition{Name: "upgrade", Step: 2}))

	tr, err = cps.Transition(ctx, feedback.KindFeedback, billing)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "upgrade", tr.Name)
	assert.Equal(t, billing, tr.Scope)
	assert.Equal(t, 2, tr.Step)

	// Markers are per scope, but block every overlapping scope.
	tr, err = cps.Transition(ctx, feedback.KindFeedback, agentScope)
	require.NoError(t, err)
	assert.Nil(t, tr)

	tr, err = cps.Unfinished(ctx, feedback.KindFeedback, agentScope)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, billing, tr.Scope)

	tr, err = cps.Unfinished(ctx, feedback.KindFeedback, shipping)
	require.NoError(t, err)
	assert.Nil(t, tr)

	// Rotating the scope finishes the transition.
	require.NoError(t, cps.Rotate(ctx, feedback.KindFeedback, billing, [][2]Generation{
		{GenerationPending, GenerationCurrent},
	}))
	tr, err = cps.Transition(ctx, feedback.KindFeedback, billing)
	require.NoError(t, err)
	assert.Nil(t, tr)
}
