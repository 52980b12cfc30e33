package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedbackd/internal/clustering"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

func cluster(ids ...int64) clustering.Cluster {
	members := make([]feedback.RawItem, len(ids))
	for i, id := range ids {
		members[i] = feedback.RawItem{ID: id, Agent: "bot"}
	}
	return clustering.Cluster{Members: members}
}

func TestCompute(t *testing.T) {
	a := Compute([]int64{3, 1, 2})
	assert.Equal(t, a, Compute([]int64{1, 2, 3}))
	assert.Equal(t, a, Compute([]int64{2, 3, 1, 3}))
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Compute([]int64{1, 2}))
	assert.NotEqual(t, a, Compute([]int64{1, 2, 4}))
	assert.NotEqual(t, Compute([]int64{1, 23}), Compute([]int64{12, 3}))

	// Content does not matter, only ids.
	c := cluster(1, 2, 3)
	c.Members[0].Fields = map[string]string{"comment": "edited"}
	assert.Equal(t, a, Of(c))
}

func TestDetermineChanges_EmptyLedger(t *testing.T) {
	changes := DetermineChanges([]clustering.Cluster{cluster(1, 2), cluster(3, 4)}, nil)

	assert.Empty(t, changes.Unchanged)
	require.Len(t, changes.Changed, 2)
	assert.Equal(t, Compute([]int64{1, 2}), changes.Changed[0].Fingerprint)
	assert.Empty(t, changes.Vanished)
	assert.Empty(t, changes.StaleIDs)
}

func TestDetermineChanges_Classification(t *testing.T) {
	prev := Record{
		Compute([]int64{1, 2}):    {ConsolidatedID: 10, MemberIDs: []int64{1, 2}},
		Compute([]int64{3, 4}):    {ConsolidatedID: 11, MemberIDs: []int64{3, 4}},
		Compute([]int64{5, 6}):    {ConsolidatedID: 0, MemberIDs: []int64{5, 6}},
		Compute([]int64{7, 8, 9}): {ConsolidatedID: 12, MemberIDs: []int64{7, 8, 9}},
	}

	current := []clustering.Cluster{
		cluster(1, 2),     // unchanged
		cluster(3, 4, 13), // grew
		cluster(20, 21),   // new
	}
	changes := DetermineChanges(current, prev)

	require.Len(t, changes.Unchanged, 1)
	assert.Equal(t, int64(10), changes.Unchanged[0].Entry.ConsolidatedID)

	require.Len(t, changes.Changed, 2)
	assert.Equal(t, []int64{3, 4, 13}, changes.Changed[0].Cluster.MemberIDs())
	assert.Equal(t, []int64{20, 21}, changes.Changed[1].Cluster.MemberIDs())

	require.Len(t, changes.Vanished, 3)
	assert.Equal(t, int64(0), changes.Vanished[0].Entry.ConsolidatedID)
	assert.Equal(t, int64(11), changes.Vanished[1].Entry.ConsolidatedID)
	assert.Equal(t, int64(12), changes.Vanished[2].Entry.ConsolidatedID)

	// Entries without an item are never stale.
	assert.Equal(t, []int64{11, 12}, changes.StaleIDs)
}

func TestDetermineChanges_DoesNotMutateLedger(t *testing.T) {
	prev := Record{Compute([]int64{1, 2}): {ConsolidatedID: 10, MemberIDs: []int64{1, 2}}}
	snapshot := prev.Clone()

	changes := DetermineChanges([]clustering.Cluster{cluster(3, 4)}, prev)
	_ = changes.Next(Record{Compute([]int64{3, 4}): {ConsolidatedID: 11, MemberIDs: []int64{3, 4}}})

	assert.Equal(t, snapshot, prev)
}

func TestChanges_Reclassify(t *testing.T) {
	prev := Record{
		Compute([]int64{5, 6}): {ConsolidatedID: 10, MemberIDs: []int64{5, 6}},
		Compute([]int64{7, 8}): {ConsolidatedID: 11, MemberIDs: []int64{7, 8}},
	}
	changes := DetermineChanges([]clustering.Cluster{cluster(1, 2), cluster(5, 6), cluster(7, 8)}, prev)
	require.Len(t, changes.Unchanged, 2)

	moved := changes.Reclassify(func(e Entry) bool { return e.ConsolidatedID != 10 })
	assert.Equal(t, 1, moved)
	require.Len(t, changes.Unchanged, 1)
	assert.Equal(t, int64(11), changes.Unchanged[0].Entry.ConsolidatedID)

	require.Len(t, changes.Changed, 2)
	assert.Equal(t, []int64{1, 2}, changes.Changed[0].Cluster.MemberIDs())
	assert.Equal(t, []int64{5, 6}, changes.Changed[1].Cluster.MemberIDs())

	assert.Zero(t, changes.Reclassify(func(Entry) bool { return true }))
}

func TestChanges_Predecessor(t *testing.T) {
	prev := Record{
		Compute([]int64{1, 2, 3}): {ConsolidatedID: 20, MemberIDs: []int64{1, 2, 3}},
		Compute([]int64{4, 5}):    {ConsolidatedID: 10, MemberIDs: []int64{4, 5}},
		Compute([]int64{6, 7}):    {ConsolidatedID: 30, MemberIDs: []int64{6, 7}},
	}
	changes := DetermineChanges(nil, prev)

	v, ok := changes.Predecessor([]int64{1, 2, 4, 9})
	require.True(t, ok)
	assert.Equal(t, int64(20), v.Entry.ConsolidatedID)

	// Equal overlap goes to the lowest consolidated id.
	v, ok = changes.Predecessor([]int64{4, 6})
	require.True(t, ok)
	assert.Equal(t, int64(10), v.Entry.ConsolidatedID)

	_, ok = changes.Predecessor([]int64{99})
	assert.False(t, ok)
}

func TestChanges_Next(t *testing.T) {
	prev := Record{
		Compute([]int64{1, 2}): {ConsolidatedID: 10, MemberIDs: []int64{1, 2}},
		Compute([]int64{3, 4}): {ConsolidatedID: 11, MemberIDs: []int64{3, 4}},
	}
	changes := DetermineChanges([]clustering.Cluster{cluster(1, 2), cluster(3, 4, 5)}, prev)

	added := Record{Compute([]int64{3, 4, 5}): {ConsolidatedID: 12, MemberIDs: []int64{3, 4, 5}}}
	next := changes.Next(added)

	assert.Equal(t, Record{
		Compute([]int64{1, 2}):    {ConsolidatedID: 10, MemberIDs: []int64{1, 2}},
		Compute([]int64{3, 4, 5}): {ConsolidatedID: 12, MemberIDs: []int64{3, 4, 5}},
	}, next)
}

func TestRecord_Clone(t *testing.T) {
	r := Record{"fp": {ConsolidatedID: 1, MemberIDs: []int64{1, 2}}}
	c := r.Clone()
	c["fp"].MemberIDs[0] = 99
	c["other"] = Entry{}

	assert.Equal(t, int64(1), r["fp"].MemberIDs[0])
	assert.Len(t, r, 1)
}
