package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/store/memstore"
)

// backend is everything the CLI and the consolidation core need from a store.
type backend interface {
	feedback.ItemStore
	feedback.ConsolidatedStore
	feedback.DocumentStore
	AddRawItems(ctx context.Context, items []feedback.RawItem) ([]feedback.RawItem, error)
	SetRawStatus(ctx context.Context, id int64, status feedback.RawStatus) error
}

func backends(t *testing.T) map[string]func() backend {
	return map[string]func() backend{
		"sqlite": func() backend {
			s, err := store.Open(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"memory": func() backend { return memstore.New() },
	}
}

func consolidated(kind feedback.Kind, scope feedback.Scope, status feedback.Status, title string, sources ...int64) feedback.ConsolidatedItem {
	return feedback.ConsolidatedItem{
		Kind:   kind,
		Scope:  scope,
		Status: status,
		Payload: feedback.Payload{
			Title:   title,
			Content: "content of " + title,
			Tags:    []string{"a", "b"},
			Fields:  map[string]string{"k": "v"},
		},
		SourceIDs:   sources,
		Embedding:   []float32{0.5, 0.25},
		Fingerprint: "fp-" + title,
		Version:     1,
	}
}

func TestStore_RawItems(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()

			added, err := s.AddRawItems(ctx, []feedback.RawItem{
				{Agent: "bot", Category: "billing", AgentVersion: "v1", Embedding: []float32{1, 0}, Fields: map[string]string{"text": "refund"}},
				{Agent: "bot", Category: "shipping", AgentVersion: "v2", Embedding: []float32{0, 1}},
				{Agent: "other", Category: "billing"},
				{ID: 10, Agent: "bot", Category: "billing", AgentVersion: "v1"},
			})
			require.NoError(t, err)
			require.Len(t, added, 4)
			assert.Equal(t, []int64{1, 2, 3, 10}, []int64{added[0].ID, added[1].ID, added[2].ID, added[3].ID})
			assert.Equal(t, feedback.RawActive, added[0].Status)
			assert.False(t, added[0].CreatedAt.IsZero())

			next, err := s.AddRawItems(ctx, []feedback.RawItem{{Agent: "bot", Category: "billing"}})
			require.NoError(t, err)
			assert.Equal(t, int64(11), next[0].ID)

			items, err := s.ListRawItems(ctx, feedback.Scope{Agent: "bot"}, feedback.RawFilter{})
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2, 10, 11}, rawIDs(items))
			assert.Equal(t, []float32{1, 0}, items[0].Embedding)
			assert.Equal(t, "refund", items[0].Fields["text"])
			assert.True(t, items[0].CreatedAt.Equal(added[0].CreatedAt.UTC()))

			items, err = s.ListRawItems(ctx, feedback.Scope{Agent: "bot", Category: "billing"}, feedback.RawFilter{AfterID: 1})
			require.NoError(t, err)
			assert.Equal(t, []int64{10, 11}, rawIDs(items))

			items, err = s.ListRawItems(ctx, feedback.Scope{Agent: "bot", AgentVersion: "v2"}, feedback.RawFilter{})
			require.NoError(t, err)
			assert.Equal(t, []int64{2}, rawIDs(items))

			require.NoError(t, s.SetRawStatus(ctx, 10, feedback.RawDismissed))
			assert.ErrorIs(t, s.SetRawStatus(ctx, 99, feedback.RawDismissed), feedback.ErrNotFound)

			items, err = s.ListRawItems(ctx, feedback.Scope{Agent: "bot", Category: "billing"}, feedback.RawFilter{})
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 11}, rawIDs(items))

			items, err = s.ListRawItems(ctx, feedback.Scope{Agent: "bot"}, feedback.RawFilter{Status: feedback.RawDismissed})
			require.NoError(t, err)
			assert.Equal(t, []int64{10}, rawIDs(items))

			n, err := s.CountRawItemsAfter(ctx, feedback.Scope{Agent: "bot"}, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			n, err = s.CountRawItemsAfter(ctx, feedback.Scope{Agent: "nobody"}, 0)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestStore_ConsolidatedItems(t *testing.T) {
	ctx := context.Background()
	bot := feedback.Scope{Agent: "bot"}
	billing := feedback.Scope{Agent: "bot", Category: "billing"}
	shipping := feedback.Scope{Agent: "bot", Category: "shipping"}

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()

			saved, err := s.SaveConsolidated(ctx, []feedback.ConsolidatedItem{
				consolidated(feedback.KindFeedback, billing, feedback.StatusCurrent, "a", 1, 2),
				consolidated(feedback.KindFeedback, shipping, feedback.StatusCurrent, "b", 3, 4),
				consolidated(feedback.KindFeedback, billing, feedback.StatusPending, "c", 1, 2),
				consolidated(feedback.KindSkill, billing, feedback.StatusCurrent, "d", 1),
			})
			require.NoError(t, err)
			require.Len(t, saved, 4)
			assert.Equal(t, []int64{1, 2, 3, 4}, feedback.IDs(saved))
			assert.False(t, saved[0].UpdatedAt.IsZero())

			_, err = s.SaveConsolidated(ctx, []feedback.ConsolidatedItem{
				consolidated(feedback.KindFeedback, billing, feedback.StatusCurrent, "e", 5),
				consolidated(feedback.KindFeedback, billing, feedback.StatusCurrent, "", 6),
			})
			assert.ErrorIs(t, err, feedback.ErrEmptyPayload)

			all, err := s.ListConsolidated(ctx, feedback.KindFeedback, bot)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2, 3}, feedback.IDs(all))
			got := all[0]
			assert.Equal(t, billing, got.Scope)
			assert.Equal(t, "content of a", got.Payload.Content)
			assert.Equal(t, []string{"a", "b"}, got.Payload.Tags)
			assert.Equal(t, map[string]string{"k": "v"}, got.Payload.Fields)
			assert.Equal(t, []int64{1, 2}, got.SourceIDs)
			assert.Equal(t, []float32{0.5, 0.25}, got.Embedding)
			assert.Equal(t, "fp-a", got.Fingerprint)
			assert.Equal(t, 1, got.Version)

			current, err := s.ListConsolidated(ctx, feedback.KindFeedback, bot, feedback.StatusCurrent)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, feedback.IDs(current))

			both, err := s.ListConsolidated(ctx, feedback.KindFeedback, billing, feedback.StatusCurrent, feedback.StatusPending)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 3}, feedback.IDs(both))

			n, err := s.UpdateStatus(ctx, feedback.KindFeedback, billing, feedback.StatusCurrent, feedback.StatusArchived)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			// The skill in the same scope is untouched.
			skills, err := s.ListConsolidated(ctx, feedback.KindSkill, billing, feedback.StatusCurrent)
			require.NoError(t, err)
			assert.Equal(t, []int64{4}, feedback.IDs(skills))

			n, err = s.UpdateStatusByIDs(ctx, feedback.KindFeedback, []int64{1, 2, 3}, feedback.StatusArchived, feedback.StatusCurrent)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			n, err = s.UpdateStatusByIDs(ctx, feedback.KindFeedback, nil, feedback.StatusArchived, feedback.StatusCurrent)
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = s.DeleteByStatus(ctx, feedback.KindFeedback, bot, feedback.StatusPending)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = s.DeleteByIDs(ctx, feedback.KindFeedback, []int64{2, 4, 42})
			require.NoError(t, err)
			assert.Equal(t, 1, n, "item 4 is a skill and 42 does not exist")

			left, err := s.ListConsolidated(ctx, feedback.KindFeedback, bot)
			require.NoError(t, err)
			assert.Equal(t, []int64{1}, feedback.IDs(left))
			assert.Equal(t, feedback.StatusCurrent, left[0].Status)
		})
	}
}

func TestStore_Documents(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()

			_, err := s.GetDocument(ctx, "operation/aggregation/bot")
			assert.ErrorIs(t, err, feedback.ErrNotFound)

			require.NoError(t, s.PutDocument(ctx, "operation/aggregation/bot", []byte(`{"v":1}`)))
			require.NoError(t, s.PutDocument(ctx, "operation/aggregation/bot", []byte(`{"v":2}`)))

			body, err := s.GetDocument(ctx, "operation/aggregation/bot")
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":2}`, string(body))
		})
	}
}

func TestStore_UpdateDocument(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			key := "checkpoint/feedback/bot"

			require.NoError(t, s.UpdateDocument(ctx, key, func(body []byte) ([]byte, error) {
				assert.Nil(t, body)
				return []byte(`{"v":1}`), nil
			}))
			require.NoError(t, s.UpdateDocument(ctx, key, func(body []byte) ([]byte, error) {
				assert.JSONEq(t, `{"v":1}`, string(body))
				return []byte(`{"v":2}`), nil
			}))

			err := s.UpdateDocument(ctx, key, func([]byte) ([]byte, error) {
				return nil, errors.New("rejected")
			})
			assert.EqualError(t, err, "rejected")

			body, err := s.GetDocument(ctx, key)
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":2}`, string(body))
		})
	}
}

func TestOpen_PersistsToDataDir(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")

	s, err := store.Open(dir)
	require.NoError(t, err)
	_, err = s.AddRawItems(ctx, []feedback.RawItem{{Agent: "bot"}})
	require.NoError(t, err)
	require.NoError(t, s.PutDocument(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(dir, store.DatabaseFile))
	require.NoError(t, err)

	s, err = store.Open(dir)
	require.NoError(t, err)
	defer s.Close()

	versions, err := s.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, versions)

	n, err := s.CountRawItemsAfter(ctx, feedback.Scope{Agent: "bot"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	body, err := s.GetDocument(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(body))
}

func TestSQLite_AddRawItemsIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AddRawItems(ctx, []feedback.RawItem{{Agent: "bot"}, {Agent: " "}})
	assert.ErrorIs(t, err, feedback.ErrEmptyAgent)

	n, err := s.CountRawItemsAfter(ctx, feedback.Scope{Agent: "bot"}, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func rawIDs(items []feedback.RawItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
