// Package memstore is an in-memory implementation of the feedback storage
// collaborators. It is safe for concurrent use and intended for tests and
// dry runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// Store keeps raw items, consolidated items and state documents in maps.
type Store struct {
	mu           sync.RWMutex
	raw          map[int64]feedback.RawItem
	consolidated map[int64]feedback.ConsolidatedItem
	docs         map[string][]byte
	nextRawID    int64
	nextItemID   int64
	now          func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		raw:          make(map[int64]feedback.RawItem),
		consolidated: make(map[int64]feedback.ConsolidatedItem),
		docs:         make(map[string][]byte),
		now:          time.Now,
	}
}

var (
	_ feedback.ItemStore         = (*Store)(nil)
	_ feedback.ConsolidatedStore = (*Store)(nil)
	_ feedback.DocumentStore     = (*Store)(nil)
)

// AddRawItems stores items, assigning ids to those with ID 0.
func (s *Store) AddRawItems(_ context.Context, items []feedback.RawItem) ([]feedback.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]feedback.RawItem, len(items))
	for i, item := range items {
		if item.ID == 0 {
			s.nextRawID++
			item.ID = s.nextRawID
		} else if item.ID > s.nextRawID {
			s.nextRawID = item.ID
		}
		if item.Status == "" {
			item.Status = feedback.RawActive
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = s.now().UTC()
		}
		item.Embedding = append([]float32(nil), item.Embedding...)
		item.Fields = copyFields(item.Fields)
		s.raw[item.ID] = item
		out[i] = item
	}
	return out, nil
}

// SetRawStatus changes the status of a raw item.
func (s *Store) SetRawStatus(_ context.Context, id int64, status feedback.RawStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.raw[id]
	if !ok {
		return feedback.ErrNotFound
	}
	item.Status = status
	s.raw[id] = item
	return nil
}

// ListRawItems implements feedback.ItemStore.
func (s *Store) ListRawItems(_ context.Context, scope feedback.Scope, filter feedback.RawFilter) ([]feedback.RawItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := filter.Status
	if status == "" {
		status = feedback.RawActive
	}

	var out []feedback.RawItem
	for _, item := range s.raw {
		if !scope.Matches(item.Agent, item.Category, item.AgentVersion) {
			continue
		}
		if item.Status != status || item.ID <= filter.AfterID {
			continue
		}
		item.Embedding = append([]float32(nil), item.Embedding...)
		item.Fields = copyFields(item.Fields)
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountRawItemsAfter implements feedback.ItemStore.
func (s *Store) CountRawItemsAfter(_ context.Context, scope feedback.Scope, afterID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.raw {
		if item.ID > afterID && item.Status == feedback.RawActive &&
			scope.Matches(item.Agent, item.Category, item.AgentVersion) {
			count++
		}
	}
	return count, nil
}

func (s *Store) matches(item feedback.ConsolidatedItem, kind feedback.Kind, scope feedback.Scope) bool {
	return item.Kind == kind && scope.Matches(item.Scope.Agent, item.Scope.Category, item.Scope.AgentVersion)
}

// ListConsolidated implements feedback.ConsolidatedStore.
func (s *Store) ListConsolidated(_ context.Context, kind feedback.Kind, scope feedback.Scope, statuses ...feedback.Status) ([]feedback.ConsolidatedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[feedback.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []feedback.ConsolidatedItem
	for _, item := range s.consolidated {
		if !s.matches(item, kind, scope) {
			continue
		}
		if len(want) > 0 && !want[item.Status] {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveConsolidated implements feedback.ConsolidatedStore.
func (s *Store) SaveConsolidated(_ context.Context, items []feedback.ConsolidatedItem) ([]feedback.ConsolidatedItem, error) {
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	out := make([]feedback.ConsolidatedItem, len(items))
	for i, item := range items {
		item = cloneItem(item)
		if item.ID == 0 {
			s.nextItemID++
			item.ID = s.nextItemID
		} else if item.ID > s.nextItemID {
			s.nextItemID = item.ID
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		s.consolidated[item.ID] = item
		out[i] = cloneItem(item)
	}
	return out, nil
}

// UpdateStatus implements feedback.ConsolidatedStore.
func (s *Store) UpdateStatus(_ context.Context, kind feedback.Kind, scope feedback.Scope, from, to feedback.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	count := 0
	for id, item := range s.consolidated {
		if item.Status != from || !s.matches(item, kind, scope) {
			continue
		}
		item.Status = to
		item.UpdatedAt = now
		s.consolidated[id] = item
		count++
	}
	return count, nil
}

// UpdateStatusByIDs implements feedback.ConsolidatedStore.
func (s *Store) UpdateStatusByIDs(_ context.Context, kind feedback.Kind, ids []int64, from, to feedback.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	count := 0
	for _, id := range ids {
		item, ok := s.consolidated[id]
		if !ok || item.Kind != kind || item.Status != from {
			continue
		}
		item.Status = to
		item.UpdatedAt = now
		s.consolidated[id] = item
		count++
	}
	return count, nil
}

// DeleteByStatus implements feedback.ConsolidatedStore.
func (s *Store) DeleteByStatus(_ context.Context, kind feedback.Kind, scope feedback.Scope, status feedback.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, item := range s.consolidated {
		if item.Status == status && s.matches(item, kind, scope) {
			delete(s.consolidated, id)
			count++
		}
	}
	return count, nil
}

// DeleteByIDs implements feedback.ConsolidatedStore.
func (s *Store) DeleteByIDs(_ context.Context, kind feedback.Kind, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		if item, ok := s.consolidated[id]; ok && item.Kind == kind {
			delete(s.consolidated, id)
			count++
		}
	}
	return count, nil
}

// GetDocument implements feedback.DocumentStore.
func (s *Store) GetDocument(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, ok := s.docs[key]
	if !ok {
		return nil, feedback.ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

// PutDocument implements feedback.DocumentStore.
func (s *Store) PutDocument(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[key] = append([]byte(nil), body...)
	return nil
}

// UpdateDocument implements feedback.DocumentStore.
func (s *Store) UpdateDocument(_ context.Context, key string, fn func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body []byte
	if cur, ok := s.docs[key]; ok {
		body = append([]byte(nil), cur...)
	}
	next, err := fn(body)
	if err != nil {
		return err
	}
	s.docs[key] = append([]byte(nil), next...)
	return nil
}

func copyFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneItem(item feedback.ConsolidatedItem) feedback.ConsolidatedItem {
	item.SourceIDs = append([]int64(nil), item.SourceIDs...)
	item.Embedding = append([]float32(nil), item.Embedding...)
	item.Payload.Tags = append([]string(nil), item.Payload.Tags...)
	item.Payload.Fields = copyFields(item.Payload.Fields)
	return item
}
