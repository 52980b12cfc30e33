package aggregation

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// Source supplies the clustering input for one kind of consolidated item.
type Source interface {
	// Kind is the kind of item produced from this source.
	Kind() feedback.Kind

	// Load returns the eligible items in scope, ascending by id.
	Load(ctx context.Context, scope feedback.Scope) ([]feedback.RawItem, error)

	// CountAfter counts eligible items in scope with id > afterID.
	CountAfter(ctx context.Context, scope feedback.Scope, afterID int64) (int, error)

	// Group returns the partition an item is clustered in. Items are only
	// ever clustered with items of the same partition, and partitions do
	// not depend on the run scope, so overlapping runs share ledgers.
	Group(item feedback.RawItem) feedback.Scope

	// CheckScope rejects run scopes that would split a partition.
	CheckScope(scope feedback.Scope) error
}

// ErrScopeSplitsPartition is returned for a run scope that selects only
// part of a partition.
var ErrScopeSplitsPartition = errors.New("scope splits a clustering partition")

// RawSource feeds active raw observations into feedback aggregation.
type RawSource struct {
	items feedback.ItemStore
}

// NewRawSource creates a raw observation source.
func NewRawSource(items feedback.ItemStore) (*RawSource, error) {
	if items == nil {
		return nil, fmt.Errorf("item store cannot be nil")
	}
	return &RawSource{items: items}, nil
}

// Kind implements Source.
func (s *RawSource) Kind() feedback.Kind { return feedback.KindFeedback }

// Load implements Source.
func (s *RawSource) Load(ctx context.Context, scope feedback.Scope) ([]feedback.RawItem, error) {
	items, err := s.items.ListRawItems(ctx, scope, feedback.RawFilter{Status: feedback.RawActive})
	if err != nil {
		return nil, fmt.Errorf("listing raw items: %w", err)
	}
	return items, nil
}

// CountAfter implements Source.
func (s *RawSource) CountAfter(ctx context.Context, scope feedback.Scope, afterID int64) (int, error) {
	n, err := s.items.CountRawItemsAfter(ctx, scope, afterID)
	if err != nil {
		return 0, fmt.Errorf("counting raw items: %w", err)
	}
	return n, nil
}

// Group partitions raw observations by category and agent version.
func (s *RawSource) Group(item feedback.RawItem) feedback.Scope {
	return feedback.Scope{Agent: item.Agent, Category: item.Category, AgentVersion: item.AgentVersion}
}

// CheckScope implements Source. Every scope selects whole partitions.
func (s *RawSource) CheckScope(feedback.Scope) error {
	return nil
}

// FeedbackSource feeds CURRENT feedback items into skill aggregation, so
// only the served feedback generation is ever lifted into skills.
type FeedbackSource struct {
	store feedback.ConsolidatedStore
}

// NewFeedbackSource creates a feedback-item source.
func NewFeedbackSource(store feedback.ConsolidatedStore) (*FeedbackSource, error) {
	if store == nil {
		return nil, fmt.Errorf("consolidated store cannot be nil")
	}
	return &FeedbackSource{store: store}, nil
}

// Kind implements Source.
func (s *FeedbackSource) Kind() feedback.Kind { return feedback.KindSkill }

// Load implements Source.
func (s *FeedbackSource) Load(ctx context.Context, scope feedback.Scope) ([]feedback.RawItem, error) {
	items, err := s.store.ListConsolidated(ctx, feedback.KindFeedback, scope, feedback.StatusCurrent)
	if err != nil {
		return nil, fmt.Errorf("listing feedback items: %w", err)
	}
	out := make([]feedback.RawItem, len(items))
	for i := range items {
		out[i] = items[i].AsRawItem()
	}
	return out, nil
}

// CountAfter implements Source.
func (s *FeedbackSource) CountAfter(ctx context.Context, scope feedback.Scope, afterID int64) (int, error) {
	items, err := s.store.ListConsolidated(ctx, feedback.KindFeedback, scope, feedback.StatusCurrent)
	if err != nil {
		return 0, fmt.Errorf("listing feedback items: %w", err)
	}
	n := 0
	for i := range items {
		if items[i].ID > afterID {
			n++
		}
	}
	return n, nil
}

// Group partitions feedback by agent version only; skills span categories.
func (s *FeedbackSource) Group(item feedback.RawItem) feedback.Scope {
	return feedback.Scope{Agent: item.Agent, AgentVersion: item.AgentVersion}
}

// CheckScope implements Source. A category would cut a skill partition.
func (s *FeedbackSource) CheckScope(scope feedback.Scope) error {
	if scope.Category != "" {
		return fmt.Errorf("%w: skills span categories, got category %q", ErrScopeSplitsPartition, scope.Category)
	}
	return nil
}
