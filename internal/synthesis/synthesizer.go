// Package synthesis turns a formatted cluster into a consolidated payload.
//
// The Synthesizer interface is what the aggregation orchestrator consumes.
// LLM implements it over any Completer; the langchaingo adapter in model.go
// provides Completers for OpenAI, Anthropic and Ollama.
package synthesis

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// ErrFatal marks a synthesis failure that must abort the whole run rather
// than skip a single cluster. Wrap it with fmt.Errorf("...: %w", ErrFatal).
var ErrFatal = errors.New("fatal synthesis error")

// Request is one cluster handed to the synthesizer.
type Request struct {
	Kind        feedback.Kind
	Scope       feedback.Scope
	Fingerprint string

	// Members are the cluster members in ascending id order.
	Members []feedback.RawItem

	// Document is the deterministic text rendering of Members.
	Document string

	// Accepted are items already served for this scope, for deduplication.
	Accepted []feedback.ConsolidatedItem

	// Predecessor is the item this cluster revisits, nil for a new cluster.
	Predecessor *feedback.ConsolidatedItem
}

// Synthesis is the result of a successful call. When NoItem is set the
// cluster duplicates accepted guidance and Payload is empty.
type Synthesis struct {
	Payload feedback.Payload
	NoItem  bool
	Reason  string
}

// Produced returns a Synthesis carrying a payload.
func Produced(p feedback.Payload) Synthesis {
	return Synthesis{Payload: p}
}

// NoItem returns a Synthesis signalling that no item is needed.
func NoItem(reason string) Synthesis {
	return Synthesis{NoItem: true, Reason: reason}
}

// Synthesizer consolidates one cluster. Errors wrapping ErrFatal, or a
// context error, abort the run; every other error skips the cluster.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Synthesis, error)
}

// Func adapts an ordinary function to Synthesizer.
type Func func(ctx context.Context, req Request) (Synthesis, error)

// Synthesize calls f.
func (f Func) Synthesize(ctx context.Context, req Request) (Synthesis, error) {
	return f(ctx, req)
}

// IsFatal reports whether err should abort an aggregation run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
