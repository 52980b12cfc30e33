package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/fingerprint"
)

// Generation names which lifecycle generation a checkpoint describes.
type Generation string

const (
	GenerationCurrent  Generation = "current"
	GenerationPending  Generation = "pending"
	GenerationArchived Generation = "archived"
)

// Partition is the fingerprint ledger of one clustering partition. Items
// are only ever clustered with items of the same partition, so a run over
// any scope reads and replaces whole partitions.
type Partition struct {
	Scope  feedback.Scope     `json:"scope"`
	Ledger fingerprint.Record `json:"ledger"`
}

// Bookmark is the highest source id seen by a run over Scope.
type Bookmark struct {
	Scope           feedback.Scope `json:"scope"`
	LastProcessedID int64          `json:"last_processed_id"`
}

// Checkpoint is one generation's ledgers and bookmarks for an agent.
// Both maps are keyed by Scope.Key().
type Checkpoint struct {
	Partitions map[string]Partition `json:"partitions"`
	Bookmarks  map[string]Bookmark  `json:"bookmarks"`
}

func newCheckpoint() *Checkpoint {
	return &Checkpoint{Partitions: map[string]Partition{}, Bookmarks: map[string]Bookmark{}}
}

// Empty reports whether no run has been recorded.
func (c *Checkpoint) Empty() bool {
	return len(c.Partitions) == 0 && len(c.Bookmarks) == 0
}

// Ledger merges the ledgers of every partition inside scope.
func (c *Checkpoint) Ledger(scope feedback.Scope) fingerprint.Record {
	out := fingerprint.Record{}
	for _, p := range c.Partitions {
		if !scope.Covers(p.Scope) {
			continue
		}
		for fp, entry := range p.Ledger {
			out[fp] = entry
		}
	}
	return out
}

// LastProcessedID returns the highest bookmark of any run whose scope
// covers scope.
func (c *Checkpoint) LastProcessedID(scope feedback.Scope) int64 {
	var last int64
	for _, b := range c.Bookmarks {
		if b.Scope.Covers(scope) && b.LastProcessedID > last {
			last = b.LastProcessedID
		}
	}
	return last
}

// extract removes the partitions and bookmarks inside scope and returns them.
func (c *Checkpoint) extract(scope feedback.Scope) *Checkpoint {
	out := newCheckpoint()
	for k, p := range c.Partitions {
		if scope.Covers(p.Scope) {
			out.Partitions[k] = p
			delete(c.Partitions, k)
		}
	}
	for k, b := range c.Bookmarks {
		if scope.Covers(b.Scope) {
			out.Bookmarks[k] = b
			delete(c.Bookmarks, k)
		}
	}
	return out
}

func (c *Checkpoint) merge(other *Checkpoint) {
	for k, p := range other.Partitions {
		c.Partitions[k] = p
	}
	for k, b := range other.Bookmarks {
		c.Bookmarks[k] = b
	}
}

// Transition is the progress marker of an unfinished lifecycle transition.
// Step is the last step that completed.
type Transition struct {
	Name      string         `json:"name"`
	Scope     feedback.Scope `json:"scope"`
	Step      int            `json:"step"`
	StartedAt time.Time      `json:"started_at"`
}

// ledgerDoc is the stored form: every generation and unfinished transition
// of one (kind, agent), so a rotation and the marker it clears are a single
// write.
type ledgerDoc struct {
	SchemaVersion int                        `json:"schema_version"`
	Generations   map[Generation]*Checkpoint `json:"generations"`
	Transitions   map[string]Transition      `json:"transitions,omitempty"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

func (d *ledgerDoc) generation(gen Generation) *Checkpoint {
	cp := d.Generations[gen]
	if cp == nil {
		cp = newCheckpoint()
		d.Generations[gen] = cp
	}
	if cp.Partitions == nil {
		cp.Partitions = map[string]Partition{}
	}
	if cp.Bookmarks == nil {
		cp.Bookmarks = map[string]Bookmark{}
	}
	return cp
}

// Checkpoints stores aggregation checkpoints next to operation documents.
type Checkpoints struct {
	docs   feedback.DocumentStore
	logger *zap.Logger
	now    func() time.Time
}

// NewCheckpoints creates a checkpoint store.
func NewCheckpoints(docs feedback.DocumentStore, logger *zap.Logger) (*Checkpoints, error) {
	if docs == nil {
		return nil, fmt.Errorf("document store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpoints{docs: docs, logger: logger, now: time.Now}, nil
}

func checkpointKey(kind feedback.Kind, agent string) string {
	return "checkpoint/" + string(kind) + "/" + agent
}

// decode parses a stored document. A missing or unreadable document is
// treated as empty.
func (c *Checkpoints) decode(kind feedback.Kind, agent string, body []byte) *ledgerDoc {
	doc := &ledgerDoc{}
	if body != nil {
		if err := json.Unmarshal(body, doc); err != nil {
			c.logger.Warn("ignoring unreadable checkpoint",
				zap.String("kind", string(kind)),
				zap.String("agent", agent),
				zap.Error(err))
			doc = &ledgerDoc{}
		}
	}
	if doc.Generations == nil {
		doc.Generations = map[Generation]*Checkpoint{}
	}
	if doc.Transitions == nil {
		doc.Transitions = map[string]Transition{}
	}
	return doc
}

func (c *Checkpoints) read(ctx context.Context, kind feedback.Kind, agent string) (*ledgerDoc, error) {
	body, err := c.docs.GetDocument(ctx, checkpointKey(kind, agent))
	if errors.Is(err, feedback.ErrNotFound) {
		return c.decode(kind, agent, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	return c.decode(kind, agent, body), nil
}

func (c *Checkpoints) update(ctx context.Context, kind feedback.Kind, agent string, fn func(*ledgerDoc) error) error {
	err := c.docs.UpdateDocument(ctx, checkpointKey(kind, agent), func(body []byte) ([]byte, error) {
		doc := c.decode(kind, agent, body)
		if err := fn(doc); err != nil {
			return nil, err
		}
		doc.SchemaVersion = SchemaVersion
		doc.UpdatedAt = c.now().UTC()
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding checkpoint: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Load returns one generation of the agent's checkpoint. It is empty when
// nothing was recorded.
func (c *Checkpoints) Load(ctx context.Context, kind feedback.Kind, agent string, gen Generation) (*Checkpoint, error) {
	doc, err := c.read(ctx, kind, agent)
	if err != nil {
		return nil, err
	}
	return doc.generation(gen), nil
}

// Record replaces every partition of gen inside scope with partitions and
// bookmarks scope at lastProcessedID. Partitions inside scope that are not
// listed are dropped.
func (c *Checkpoints) Record(ctx context.Context, kind feedback.Kind, scope feedback.Scope, gen Generation, partitions []Partition, lastProcessedID int64) error {
	for _, p := range partitions {
		if !scope.Covers(p.Scope) {
			return fmt.Errorf("partition %s is outside scope %s", p.Scope.Key(), scope.Key())
		}
	}
	return c.update(ctx, kind, scope.Agent, func(doc *ledgerDoc) error {
		cp := doc.generation(gen)
		// Only partitions are replaced. Bookmarks of narrower runs stay and
		// LastProcessedID takes the highest covering one.
		for k, p := range cp.Partitions {
			if scope.Covers(p.Scope) {
				delete(cp.Partitions, k)
			}
		}
		for _, p := range partitions {
			if p.Ledger == nil {
				p.Ledger = fingerprint.Record{}
			}
			cp.Partitions[p.Scope.Key()] = p
		}
		cp.Bookmarks[scope.Key()] = Bookmark{Scope: scope, LastProcessedID: lastProcessedID}
		return nil
	})
}

// Transition returns the unfinished lifecycle transition recorded for scope.
func (c *Checkpoints) Transition(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (*Transition, error) {
	doc, err := c.read(ctx, kind, scope.Agent)
	if err != nil {
		return nil, err
	}
	t, ok := doc.Transitions[scope.Key()]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Unfinished returns an unfinished transition whose scope overlaps scope,
// preferring the one on scope itself.
func (c *Checkpoints) Unfinished(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (*Transition, error) {
	doc, err := c.read(ctx, kind, scope.Agent)
	if err != nil {
		return nil, err
	}
	if t, ok := doc.Transitions[scope.Key()]; ok {
		return &t, nil
	}
	keys := make([]string, 0, len(doc.Transitions))
	for k := range doc.Transitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if t := doc.Transitions[k]; t.Scope.Overlaps(scope) {
			return &t, nil
		}
	}
	return nil, nil
}

// SetTransition records the progress of a lifecycle transition on scope.
func (c *Checkpoints) SetTransition(ctx context.Context, kind feedback.Kind, scope feedback.Scope, t Transition) error {
	t.Scope = scope
	return c.update(ctx, kind, scope.Agent, func(doc *ledgerDoc) error {
		doc.Transitions[scope.Key()] = t
		return nil
	})
}

// Rotate moves the part of each generation inside scope to another
// generation, replacing what the destination held there. All sources are
// read before anything is written, so a pair of moves swaps. The
// transition marker of scope is cleared in the same write.
func (c *Checkpoints) Rotate(ctx context.Context, kind feedback.Kind, scope feedback.Scope, moves [][2]Generation) error {
	return c.update(ctx, kind, scope.Agent, func(doc *ledgerDoc) error {
		moving := make(map[Generation]*Checkpoint, len(moves))
		for _, m := range moves {
			if _, ok := moving[m[0]]; !ok {
				moving[m[0]] = doc.generation(m[0]).extract(scope)
			}
		}
		for _, m := range moves {
			doc.generation(m[1]).extract(scope)
		}
		for _, m := range moves {
			doc.generation(m[1]).merge(moving[m[0]])
		}
		delete(doc.Transitions, scope.Key())
		return nil
	})
}
