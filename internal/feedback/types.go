package feedback

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for feedback operations.
var (
	ErrNotFound         = errors.New("not found")
	ErrEmptyAgent       = errors.New("scope agent cannot be empty")
	ErrInvalidKind      = errors.New("kind must be 'feedback' or 'skill'")
	ErrInvalidStatus    = errors.New("invalid lifecycle status")
	ErrEmptyPayload     = errors.New("payload title and content cannot be empty")
	ErrMissingEmbedding = errors.New("item has no embedding")
)

// Kind identifies which family of consolidated items a record belongs to.
type Kind string

const (
	// KindFeedback is guidance synthesized from raw observations.
	KindFeedback Kind = "feedback"

	// KindSkill is guidance synthesized from CURRENT feedback items.
	KindSkill Kind = "skill"
)

// Validate checks that k is a known kind.
func (k Kind) Validate() error {
	switch k {
	case KindFeedback, KindSkill:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, string(k))
	}
}

// Status is the lifecycle state of a consolidated item generation.
type Status string

const (
	// StatusCurrent marks the generation served to readers.
	StatusCurrent Status = "CURRENT"

	// StatusPending marks a freshly generated generation awaiting Upgrade.
	StatusPending Status = "PENDING"

	// StatusArchived marks the previous generation, kept for Downgrade.
	StatusArchived Status = "ARCHIVED"

	// StatusArchiveInProgress is transient and only observed mid-Downgrade.
	StatusArchiveInProgress Status = "ARCHIVE_IN_PROGRESS"
)

// Validate checks that s is one of the four lifecycle states.
func (s Status) Validate() error {
	switch s {
	case StatusCurrent, StatusPending, StatusArchived, StatusArchiveInProgress:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(s))
	}
}

// RawStatus is the eligibility state of a raw observation.
type RawStatus string

const (
	// RawActive items take part in clustering.
	RawActive RawStatus = "active"

	// RawDismissed items are ignored by clustering.
	RawDismissed RawStatus = "dismissed"
)

// Scope selects the items a lifecycle transition or aggregation run applies to.
//
// Agent is required. Empty Category or AgentVersion match any value, so a
// Scope with only Agent set selects every category of that agent.
type Scope struct {
	Agent        string `json:"agent"`
	Category     string `json:"category,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// Validate checks the scope has an agent.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.Agent) == "" {
		return ErrEmptyAgent
	}
	return nil
}

// Key returns a stable string form used for document keys and logging.
func (s Scope) Key() string {
	category := s.Category
	if category == "" {
		category = "*"
	}
	version := s.AgentVersion
	if version == "" {
		version = "*"
	}
	return s.Agent + "/" + category + "/" + version
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	return s.Key()
}

// Matches reports whether the grouping key of an item falls inside the scope.
func (s Scope) Matches(agent, category, agentVersion string) bool {
	if s.Agent != agent {
		return false
	}
	if s.Category != "" && s.Category != category {
		return false
	}
	if s.AgentVersion != "" && s.AgentVersion != agentVersion {
		return false
	}
	return true
}

// Covers reports whether every item selected by other is also selected by s.
func (s Scope) Covers(other Scope) bool {
	return s.Matches(other.Agent, other.Category, other.AgentVersion)
}

// Overlaps reports whether some item could be selected by both s and other.
func (s Scope) Overlaps(other Scope) bool {
	if s.Agent != other.Agent {
		return false
	}
	if s.Category != "" && other.Category != "" && s.Category != other.Category {
		return false
	}
	if s.AgentVersion != "" && other.AgentVersion != "" && s.AgentVersion != other.AgentVersion {
		return false
	}
	return true
}

// RawItem is an atomic observation eligible for clustering.
type RawItem struct {
	// ID is assigned by ingestion and grows monotonically.
	ID int64 `json:"id"`

	Agent        string `json:"agent"`
	Category     string `json:"category"`
	AgentVersion string `json:"agent_version"`

	// Embedding is produced upstream; this module never generates embeddings.
	Embedding []float32 `json:"embedding,omitempty"`

	// Fields holds the structured payload of the observation.
	Fields map[string]string `json:"fields,omitempty"`

	Status    RawStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Payload is the synthesized content of a consolidated item.
type Payload struct {
	Title   string            `json:"title"`
	Content string            `json:"content"`
	Tags    []string          `json:"tags,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Validate checks the payload has the required fields.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Content) == "" {
		return ErrEmptyPayload
	}
	return nil
}

// ConsolidatedItem is the synthesized output for one cluster.
type ConsolidatedItem struct {
	// ID is assigned by the store on save.
	ID int64 `json:"id"`

	Kind   Kind   `json:"kind"`
	Scope  Scope  `json:"scope"`
	Status Status `json:"status"`

	Payload Payload `json:"payload"`

	// SourceIDs are the member ids of the cluster this item was built from, ascending.
	SourceIDs []int64 `json:"source_ids"`

	// Embedding is the centroid of the member embeddings. Skills cluster on it.
	Embedding []float32 `json:"embedding,omitempty"`

	// Fingerprint of the source cluster at synthesis time.
	Fingerprint string `json:"fingerprint"`

	// Version starts at 1 and is bumped when a successor replaces a vanished cluster.
	Version int `json:"version"`

	// PreviousID links to the item this one succeeded, 0 if none.
	PreviousID int64 `json:"previous_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the item before it is persisted.
func (c *ConsolidatedItem) Validate() error {
	if err := c.Kind.Validate(); err != nil {
		return err
	}
	if err := c.Scope.Validate(); err != nil {
		return err
	}
	if err := c.Status.Validate(); err != nil {
		return err
	}
	if err := c.Payload.Validate(); err != nil {
		return err
	}
	if len(c.SourceIDs) == 0 {
		return errors.New("consolidated item must reference at least one source")
	}
	if c.Version < 1 {
		return errors.New("version must be >= 1")
	}
	return nil
}

// AsRawItem presents a consolidated item as clustering input for the next
// level up. The item's scope supplies the grouping key.
func (c *ConsolidatedItem) AsRawItem() RawItem {
	fields := make(map[string]string, len(c.Payload.Fields)+2)
	for k, v := range c.Payload.Fields {
		fields[k] = v
	}
	fields["title"] = c.Payload.Title
	fields["content"] = c.Payload.Content
	return RawItem{
		ID:           c.ID,
		Agent:        c.Scope.Agent,
		Category:     c.Scope.Category,
		AgentVersion: c.Scope.AgentVersion,
		Embedding:    c.Embedding,
		Fields:       fields,
		Status:       RawActive,
		CreatedAt:    c.CreatedAt,
	}
}

// IDs returns the ids of items in order.
func IDs(items []ConsolidatedItem) []int64 {
	ids := make([]int64, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	return ids
}
