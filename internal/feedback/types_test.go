package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_KeyAndMatches(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		key   string
		match [3]string
		want  bool
	}{
		{"agent only", Scope{Agent: "bot"}, "bot/*/*", [3]string{"bot", "billing", "v1"}, true},
		{"category", Scope{Agent: "bot", Category: "billing"}, "bot/billing/*", [3]string{"bot", "shipping", "v1"}, false},
		{"version", Scope{Agent: "bot", AgentVersion: "v2"}, "bot/*/v2", [3]string{"bot", "billing", "v2"}, true},
		{"other agent", Scope{Agent: "bot"}, "bot/*/*", [3]string{"other", "billing", "v1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.scope.Key())
			assert.Equal(t, tt.key, tt.scope.String())
			assert.Equal(t, tt.want, tt.scope.Matches(tt.match[0], tt.match[1], tt.match[2]))
		})
	}

	assert.ErrorIs(t, Scope{Agent: "  "}.Validate(), ErrEmptyAgent)
}

func TestScope_Covers(t *testing.T) {
	agent := Scope{Agent: "bot"}
	billing := Scope{Agent: "bot", Category: "billing"}
	billingV1 := Scope{Agent: "bot", Category: "billing", AgentVersion: "v1"}

	assert.True(t, agent.Covers(agent))
	assert.True(t, agent.Covers(billing))
	assert.True(t, billing.Covers(billingV1))
	assert.False(t, billing.Covers(agent))
	assert.False(t, billingV1.Covers(billing))
	assert.False(t, billing.Covers(Scope{Agent: "bot", Category: "shipping"}))
	assert.False(t, agent.Covers(Scope{Agent: "other"}))
}

func TestScope_Overlaps(t *testing.T) {
	billing := Scope{Agent: "bot", Category: "billing"}
	v1 := Scope{Agent: "bot", AgentVersion: "v1"}

	assert.True(t, Scope{Agent: "bot"}.Overlaps(billing))
	assert.True(t, billing.Overlaps(Scope{Agent: "bot"}))
	assert.True(t, billing.Overlaps(v1))
	assert.False(t, billing.Overlaps(Scope{Agent: "bot", Category: "shipping"}))
	assert.False(t, v1.Overlaps(Scope{Agent: "bot", AgentVersion: "v2"}))
	assert.False(t, billing.Overlaps(Scope{Agent: "other", Category: "billing"}))
}

func TestKindAndStatusValidate(t *testing.T) {
	assert.NoError(t, KindFeedback.Validate())
	assert.NoError(t, KindSkill.Validate())
	assert.ErrorIs(t, Kind("rule").Validate(), ErrInvalidKind)

	for _, s := range []Status{StatusCurrent, StatusPending, StatusArchived, StatusArchiveInProgress} {
		assert.NoError(t, s.Validate(), s)
	}
	assert.ErrorIs(t, Status("").Validate(), ErrInvalidStatus)
	assert.ErrorIs(t, Status("current").Validate(), ErrInvalidStatus)
}

func TestConsolidatedItem_Validate(t *testing.T) {
	valid := func() *ConsolidatedItem {
		return &ConsolidatedItem{
			Kind:      KindFeedback,
			Scope:     Scope{Agent: "bot"},
			Status:    StatusCurrent,
			Payload:   Payload{Title: "t", Content: "c"},
			SourceIDs: []int64{1},
			Version:   1,
		}
	}
	require.NoError(t, valid().Validate())

	item := valid()
	item.Status = ""
	assert.ErrorIs(t, item.Validate(), ErrInvalidStatus)

	item = valid()
	item.Payload.Content = " "
	assert.ErrorIs(t, item.Validate(), ErrEmptyPayload)

	item = valid()
	item.SourceIDs = nil
	assert.ErrorContains(t, item.Validate(), "at least one source")

	item = valid()
	item.Version = 0
	assert.ErrorContains(t, item.Validate(), "version")
}

func TestConsolidatedItem_AsRawItem(t *testing.T) {
	item := ConsolidatedItem{
		ID:        7,
		Kind:      KindFeedback,
		Scope:     Scope{Agent: "bot", Category: "billing", AgentVersion: "v1"},
		Payload:   Payload{Title: "t", Content: "c", Fields: map[string]string{"severity": "high"}},
		Embedding: []float32{1, 0},
	}
	raw := item.AsRawItem()
	assert.Equal(t, int64(7), raw.ID)
	assert.Equal(t, "billing", raw.Category)
	assert.Equal(t, RawActive, raw.Status)
	assert.Equal(t, map[string]string{"severity": "high", "title": "t", "content": "c"}, raw.Fields)

	raw.Fields["title"] = "changed"
	assert.NotContains(t, item.Payload.Fields, "title")
}
