package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/lifecycle"
	"github.com/fyrsmithlabs/feedbackd/internal/operation"
	"github.com/fyrsmithlabs/feedbackd/internal/synthesis"
)

const sampleJSONL = `{"category":"billing","embedding":[1,0,0],"fields":{"comment":"refund flow is confusing"}}
{"category":"billing","embedding":[0.99,0.01,0],"fields":{"comment":"refund steps unclear"}}

{"category":"billing","embedding":[0,1,0],"fields":{"comment":"invoice totals wrong"}}
{"category":"billing","embedding":[0,0.98,0.02],"fields":{"comment":"invoice tax missing"}}
`

// setupCLI isolates config and storage and replaces the LLM.
func setupCLI(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FEEDBACKD_STORAGE_DRIVER", "sqlite")
	t.Setenv("FEEDBACKD_STORAGE_DATA_DIR", filepath.Join(home, "data"))
	t.Setenv("FEEDBACKD_LOGGING_LEVEL", "error")

	orig := newSynthesizer
	t.Cleanup(func() { newSynthesizer = orig })
	newSynthesizer = func(config.SynthesisConfig, *zap.Logger) (synthesis.Synthesizer, error) {
		return synthesis.Func(func(_ context.Context, req synthesis.Request) (synthesis.Synthesis, error) {
			return synthesis.Produced(feedback.Payload{
				Title:   fmt.Sprintf("Guidance from %d items", len(req.Members)),
				Content: req.Document,
				Tags:    []string{req.Scope.Category},
			}), nil
		}), nil
	}

	path := filepath.Join(home, "feedback.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSONL), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_Lifecycle(t *testing.T) {
	input := setupCLI(t)

	out, err := execute(t, "import", input, "--agent", "support-bot")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 4 item(s), ids 1-4")

	out, err = execute(t, "count", "--agent", "support-bot")
	require.NoError(t, err)
	assert.Equal(t, "4", strings.TrimSpace(out))

	out, err = execute(t, "aggregate", "--agent", "support-bot", "--json")
	require.NoError(t, err)
	var state operation.State
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, operation.StatusCompleted, state.Status)
	assert.Equal(t, int64(2), state.Stats["synthesized"])

	out, err = execute(t, "count", "--agent", "support-bot")
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(out))

	out, err = execute(t, "aggregate", "--agent", "support-bot", "--if-new")
	require.NoError(t, err)
	assert.Contains(t, out, "no new items")

	// Each kind is checked on its own: feedback is up to date, skills are not.
	out, err = execute(t, "aggregate", "--agent", "support-bot", "--kind", "all", "--if-new", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, 1, state.TotalUnits)
	assert.Equal(t, []string{"skill:support-bot/*/*"}, state.ProcessedUnitIDs)
	assert.Equal(t, "support-bot", state.Scope)

	out, err = execute(t, "list", "--agent", "support-bot", "--json")
	require.NoError(t, err)
	var items []feedback.ConsolidatedItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 2)
	sources := [][]int64{items[0].SourceIDs, items[1].SourceIDs}
	assert.ElementsMatch(t, [][]int64{{1, 2}, {3, 4}}, sources)

	out, err = execute(t, "status", "--agent", "support-bot")
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")

	_, err = execute(t, "pending", "--agent", "support-bot")
	require.NoError(t, err)

	out, err = execute(t, "upgrade", "--agent", "support-bot", "--json")
	require.NoError(t, err)
	var up lifecycle.UpgradeResult
	require.NoError(t, json.Unmarshal([]byte(out), &up))
	assert.Equal(t, lifecycle.UpgradeResult{Deleted: 0, Archived: 2, Promoted: 2}, up)

	out, err = execute(t, "downgrade", "--agent", "support-bot")
	require.NoError(t, err)
	assert.Contains(t, out, "demoted 2, restored 2")

	out, err = execute(t, "list", "--agent", "support-bot", "--status", "archived")
	require.NoError(t, err)
	assert.Contains(t, out, "Guidance from 2 items")
}

func TestCLI_DismissExcludesItems(t *testing.T) {
	input := setupCLI(t)

	_, err := execute(t, "import", input, "--agent", "support-bot")
	require.NoError(t, err)

	out, err := execute(t, "dismiss", "3", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "2 item(s) set to dismissed")

	out, err = execute(t, "aggregate", "--agent", "support-bot", "--json")
	require.NoError(t, err)
	var state operation.State
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, int64(1), state.Stats["synthesized"])

	_, err = execute(t, "dismiss", "abc")
	assert.Error(t, err)
}

func TestCLI_StatusAndCancelWithoutOperation(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "status", "--agent", "support-bot")
	require.NoError(t, err)
	assert.Contains(t, out, "no operation recorded")

	out, err = execute(t, "cancel", "--agent", "support-bot")
	require.NoError(t, err)
	assert.Contains(t, out, "no operation in progress")
}

func TestCLI_RejectsBadInput(t *testing.T) {
	setupCLI(t)

	_, err := execute(t, "aggregate")
	assert.ErrorIs(t, err, feedback.ErrEmptyAgent)

	_, err = execute(t, "aggregate", "--agent", "support-bot", "--kind", "bogus")
	assert.ErrorIs(t, err, feedback.ErrInvalidKind)

	_, err = execute(t, "list", "--agent", "support-bot", "--status", "LIVE")
	assert.ErrorIs(t, err, feedback.ErrInvalidStatus)
}

func TestReadRawItems(t *testing.T) {
	items, err := readRawItems(strings.NewReader(sampleJSONL), "bot")
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "bot", items[0].Agent)
	assert.Equal(t, feedback.RawActive, items[0].Status)
	assert.Equal(t, "refund flow is confusing", items[0].Fields["comment"])
	assert.Equal(t, []float32{0, 1, 0}, items[2].Embedding)

	_, err = readRawItems(strings.NewReader(`{"category":"x"}`), "")
	assert.ErrorIs(t, err, feedback.ErrEmptyAgent)

	_, err = readRawItems(strings.NewReader("{not json}\n"), "bot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestKindsFromFlag(t *testing.T) {
	kinds, err := kindsFromFlag("all")
	require.NoError(t, err)
	assert.Equal(t, []feedback.Kind{feedback.KindFeedback, feedback.KindSkill}, kinds)

	kinds, err = kindsFromFlag("skill")
	require.NoError(t, err)
	assert.Equal(t, []feedback.Kind{feedback.KindSkill}, kinds)

	_, err = kindsFromFlag("nope")
	assert.Error(t, err)
}

func TestPrintState(t *testing.T) {
	var buf bytes.Buffer
	outputJSON = false
	err := printState(&buf, &operation.State{
		OperationID:    "op-1",
		Service:        "aggregation",
		Scope:          "bot/*/*",
		Status:         operation.StatusFailed,
		TotalUnits:     2,
		ProcessedUnits: 2,
		FailedUnits:    1,
		Stats:          map[string]int64{"synthesized": 3, "archived": 1},
		FailedUnitList: []operation.FailedUnit{{Unit: "skill:bot/*/*", Error: "boom"}},
		Error:          "boom",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "op-1")
	assert.Contains(t, out, "2/2 processed, 0 succeeded, 1 failed")
	assert.Less(t, strings.Index(out, "archived"), strings.Index(out, "synthesized"))
	assert.Contains(t, out, "skill:bot/*/*: boom")
}
