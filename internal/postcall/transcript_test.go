package postcall

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hvac-dispatch/callvox/internal/dialog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLog() []dialog.TurnEntry {
	base := time.Unix(1000, 0)
	return []dialog.TurnEntry{
		{Role: "user", Content: "my ac is out", State: dialog.StateWelcome, Timestamp: base},
		{Role: "agent", Content: "one moment", State: dialog.StateLookup, Timestamp: base.Add(2 * time.Second)},
		{Role: "tool", ToolName: "lookup_caller", ToolArgs: map[string]any{}, ToolResult: map[string]any{"found": true}, State: dialog.StateLookup, Timestamp: base.Add(2 * time.Second)},
	}
}

func TestToPlainText(t *testing.T) {
	text := ToPlainText(sampleLog())
	assert.Equal(t, "Caller: my ac is out\nAgent: one moment\n[Tool: lookup_caller]", text)
}

func TestToPlainText_Empty(t *testing.T) {
	assert.Equal(t, "", ToPlainText(nil))
}

func TestToJSONArray(t *testing.T) {
	arr := ToJSONArray(sampleLog())
	require.Len(t, arr, 3)
	assert.Equal(t, "user", arr[0].Role)
	assert.Equal(t, "my ac is out", arr[0].Content)
	assert.Equal(t, "tool", arr[2].Role)
	assert.Equal(t, "lookup_caller", arr[2].Name)
}

func TestCallRoleEntries_ExcludesTools(t *testing.T) {
	entries := CallRoleEntries(ToJSONArray(sampleLog()))
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEqual(t, "tool", e.Role)
	}
}

// splitDumpLine parses one TRANSCRIPT_DUMP|i/N|<json> line into its index,
// total, and JSON payload.
func splitDumpLine(t *testing.T, line string) (idx, total int, payload string) {
	t.Helper()
	rest, ok := strings.CutPrefix(line, "TRANSCRIPT_DUMP|")
	require.True(t, ok, "line missing TRANSCRIPT_DUMP prefix: %s", line)

	header, body, ok := strings.Cut(rest, "|")
	require.True(t, ok)
	idxStr, totalStr, ok := strings.Cut(header, "/")
	require.True(t, ok)

	idxVal, err := strconv.Atoi(idxStr)
	require.NoError(t, err)
	totalVal, err := strconv.Atoi(totalStr)
	require.NoError(t, err)
	return idxVal, totalVal, body
}

func TestBuildTranscriptDumpLines_SingleChunkReassembles(t *testing.T) {
	lines := BuildTranscriptDumpLines(sampleLog(), "call-1", "+15125550100", "confirm", 1000, 2, 0)
	require.Len(t, lines, 1)

	idx, total, payload := splitDumpLine(t, lines[0])
	assert.Equal(t, 1, idx)
	assert.Equal(t, 1, total)

	var doc struct {
		CallSID string `json:"call_sid"`
		Entries []struct {
			T    float64 `json:"t"`
			Role string  `json:"role"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &doc))
	assert.Equal(t, "call-1", doc.CallSID)
	require.Len(t, doc.Entries, 3)
	assert.Equal(t, 0.0, doc.Entries[0].T)
	assert.Equal(t, 2.0, doc.Entries[1].T)
}

func TestBuildTranscriptDumpLines_SplitsOnByteBudgetWithoutSplittingEntries(t *testing.T) {
	log := sampleLog()
	for i := 0; i < 50; i++ {
		log = append(log, dialog.TurnEntry{
			Role:      "agent",
			Content:   "padding content to inflate the payload size for chunk boundary testing purposes",
			State:     dialog.StateDiscovery,
			Timestamp: time.Unix(1000, 0).Add(time.Duration(i) * time.Second),
		})
	}

	lines := BuildTranscriptDumpLines(log, "call-2", "+15125550100", "confirm", 1000, 60, 400)
	require.Greater(t, len(lines), 1)

	totalEntries := 0
	for i, line := range lines {
		idx, total, payload := splitDumpLine(t, line)
		assert.Equal(t, i+1, idx)
		assert.Equal(t, len(lines), total)

		var doc struct {
			Entries []json.RawMessage `json:"entries"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &doc))
		totalEntries += len(doc.Entries)
	}
	assert.Equal(t, len(log), totalEntries)
}
