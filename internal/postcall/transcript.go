// Package postcall assembles and delivers the data a finished call leaves
// behind: the dashboard job/lead and call-record payloads, the 9-category
// classification used to build them, and the chunked transcript dump
// written to the log.
package postcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hvac-dispatch/callvox/internal/dialog"
)

// TranscriptEntry is one structured transcript line, the JSON shape both
// the dashboard payload and the log dump use.
type TranscriptEntry struct {
	Role    string         `json:"role"`
	Content string         `json:"content,omitempty"`
	Name    string         `json:"name,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// ToPlainText renders the transcript as "Agent:"/"Caller:" prefixed lines,
// with tool invocations collapsed to "[Tool: name]".
func ToPlainText(log []dialog.TurnEntry) string {
	if len(log) == 0 {
		return ""
	}
	lines := make([]string, 0, len(log))
	for _, e := range log {
		switch e.Role {
		case "agent":
			lines = append(lines, "Agent: "+e.Content)
		case "user":
			lines = append(lines, "Caller: "+e.Content)
		case "tool":
			lines = append(lines, "[Tool: "+e.ToolName+"]")
		}
	}
	return strings.Join(lines, "\n")
}

// ToJSONArray renders the structured transcript: agent/user entries carry
// role+content, tool entries carry role+name+result.
func ToJSONArray(log []dialog.TurnEntry) []TranscriptEntry {
	result := make([]TranscriptEntry, 0, len(log))
	for _, e := range log {
		switch e.Role {
		case "agent", "user":
			result = append(result, TranscriptEntry{Role: e.Role, Content: e.Content})
		case "tool":
			result = append(result, TranscriptEntry{Role: "tool", Name: e.ToolName, Result: e.ToolResult})
		}
	}
	return result
}

// CallRoleEntries filters a structured transcript down to agent/user lines
// only, the shape the call payload embeds (tool entries excluded).
func CallRoleEntries(entries []TranscriptEntry) []TranscriptEntry {
	out := make([]TranscriptEntry, 0, len(entries))
	for _, e := range entries {
		if e.Role == "agent" || e.Role == "user" {
			out = append(out, e)
		}
	}
	return out
}

// dumpEntry is one entry of the timestamped dump, with t in seconds from
// call start rounded to one decimal place.
type dumpEntry struct {
	T       float64        `json:"t"`
	Role    string         `json:"role"`
	State   string         `json:"state,omitempty"`
	Content string         `json:"content,omitempty"`
	Name    string         `json:"name,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// dumpHeader carries the fields that appear only in the first chunk.
type dumpHeader struct {
	CallSID    string      `json:"call_sid"`
	Phone      string      `json:"phone"`
	FinalState string      `json:"final_state"`
	DurationS  float64     `json:"duration_s"`
	Entries    []dumpEntry `json:"entries"`
}

// dumpTail is the shape every chunk after the first carries.
type dumpTail struct {
	Entries []dumpEntry `json:"entries"`
}

// maxChunkBytes is the ceiling for one TRANSCRIPT_DUMP line's JSON payload.
const maxChunkBytes = 3500

// BuildTranscriptDumpLines renders the chunked TRANSCRIPT_DUMP log lines
// for one finished call: a header chunk carrying {call_sid, phone,
// final_state, duration_s} plus as many entries as fit under maxBytes,
// followed by tail chunks of {entries} only. No chunk ever splits an entry
// across two lines; a reader recovers the full document by concatenating
// entries in ascending chunk order.
func BuildTranscriptDumpLines(log []dialog.TurnEntry, callSID, phone, finalState string, startTime float64, durationS float64, maxBytes int) []string {
	if maxBytes <= 0 {
		maxBytes = maxChunkBytes
	}

	entries := buildDumpEntries(log, startTime)
	chunks := packEntries(entries, callSID, phone, finalState, durationS, maxBytes)

	lines := make([]string, len(chunks))
	total := len(chunks)
	for i, payload := range chunks {
		lines[i] = fmt.Sprintf("TRANSCRIPT_DUMP|%d/%d|%s", i+1, total, payload)
	}
	return lines
}

func buildDumpEntries(log []dialog.TurnEntry, startTime float64) []dumpEntry {
	entries := make([]dumpEntry, 0, len(log))
	for _, e := range log {
		ts := float64(e.Timestamp.Unix()) + float64(e.Timestamp.Nanosecond())/1e9
		rel := roundTo1(ts - startTime)
		entries = append(entries, dumpEntry{
			T:       rel,
			Role:    e.Role,
			State:   e.State.String(),
			Content: e.Content,
			Name:    e.ToolName,
			Result:  e.ToolResult,
		})
	}
	return entries
}

func roundTo1(v float64) float64 {
	return float64(int64(v*10+sign(v)*0.5)) / 10
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// packEntries greedily fills chunks up to maxBytes, emitting the header
// fields only on the first chunk. An entry whose lone serialization would
// overflow an otherwise-empty chunk is still emitted alone rather than
// dropped: the chunk count is unbounded, but no entry is ever dropped.
func packEntries(entries []dumpEntry, callSID, phone, finalState string, durationS float64, maxBytes int) []string {
	if len(entries) == 0 {
		header := dumpHeader{CallSID: callSID, Phone: phone, FinalState: finalState, DurationS: durationS, Entries: []dumpEntry{}}
		data, _ := json.Marshal(header)
		return []string{string(data)}
	}

	var chunks []string
	first := true
	i := 0
	for i < len(entries) {
		var batch []dumpEntry
		for i < len(entries) {
			candidate := append(append([]dumpEntry{}, batch...), entries[i])
			var data []byte
			if first {
				data, _ = json.Marshal(dumpHeader{CallSID: callSID, Phone: phone, FinalState: finalState, DurationS: durationS, Entries: candidate})
			} else {
				data, _ = json.Marshal(dumpTail{Entries: candidate})
			}
			if len(data) > maxBytes && len(batch) > 0 {
				break
			}
			batch = candidate
			i++
			if len(data) > maxBytes {
				// Single entry already exceeds the budget; emit it alone.
				break
			}
		}

		var data []byte
		if first {
			data, _ = json.Marshal(dumpHeader{CallSID: callSID, Phone: phone, FinalState: finalState, DurationS: durationS, Entries: batch})
			first = false
		} else {
			data, _ = json.Marshal(dumpTail{Entries: batch})
		}
		chunks = append(chunks, string(data))
	}
	return chunks
}
