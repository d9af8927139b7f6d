package models

import (
	"fmt"
	"time"
)

// Event types appended to the per-run journal.
const (
	EventRunStarted       = "run_started"
	EventAssistantDelta   = "assistant_delta"
	EventToolCallProposed = "tool_call_proposed"
	EventToolCallApproved = "tool_call_approved"
	EventToolCallRejected = "tool_call_rejected"
	EventToolResult       = "tool_result"
	EventRunCompleted     = "run_completed"
	EventRunFailed        = "run_failed"
	EventRunInterrupted   = "run_interrupted"
)

// TerminalEventFor returns the journal event type for a terminal run status.
func TerminalEventFor(status RunStatus) string {
	switch status {
	case RunStatusCompleted:
		return EventRunCompleted
	case RunStatusFailed:
		return EventRunFailed
	case RunStatusInterrupted:
		return EventRunInterrupted
	}
	return ""
}

// EventID formats the identifier of the event with the given per-run seq.
func EventID(runID string, seq int) string {
	return fmt.Sprintf("evt_%s_%04d", runID, seq)
}

// Event is one append-only journal entry of a run. Events are totally ordered
// per run by Seq, never mutated, never deleted.
type Event struct {
	ID        string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id"`
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	TS        time.Time      `json:"ts"`
	Payload   map[string]any `json:"payload,omitempty"`
}
