package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

// Message heuristics of the stub executor. These are contract-tested: the
// keyword set and the target-path pattern are part of the stub's behaviour,
// not an implementation detail.
var (
	writeIntentRe = regexp.MustCompile(`(?i)\b(write|update|modify|edit|create|copy)\b`)
	targetPathRe  = regexp.MustCompile(`[\w./-]+\.[a-zA-Z0-9]{1,8}`)
)

const defaultTargetPath = "resume.md"

// StubExecutor is the deterministic executor used for contract tests and
// stub mode. Behaviour keys off the message text:
//
//   - "long"           → a 1s cooperative sleep
//   - "gap" / "analy"  → advances workflow to gap_analyzed
//   - write-intent verb → proposes a file_write tool call for the path named
//     in the message (default resume.md); on approval appends an annotated
//     bullet to that file and advances workflow to rewrite_applied
type StubExecutor struct{}

// NewStubExecutor creates the stub executor.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{}
}

var _ Executor = (*StubExecutor)(nil)

func (e *StubExecutor) Execute(ctx context.Context, h Host) error {
	if h.Interrupted() {
		return ErrInterrupted
	}

	run := h.Run()
	message := run.Message
	lower := strings.ToLower(message)

	if err := h.EmitDelta(ctx, "Reviewing your resume and request..."); err != nil {
		return err
	}

	if strings.Contains(lower, "long") {
		if err := h.Sleep(ctx, time.Second); err != nil {
			return err
		}
	}

	if strings.Contains(lower, "gap") || strings.Contains(lower, "analy") {
		if err := h.AdvanceWorkflow(ctx, models.StateGapAnalyzed); err != nil {
			return err
		}
		if err := h.EmitDelta(ctx, "Identified gaps between the resume and the job description."); err != nil {
			return err
		}
	}

	if h.Interrupted() {
		return ErrInterrupted
	}

	if writeIntentRe.MatchString(message) {
		if err := e.proposeAndApplyWrite(ctx, h, message); err != nil {
			return err
		}
	}

	if h.Interrupted() {
		return ErrInterrupted
	}
	return h.EmitDelta(ctx, "Done.")
}

// proposeAndApplyWrite runs the approval handshake for a single file_write
// call and applies the edit when approved. A rejection finishes the run
// without writes.
func (e *StubExecutor) proposeAndApplyWrite(ctx context.Context, h Host, message string) error {
	target := targetPathFrom(message)
	call := models.ToolCall{
		ToolName: "file_write",
		Args: map[string]any{
			"path":   target,
			"reason": message,
		},
	}

	outcome, err := h.RequestApproval(ctx, []models.ToolCall{call})
	if err != nil {
		return err
	}
	if outcome.Interrupted {
		return ErrInterrupted
	}
	if outcome.Rejected || len(outcome.Approved) == 0 {
		return h.EmitDelta(ctx, "The proposed edit was declined; no files were changed.")
	}

	existing, err := h.Workspace().ReadFile(ctx, h.Session().ID, target)
	if err != nil && !errors.Is(err, workspace.ErrFileNotFound) {
		return err
	}

	bullet := fmt.Sprintf("\n- [agent edit] %s\n", message)
	updated := append(existing, []byte(bullet)...)
	meta, err := h.Workspace().WriteFile(ctx, h.Session().ID, target, updated)
	if err != nil {
		return err
	}

	if err := h.EmitToolResult(ctx, "file_write", call.Args,
		fmt.Sprintf("appended 1 bullet to %s (%d bytes)", meta.Path, meta.SizeBytes), true); err != nil {
		return err
	}
	if err := h.AdvanceWorkflow(ctx, models.StateRewriteApplied); err != nil {
		return err
	}

	if h.Interrupted() {
		return ErrInterrupted
	}
	return nil
}

// targetPathFrom extracts the first word.ext token from the message, falling
// back to resume.md.
func targetPathFrom(message string) string {
	if m := targetPathRe.FindString(message); m != "" {
		return m
	}
	return defaultTargetPath
}
