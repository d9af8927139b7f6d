package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/queue"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

const (
	toolFileWrite = "file_write"
	toolFileRead  = "file_read"
	toolListFiles = "list_files"

	// maxAgentTurns bounds the model/tool loop of one run.
	maxAgentTurns = 8

	// maxToolResultBytes truncates oversized tool results fed back to the
	// model.
	maxToolResultBytes = 16 * 1024
)

// Executor is the real agent: it streams model turns, executes read-only
// tools directly, and routes file writes through the approval gate.
type Executor struct {
	llm                  LLMClient
	costPerMillionTokens float64
}

var _ queue.Executor = (*Executor)(nil)

// NewExecutor creates the real executor on top of an LLM client (usually a
// Router).
func NewExecutor(llm LLMClient, costPerMillionTokens float64) *Executor {
	return &Executor{llm: llm, costPerMillionTokens: costPerMillionTokens}
}

// Execute runs the agent loop for one user message.
func (e *Executor) Execute(ctx context.Context, h queue.Host) error {
	session := h.Session()
	run := h.Run()

	conversation := loadConversation(session.Conversation)
	conversation = append(conversation, Message{Role: RoleUser, Content: run.Message})

	var usage TokenUsage
	wroteFile := false

	finish := func(execErr error) error {
		if usage.Total() > 0 {
			cost := float64(usage.Total()) / 1e6 * e.costPerMillionTokens
			if err := h.RecordUsage(ctx, usage.Total(), cost); err != nil && execErr == nil {
				execErr = err
			}
		}
		if blob, err := json.Marshal(conversation); err == nil {
			if err := h.SaveConversation(ctx, blob); err != nil && execErr == nil {
				execErr = err
			}
		}
		return execErr
	}

	for turn := 0; turn < maxAgentTurns; turn++ {
		if h.Interrupted() {
			return finish(queue.ErrInterrupted)
		}

		text, toolUses, turnUsage, err := e.streamTurn(ctx, h, session, conversation)
		if err != nil {
			return finish(fmt.Errorf("model turn: %w", err))
		}
		usage.InputTokens += turnUsage.InputTokens
		usage.OutputTokens += turnUsage.OutputTokens

		conversation = append(conversation, Message{
			Role:     RoleAssistant,
			Content:  text,
			ToolUses: toolUses,
		})

		if len(toolUses) == 0 {
			break
		}

		results, interrupted, wrote, err := e.runTools(ctx, h, session.ID, toolUses)
		if err != nil {
			return finish(err)
		}
		wroteFile = wroteFile || wrote
		conversation = append(conversation, Message{Role: RoleUser, ToolResults: results})
		if interrupted {
			return finish(queue.ErrInterrupted)
		}
	}

	if wroteFile {
		if err := h.AdvanceWorkflow(ctx, models.StateRewriteApplied); err != nil {
			return finish(err)
		}
	} else if !h.Session().WorkflowState.Before(models.StateJDProvided) {
		if err := h.AdvanceWorkflow(ctx, models.StateGapAnalyzed); err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

// streamTurn runs one model turn, emitting assistant deltas as they arrive.
func (e *Executor) streamTurn(ctx context.Context, h queue.Host, session *models.Session, conversation []Message) (string, []ToolUse, TokenUsage, error) {
	stream, err := e.llm.Stream(ctx, &Request{
		System:   systemPrompt(session),
		Messages: conversation,
		Tools:    toolDefinitions(),
	})
	if err != nil {
		return "", nil, TokenUsage{}, err
	}
	defer stream.Close()

	var text strings.Builder
	var toolUses []ToolUse
	var usage TokenUsage

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, usage, err
		}
		switch chunk.Type {
		case ChunkText:
			text.WriteString(chunk.Text)
			if err := h.EmitDelta(ctx, chunk.Text); err != nil {
				return "", nil, usage, err
			}
		case ChunkToolUse:
			toolUses = append(toolUses, *chunk.ToolUse)
		case ChunkUsage:
			usage.InputTokens += chunk.Usage.InputTokens
			usage.OutputTokens += chunk.Usage.OutputTokens
		}
	}
	return text.String(), toolUses, usage, nil
}

// runTools executes the turn's tool calls. Writes go through the approval
// gate as one batch; reads run directly.
func (e *Executor) runTools(ctx context.Context, h queue.Host, sessionID string, toolUses []ToolUse) (results []ToolResult, interrupted, wrote bool, err error) {
	var writeCalls []models.ToolCall
	for _, tu := range toolUses {
		if tu.Name == toolFileWrite {
			writeCalls = append(writeCalls, models.ToolCall{ToolName: tu.Name, Args: tu.Args})
		}
	}

	var outcome *queue.ApprovalOutcome
	if len(writeCalls) > 0 {
		outcome, err = h.RequestApproval(ctx, writeCalls)
		if err != nil {
			return nil, false, false, err
		}
		if outcome.Interrupted {
			return nil, true, false, nil
		}
	}

	approvedIdx := 0
	for _, tu := range toolUses {
		var result string
		var success bool

		switch tu.Name {
		case toolFileWrite:
			approved := false
			if approvedIdx < len(outcome.Approved) && sameCall(outcome.Approved[approvedIdx], tu) {
				approved = true
				approvedIdx++
			}
			if !approved {
				results = append(results, ToolResult{ToolUseID: tu.ID, Content: "declined by user", IsError: true})
				continue
			}
			result, success = e.applyWrite(ctx, h, sessionID, tu)
			wrote = wrote || success
		case toolFileRead:
			result, success = readFile(ctx, h.Workspace(), sessionID, tu)
		case toolListFiles:
			result, success = listFiles(ctx, h.Workspace(), sessionID)
		default:
			result, success = fmt.Sprintf("unknown tool %q", tu.Name), false
		}

		if err := h.EmitToolResult(ctx, tu.Name, tu.Args, truncate(result), success); err != nil {
			return nil, false, wrote, err
		}
		results = append(results, ToolResult{ToolUseID: tu.ID, Content: truncate(result), IsError: !success})
	}
	return results, false, wrote, nil
}

func (e *Executor) applyWrite(ctx context.Context, h queue.Host, sessionID string, tu ToolUse) (string, bool) {
	path, _ := tu.Args["path"].(string)
	if path == "" {
		path = "resume.md"
	}
	content, _ := tu.Args["content"].(string)

	meta, err := h.Workspace().WriteFile(ctx, sessionID, path, []byte(content))
	if err != nil {
		return fmt.Sprintf("write failed: %v", err), false
	}
	return fmt.Sprintf("wrote %s (%d bytes)", meta.Path, meta.SizeBytes), true
}

func readFile(ctx context.Context, ws workspace.Provider, sessionID string, tu ToolUse) (string, bool) {
	path, _ := tu.Args["path"].(string)
	if path == "" {
		return "path is required", false
	}
	data, err := ws.ReadFile(ctx, sessionID, path)
	if err != nil {
		return fmt.Sprintf("read failed: %v", err), false
	}
	return string(data), true
}

func listFiles(ctx context.Context, ws workspace.Provider, sessionID string) (string, bool) {
	files, err := ws.ListFiles(ctx, sessionID)
	if err != nil {
		return fmt.Sprintf("list failed: %v", err), false
	}
	if len(files) == 0 {
		return "(empty workspace)", true
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return strings.Join(paths, "\n"), true
}

// sameCall matches an approved call back to its originating tool use. The
// approved subset preserves proposal order, so a name+args comparison at the
// cursor is unambiguous.
func sameCall(call models.ToolCall, tu ToolUse) bool {
	return call.ToolName == tu.Name && reflect.DeepEqual(call.Args, tu.Args)
}

func truncate(s string) string {
	if len(s) <= maxToolResultBytes {
		return s
	}
	return s[:maxToolResultBytes] + "\n[truncated]"
}

func loadConversation(blob []byte) []Message {
	if len(blob) == 0 {
		return nil
	}
	var conversation []Message
	if err := json.Unmarshal(blob, &conversation); err != nil {
		return nil
	}
	return conversation
}

func systemPrompt(session *models.Session) string {
	var b strings.Builder
	b.WriteString("You are a resume tailoring assistant working inside a per-session file workspace. ")
	b.WriteString("Analyze the candidate's resume against the target job description, point out gaps, and propose concrete rewrites. ")
	b.WriteString("Use file_read and list_files freely; every file_write requires human approval, so explain the intent of each write in your text first.")
	if session.ResumePath != "" {
		fmt.Fprintf(&b, "\n\nThe uploaded resume is at %q.", session.ResumePath)
	}
	if session.JDText != "" {
		fmt.Fprintf(&b, "\n\nJob description:\n%s", session.JDText)
	} else if session.JDURL != "" {
		fmt.Fprintf(&b, "\n\nJob description URL: %s", session.JDURL)
	}
	return b.String()
}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        toolFileWrite,
			Description: "Write a file in the session workspace, replacing its content. Requires human approval.",
			InputSchema: objectSchema(map[string]any{
				"path":    map[string]any{"type": "string", "description": "Workspace-relative file path"},
				"content": map[string]any{"type": "string", "description": "Full new file content"},
				"reason":  map[string]any{"type": "string", "description": "Why this write is needed"},
			}, "path", "content"),
		},
		{
			Name:        toolFileRead,
			Description: "Read a file from the session workspace.",
			InputSchema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "Workspace-relative file path"},
			}, "path"),
		},
		{
			Name:        toolListFiles,
			Description: "List the files in the session workspace.",
			InputSchema: objectSchema(map[string]any{}),
		},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
