package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient is the subset of the Anthropic SDK used here. Satisfied by
// *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient implements LLMClient on the Claude Messages API.
type AnthropicClient struct {
	msg       MessagesClient
	maxTokens int
}

// NewAnthropicClient builds a client from an API key.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClientFromMessages(&ac.Messages), nil
}

// NewAnthropicClientFromMessages wraps an existing Messages client.
func NewAnthropicClientFromMessages(msg MessagesClient) *AnthropicClient {
	return &AnthropicClient{msg: msg, maxTokens: 4096}
}

// Stream invokes Messages.NewStreaming and adapts the SSE events to Chunks.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	return &anthropicStreamer{stream: stream}, nil
}

func (c *AnthropicClient) encodeRequest(req *Request) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  encodeMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolUses)+len(m.ToolResults))
		for _, r := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
		}
		if m.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		}
		for _, t := range m.ToolUses {
			blocks = append(blocks, sdk.NewToolUseBlock(t.ID, t.Args, t.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}

func encodeTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

// anthropicStreamer pulls SSE events on demand, buffering any chunks one
// event expands into.
type anthropicStreamer struct {
	stream  *ssestream.Stream[sdk.MessageStreamEventUnion]
	pending []Chunk
	tools   map[int]*toolBuffer
	done    bool
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.done {
			return Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return Chunk{}, err
			}
			return Chunk{}, io.EOF
		}
		s.handle(s.stream.Current())
	}
}

func (s *anthropicStreamer) Close() error {
	return s.stream.Close()
}

func (s *anthropicStreamer) handle(event sdk.MessageStreamEventUnion) {
	if s.tools == nil {
		s.tools = make(map[int]*toolBuffer)
	}
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.tools[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.pending = append(s.pending, Chunk{Type: ChunkText, Text: delta.Text})
			}
		case sdk.InputJSONDelta:
			if tb := s.tools[int(ev.Index)]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		if tb := s.tools[int(ev.Index)]; tb != nil {
			delete(s.tools, int(ev.Index))
			s.pending = append(s.pending, Chunk{Type: ChunkToolUse, ToolUse: &ToolUse{
				ID:   tb.id,
				Name: tb.name,
				Args: tb.args(),
			}})
		}
	case sdk.MessageDeltaEvent:
		s.pending = append(s.pending, Chunk{Type: ChunkUsage, Usage: &TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
		}})
	case sdk.MessageStopEvent:
		s.pending = append(s.pending, Chunk{Type: ChunkStop})
	}
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) args() map[string]any {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(joined), &args); err != nil {
		return map[string]any{}
	}
	return args
}
