package agent

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailr-ai/tailr/pkg/config"
)

// scriptedClient fails a fixed number of times before succeeding, recording
// the models it was asked for.
type scriptedClient struct {
	failures int
	calls    int
	models   []string
}

func (c *scriptedClient) Stream(_ context.Context, req *Request) (Streamer, error) {
	c.calls++
	c.models = append(c.models, req.Model)
	if c.calls <= c.failures {
		return nil, errors.New("upstream overloaded")
	}
	return &chunkStream{}, nil
}

// chunkStream replays a fixed chunk slice.
type chunkStream struct {
	chunks []Chunk
	pos    int
}

func (s *chunkStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *chunkStream) Close() error { return nil }

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRouterRetriesBeforeSucceeding(t *testing.T) {
	client := &scriptedClient{failures: 2}
	r := NewRouter(
		map[string]LLMClient{"anthropic": client},
		[]config.ProviderModel{{Provider: "anthropic", Model: "claude-sonnet-4-5"}},
		fastRetry(3),
	)

	stream, err := r.Stream(context.Background(), &Request{})
	require.NoError(t, err)
	require.NotNil(t, stream)
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, []string{"claude-sonnet-4-5", "claude-sonnet-4-5", "claude-sonnet-4-5"}, client.models)
}

func TestRouterFallsBackAcrossChain(t *testing.T) {
	primary := &scriptedClient{failures: 99}
	fallback := &scriptedClient{}
	r := NewRouter(
		map[string]LLMClient{"primary": primary, "fallback": fallback},
		[]config.ProviderModel{
			{Provider: "primary", Model: "big-model"},
			{Provider: "fallback", Model: "small-model"},
		},
		fastRetry(2),
	)

	_, err := r.Stream(context.Background(), &Request{Model: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, 1, fallback.calls)
	assert.Equal(t, []string{"small-model"}, fallback.models)
}

func TestRouterSkipsUnknownProvider(t *testing.T) {
	known := &scriptedClient{}
	r := NewRouter(
		map[string]LLMClient{"anthropic": known},
		[]config.ProviderModel{
			{Provider: "openai", Model: "gpt"},
			{Provider: "anthropic", Model: "claude-haiku-4-5"},
		},
		fastRetry(2),
	)

	_, err := r.Stream(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, known.calls)
}

func TestRouterExhaustsAllProviders(t *testing.T) {
	client := &scriptedClient{failures: 99}
	r := NewRouter(
		map[string]LLMClient{"anthropic": client},
		[]config.ProviderModel{{Provider: "anthropic", Model: "claude-sonnet-4-5"}},
		fastRetry(2),
	)

	_, err := r.Stream(context.Background(), &Request{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "all providers exhausted")
	assert.Equal(t, 2, client.calls)
}

func TestRouterStopsOnContextCancelDuringBackoff(t *testing.T) {
	client := &scriptedClient{failures: 99}
	r := NewRouter(
		map[string]LLMClient{"anthropic": client},
		[]config.ProviderModel{{Provider: "anthropic", Model: "claude-sonnet-4-5"}},
		config.RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Stream(ctx, &Request{})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Stream did not observe cancellation")
	}
}
