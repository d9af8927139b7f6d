package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tailr-ai/tailr/pkg/config"
)

// Router fans a stream request across a fallback chain of provider/model
// pairs, retrying each with exponential backoff before moving to the next.
type Router struct {
	clients map[string]LLMClient
	chain   []config.ProviderModel
	retry   config.RetryConfig
}

// NewRouter creates a Router. clients maps provider names to their client.
func NewRouter(clients map[string]LLMClient, chain []config.ProviderModel, retry config.RetryConfig) *Router {
	return &Router{clients: clients, chain: chain, retry: retry}
}

// Stream tries each chain entry in order. req.Model is overridden by the
// chain entry's model.
func (r *Router) Stream(ctx context.Context, req *Request) (Streamer, error) {
	attempts := r.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for _, pm := range r.chain {
		client, ok := r.clients[pm.Provider]
		if !ok {
			lastErr = fmt.Errorf("no client configured for provider %q", pm.Provider)
			continue
		}

		for attempt := 1; attempt <= attempts; attempt++ {
			rq := *req
			rq.Model = pm.Model
			stream, err := client.Stream(ctx, &rq)
			if err == nil {
				return stream, nil
			}
			lastErr = err
			slog.Warn("Provider stream attempt failed",
				"provider", pm.Provider,
				"model", pm.Model,
				"attempt", attempt,
				"error", err)

			if attempt == attempts {
				break
			}
			if err := sleepBackoff(ctx, r.retry, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("all providers exhausted: %w", lastErr)
}

// sleepBackoff waits base*2^(attempt-1) capped at max, or until ctx is done.
func sleepBackoff(ctx context.Context, retry config.RetryConfig, attempt int) error {
	delay := retry.BaseDelay << (attempt - 1)
	if retry.MaxDelay > 0 && delay > retry.MaxDelay {
		delay = retry.MaxDelay
	}
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
