package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/signalnine/spice/internal/extract"
	"github.com/signalnine/spice/internal/provider"
)

// DefaultMaxRetries is the attempt budget when none is configured.
const DefaultMaxRetries = 3

// Requester sends a prompt and decodes the structured payload of the reply.
type Requester struct {
	Provider   provider.Provider
	Model      string
	MaxRetries int
	Logger     *zap.Logger
}

// Request returns the last JSON object in the reply that carries every key.
// Provider failures are retried immediately up to MaxRetries attempts. When
// the attempts run out, or the reply holds no such object, every key maps
// to nil.
func (r *Requester) Request(ctx context.Context, prompt string, keys ...string) map[string]any {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := r.MaxRetries
	if attempts < 1 {
		attempts = DefaultMaxRetries
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		text, err := provider.Request(ctx, r.Provider, prompt, r.Model)
		if err != nil {
			logger.Warn("request attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.String("model", r.Model),
				zap.Error(err))
			continue
		}
		obj := extract.LastObject(extract.StripThink(text), keys...)
		if obj == nil {
			logger.Warn("no structured payload in reply",
				zap.String("model", r.Model),
				zap.Strings("keys", keys))
			return nulls(keys)
		}
		return obj
	}
	logger.Error("all request attempts failed", zap.String("model", r.Model), zap.Int("attempts", attempts))
	return nulls(keys)
}

func nulls(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = nil
	}
	return out
}
