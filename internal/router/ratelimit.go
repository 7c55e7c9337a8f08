package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-avatar/internal/registry"
)

// window is the registry view of a rate-limit counter.
type window struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"window_start"`
}

// CheckRateLimit counts one message for connID and reports whether it is
// within the limit. Counters live in the registry so the limit holds across
// processes; when the registry is unavailable the message is allowed.
func (r *Router) CheckRateLimit(ctx context.Context, connID string) bool {
	key := r.keys.RateLimit(connID)
	now := r.opts.Now().UnixMilli()
	windowMS := r.opts.RateLimitWindow.Milliseconds()

	w := window{WindowStart: now}
	raw, err := r.opts.Registry.Get(ctx, key)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(raw, &w); jerr != nil {
			w = window{WindowStart: now}
		}
	case errors.Is(err, registry.ErrNotFound):
	default:
		r.log.Warn("rate limit lookup failed, allowing message", slog.String("client_id", connID), slogError(err))
		return true
	}

	if now-w.WindowStart > windowMS {
		w = window{WindowStart: now}
	}
	if w.Count >= r.opts.RateLimitMax {
		return false
	}
	w.Count++

	data, err := json.Marshal(w)
	if err != nil {
		return true
	}
	if err := r.opts.Registry.Set(ctx, key, data, r.opts.RateLimitWindow); err != nil {
		r.log.Warn("rate limit update failed, allowing message", slog.String("client_id", connID), slogError(err))
	}
	return true
}
