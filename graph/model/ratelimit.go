package model

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps a ChatModel with a token bucket shared by every caller,
// keeping concurrent sessions under the provider's request quota.
type RateLimited struct {
	next    ChatModel
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with the given burst.
// A non-positive rps disables limiting.
func NewRateLimited(next ChatModel, rps float64, burst int) *RateLimited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Chat waits for a token, then delegates.
func (r *RateLimited) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return ChatOut{}, &Error{
			Code:      CodeRateLimited,
			Message:   fmt.Sprintf("waiting for rate limiter: %v", err),
			Retryable: true,
			Err:       err,
		}
	}
	return r.next.Chat(ctx, messages)
}
