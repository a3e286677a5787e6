package llm

import (
	"context"
	"log/slog"

	"github.com/cascadefn/cascadefn/internal/backoff"
)

// DefaultMaxAttempts is the total number of tries per request: the
// initial call plus two retries for transient failures.
const DefaultMaxAttempts = 3

// RetryingProvider wraps a Provider with transient-failure retries.
// Permanent upstream errors are returned immediately.
type RetryingProvider struct {
	inner       Provider
	policy      backoff.Policy
	maxAttempts int
	logger      *slog.Logger
}

// WithRetries wraps provider using the default policy and attempt cap.
func WithRetries(provider Provider, logger *slog.Logger) *RetryingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingProvider{
		inner:       provider,
		policy:      backoff.DefaultPolicy(),
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
	}
}

func (p *RetryingProvider) Name() string { return p.inner.Name() }

func (p *RetryingProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	attempt := 0
	return backoff.Retry(ctx, p.policy, p.maxAttempts, IsTransient, func(ctx context.Context) (*Response, error) {
		attempt++
		resp, err := p.inner.Complete(ctx, req)
		if err != nil && IsTransient(err) && attempt < p.maxAttempts {
			p.logger.Warn("transient model provider error, retrying",
				"provider", p.inner.Name(), "attempt", attempt, "error", err)
		}
		return resp, err
	})
}
