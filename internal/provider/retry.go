package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retrying retries retryable ProviderErrors with exponential backoff. Every
// error it returns is a *ProviderError or a context error.
type Retrying struct {
	inner    Provider
	retries  int
	initial  time.Duration
	maxDelay time.Duration

	// OnRetry, when set, is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

// WithRetry wraps p. retries is the number of attempts after the first.
func WithRetry(p Provider, retries int) *Retrying {
	return &Retrying{
		inner:    p,
		retries:  retries,
		initial:  500 * time.Millisecond,
		maxDelay: 10 * time.Second,
	}
}

// WithDelays overrides the first and the maximum wait between attempts.
func (r *Retrying) WithDelays(initial, maxDelay time.Duration) *Retrying {
	r.initial, r.maxDelay = initial, maxDelay
	return r
}

func (r *Retrying) Name() string { return r.inner.Name() }

func (r *Retrying) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = r.maxDelay
	b.MaxElapsedTime = 0

	var resp *Response
	op := func() error {
		out, err := r.inner.Chat(ctx, messages, tools)
		if err == nil {
			resp = out
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		pe := newError(r.inner.Name(), 0, err)
		if !pe.Retryable {
			return backoff.Permanent(pe)
		}
		return pe
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(r.retries, 0))), ctx)
	if err := backoff.RetryNotify(op, policy, r.OnRetry); err != nil {
		return nil, err
	}
	return resp, nil
}
