package llm

import (
	"context"
	"errors"
)

// FallbackAdapter attempts a primary adapter first and falls back on error,
// but only while nothing has been streamed yet.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

func (a *FallbackAdapter) StreamCompletion(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.primary == nil {
		if a.fallback == nil {
			return Response{}, errors.New("fallback adapter misconfigured")
		}
		return a.fallback.StreamCompletion(ctx, req, onDelta)
	}

	streamed := false
	resp, err := a.primary.StreamCompletion(ctx, req, func(delta string) error {
		streamed = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil || a.fallback == nil || streamed {
		return resp, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return resp, err
	}
	return a.fallback.StreamCompletion(ctx, req, onDelta)
}
