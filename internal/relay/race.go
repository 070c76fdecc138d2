package relay

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
)

// PublishResult is the acknowledgement of the relay that accepted an event.
type PublishResult struct {
	Relay   string `json:"relay"`
	EventID string `json:"event_id"`
	Message string `json:"message,omitempty"`
}

// AttemptFunc publishes to one endpoint.
type AttemptFunc func(ctx context.Context, endpoint string) (PublishResult, error)

type outcome struct {
	endpoint string
	res      PublishResult
	err      error
}

// Race runs attempt against every endpoint concurrently and returns the first
// success. Remaining attempts keep running; their results drain into a
// buffered channel nobody reads. When every attempt fails, or ctx ends first,
// the error is a PublishFailure wrapping each endpoint's error.
func Race(ctx context.Context, endpoints []string, attempt AttemptFunc) (PublishResult, error) {
	if len(endpoints) == 0 {
		return PublishResult{}, apperrors.New(apperrors.CodePublishFailure, "no relays configured", nil)
	}

	results := make(chan outcome, len(endpoints))
	for _, ep := range endpoints {
		go func(ep string) {
			res, err := attempt(ctx, ep)
			results <- outcome{endpoint: ep, res: res, err: err}
		}(ep)
	}

	errs := make([]error, 0, len(endpoints))
	for range endpoints {
		select {
		case o := <-results:
			if o.err == nil {
				if o.res.Relay == "" {
					o.res.Relay = o.endpoint
				}
				return o.res, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", o.endpoint, o.err))
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return PublishResult{}, apperrors.New(apperrors.CodePublishFailure, "publish interrupted", errors.Join(errs...))
		}
	}
	return PublishResult{}, apperrors.New(apperrors.CodePublishFailure, "every relay rejected the event", errors.Join(errs...)).
		WithDetail("relays", len(endpoints))
}
