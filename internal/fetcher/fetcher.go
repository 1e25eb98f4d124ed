package fetcher

import (
	"context"
)

// DispatchFetcher retrieves the latest published dispatch report payload.
type DispatchFetcher interface {
	FetchDispatch(ctx context.Context) (string, error)
}

// PredispatchFetcher retrieves the latest published pre-dispatch report payload.
type PredispatchFetcher interface {
	FetchPredispatch(ctx context.Context) (string, error)
}
