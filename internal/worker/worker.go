// Package worker executes predictions away from the request path, either on
// long-lived in-process workers that each own a loaded model or on one
// short-lived worker process per request.
package worker

import (
	"context"

	"github.com/Brownie44l1/dermascan-api/internal/classifier"
	"github.com/Brownie44l1/dermascan-api/internal/inference"
)

// Predictor is owned by exactly one worker for its whole lifetime.
type Predictor interface {
	Run(ctx context.Context, imagePath string) (*classifier.Result, error)
	Close() error
}

// Dispatcher hands one image path to a worker and waits for its verdict.
type Dispatcher interface {
	Predict(ctx context.Context, imagePath string) (*classifier.Result, error)
	// Ready is the number of workers able to take requests.
	Ready() int
	Close() error
}

func timeoutError(op string, ctx context.Context) error {
	return inference.New(inference.KindTimeout, op, ctx.Err())
}
