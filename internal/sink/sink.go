// Package sink delivers dispatch outcomes to Kafka, MongoDB and local files.
package sink

import (
	"context"
	"errors"

	dm "github.com/andrej220/saltdispatch/pkg/shared-models"
)

// Sink receives the outcome of every dispatch.
type Sink interface {
	Publish(ctx context.Context, outcome dm.DispatchOutcome) error
}

// Multi publishes to every sink, even after one fails, and joins the errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, outcome dm.DispatchOutcome) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
