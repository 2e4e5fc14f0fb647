package messaging

import (
	"errors"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// FanoutPublisher publishes each event to every target in order. A failing
// target does not stop the others; all errors are joined.
type FanoutPublisher struct {
	targets []shared.EventPublisher
}

var _ shared.EventPublisher = (*FanoutPublisher)(nil)

// NewFanoutPublisher skips nil targets.
func NewFanoutPublisher(targets ...shared.EventPublisher) *FanoutPublisher {
	f := &FanoutPublisher{}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

// Publish implements shared.EventPublisher.
func (f *FanoutPublisher) Publish(event shared.Event) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Publish(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
