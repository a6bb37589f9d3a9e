// Package agents implements the pipeline as independent workers that talk
// only through the event bus.
//
// A case enters as new_case and flows through
//
//	new_case -> case_triaged -> case_routed -> hospitals_selected | dispatch_list | consultation_ready
//	hospitals_selected -> optimized_hospitals_selected
//	dispatch_list      -> optimized_dispatch_list
//
// The recorder persists every step and closes the case with case_completed.
// Workers keep no per-case state beyond caches they own privately.
package agents

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/carepath/internal/bus"
)

// Worker is a named unit that subscribes to topics once and reacts to
// delivered events.
type Worker interface {
	Name() string
	Subscribe(b *bus.Bus)
	Handle(ctx context.Context, ev bus.Event) error
}

// Register subscribes every worker to b.
func Register(b *bus.Bus, workers ...Worker) {
	for _, w := range workers {
		w.Subscribe(b)
	}
}

// payloadAs extracts a typed payload. Values and non-nil pointers are both
// accepted.
func payloadAs[T any](ev bus.Event) (T, error) {
	switch p := ev.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: topic %s carries %T, want %T", ErrInvalidPayload, ev.Topic, ev.Payload, zero)
}
