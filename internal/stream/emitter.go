package stream

import (
	"context"

	"github.com/coachpo/bfxstream/internal/book"
	"github.com/coachpo/bfxstream/internal/schema"
)

// Emitter delivers events to the application. Emit may block; it must return when ctx ends.
type Emitter interface {
	Emit(ctx context.Context, evt schema.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, evt schema.Event) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, evt schema.Event) error { return f(ctx, evt) }

// ChanEmitter delivers events on a channel, blocking while it is full.
type ChanEmitter chan<- schema.Event

// Emit sends evt unless ctx ends first.
func (c ChanEmitter) Emit(ctx context.Context, evt schema.Event) error {
	select {
	case c <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BookObserver is told about every book that passed a checksum verification.
type BookObserver interface {
	BookVerified(subID string, snapshot book.Snapshot)
}

type discard struct{}

func (discard) Emit(context.Context, schema.Event) error { return nil }
