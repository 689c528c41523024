package filestore

import (
	"context"
	"io"
	"sync"
)

// InlineEmitter is an in-process source for deployments that emit activity
// events directly (and for tests). Emit blocks when the buffer is full, so
// producers cannot outrun the single consumer worker unboundedly.
type InlineEmitter struct {
	events chan *Event
	done   chan struct{}
	once   sync.Once
}

var _ Source = (*InlineEmitter)(nil)

// NewInlineEmitter creates an emitter with the given buffer size.
func NewInlineEmitter(buffer int) *InlineEmitter {
	if buffer < 0 {
		buffer = 0
	}

	return &InlineEmitter{
		events: make(chan *Event, buffer),
		done:   make(chan struct{}),
	}
}

// Emit queues one event. Emitting after Close reports io.EOF.
func (e *InlineEmitter) Emit(ctx context.Context, event *Event) error {
	select {
	case <-e.done:
		return io.EOF
	default:
	}

	select {
	case e.events <- event:
		return nil
	case <-e.done:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next blocks for the next emitted event. After Close, buffered events are
// still delivered before io.EOF.
func (e *InlineEmitter) Next(ctx context.Context) (*Event, error) {
	select {
	case event := <-e.events:
		return event, nil
	default:
	}

	select {
	case event := <-e.events:
		return event, nil
	case <-e.done:
		select {
		case event := <-e.events:
			return event, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the emitter.
func (e *InlineEmitter) Close() error {
	e.once.Do(func() { close(e.done) })

	return nil
}
