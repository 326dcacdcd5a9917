package source

import (
	"context"
	"errors"

	"github.com/peter-kozarec/helios/pkg/model"
)

// ErrDisconnected signals that the stream dropped and the caller may
// reconnect. Any other error is terminal for the subscription.
var ErrDisconnected = errors.New("tick source disconnected")

// TickSource produces a push stream of trade ticks. Subscribe blocks
// until the context is cancelled or the stream fails, sending every tick
// into out. There are no ordering guarantees across symbols; within a
// symbol ticks are approximately monotonic with a bounded late window.
type TickSource interface {
	Subscribe(ctx context.Context, symbols []model.Symbol, out chan<- model.Tick) error

	// Pausable reports whether a slow consumer may block Subscribe
	// indefinitely without losing data. A non-pausable source forces
	// the pipeline into its drop-oldest policy when the channel fills.
	Pausable() bool
}
