// Package notify delivers order and dividend events to external sinks.
// Delivery is fire-and-forget: a sink that fails logs and counts the failure,
// it never reports back to the engine.
package notify

import (
	"context"

	"github.com/simbroker/ledger-engine/internal/model"
)

// Notifier receives events after an order reaches a terminal state or a
// dividend is credited.
type Notifier interface {
	Notify(ctx context.Context, ev model.OrderEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, model.OrderEvent) {}

// Multi fans an event out to every sink in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev model.OrderEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev model.OrderEvent)

func (f Func) Notify(ctx context.Context, ev model.OrderEvent) { f(ctx, ev) }
