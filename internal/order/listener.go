package order

import "context"

// EventKind classifies book notifications.
type EventKind string

const (
	EventAccepted  EventKind = "accepted"
	EventTriggered EventKind = "triggered"
	EventFill      EventKind = "fill"
	EventTerminal  EventKind = "terminal"
)

// Event is a state change of one order. Order is a snapshot taken after the
// change; Fill is set for EventFill.
type Event struct {
	Kind  EventKind `json:"kind"`
	Order Order     `json:"order"`
	Fill  *Fill     `json:"fill,omitempty"`
}

// Listener observes order events. Listeners run synchronously while the
// order's lock is held and must not call back into the Book.
type Listener interface {
	OnOrderEvent(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) OnOrderEvent(ctx context.Context, ev Event) { f(ctx, ev) }
