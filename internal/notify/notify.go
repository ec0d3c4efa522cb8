// Package notify turns detected attendance changes into jittered, durable,
// one-shot delayed notifications, and delivers them through a pluggable sink.
package notify

import "context"

// Notification is the outbound payload handed to a sink.
type Notification struct {
	Title    string
	Body     string
	Priority int
}

// Notifier delivers notifications. Delivery is best-effort: failures are
// logged, never retried.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notification) error

func (f Func) Send(ctx context.Context, n Notification) error { return f(ctx, n) }
