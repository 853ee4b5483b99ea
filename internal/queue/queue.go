// Package queue is the durable, at-least-once message transport between the
// scheduler, the worker fleet, and the consolidators.
package queue

import (
	"context"
	"time"
)

// Queue names. Every message body is JSON; consumers validate the type.
const (
	WorkItems   = "work-items"
	WorkDone    = "work-done"
	Consolidate = "consolidate"
)

// Message is one received queue entry. Body is the JSON payload; receipt is
// implementation state used to ack or nack this specific delivery.
type Message struct {
	ID           string
	Body         []byte
	ReceiveCount int

	receipt string
}

// Queue is a durable at-least-once transport. Receive returns (nil, nil)
// when no message becomes available within wait; an unacked message becomes
// visible again after the implementation's visibility timeout.
type Queue interface {
	Send(ctx context.Context, queue string, body []byte) error
	Receive(ctx context.Context, queue string, wait time.Duration) (*Message, error)
	// Ack removes the message permanently.
	Ack(ctx context.Context, queue string, msg *Message) error
	// Nack makes the message immediately visible for redelivery.
	Nack(ctx context.Context, queue string, msg *Message) error
	Close() error
}
