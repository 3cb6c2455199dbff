package worker

import (
	"context"
	"errors"
)

// Decision settles a message whose handling failed.
type Decision int

const (
	// Ack drops the message.
	Ack Decision = iota
	// Nack asks the broker to redeliver the message.
	Nack
)

func (d Decision) String() string {
	if d == Nack {
		return "nack"
	}
	return "ack"
}

// RetryPolicy decides what happens to a message whose handling failed.
type RetryPolicy interface {
	Decide(ctx context.Context, evt *Event, err error) Decision
}

// Requeue nacks every failure. It is the default policy.
type Requeue struct{}

func (Requeue) Decide(ctx context.Context, evt *Event, err error) Decision {
	return Nack
}

// AckPermanent acks messages whose error can never be fixed by redelivery and
// nacks everything else. Decode errors are always permanent; Permanent
// classifies handler errors.
type AckPermanent struct {
	Permanent func(error) bool
}

func (p AckPermanent) Decide(ctx context.Context, evt *Event, err error) Decision {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return Ack
	}
	if p.Permanent != nil && p.Permanent(err) {
		return Ack
	}
	return Nack
}
