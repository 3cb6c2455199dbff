package worker

import "context"

// Handler processes one decoded event. A nil error acks the message; any
// other error is passed to the worker's RetryPolicy.
type Handler func(ctx context.Context, evt *Event) error

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// chain applies mw so that mw[0] is the outermost wrapper.
func chain(h Handler, mw []Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
