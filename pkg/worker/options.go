package worker

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
)

// Option configures a Worker.
type Option func(*Worker)

// WithSubscriber sets the broker the worker consumes from.
func WithSubscriber(sub message.Subscriber) Option {
	return func(w *Worker) {
		w.subscriber = sub
	}
}

// WithTopics restricts HandleTopic to the given topics.
func WithTopics(topics ...string) Option {
	return func(w *Worker) {
		for _, topic := range topics {
			if topic != "" {
				w.subscribed[topic] = true
			}
		}
	}
}

// WithConcurrency sets the number of concurrent message processors. With the
// default of one, messages are handled in delivery order.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithCodec replaces DefaultCodec.
func WithCodec(c Codec) Option {
	return func(w *Worker) {
		if c != nil {
			w.codec = c
		}
	}
}

// WithMiddleware wraps every handler registered afterwards. The first
// middleware is the outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(w *Worker) {
		w.middleware = append(w.middleware, mw...)
	}
}

// WithRetry sets how failed messages are settled. The default is Requeue.
func WithRetry(policy RetryPolicy) Option {
	return func(w *Worker) {
		if policy != nil {
			w.retry = policy
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithListener adds a Listener. Listeners run in the order they were added.
func WithListener(listener Listener) Option {
	return func(w *Worker) {
		w.listeners = append(w.listeners, listener)
	}
}
