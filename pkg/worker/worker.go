package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
)

// Worker consumes broker topics and runs one Handler per topic. Messages
// from a topic are handled by at most `concurrency` goroutines at a time;
// with a concurrency of one they are handled in delivery order.
type Worker struct {
	subscriber  message.Subscriber
	codec       Codec
	retry       RetryPolicy
	logger      zerolog.Logger
	concurrency int
	middleware  []Middleware
	listeners   []Listener

	// subscribed is the topic allow-list built by WithTopics; handlers
	// holds the registered topic handlers in registration order.
	subscribed map[string]bool
	handlers   map[string]Handler
	order      []string
}

// New creates a Worker. A subscriber and at least one handled topic are
// required before Run.
func New(opts ...Option) *Worker {
	w := &Worker{
		codec:       DefaultCodec{},
		retry:       Requeue{},
		logger:      zerolog.Nop(),
		concurrency: 1,
		subscribed:  make(map[string]bool),
		handlers:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewFromConfig connects the configured brokers and creates a Worker on top
// of them.
func NewFromConfig(cfg SubscriberConfig, logger zerolog.Logger, opts ...Option) (*Worker, error) {
	sub, err := BuildSubscriber(cfg, logger)
	if err != nil {
		return nil, err
	}
	all := make([]Option, 0, len(opts)+2)
	all = append(all, WithLogger(logger))
	all = append(all, opts...)
	all = append(all, WithSubscriber(sub))
	return New(all...), nil
}

// HandleTopic registers h for topic. When WithTopics was used, topics outside
// that list are refused with a warning. Registering a topic twice replaces
// its handler.
func (w *Worker) HandleTopic(topic string, h Handler) {
	if topic == "" || h == nil {
		return
	}
	if len(w.subscribed) > 0 && !w.subscribed[topic] {
		w.logger.Warn().Str("topic", topic).Msg("refusing handler for unsubscribed topic")
		return
	}
	if _, ok := w.handlers[topic]; !ok {
		w.order = append(w.order, topic)
	}
	w.handlers[topic] = chain(h, w.middleware)
}

// Run subscribes to every handled topic and blocks until ctx is canceled and
// in-flight messages are settled.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("worker: subscriber is required")
	}
	if len(w.order) == 0 {
		return errors.New("worker: no topic handlers registered")
	}
	defer w.each(func(l Listener) {
		if l.OnStopped != nil {
			l.OnStopped(ctx)
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, topic := range w.order {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		w.logger.Info().Str("topic", topic).Int("concurrency", w.concurrency).Msg("subscribed")
		w.each(func(l Listener) {
			if l.OnSubscribed != nil {
				l.OnSubscribed(ctx, topic)
			}
		})

		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			w.consume(ctx, topic, msgs)
		}(topic)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// consume pulls messages off one subscription, bounded by the worker's
// concurrency.
func (w *Worker) consume(ctx context.Context, topic string, msgs <-chan *message.Message) {
	slots := make(chan struct{}, w.concurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		var msg *message.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			msg = m
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			msg.Nack()
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() { <-slots }()
			w.process(ctx, topic, msg)
		}()
	}
}

// Close closes the subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) process(ctx context.Context, topic string, msg *message.Message) {
	evt, err := w.codec.Decode(topic, msg)
	if err != nil {
		w.logger.Error().Err(err).Str("topic", topic).Str("message_uuid", msg.UUID).Msg("undecodable message")
		w.fail(ctx, msg, nil, err)
		return
	}

	logCtx := w.logger.With().Str("topic", topic).Str("provider", evt.Provider).Str("event", evt.Type)
	if id := evt.RequestID(); id != "" {
		logCtx = logCtx.Str("request_id", id)
	}
	logger := logCtx.Logger()

	started := time.Now()
	if err := w.handlers[topic](logger.WithContext(ctx), evt); err != nil {
		logger.Error().Err(err).Msg("handler failed")
		w.fail(ctx, msg, evt, err)
		return
	}
	msg.Ack()

	elapsed := time.Since(started)
	logger.Debug().Dur("elapsed", elapsed).Msg("message handled")
	w.each(func(l Listener) {
		if l.OnHandled != nil {
			l.OnHandled(ctx, evt, elapsed)
		}
	})
}

// fail settles msg according to the retry policy and reports the failure.
func (w *Worker) fail(ctx context.Context, msg *message.Message, evt *Event, err error) {
	decision := w.retry.Decide(ctx, evt, err)
	if decision == Nack {
		msg.Nack()
	} else {
		msg.Ack()
	}
	requeued := decision == Nack
	w.each(func(l Listener) {
		if l.OnFailed != nil {
			l.OnFailed(ctx, evt, err, requeued)
		}
	})
}

func (w *Worker) each(fn func(Listener)) {
	for _, l := range w.listeners {
		fn(l)
	}
}
