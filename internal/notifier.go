package internal

import (
	"context"

	"github.com/rs/zerolog"

	"gitslack/pkg/slack"
	"gitslack/pkg/worker"
)

// MessageQueue accepts rendered messages for delivery.
type MessageQueue interface {
	Enqueue(msg slack.Message)
}

// Defaults are the username and channel a push starts with before rules apply.
type Defaults struct {
	Username string
	Channel  string
}

// Notifier turns push payloads into queued chat messages.
type Notifier struct {
	engine   *RuleEngine
	renderer *Renderer
	queue    MessageQueue
	defaults Defaults
	logger   zerolog.Logger
}

// NewNotifier wires the rule engine, renderer and delivery queue together.
func NewNotifier(engine *RuleEngine, renderer *Renderer, queue MessageQueue, defaults Defaults, logger zerolog.Logger) *Notifier {
	return &Notifier{
		engine:   engine,
		renderer: renderer,
		queue:    queue,
		defaults: defaults,
		logger:   logger,
	}
}

// Handle decodes a push payload, applies the rules, renders the message and
// queues it. Dropped pushes are not errors; a malformed payload returns a
// *MalformedEventError.
func (n *Notifier) Handle(ctx context.Context, payload []byte) error {
	IncPushReceived()

	push, err := DecodePush(payload)
	if err != nil {
		IncPushDropped("malformed")
		return err
	}

	route, ok := n.engine.Apply(push, n.defaults.Username, n.defaults.Channel)
	if !ok {
		IncPushDropped("rules")
		return nil
	}

	msg, ok := n.renderer.Render(route.Push, route.Username, route.Channel)
	if !ok {
		IncPushDropped("no_message")
		return nil
	}

	n.queue.Enqueue(*msg)
	IncEnqueued()
	n.logger.Debug().
		Str("repository", route.Push.Repository.FullName).
		Str("ref", route.Push.Ref).
		Int("commits", len(route.Push.Commits)).
		Msg("message queued")
	return nil
}

// HandleEvent is the worker handler for push topics.
func (n *Notifier) HandleEvent(ctx context.Context, evt *worker.Event) error {
	return n.Handle(ctx, evt.Payload)
}
