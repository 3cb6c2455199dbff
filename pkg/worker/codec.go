package worker

import (
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec turns a broker message into an Event.
type Codec interface {
	Decode(topic string, msg *message.Message) (*Event, error)
}

// DecodeError reports a message the codec could not turn into an Event.
// Redelivering such a message can never succeed.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return "decode message on " + e.Topic + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DefaultCodec requires a JSON payload and reads the provider and event
// name from MetadataProvider and MetadataEvent.
type DefaultCodec struct{}

func (DefaultCodec) Decode(topic string, msg *message.Message) (*Event, error) {
	if !json.Valid(msg.Payload) {
		return nil, &DecodeError{Topic: topic, Err: errors.New("payload is not valid JSON")}
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	return &Event{
		ID:       msg.UUID,
		Provider: msg.Metadata.Get(MetadataProvider),
		Type:     msg.Metadata.Get(MetadataEvent),
		Topic:    topic,
		Metadata: metadata,
		Payload:  json.RawMessage(msg.Payload),
	}, nil
}
