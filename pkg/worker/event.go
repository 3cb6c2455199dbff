package worker

import "encoding/json"

// Metadata keys read by DefaultCodec.
const (
	MetadataProvider  = "provider"
	MetadataEvent     = "event"
	MetadataRequestID = "request_id"
)

// Event is a broker message as seen by a Handler.
type Event struct {
	ID       string
	Provider string
	Type     string
	Topic    string
	Metadata map[string]string
	Payload  json.RawMessage
}

// RequestID returns the ingress request id carried in the metadata, if any.
func (e *Event) RequestID() string {
	if e == nil {
		return ""
	}
	return e.Metadata[MetadataRequestID]
}
