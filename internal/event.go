package internal

import "gitslack/pkg/worker"

// Message metadata keys set on every published push. They are the keys the
// worker codec reads back.
const (
	MetadataProvider  = worker.MetadataProvider
	MetadataEvent     = worker.MetadataEvent
	MetadataRequestID = worker.MetadataRequestID
)

// Event is a normalized push together with where it came from. Only Push is
// carried in the broker payload; the rest travels as message metadata.
type Event struct {
	Provider  string
	Name      string
	RequestID string
	Push      PushEvent
}

// Metadata returns the broker metadata for e.
func (e Event) Metadata() map[string]string {
	md := map[string]string{
		MetadataProvider: e.Provider,
		MetadataEvent:    e.Name,
	}
	if e.RequestID != "" {
		md[MetadataRequestID] = e.RequestID
	}
	return md
}
