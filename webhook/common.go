package webhook

import (
	"context"
	"net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"gitslack/internal"
)

const zeroSHA = "0000000000000000000000000000000000000000"

// ingress holds what every provider handler needs to publish normalized pushes.
type ingress struct {
	provider  string
	publisher internal.Publisher
	topic     string
	logger    zerolog.Logger
	maxBody   int64
}

func (in *ingress) limitBody(w http.ResponseWriter, r *http.Request) {
	if in.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, in.maxBody)
	}
}

// begin counts the request and returns its id and a request scoped logger.
func (in *ingress) begin(w http.ResponseWriter, r *http.Request, deliveryHeader string) (string, zerolog.Logger) {
	internal.IncRequest(in.provider)
	reqID := requestID(r, deliveryHeader)
	w.Header().Set("X-Request-Id", reqID)
	return reqID, internal.WithRequestID(in.logger, reqID)
}

func (in *ingress) parseFailed(w http.ResponseWriter, logger zerolog.Logger, err error) {
	internal.IncParseError(in.provider)
	logger.Warn().Err(err).Msg("webhook parse failed")
	w.WriteHeader(http.StatusBadRequest)
}

func (in *ingress) ignore(w http.ResponseWriter, logger zerolog.Logger, event string) {
	logger.Debug().Str("event", event).Msg("event ignored")
	w.WriteHeader(http.StatusAccepted)
}

// publish sends every push and answers 503 when any of them could not be
// handed to the broker so the provider redelivers. Nothing is published when
// any push is incomplete.
func (in *ingress) publish(ctx context.Context, w http.ResponseWriter, logger zerolog.Logger, reqID, event string, pushes ...internal.PushEvent) {
	for _, push := range pushes {
		if err := push.Validate(); err != nil {
			internal.IncParseError(in.provider)
			logger.Warn().Err(err).Msg("push payload incomplete")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	failed := false
	for _, push := range pushes {
		err := in.publisher.Publish(ctx, in.topic, internal.Event{
			Provider:  in.provider,
			Name:      event,
			RequestID: reqID,
			Push:      push,
		})
		if err != nil {
			failed = true
			logger.Error().Err(err).Str("topic", in.topic).Msg("publish failed")
			continue
		}
		logger.Info().
			Str("repository", push.Repository.FullName).
			Str("ref", push.Ref).
			Int("commits", len(push.Commits)).
			Msg("push published")
	}
	if failed {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func requestID(r *http.Request, deliveryHeader string) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-Id")); id != "" {
		return id
	}
	if deliveryHeader != "" {
		if id := strings.TrimSpace(r.Header.Get(deliveryHeader)); id != "" {
			return id
		}
	}
	return watermill.NewShortUUID()
}

func branchRef(name string) string {
	return "refs/heads/" + name
}

func tagRef(name string) string {
	return "refs/tags/" + name
}
