package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/webhooks/v6/github"
	"github.com/rs/zerolog"

	"gitslack/internal"
)

// GitHubHandler handles incoming push webhooks from GitHub.
type GitHubHandler struct {
	ingress
	hook         *github.Webhook
	fallbackHook *github.Webhook
	secret       string
}

var githubEvents = []github.Event{
	github.PingEvent,
	github.PushEvent,
}

// NewGitHubHandler creates a new GitHubHandler.
func NewGitHubHandler(secret string, publisher internal.Publisher, topic string, logger zerolog.Logger, maxBody int64) (*GitHubHandler, error) {
	options := make([]github.Option, 0, 1)
	if secret != "" {
		options = append(options, github.Options.Secret(secret))
	}
	hook, err := github.New(options...)
	if err != nil {
		return nil, err
	}
	fallbackHook, err := github.New()
	if err != nil {
		return nil, err
	}
	return &GitHubHandler{
		ingress: ingress{
			provider:  "github",
			publisher: publisher,
			topic:     topic,
			logger:    logger,
			maxBody:   maxBody,
		},
		hook:         hook,
		fallbackHook: fallbackHook,
		secret:       secret,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	reqID, logger := h.begin(w, r, "X-GitHub-Delivery")
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	eventName := r.Header.Get("X-GitHub-Event")
	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil && errors.Is(err, github.ErrMissingHubSignatureHeader) && h.secret != "" {
		sha1Header := r.Header.Get("X-Hub-Signature")
		if sha1Header != "" && verifyGitHubSHA1(h.secret, rawBody, sha1Header) {
			logger.Debug().Msg("accepted sha1 signature")
			r.Body = io.NopCloser(bytes.NewReader(rawBody))
			payload, err = h.fallbackHook.Parse(r, githubEvents...)
		}
	}
	if err != nil {
		if errors.Is(err, github.ErrEventNotFound) {
			h.ignore(w, logger, eventName)
			return
		}
		h.parseFailed(w, logger, err)
		return
	}

	switch pl := payload.(type) {
	case github.PingPayload:
		w.WriteHeader(http.StatusOK)
	case github.PushPayload:
		h.publish(r.Context(), w, logger, reqID, eventName, NormalizeGitHubPush(pl))
	default:
		h.ignore(w, logger, eventName)
	}
}

// NormalizeGitHubPush converts a GitHub push payload into a PushEvent.
func NormalizeGitHubPush(pl github.PushPayload) internal.PushEvent {
	push := internal.PushEvent{
		Ref:     pl.Ref,
		Deleted: pl.Deleted,
		Repository: internal.Repository{
			FullName: pl.Repository.FullName,
			URL:      pl.Repository.HTMLURL,
		},
		Commits: make([]internal.Commit, 0, len(pl.Commits)),
	}
	if branch, ok := push.Branch(); ok && push.Repository.URL != "" {
		push.URL = push.Repository.URL + "/tree/" + branch
	}
	for _, c := range pl.Commits {
		push.Commits = append(push.Commits, internal.Commit{
			ID:      c.ID,
			Message: c.Message,
			Author:  internal.CommitAuthor{Name: c.Author.Name},
			URL:     c.URL,
		})
	}
	return push
}

func verifyGitHubSHA1(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha1=")
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
