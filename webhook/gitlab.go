package webhook

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/webhooks/v6/gitlab"
	"github.com/rs/zerolog"

	"gitslack/internal"
)

// GitLabHandler handles incoming push webhooks from GitLab.
type GitLabHandler struct {
	ingress
	hook *gitlab.Webhook
}

// Tag pushes never render a message, so only branch pushes are parsed.
var gitlabEvents = []gitlab.Event{
	gitlab.PushEvents,
}

// NewGitLabHandler creates a new GitLabHandler.
func NewGitLabHandler(secret string, publisher internal.Publisher, topic string, logger zerolog.Logger, maxBody int64) (*GitLabHandler, error) {
	options := make([]gitlab.Option, 0, 1)
	if secret != "" {
		options = append(options, gitlab.Options.Secret(secret))
	}
	hook, err := gitlab.New(options...)
	if err != nil {
		return nil, err
	}
	return &GitLabHandler{
		ingress: ingress{
			provider:  "gitlab",
			publisher: publisher,
			topic:     topic,
			logger:    logger,
			maxBody:   maxBody,
		},
		hook: hook,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitLabHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	reqID, logger := h.begin(w, r, "X-Gitlab-Event-UUID")
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	eventName := r.Header.Get("X-Gitlab-Event")
	payload, err := h.hook.Parse(r, gitlabEvents...)
	if err != nil {
		if errors.Is(err, gitlab.ErrEventNotFound) {
			h.ignore(w, logger, eventName)
			return
		}
		h.parseFailed(w, logger, err)
		return
	}

	switch pl := payload.(type) {
	case gitlab.PushEventPayload:
		h.publish(r.Context(), w, logger, reqID, eventName, NormalizeGitLabPush(pl))
	default:
		h.ignore(w, logger, eventName)
	}
}

// NormalizeGitLabPush converts a GitLab push hook payload into a PushEvent.
// GitLab marks a deleted branch with an all zero "after" sha.
func NormalizeGitLabPush(pl gitlab.PushEventPayload) internal.PushEvent {
	push := internal.PushEvent{
		Ref:     pl.Ref,
		Deleted: pl.After == zeroSHA,
		Repository: internal.Repository{
			FullName: pl.Project.PathWithNamespace,
			URL:      pl.Project.WebURL,
		},
		Commits: make([]internal.Commit, 0, len(pl.Commits)),
	}
	if branch, ok := push.Branch(); ok && push.Repository.URL != "" {
		push.URL = push.Repository.URL + "/-/tree/" + branch
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
