package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/webhooks/v6/bitbucket"
	"github.com/rs/zerolog"

	"gitslack/internal"
)

// BitbucketHandler handles incoming push webhooks from Bitbucket Cloud.
type BitbucketHandler struct {
	ingress
	hook *bitbucket.Webhook
}

var bitbucketEvents = []bitbucket.Event{
	bitbucket.RepoPushEvent,
}

// NewBitbucketHandler creates a new BitbucketHandler. A non-empty uuid is
// checked against the X-Hook-UUID header.
func NewBitbucketHandler(uuid string, publisher internal.Publisher, topic string, logger zerolog.Logger, maxBody int64) (*BitbucketHandler, error) {
	options := make([]bitbucket.Option, 0, 1)
	if uuid != "" {
		options = append(options, bitbucket.Options.UUID(uuid))
	}
	hook, err := bitbucket.New(options...)
	if err != nil {
		return nil, err
	}
	return &BitbucketHandler{
		ingress: ingress{
			provider:  "bitbucket",
			publisher: publisher,
			topic:     topic,
			logger:    logger,
			maxBody:   maxBody,
		},
		hook: hook,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *BitbucketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	reqID, logger := h.begin(w, r, "X-Request-UUID")
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	eventName := r.Header.Get("X-Event-Key")
	if _, err := h.hook.Parse(r, bitbucketEvents...); err != nil {
		if errors.Is(err, bitbucket.ErrEventNotFound) {
			h.ignore(w, logger, eventName)
			return
		}
		h.parseFailed(w, logger, err)
		return
	}

	pushes, err := NormalizeBitbucketPush(rawBody)
	if err != nil {
		h.parseFailed(w, logger, err)
		return
	}
	if len(pushes) == 0 {
		h.ignore(w, logger, eventName)
		return
	}
	h.publish(r.Context(), w, logger, reqID, eventName, pushes...)
}

type bitbucketLinks struct {
	HTML struct {
		Href string `json:"href"`
	} `json:"html"`
}

type bitbucketRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type bitbucketUser struct {
	DisplayName string `json:"display_name"`
}

type bitbucketPushPayload struct {
	Push struct {
		Changes []struct {
			New     *bitbucketRef `json:"new"`
			Old     *bitbucketRef `json:"old"`
			Closed  bool          `json:"closed"`
			Commits []struct {
				Hash    string `json:"hash"`
				Message string `json:"message"`
				Author  struct {
					Raw  string         `json:"raw"`
					User *bitbucketUser `json:"user"`
				} `json:"author"`
				Links bitbucketLinks `json:"links"`
			} `json:"commits"`
		} `json:"changes"`
	} `json:"push"`
	Repository struct {
		FullName string         `json:"full_name"`
		Links    bitbucketLinks `json:"links"`
	} `json:"repository"`
}

// NormalizeBitbucketPush converts a repo:push payload into one PushEvent per
// ref change. Bitbucket lists commits newest first; they are reversed.
func NormalizeBitbucketPush(raw []byte) ([]internal.PushEvent, error) {
	var pl bitbucketPushPayload
	if err := json.Unmarshal(raw, &pl); err != nil {
		return nil, &internal.MalformedEventError{Err: err}
	}

	repoURL := pl.Repository.Links.HTML.Href
	pushes := make([]internal.PushEvent, 0, len(pl.Push.Changes))
	for _, change := range pl.Push.Changes {
		ref := change.New
		deleted := change.Closed || change.New == nil
		if deleted {
			ref = change.Old
		}
		if ref == nil || ref.Name == "" {
			continue
		}

		push := internal.PushEvent{
			Deleted: deleted,
			Repository: internal.Repository{
				FullName: pl.Repository.FullName,
				URL:      repoURL,
			},
			Commits: make([]internal.Commit, 0, len(change.Commits)),
		}
		switch ref.Type {
		case "branch", "named_branch":
			push.Ref = branchRef(ref.Name)
			if repoURL != "" {
				push.URL = repoURL + "/branch/" + ref.Name
			}
		case "tag", "annotated_tag":
			push.Ref = tagRef(ref.Name)
		default:
			continue
		}

		for i := len(change.Commits) - 1; i >= 0; i-- {
			c := change.Commits[i]
			push.Commits = append(push.Commits, internal.Commit{
				ID:      c.Hash,
				Message: c.Message,
				Author:  internal.CommitAuthor{Name: bitbucketAuthorName(c.Author.Raw, c.Author.User)},
				URL:     c.Links.HTML.Href,
			})
		}
		pushes = append(pushes, push)
	}
	return pushes, nil
}

func bitbucketAuthorName(raw string, user *bitbucketUser) string {
	if user != nil && user.DisplayName != "" {
		return user.DisplayName
	}
	if i := strings.Index(raw, "<"); i >= 0 {
		return strings.TrimSpace(raw[:i])
	}
	return strings.TrimSpace(raw)
}
