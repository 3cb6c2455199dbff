package internal

import (
	"fmt"

	"github.com/rs/zerolog"

	"gitslack/pkg/slack"
)

// PushColor is the attachment accent color used for every push message.
const PushColor = "#4183c4"

// Renderer turns an effective push into a chat message.
type Renderer struct {
	logger zerolog.Logger
}

// NewRenderer returns a Renderer that logs through logger.
func NewRenderer(logger zerolog.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// Render builds the message for push. It returns false for branch deletions,
// non-branch refs and pushes without commits.
func (r *Renderer) Render(push PushEvent, username, channel string) (*slack.Message, bool) {
	if push.Deleted {
		r.logger.Info().Str("ref", push.Ref).Msg("push is a delete; no message generated")
		return nil, false
	}
	branch, ok := push.Branch()
	if !ok {
		r.logger.Info().Str("ref", push.Ref).Msg("push is not to a branch; no message generated")
		return nil, false
	}
	if len(push.Commits) == 0 {
		r.logger.Info().Str("ref", push.Ref).Msg("push contains no new commits; no message generated")
		return nil, false
	}

	repoName := push.Repository.FullName
	r.logger.Info().Str("repository", repoName).Str("branch", branch).Msg("push received")

	branchDisplay := linkOrEscape(push.URL, branch)
	repoDisplay := linkOrEscape(push.Repository.URL, repoName)
	summary := commitCountPhrase(len(push.Commits))

	lines := make([]slack.Markup, 0, len(push.Commits))
	for _, commit := range push.Commits {
		lines = append(lines, slack.Sprintf("%s: %s - %s",
			linkOrEscape(commit.URL, commit.Abbrev()),
			commit.Message,
			commit.Author.Name,
		))
	}

	return &slack.Message{
		Username: username,
		Channel:  channel,
		Attachments: []slack.Attachment{{
			Fallback: fmt.Sprintf("[%s:%s] %s", repoName, branch, summary),
			Color:    PushColor,
			Pretext:  slack.Sprintf("[%s:%s] %s:", repoDisplay, branchDisplay, summary),
			Text:     slack.Join(lines, slack.Raw("\n")),
		}},
	}, true
}

func linkOrEscape(url, title string) slack.Markup {
	if url == "" {
		return slack.Escape(title)
	}
	return slack.Link(url, title)
}

func commitCountPhrase(n int) string {
	if n == 1 {
		return "one new commit"
	}
	return fmt.Sprintf("%d new commits", n)
}
