package internal

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitslack/pkg/slack"
)

func renderDocument(t *testing.T, push PushEvent, username, channel string) map[string]any {
	t.Helper()
	msg, ok := NewRenderer(zerolog.Nop()).Render(push, username, channel)
	require.True(t, ok)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func firstAttachment(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	attachments, ok := doc["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	return attachments[0].(map[string]any)
}

// TestRenderMinimalPush tests the message for a single commit with no urls.
func TestRenderMinimalPush(t *testing.T) {
	doc := renderDocument(t, minimalPush(), "", "")
	assert.NotContains(t, doc, "username")
	assert.NotContains(t, doc, "channel")
	assert.NotContains(t, doc, "text")

	attachment := firstAttachment(t, doc)
	assert.Equal(t, "[testing:master] one new commit", attachment["fallback"])
	assert.Equal(t, "[testing:master] one new commit:", attachment["pretext"])
	assert.Equal(t, "a697150: Test commit - Test Person", attachment["text"])
	assert.Equal(t, PushColor, attachment["color"])
}

// TestRenderLinkedRepository tests that a repository url links the name in the pretext only.
func TestRenderLinkedRepository(t *testing.T) {
	push := minimalPush()
	push.Repository.URL = "http://example.com/testing"

	attachment := firstAttachment(t, renderDocument(t, push, "", ""))
	assert.Equal(t, "[testing:master] one new commit", attachment["fallback"])
	assert.Equal(t, "[<http://example.com/testing|testing>:master] one new commit:", attachment["pretext"])
}

// TestRenderLinkedBranch tests that the branch url is escaped inside the link.
func TestRenderLinkedBranch(t *testing.T) {
	push := minimalPush()
	push.URL = "http://example.com/testing?t=tree&b=master"

	attachment := firstAttachment(t, renderDocument(t, push, "", ""))
	assert.Equal(t, "[testing:master] one new commit", attachment["fallback"])
	assert.Equal(t, "[testing:<http://example.com/testing?t=tree&amp;b=master|master>] one new commit:", attachment["pretext"])
}

// TestRenderLinkedCommit tests that a commit url links the abbreviated id.
func TestRenderLinkedCommit(t *testing.T) {
	push := minimalPush()
	push.Commits[0].URL = "http://example.com/testing?t=commit&c=a697150"

	attachment := firstAttachment(t, renderDocument(t, push, "", ""))
	assert.Equal(t, "<http://example.com/testing?t=commit&amp;c=a697150|a697150>: Test commit - Test Person", attachment["text"])
}

// TestRenderEscapesCommitText tests that commit messages and authors are escaped.
func TestRenderEscapesCommitText(t *testing.T) {
	push := minimalPush()
	push.Commits[0].Message = "Fix <b> & <i>"
	push.Commits[0].Author.Name = "A > B"

	attachment := firstAttachment(t, renderDocument(t, push, "", ""))
	assert.Equal(t, "a697150: Fix &lt;b&gt; &amp; &lt;i&gt; - A &gt; B", attachment["text"])
}

// TestRenderMultipleCommits tests the count phrase and commit ordering.
func TestRenderMultipleCommits(t *testing.T) {
	push := minimalPush()
	push.Commits = append(push.Commits,
		Commit{ID: "124bf239bd5068f647597e5d435557da68edb047", Message: "Second", Author: CommitAuthor{Name: "Other"}},
		Commit{ID: "ffff", Message: "Third", Author: CommitAuthor{Name: "Other"}},
	)

	attachment := firstAttachment(t, renderDocument(t, push, "", ""))
	assert.Equal(t, "[testing:master] 3 new commits", attachment["fallback"])
	assert.Equal(t, "a697150: Test commit - Test Person\n124bf23: Second - Other\nffff: Third - Other", attachment["text"])
}

// TestRenderRouting tests that username and channel are passed through.
func TestRenderRouting(t *testing.T) {
	doc := renderDocument(t, minimalPush(), "testuser", "#mychannel")
	assert.Equal(t, "testuser", doc["username"])
	assert.Equal(t, "#mychannel", doc["channel"])
}

// TestRenderNoMessage tests the pushes that never produce a message.
func TestRenderNoMessage(t *testing.T) {
	renderer := NewRenderer(zerolog.Nop())

	tag := minimalPush()
	tag.Ref = "refs/tags/v1.0"

	deleted := minimalPush()
	deleted.Deleted = true

	empty := minimalPush()
	empty.Commits = nil

	for name, push := range map[string]PushEvent{"tag": tag, "deleted": deleted, "empty": empty} {
		msg, ok := renderer.Render(push, "", "")
		assert.False(t, ok, name)
		assert.Nil(t, msg, name)
	}
}

// TestRenderAfterRules tests the rule engine and renderer together.
func TestRenderAfterRules(t *testing.T) {
	engine := mustEngine(t, Rule{CommitURL: str("http://example.com/{repository}/commit/{commit}")})
	route, ok := engine.Apply(minimalPush(), "", "")
	require.True(t, ok)

	msg, ok := NewRenderer(zerolog.Nop()).Render(route.Push, route.Username, route.Channel)
	require.True(t, ok)
	assert.Equal(t,
		slack.Link("http://example.com/testing/commit/a697150fd92f21ca186ac0f43cdef6000e6c3d2f", "a697150").
			Concat(slack.Raw(": Test commit - Test Person")),
		msg.Attachments[0].Text)
}
