package slack

import (
	"bytes"
	"encoding/json"

	slackapi "github.com/slack-go/slack"
)

// Predefined attachment colors understood by Slack.
const (
	ColorGood    = "good"
	ColorWarning = "warning"
	ColorDanger  = "danger"
)

// Message is an incoming-webhook message.
type Message struct {
	// Text is plain text; it is escaped when the message is serialized.
	Text string
	// Username overrides the webhook's default sender name.
	Username string
	// Channel overrides the webhook's default channel.
	Channel     string
	Attachments []Attachment
}

// Attachment is a secondary block of a message.
type Attachment struct {
	// Fallback is the plain-text summary shown by clients that cannot render
	// attachments. It is sent verbatim.
	Fallback  string
	Color     string
	Pretext   Markup
	Author    *Author
	Title     Markup
	TitleLink string
	Text      Markup
	ImageURL  string
}

// Author identifies the author line of an attachment.
type Author struct {
	Name string
	Link string
	Icon string
}

// Webhook converts m to the slack-go incoming-webhook model. Text is escaped
// and markup fields are rendered.
func (m Message) Webhook() *slackapi.WebhookMessage {
	wm := &slackapi.WebhookMessage{
		Text:     Escape(m.Text).String(),
		Username: m.Username,
		Channel:  m.Channel,
	}
	for _, a := range m.Attachments {
		wm.Attachments = append(wm.Attachments, a.attachment())
	}
	return wm
}

func (a Attachment) attachment() slackapi.Attachment {
	att := slackapi.Attachment{
		Fallback:  a.Fallback,
		Color:     a.Color,
		Pretext:   a.Pretext.String(),
		Title:     a.Title.String(),
		TitleLink: a.TitleLink,
		Text:      a.Text.String(),
		ImageURL:  a.ImageURL,
	}
	if a.Author != nil {
		att.AuthorName = a.Author.Name
		att.AuthorLink = a.Author.Link
		att.AuthorIcon = a.Author.Icon
	}
	return att
}

// Encode returns the incoming-webhook payload. <, > and & are written as
// they are, so links and entities reach Slack unchanged.
func (m Message) Encode() ([]byte, error) {
	return encodeJSON(newWebhookPayload(m.Webhook()))
}

// MarshalJSON is Encode. json.Marshal re-escapes HTML characters in the
// result; use Encode or an Encoder with SetEscapeHTML(false) for the wire.
func (m Message) MarshalJSON() ([]byte, error) {
	return m.Encode()
}

// webhookPayload holds the keys of the incoming-webhook contract in contract
// order. slack-go's own tags also emit replace_original, delete_original and
// blocks.
type webhookPayload struct {
	Text        string              `json:"text,omitempty"`
	Username    string              `json:"username,omitempty"`
	Channel     string              `json:"channel,omitempty"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

type attachmentPayload struct {
	Fallback   string `json:"fallback"`
	Color      string `json:"color,omitempty"`
	Pretext    string `json:"pretext,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	AuthorLink string `json:"author_link,omitempty"`
	AuthorIcon string `json:"author_icon,omitempty"`
	Title      string `json:"title,omitempty"`
	TitleLink  string `json:"title_link,omitempty"`
	Text       string `json:"text,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

func newWebhookPayload(wm *slackapi.WebhookMessage) webhookPayload {
	doc := webhookPayload{
		Text:     wm.Text,
		Username: wm.Username,
		Channel:  wm.Channel,
	}
	for _, a := range wm.Attachments {
		doc.Attachments = append(doc.Attachments, attachmentPayload{
			Fallback:   a.Fallback,
			Color:      a.Color,
			Pretext:    a.Pretext,
			AuthorName: a.AuthorName,
			AuthorLink: a.AuthorLink,
			AuthorIcon: a.AuthorIcon,
			Title:      a.Title,
			TitleLink:  a.TitleLink,
			Text:       a.Text,
			ImageURL:   a.ImageURL,
		})
	}
	return doc
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
