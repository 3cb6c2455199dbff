package slack

import (
	"fmt"
	"io"
	"strings"
)

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Markup is text that is already safe to embed in a Slack message.
// Values are only created through Escape, Raw, Link and the combinators
// below, so escaping happens exactly once.
type Markup struct {
	s string
}

// Escape escapes the control characters Slack interprets in message text.
func Escape(s string) Markup {
	return Markup{s: escaper.Replace(s)}
}

// Raw marks s as safe without escaping it. Use it only for trusted text.
func Raw(s string) Markup {
	return Markup{s: s}
}

// Link renders a Slack link. An empty title produces the bare <url> form.
func Link(url, title string) Markup {
	if title == "" {
		return Sprintf("<%s>", url)
	}
	return Sprintf("<%s|%s>", url, title)
}

// Sprintf formats according to a trusted format string. Markup arguments are
// inserted as they are. Every other argument is formatted with its verb and
// flags first and escaped afterwards.
func Sprintf(format string, args ...any) Markup {
	safe := make([]any, len(args))
	for i, arg := range args {
		switch typed := arg.(type) {
		case Markup:
			safe[i] = typed.s
		case *Markup:
			if typed != nil {
				safe[i] = typed.s
			} else {
				safe[i] = ""
			}
		default:
			safe[i] = escapedArg{v: arg}
		}
	}
	return Markup{s: fmt.Sprintf(format, safe...)}
}

// escapedArg escapes the formatted text of v.
type escapedArg struct {
	v any
}

func (a escapedArg) Format(f fmt.State, verb rune) {
	io.WriteString(f, escaper.Replace(fmt.Sprintf(fmt.FormatString(f, verb), a.v)))
}

// Join concatenates parts with sep between them.
func Join(parts []Markup, sep Markup) Markup {
	values := make([]string, len(parts))
	for i, part := range parts {
		values[i] = part.s
	}
	return Markup{s: strings.Join(values, sep.s)}
}

// Concat appends others to m.
func (m Markup) Concat(others ...Markup) Markup {
	var sb strings.Builder
	sb.WriteString(m.s)
	for _, other := range others {
		sb.WriteString(other.s)
	}
	return Markup{s: sb.String()}
}

func (m Markup) String() string {
	return m.s
}

// IsZero reports whether m holds no text.
func (m Markup) IsZero() bool {
	return m.s == ""
}

func (m Markup) MarshalJSON() ([]byte, error) {
	return encodeJSON(m.s)
}
