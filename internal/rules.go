package internal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Filter modes of a rule.
const (
	FilterInclude = "include"
	FilterExclude = "exclude"
)

// Rule filters or rewrites pushes. Absent keys are nil; an empty template is
// meaningful and removes the corresponding URL.
type Rule struct {
	Filter        *string `yaml:"filter" json:"filter,omitempty"`
	Repository    *string `yaml:"repository" json:"repository,omitempty"`
	Branch        *string `yaml:"branch" json:"branch,omitempty"`
	Username      *string `yaml:"username" json:"username,omitempty"`
	Channel       *string `yaml:"channel" json:"channel,omitempty"`
	RepositoryURL *string `yaml:"repository_url" json:"repository_url,omitempty"`
	BranchURL     *string `yaml:"branch_url" json:"branch_url,omitempty"`
	CommitURL     *string `yaml:"commit_url" json:"commit_url,omitempty"`
}

// Route is the outcome of rule evaluation for a push that was not dropped.
type Route struct {
	Push     PushEvent
	Username string
	Channel  string
}

type compiledRule struct {
	include bool
	exclude bool

	repository *regexp.Regexp
	branch     *regexp.Regexp

	username *string
	channel  *string

	repositoryURL *urlTemplate
	branchURL     *urlTemplate
	commitURL     *urlTemplate
}

// RuleEngine evaluates an ordered rule list. It holds no per-push state and is
// safe for concurrent use.
type RuleEngine struct {
	rules  []compiledRule
	logger zerolog.Logger
}

// NewRuleEngine compiles rules. Any invalid rule yields a *RulesError.
func NewRuleEngine(rules []Rule, logger zerolog.Logger) (*RuleEngine, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		c, err := compileRule(i, rule)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, c)
	}
	return &RuleEngine{rules: compiled, logger: logger}, nil
}

// ApplyRules compiles rules and applies them to push in one step.
func ApplyRules(push PushEvent, rules []Rule, username, channel string) (Route, bool, error) {
	engine, err := NewRuleEngine(rules, zerolog.Nop())
	if err != nil {
		return Route{}, false, err
	}
	route, ok := engine.Apply(push, username, channel)
	return route, ok, nil
}

// Len returns the number of compiled rules.
func (e *RuleEngine) Len() int {
	return len(e.rules)
}

// Apply runs the rules in order against a copy of push, starting from the
// given username and channel. It returns false when the push is dropped.
func (e *RuleEngine) Apply(push PushEvent, username, channel string) (Route, bool) {
	branch, ok := push.Branch()
	if !ok {
		e.logger.Info().Str("ref", push.Ref).Msg("push is not to a branch; no message generated")
		return Route{}, false
	}

	push = push.Clone()
	repo := push.Repository.FullName

	for i, rule := range e.rules {
		allMatch := true

		if rule.repository != nil {
			matched := rule.repository.MatchString(repo)
			allMatch = allMatch && matched
			if rule.dropsOn(matched) {
				e.logger.Info().Int("rule", i).Str("repository", repo).Msg("push filtered by repository")
				return Route{}, false
			}
		}

		if rule.branch != nil {
			matched := rule.branch.MatchString(branch)
			allMatch = allMatch && matched
			if rule.dropsOn(matched) {
				e.logger.Info().Int("rule", i).Str("branch", branch).Msg("push filtered by branch")
				return Route{}, false
			}
		}

		if !allMatch {
			continue
		}

		if rule.username != nil {
			username = *rule.username
		}
		if rule.channel != nil {
			channel = *rule.channel
		}
		if rule.repositoryURL != nil {
			push.Repository.URL = rule.repositoryURL.expand(map[string]string{
				"repository": repo,
			})
		}
		if rule.branchURL != nil {
			push.URL = rule.branchURL.expand(map[string]string{
				"repository": repo,
				"branch":     branch,
			})
		}
		if rule.commitURL != nil {
			for j := range push.Commits {
				push.Commits[j].URL = rule.commitURL.expand(map[string]string{
					"repository": repo,
					"branch":     branch,
					"commit":     push.Commits[j].ID,
				})
			}
		}
	}

	return Route{Push: push, Username: username, Channel: channel}, true
}

func (r compiledRule) dropsOn(matched bool) bool {
	return (matched && r.exclude) || (!matched && r.include)
}

func compileRule(index int, rule Rule) (compiledRule, error) {
	var c compiledRule

	if rule.Filter != nil {
		switch *rule.Filter {
		case FilterInclude:
			c.include = true
		case FilterExclude:
			c.exclude = true
		default:
			return c, &RulesError{Index: index, Reason: fmt.Sprintf("filter must be include or exclude, got %q", *rule.Filter)}
		}
	}

	var err error
	if c.repository, err = compilePattern(index, "repository", rule.Repository); err != nil {
		return c, err
	}
	if c.branch, err = compilePattern(index, "branch", rule.Branch); err != nil {
		return c, err
	}

	c.username = rule.Username
	c.channel = rule.Channel

	if c.repositoryURL, err = compileTemplate(index, "repository_url", rule.RepositoryURL, "repository"); err != nil {
		return c, err
	}
	if c.branchURL, err = compileTemplate(index, "branch_url", rule.BranchURL, "repository", "branch"); err != nil {
		return c, err
	}
	if c.commitURL, err = compileTemplate(index, "commit_url", rule.CommitURL, "repository", "branch", "commit"); err != nil {
		return c, err
	}
	return c, nil
}

// compilePattern anchors the pattern so it must match the whole value.
func compilePattern(index int, key string, pattern *string) (*regexp.Regexp, error) {
	if pattern == nil {
		return nil, nil
	}
	re, err := regexp.Compile(`^(?:` + *pattern + `)$`)
	if err != nil {
		return nil, &RulesError{Index: index, Reason: "invalid " + key + " pattern", Err: err}
	}
	return re, nil
}

func compileTemplate(index int, key string, tmpl *string, fields ...string) (*urlTemplate, error) {
	if tmpl == nil {
		return nil, nil
	}
	t, err := parseTemplate(*tmpl, fields...)
	if err != nil {
		return nil, &RulesError{Index: index, Reason: "invalid " + key + " template", Err: err}
	}
	return t, nil
}

// urlTemplate is a string with {name} placeholders. {{ and }} are literal braces.
type urlTemplate struct {
	parts []templatePart
}

type templatePart struct {
	literal string
	field   string
}

func parseTemplate(s string, fields ...string) (*urlTemplate, error) {
	allowed := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		allowed[f] = struct{}{}
	}

	t := &urlTemplate{}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.parts = append(t.parts, templatePart{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			name := s[i+1 : i+1+end]
			if _, ok := allowed[name]; !ok {
				return nil, fmt.Errorf("unknown placeholder {%s}", name)
			}
			flush()
			t.parts = append(t.parts, templatePart{field: name})
			i += end + 1
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' at offset %d", i)
		default:
			lit.WriteByte(s[i])
		}
	}
	flush()
	return t, nil
}

func (t *urlTemplate) expand(values map[string]string) string {
	var sb strings.Builder
	for _, part := range t.parts {
		if part.field != "" {
			sb.WriteString(values[part.field])
			continue
		}
		sb.WriteString(part.literal)
	}
	return sb.String()
}
