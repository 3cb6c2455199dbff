package internal

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func str(s string) *string {
	return &s
}

func minimalPush() PushEvent {
	return PushEvent{
		Ref: "refs/heads/master",
		Commits: []Commit{{
			ID:      "a697150fd92f21ca186ac0f43cdef6000e6c3d2f",
			Message: "Test commit",
			Author:  CommitAuthor{Name: "Test Person"},
		}},
		Repository: Repository{FullName: "testing"},
	}
}

func mustEngine(t *testing.T, rules ...Rule) *RuleEngine {
	t.Helper()
	engine, err := NewRuleEngine(rules, zerolog.Nop())
	require.NoError(t, err)
	return engine
}

// TestRuleEngineNoRules tests that a push passes through unchanged with the defaults.
func TestRuleEngineNoRules(t *testing.T) {
	push := minimalPush()
	route, ok := mustEngine(t).Apply(push, "bot", "#general")
	require.True(t, ok)
	assert.Equal(t, push, route.Push)
	assert.Equal(t, "bot", route.Username)
	assert.Equal(t, "#general", route.Channel)
}

// TestRuleEngineNonBranchRef tests that tag pushes yield nothing.
func TestRuleEngineNonBranchRef(t *testing.T) {
	push := minimalPush()
	push.Ref = "refs/tags/v1.0"
	_, ok := mustEngine(t).Apply(push, "", "")
	assert.False(t, ok)
}

// TestRuleEngineExcludeRepository tests that an exclude rule drops a matching repository.
func TestRuleEngineExcludeRepository(t *testing.T) {
	engine := mustEngine(t, Rule{Filter: str("exclude"), Repository: str("test.*")})
	_, ok := engine.Apply(minimalPush(), "", "")
	assert.False(t, ok)
}

// TestRuleEngineAnchoredMatch tests that patterns must match the whole value.
func TestRuleEngineAnchoredMatch(t *testing.T) {
	cases := []struct {
		pattern string
		keep    bool
	}{
		{pattern: "test", keep: true},
		{pattern: "esting", keep: true},
		{pattern: "testing", keep: false},
		{pattern: "test|testing", keep: false},
		{pattern: "t.*g", keep: false},
	}
	for _, tc := range cases {
		engine := mustEngine(t, Rule{Filter: str("exclude"), Repository: str(tc.pattern)})
		_, ok := engine.Apply(minimalPush(), "", "")
		assert.Equal(t, tc.keep, ok, "pattern %q", tc.pattern)
	}
}

// TestRuleEngineIncludeRequiresEveryDimension tests that an include rule drops the
// push unless every dimension it names matches.
func TestRuleEngineIncludeRequiresEveryDimension(t *testing.T) {
	engine := mustEngine(t, Rule{Filter: str("include"), Repository: str("testing"), Branch: str("develop")})
	_, ok := engine.Apply(minimalPush(), "", "")
	assert.False(t, ok)

	engine = mustEngine(t, Rule{Filter: str("include"), Repository: str("testing"), Branch: str("master")})
	_, ok = engine.Apply(minimalPush(), "", "")
	assert.True(t, ok)
}

// TestRuleEngineExcludeOnAnyDimension tests that an exclude rule drops the push
// when any dimension it names matches.
func TestRuleEngineExcludeOnAnyDimension(t *testing.T) {
	engine := mustEngine(t, Rule{Filter: str("exclude"), Repository: str("other"), Branch: str("master")})
	_, ok := engine.Apply(minimalPush(), "", "")
	assert.False(t, ok)
}

// TestRuleEngineSingleDimension tests that a rule only considers the dimensions it names.
func TestRuleEngineSingleDimension(t *testing.T) {
	push := minimalPush()
	push.Ref = "refs/heads/feature/x"

	engine := mustEngine(t, Rule{Filter: str("exclude"), Repository: str("other")})
	_, ok := engine.Apply(push, "", "")
	assert.True(t, ok)

	engine = mustEngine(t, Rule{Filter: str("exclude"), Branch: str("feature/.*")})
	_, ok = engine.Apply(push, "", "")
	assert.False(t, ok)

	engine = mustEngine(t, Rule{Filter: str("include"), Branch: str("feature/.*")})
	_, ok = engine.Apply(push, "", "")
	assert.True(t, ok)
}

// TestRuleEngineOrderMatters tests that an earlier rejection wins over a later acceptance.
func TestRuleEngineOrderMatters(t *testing.T) {
	engine := mustEngine(t,
		Rule{Filter: str("include"), Repository: str("other")},
		Rule{Filter: str("include"), Repository: str("testing")},
	)
	_, ok := engine.Apply(minimalPush(), "", "")
	assert.False(t, ok)

	engine = mustEngine(t,
		Rule{Filter: str("include"), Repository: str("testing")},
		Rule{Filter: str("exclude"), Repository: str("testing")},
	)
	_, ok = engine.Apply(minimalPush(), "", "")
	assert.False(t, ok)
}

// TestRuleEngineCommitURL tests that a commit url template is expanded for every commit.
func TestRuleEngineCommitURL(t *testing.T) {
	push := minimalPush()
	push.Commits = append(push.Commits, Commit{ID: "124bf239bd5068f647597e5d435557da68edb047"})

	engine := mustEngine(t, Rule{CommitURL: str("http://example.com/{repository}/commit/{commit}")})
	route, ok := engine.Apply(push, "", "")
	require.True(t, ok)
	assert.Equal(t, "http://example.com/testing/commit/a697150fd92f21ca186ac0f43cdef6000e6c3d2f", route.Push.Commits[0].URL)
	assert.Equal(t, "http://example.com/testing/commit/124bf239bd5068f647597e5d435557da68edb047", route.Push.Commits[1].URL)
	assert.Empty(t, push.Commits[0].URL, "input push must not be mutated")
}

// TestRuleEngineURLTemplates tests the repository and branch url templates.
func TestRuleEngineURLTemplates(t *testing.T) {
	engine := mustEngine(t, Rule{
		RepositoryURL: str("https://git.example.com/{repository}"),
		BranchURL:     str("https://git.example.com/{repository}?b={branch}&x={{literal}}"),
	})
	route, ok := engine.Apply(minimalPush(), "", "")
	require.True(t, ok)
	assert.Equal(t, "https://git.example.com/testing", route.Push.Repository.URL)
	assert.Equal(t, "https://git.example.com/testing?b=master&x={literal}", route.Push.URL)
}

// TestRuleEngineEmptyTemplateRemovesURL tests that an empty expansion removes the field.
func TestRuleEngineEmptyTemplateRemovesURL(t *testing.T) {
	push := minimalPush()
	push.URL = "http://example.com/branch"
	push.Repository.URL = "http://example.com/repo"
	push.Commits[0].URL = "http://example.com/commit"

	engine := mustEngine(t, Rule{RepositoryURL: str(""), BranchURL: str(""), CommitURL: str("")})
	route, ok := engine.Apply(push, "", "")
	require.True(t, ok)
	assert.Empty(t, route.Push.URL)
	assert.Empty(t, route.Push.Repository.URL)
	assert.Empty(t, route.Push.Commits[0].URL)
	assert.Equal(t, "http://example.com/branch", push.URL)
}

// TestRuleEngineOverridesOnlyWhenMatching tests that side effects need every named dimension to match.
func TestRuleEngineOverridesOnlyWhenMatching(t *testing.T) {
	engine := mustEngine(t,
		Rule{Repository: str("other"), Username: str("other-bot"), Channel: str("#other")},
		Rule{Repository: str("test.*"), Channel: str("#testing")},
		Rule{Branch: str("master"), Username: str("release-bot")},
	)
	route, ok := engine.Apply(minimalPush(), "bot", "#general")
	require.True(t, ok)
	assert.Equal(t, "release-bot", route.Username)
	assert.Equal(t, "#testing", route.Channel)
}

// TestRuleEngineExcludeNeverAppliesSideEffects tests that a non-matching exclude
// rule with a dimension leaves the route untouched.
func TestRuleEngineExcludeNeverAppliesSideEffects(t *testing.T) {
	engine := mustEngine(t, Rule{Filter: str("exclude"), Repository: str("other"), Channel: str("#other")})
	route, ok := engine.Apply(minimalPush(), "", "#general")
	require.True(t, ok)
	assert.Equal(t, "#general", route.Channel)
}

// TestRuleEngineUnconditionalInclude tests that an include rule without dimensions always applies.
func TestRuleEngineUnconditionalInclude(t *testing.T) {
	engine := mustEngine(t, Rule{Filter: str("include"), Username: str("bot")})
	route, ok := engine.Apply(minimalPush(), "", "")
	require.True(t, ok)
	assert.Equal(t, "bot", route.Username)
}

// TestNewRuleEngineErrors tests that invalid rules are rejected with their index.
func TestNewRuleEngineErrors(t *testing.T) {
	cases := map[string]Rule{
		"filter":          {Filter: str("maybe")},
		"empty filter":    {Filter: str("")},
		"regex":           {Repository: str("(unclosed")},
		"unknown field":   {BranchURL: str("http://x/{commit}")},
		"unterminated":    {CommitURL: str("http://x/{commit")},
		"single brace":    {RepositoryURL: str("http://x/}")},
		"repository only": {RepositoryURL: str("http://x/{branch}")},
	}
	for name, rule := range cases {
		_, err := NewRuleEngine([]Rule{{}, rule}, zerolog.Nop())
		var rulesErr *RulesError
		require.True(t, errors.As(err, &rulesErr), name)
		assert.Equal(t, 1, rulesErr.Index, name)
		assert.True(t, IsPermanent(err), name)
	}
}

// TestApplyRules tests the one-shot helper.
func TestApplyRules(t *testing.T) {
	route, ok, err := ApplyRules(minimalPush(), []Rule{{Channel: str("#dev")}}, "", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "#dev", route.Channel)

	_, ok, err = ApplyRules(minimalPush(), []Rule{{Filter: str("nope")}}, "", "")
	assert.Error(t, err)
	assert.False(t, ok)
}
