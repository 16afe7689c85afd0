package rewrite

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// defaultMatchTimeout bounds a single regex replacement pass.
const defaultMatchTimeout = 2 * time.Second

// Rule is a single deterministic text substitution applied to every
// non-overlapping occurrence of its pattern.
type Rule interface {
	Name() string
	Apply(text string) (string, error)
}

// LiteralRule replaces an exact string.
type LiteralRule struct {
	name    string
	match   string
	replace string
}

// NewLiteralRule creates a LiteralRule. The replacement must not contain the
// pattern, otherwise a second pass would rewrite it again.
func NewLiteralRule(name, match, replace string) (*LiteralRule, error) {
	if match == "" {
		return nil, fmt.Errorf("rule %q: empty match", name)
	}
	if strings.Contains(replace, match) {
		return nil, fmt.Errorf("rule %q: replacement contains its own pattern", name)
	}
	return &LiteralRule{name: name, match: match, replace: replace}, nil
}

func (r *LiteralRule) Name() string { return r.name }

func (r *LiteralRule) Apply(text string) (string, error) {
	return strings.ReplaceAll(text, r.match, r.replace), nil
}

func (r *LiteralRule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", r.name),
		slog.String("kind", KindLiteral),
		slog.String("match", r.match),
		slog.String("replace", r.replace),
	)
}

// RegexRule replaces every match of a regexp2 pattern. Replacement strings
// may reference groups as $1 or ${name}.
type RegexRule struct {
	name    string
	re      *regexp2.Regexp
	replace string
}

// NewRegexRule compiles pattern and creates a RegexRule.
func NewRegexRule(name, pattern, replace string) (*RegexRule, error) {
	if pattern == "" {
		return nil, fmt.Errorf("rule %q: empty match", name)
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("rule %q: compile %q: %w", name, pattern, err)
	}
	re.MatchTimeout = defaultMatchTimeout
	return &RegexRule{name: name, re: re, replace: replace}, nil
}

func (r *RegexRule) Name() string { return r.name }

func (r *RegexRule) Apply(text string) (string, error) {
	return r.re.Replace(text, r.replace, -1, -1)
}

func (r *RegexRule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", r.name),
		slog.String("kind", KindRegex),
		slog.String("match", r.re.String()),
		slog.String("replace", r.replace),
	)
}
