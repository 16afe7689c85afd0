// Package rewrite applies an ordered catalog of text substitutions to HTML.
package rewrite

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"html-rewrite-proxy/internal/config"
)

// ErrRewrite wraps any failure raised while applying a rule.
var ErrRewrite = errors.New("rewrite failed")

// Rule kinds, shared with the config file and YAML rule files.
const (
	KindLiteral = config.RuleKindLiteral
	KindRegex   = config.RuleKindRegex
)

// Spec describes a rule as data. It is the element type of YAML rule files.
type Spec struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
}

// DefaultSpecs is the catalog used when no rules are configured.
var DefaultSpecs = []Spec{
	{
		Name:    "format-currency-call",
		Kind:    KindLiteral,
		Match:   "formatCurrency('GBP', '£', '0.00', '{2}{3}')",
		Replace: "formatCurrency('GBP', '£', '1000.00', '{2}{3}')",
	},
	{
		Name:    "zero-balance-literal",
		Kind:    KindRegex,
		Match:   `£0\.00(?!\d)`,
		Replace: "£1000.00",
	},
}

// Engine applies rules in order. It is immutable and safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine creates an Engine from already-built rules.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...)}
}

// Build compiles specs into an Engine.
func Build(specs []Spec) (*Engine, error) {
	rules := make([]Rule, 0, len(specs))
	for i, s := range specs {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}

		var (
			r   Rule
			err error
		)
		switch strings.ToLower(s.Kind) {
		case KindLiteral:
			r, err = NewLiteralRule(name, s.Match, s.Replace)
		case KindRegex:
			r, err = NewRegexRule(name, s.Match, s.Replace)
		default:
			err = fmt.Errorf("rule %q: unknown kind %q", name, s.Kind)
		}
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewEngine(rules...), nil
}

// Load builds the Engine described by the rewrite config: rules from
// rules_file first, then inline [[rewrite.rules]]. With neither present the
// default catalog is used.
func Load(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	var specs []Spec

	if cfg.Rewrite.RulesFile != "" {
		fileSpecs, err := LoadFile(cfg.Rewrite.RulesFile)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fileSpecs...)
	}
	for _, r := range cfg.Rewrite.Rules {
		specs = append(specs, Spec(r))
	}
	if len(specs) == 0 {
		specs = DefaultSpecs
	}

	e, err := Build(specs)
	if err != nil {
		return nil, fmt.Errorf("rewrite: %w", err)
	}

	for _, r := range e.rules {
		logger.Debug("rewrite rule loaded", "rule", r)
	}
	logger.Info("rewrite rules loaded", "count", len(e.rules), "prefix", cfg.Rewrite.PathPrefix)
	return e, nil
}

// LoadFile reads a YAML list of rule specs.
func LoadFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rewrite: read rules file %s: %w", path, err)
	}
	var specs []Spec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("rewrite: syntax error in rules file %s: %w", path, err)
	}
	return specs, nil
}

// Len returns the number of rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Rewrite applies every rule in order. Text outside matched spans is left untouched.
func (e *Engine) Rewrite(html string) (string, error) {
	out := html
	for _, r := range e.rules {
		next, err := r.Apply(out)
		if err != nil {
			return "", fmt.Errorf("%w: rule %q: %w", ErrRewrite, r.Name(), err)
		}
		out = next
	}
	return out, nil
}
