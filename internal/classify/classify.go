package classify

import (
	"fmt"
	"regexp"
	"strings"

	"harvester/internal/config"
)

// Kind is the retry-relevant category of a failure.
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindUnknown   Kind = "unknown"
)

// ParseKind converts a configured kind name.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindTransient:
		return KindTransient, nil
	case KindPermanent:
		return KindPermanent, nil
	case KindUnknown:
		return KindUnknown, nil
	default:
		return "", fmt.Errorf("classify: unknown kind %q", value)
	}
}

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error is a classified failure.
type Error struct {
	Kind        Kind
	Message     string
	MatchedRule string
}

func (e Error) Error() string {
	if e.MatchedRule == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.MatchedRule, e.Message)
}

// Rule matches diagnostic text. When Pattern has a named group "id" the
// captured value is appended to the rule name in Error.MatchedRule.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Kind    Kind
}

// Classifier evaluates rules in registration order.
type Classifier struct {
	rules []Rule
}

// New builds a classifier over rules in the given order.
func New(rules ...Rule) *Classifier {
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Classifier{rules: copied}
}

// NewDefault builds a classifier over DefaultRules.
func NewDefault() *Classifier {
	return New(DefaultRules()...)
}

// NewFromConfig builds a classifier whose configured rules run before the
// defaults.
func NewFromConfig(cfg *config.Config) (*Classifier, error) {
	if cfg == nil {
		return NewDefault(), nil
	}
	rules := make([]Rule, 0, len(cfg.Classifier.Rules)+len(defaultRuleSpecs))
	for _, spec := range cfg.Classifier.Rules {
		pattern, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %q: %w", spec.Name, err)
		}
		kind, err := ParseKind(spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %q: %w", spec.Name, err)
		}
		rules = append(rules, Rule{Name: spec.Name, Pattern: pattern, Kind: kind})
	}
	rules = append(rules, DefaultRules()...)
	return New(rules...), nil
}

// Rules returns a copy of the registered rules.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify runs the rules against diagnostic and returns the first match, or
// KindUnknown.
func (c *Classifier) Classify(diagnostic string) Error {
	message := strings.TrimSpace(diagnostic)
	if c == nil {
		return Error{Kind: KindUnknown, Message: message}
	}
	for _, rule := range c.rules {
		if rule.Pattern == nil {
			continue
		}
		match := rule.Pattern.FindStringSubmatch(message)
		if match == nil {
			continue
		}
		name := rule.Name
		if idx := rule.Pattern.SubexpIndex("id"); idx > 0 && idx < len(match) && match[idx] != "" {
			name += ":" + match[idx]
		}
		return Error{Kind: rule.Kind, Message: message, MatchedRule: name}
	}
	return Error{Kind: KindUnknown, Message: message}
}
