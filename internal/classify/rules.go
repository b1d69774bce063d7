package classify

import "regexp"

type ruleSpec struct {
	name    string
	pattern string
	kind    Kind
}

// Permanent rules come first; "job not found" diagnostics often also mention
// the connection they were reported over.
var defaultRuleSpecs = []ruleSpec{
	{"job_not_found", `(?i)(?:unknown job id|job not found with id)[\s:#]*(?P<id>[A-Za-z0-9_-]+(?:[.:][A-Za-z0-9_-]+)*)`, KindPermanent},
	{"invalid_argument", `(?i)invalid argument|validation failed|malformed`, KindPermanent},
	{"permission_denied", `(?i)permission denied|access denied|forbidden|unauthori[sz]ed`, KindPermanent},
	{"connection_refused", `(?i)connection refused`, KindTransient},
	{"connection_reset", `(?i)connection reset|broken pipe|unexpected eof`, KindTransient},
	{"timeout", `(?i)timed? ?out|deadline exceeded`, KindTransient},
	{"temporarily_unavailable", `(?i)temporar(?:il)?y unavailable|service unavailable|try again`, KindTransient},
	{"too_many_requests", `(?i)too many requests|rate limit`, KindTransient},
	{"database_locked", `(?i)database is locked|sqlite_busy|deadlock detected`, KindTransient},
}

// DefaultRules returns the built-in rule list in evaluation order.
func DefaultRules() []Rule {
	rules := make([]Rule, len(defaultRuleSpecs))
	for i, spec := range defaultRuleSpecs {
		rules[i] = Rule{Name: spec.name, Pattern: regexp.MustCompile(spec.pattern), Kind: spec.kind}
	}
	return rules
}
