package classify_test

import (
	"errors"
	"fmt"
	"regexp"
	"testing"

	"harvester/internal/classify"
	"harvester/internal/config"
)

func TestDefaultRules(t *testing.T) {
	c := classify.NewDefault()
	tests := []struct {
		diagnostic string
		kind       classify.Kind
		rule       string
	}{
		{"dial tcp 10.0.0.4:5432: connect: Connection refused", classify.KindTransient, "connection_refused"},
		{"remote: Unknown Job Id 12345", classify.KindPermanent, "job_not_found:12345"},
		{"...Unknown Job Id 12345...", classify.KindPermanent, "job_not_found:12345"},
		{"worker said: Unknown Job Id 12345.", classify.KindPermanent, "job_not_found:12345"},
		{"Unknown Job Id harvest:h-1.v2, giving up", classify.KindPermanent, "job_not_found:harvest:h-1.v2"},
		{"job not found with id abc-9 (connection refused)", classify.KindPermanent, "job_not_found:abc-9"},
		{"read: connection reset by peer", classify.KindTransient, "connection_reset"},
		{"context deadline exceeded", classify.KindTransient, "timeout"},
		{"upstream: 503 Service Unavailable", classify.KindTransient, "temporarily_unavailable"},
		{"429 Too Many Requests", classify.KindTransient, "too_many_requests"},
		{"database is locked (SQLITE_BUSY)", classify.KindTransient, "database_locked"},
		{"open /harvests/a.wav: permission denied", classify.KindPermanent, "permission_denied"},
		{"invalid argument: sample rate", classify.KindPermanent, "invalid_argument"},
		{"segmentation fault", classify.KindUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.diagnostic, func(t *testing.T) {
			got := c.Classify(tt.diagnostic)
			if got.Kind != tt.kind || got.MatchedRule != tt.rule {
				t.Fatalf("Classify = %+v, want kind=%s rule=%q", got, tt.kind, tt.rule)
			}
			if got.Message != tt.diagnostic {
				t.Fatalf("message = %q", got.Message)
			}
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	c := classify.New(
		classify.Rule{Name: "specific", Pattern: regexp.MustCompile(`refused by policy`), Kind: classify.KindPermanent},
		classify.Rule{Name: "general", Pattern: regexp.MustCompile(`refused`), Kind: classify.KindTransient},
	)
	if got := c.Classify("connection refused by policy"); got.MatchedRule != "specific" || got.Kind != classify.KindPermanent {
		t.Fatalf("unexpected classification %+v", got)
	}
	if got := c.Classify("connection refused"); got.MatchedRule != "general" {
		t.Fatalf("unexpected classification %+v", got)
	}
}

func TestNewFromConfigPrependsRules(t *testing.T) {
	cfg := config.Default()
	cfg.Classifier.Rules = []config.ClassifierRule{
		{Name: "refused_forever", Pattern: `(?i)connection refused`, Kind: "permanent"},
	}
	c, err := classify.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if got := c.Classify("connection refused"); got.Kind != classify.KindPermanent || got.MatchedRule != "refused_forever" {
		t.Fatalf("expected config rule to win, got %+v", got)
	}
	if len(c.Rules()) != len(classify.DefaultRules())+1 {
		t.Fatalf("unexpected rule count %d", len(c.Rules()))
	}

	cfg.Classifier.Rules[0].Kind = "sometimes"
	if _, err := classify.NewFromConfig(&cfg); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestFromErrorMarkers(t *testing.T) {
	c := classify.NewDefault()

	permanent := classify.Permanent(errors.New("connection refused"))
	if got := c.FromError(permanent); got.Kind != classify.KindPermanent || got.MatchedRule != "marker" {
		t.Fatalf("expected marker to override text, got %+v", got)
	}

	transient := fmt.Errorf("probe: %w", classify.Transient(errors.New("weird")))
	if got := c.FromError(transient); got.Kind != classify.KindTransient {
		t.Fatalf("expected transient, got %+v", got)
	}

	wrapped := classify.Wrap(classify.ErrPermanent, "decode", "bad header", nil)
	if got := c.FromError(wrapped); got.Kind != classify.KindPermanent {
		t.Fatalf("expected permanent, got %+v", got)
	}

	plain := errors.New("i/o timeout")
	if got := c.FromError(plain); got.Kind != classify.KindTransient || got.MatchedRule != "timeout" {
		t.Fatalf("expected text classification, got %+v", got)
	}

	pre := classify.Error{Kind: classify.KindPermanent, Message: "x", MatchedRule: "custom"}
	if got := c.FromError(fmt.Errorf("outer: %w", pre)); got != pre {
		t.Fatalf("expected classified error to pass through, got %+v", got)
	}
}

func TestKindRetryable(t *testing.T) {
	if !classify.KindTransient.Retryable() {
		t.Fatal("transient must be retryable")
	}
	if classify.KindPermanent.Retryable() || classify.KindUnknown.Retryable() {
		t.Fatal("only transient is retryable")
	}
}
