package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"harvester/internal/classify"
	"harvester/internal/config"
)

const (
	userAgent       = "Harvester-Go/0.1.0"
	maxArgsInBody   = 512
	breakerCooldown = 30 * time.Second
)

// ErrRateLimited reports a notification dropped by the send rate limit.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// Failure describes a job that reached the failed status.
type Failure struct {
	JobID       string
	OwningClass string
	Queue       string
	Args        json.RawMessage
	Retries     int
	Error       classify.Error
}

// Notifier is the notification surface used by the dispatcher.
type Notifier interface {
	NotifyFailure(ctx context.Context, failure Failure) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notifier backed by ntfy when a topic is configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Notifier {
	if cfg == nil {
		return Noop{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return Noop{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perMinute := cfg.Notifications.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	failures := uint32(cfg.Notifications.BreakerFailures)
	if failures == 0 {
		failures = 5
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ntfy",
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}),
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

func (n *ntfyService) NotifyFailure(ctx context.Context, failure Failure) error {
	return n.send(ctx, formatFailure(failure))
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Harvester - Test",
		message:  "Notification system test",
		tags:     []string{"harvester", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

// formatFailure renders the ntfy title, body and tags for failure.
func formatFailure(failure Failure) payload {
	class := strings.TrimSpace(failure.OwningClass)
	if class == "" {
		class = "job"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed on %s", class, failure.Queue)
	if failure.Error.Kind != "" {
		fmt.Fprintf(&b, " (%s", failure.Error.Kind)
		if failure.Error.MatchedRule != "" {
			fmt.Fprintf(&b, ", %s", failure.Error.MatchedRule)
		}
		b.WriteString(")")
	}
	if failure.Retries > 0 {
		fmt.Fprintf(&b, " after %d retries", failure.Retries)
	}
	b.WriteString(": ")
	if msg := strings.TrimSpace(failure.Error.Message); msg != "" {
		b.WriteString(msg)
	} else {
		b.WriteString("unknown error")
	}
	if failure.JobID != "" {
		b.WriteString("\nJob: ")
		b.WriteString(failure.JobID)
	}
	if args := strings.TrimSpace(string(failure.Args)); args != "" {
		if len(args) > maxArgsInBody {
			args = args[:maxArgsInBody] + "..."
		}
		b.WriteString("\nArgs: ")
		b.WriteString(args)
	}

	tags := []string{"harvester", "failed"}
	if failure.Error.Kind != "" {
		tags = append(tags, string(failure.Error.Kind))
	}
	return payload{
		title:    "Harvester - " + class + " Failed",
		message:  b.String(),
		tags:     tags,
		priority: "high",
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}
	if n.limiter != nil && !n.limiter.Allow() {
		return ErrRateLimited
	}
	if n.breaker == nil {
		return n.post(ctx, data)
	}
	_, err := n.breaker.Execute(func() (any, error) {
		return nil, n.post(ctx, data)
	})
	return err
}

func (n *ntfyService) post(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Noop discards every notification.
type Noop struct{}

func (Noop) NotifyFailure(context.Context, Failure) error { return nil }
func (Noop) TestNotification(context.Context) error       { return nil }
