package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"harvester/internal/config"
	"harvester/internal/logging"
)

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("hello")

	if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, "harvester.log")); err != nil {
		t.Fatalf("expected log file to be created: %v", err)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{
		Format:           "console",
		Level:            "info",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "dispatcher").Info("job queued",
		logging.String(logging.FieldQueue, "harvest_test"),
		logging.String(logging.FieldJobID, "Harvest:abc"),
		logging.Int(logging.FieldAttempt, 2),
	)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", line)
	}
	if !strings.Contains(line, "dispatcher: [harvest_test Harvest:abc] job queued attempt=2\n") {
		t.Fatalf("expected component and job subject in header, got %q", line)
	}
	if strings.Contains(line, "job_id=") || strings.Contains(line, "queue=") {
		t.Fatalf("subject fields should not repeat as key/values, got %q", line)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "debug",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestJSONLoggerUsesShortKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{
		Format:      "json",
		Level:       "info",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := logging.WithJobID(context.Background(), "Harvest:1")
	ctx = logging.WithQueue(ctx, "harvest_test")
	logging.WithContext(ctx, logger).Warn("careful")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, content)
	}
	if entry["level"] != "warn" || entry["msg"] != "careful" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["job_id"] != "Harvest:1" || entry["queue"] != "harvest_test" {
		t.Fatalf("expected context fields, got %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestContextFields(t *testing.T) {
	if fields := logging.ContextFields(context.Background()); len(fields) != 0 {
		t.Fatalf("expected no fields, got %v", fields)
	}
	ctx := logging.WithHarvestID(context.Background(), "h-1")
	ctx = logging.WithRequestID(ctx, "req-9")
	fields := logging.ContextFields(ctx)
	if !logging.HasAttrKey(fields, logging.FieldHarvestID) || !logging.HasAttrKey(fields, logging.FieldCorrelationID) {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestJSONLoggerAddsContextFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	logger, err := logging.New(logging.Options{
		Format:           "json",
		Level:            "info",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := logging.WithJobID(context.Background(), "HarvestProcess:1")
	ctx = logging.WithRequestID(ctx, "req-9")
	logger.InfoContext(ctx, "from context")
	logger.With(logging.String(logging.FieldJobID, "bound")).InfoContext(ctx, "bound wins")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), content)
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first[logging.FieldJobID] != "HarvestProcess:1" || first[logging.FieldCorrelationID] != "req-9" {
		t.Fatalf("context fields missing: %v", first)
	}
	if _, ok := first["ts"].(string); !ok {
		t.Fatalf("expected ts key, got %v", first)
	}

	if strings.Count(lines[1], `"job_id"`) != 1 || !strings.Contains(lines[1], `"job_id":"bound"`) {
		t.Fatalf("bound job_id should not be duplicated: %s", lines[1])
	}
}

func TestConsoleLoggerHarvestSubject(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-harvest.log")
	logger, err := logging.New(logging.Options{Level: "info", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := logging.WithHarvestID(context.Background(), "h-1")
	logging.NewComponentLogger(logger, "harvest").InfoContext(ctx, "harvest item tracked",
		logging.String(logging.FieldPath, "takes/a b.wav"),
		logging.String(logging.FieldEventType, "item_tracked"),
	)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "harvest: [h-1/takes/a b.wav] harvest item tracked event_type=item_tracked\n") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestConsoleLoggerDebugKeepsSubjectFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug-subject.log")
	logger, err := logging.New(logging.Options{Level: "debug", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.With(logging.String(logging.FieldJobID, "first")).Debug("claimed", logging.String(logging.FieldJobID, "second"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "[first] claimed") || !strings.Contains(line, "job_id=first") {
		t.Fatalf("unexpected line %q", line)
	}
	if strings.Contains(line, "second") {
		t.Fatalf("repeated key should keep the first value, got %q", line)
	}
}
