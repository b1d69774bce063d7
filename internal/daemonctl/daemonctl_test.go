package daemonctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"harvester/internal/api"
)

type fakeClient struct {
	mu      sync.Mutex
	results []result
	calls   int
}

type result struct {
	st  *api.DaemonStatus
	err error
}

func (f *fakeClient) Status(context.Context) (*api.DaemonStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return r.st, r.err
}

var apiErr = &api.Error{StatusCode: 500, Message: "boom"}

func unavailable() error {
	return errors.Join(errors.New("GET /api/status"), syscall.ECONNREFUSED)
}

func TestEnsureStartedSkipsLaunchWhenRunning(t *testing.T) {
	client := &fakeClient{results: []result{{st: &api.DaemonStatus{Running: true, PID: 42}}}}
	res, err := EnsureStarted(context.Background(), client, "", LaunchOptions{}, time.Second)
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if res.State != StartStateAlreadyRunning || res.PID != 42 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEnsureStartedPropagatesAPIErrors(t *testing.T) {
	client := &fakeClient{results: []result{{err: &api.Error{StatusCode: 401, Message: "unauthorized"}}}}
	if _, err := EnsureStarted(context.Background(), client, "/bin/true", LaunchOptions{}, time.Second); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestLaunchRequiresExecutable(t *testing.T) {
	if err := Launch(" ", LaunchOptions{}); err == nil {
		t.Fatal("expected error for empty executable")
	}
}

func TestWaitForRunningPollsUntilUp(t *testing.T) {
	client := &fakeClient{results: []result{
		{err: unavailable()},
		{st: &api.DaemonStatus{Running: false}},
		{st: &api.DaemonStatus{Running: true, PID: 7}},
	}}
	st, err := WaitForRunning(context.Background(), client, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForRunning: %v", err)
	}
	if st.PID != 7 || client.calls != 3 {
		t.Fatalf("pid=%d calls=%d", st.PID, client.calls)
	}
}

func TestWaitForRunningTimesOut(t *testing.T) {
	client := &fakeClient{results: []result{{err: unavailable()}}}
	_, err := WaitForRunning(context.Background(), client, 50*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "daemon failed to start") {
		t.Fatalf("expected start failure, got %v", err)
	}
}

func TestStopReportsNotRunning(t *testing.T) {
	client := &fakeClient{results: []result{{err: unavailable()}}}
	if _, err := Stop(context.Background(), client, "", time.Second); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestStopRefusesOwnProcess(t *testing.T) {
	client := &fakeClient{results: []result{{st: &api.DaemonStatus{Running: true, PID: os.Getpid()}}}}
	if _, err := Stop(context.Background(), client, "", time.Second); err == nil || !strings.Contains(err.Error(), "refusing") {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.pid")
	if err := os.WriteFile(good, []byte("1234\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if pid, err := ReadPID(good); err != nil || pid != 1234 {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}

	bad := filepath.Join(dir, "bad.pid")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(bad); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
	if _, err := ReadPID(filepath.Join(dir, "missing.pid")); err == nil {
		t.Fatal("expected error for missing pid file")
	}
}

func TestIsUnavailable(t *testing.T) {
	if !IsUnavailable(unavailable()) {
		t.Fatal("connection refused should be unavailable")
	}
	if IsUnavailable(apiErr) {
		t.Fatal("api errors are not unavailability")
	}
}
