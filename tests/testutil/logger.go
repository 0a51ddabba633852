package testutil

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/systmms/securestore/internal/logging"
)

// TestLogger captures the output of a real logging.Logger so tests can
// check what was logged, in particular that secrets never reach the log.
//
//	tl := testutil.NewTestLogger(t, true)
//	mgr := credential.NewManager(p, credential.ManagerOptions{Logger: tl.Logger})
//	...
//	tl.AssertNotContains(t, "hunter2")
type TestLogger struct {
	*logging.Logger

	buf *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// NewTestLogger returns an uncolored logger writing to memory.
func NewTestLogger(t *testing.T, debug bool) *TestLogger {
	t.Helper()

	buf := &syncBuffer{}
	return &TestLogger{Logger: logging.NewWithWriter(buf, debug, true), buf: buf}
}

// GetOutput returns everything logged since creation or the last Clear.
func (l *TestLogger) GetOutput() string {
	return l.buf.String()
}

// Clear discards captured output.
func (l *TestLogger) Clear() {
	l.buf.Reset()
}

// AssertContains asserts that the log output contains substr.
func (l *TestLogger) AssertContains(t *testing.T, substr string) {
	t.Helper()
	assert.Contains(t, l.GetOutput(), substr, "Expected log output to contain %q", substr)
}

// AssertNotContains asserts that the log output does not contain substr.
func (l *TestLogger) AssertNotContains(t *testing.T, substr string) {
	t.Helper()
	assert.NotContains(t, l.GetOutput(), substr, "Expected log output to NOT contain %q", substr)
}

// AssertLogCount asserts how many lines were logged at level, one of
// "info", "warn", "error" or "debug".
func (l *TestLogger) AssertLogCount(t *testing.T, level string, count int) {
	t.Helper()

	var marker string
	switch level {
	case "info":
		marker = "✓"
	case "warn":
		marker = "⚠"
	case "error":
		marker = "✗"
	case "debug":
		marker = "[DEBUG]"
	default:
		t.Fatalf("Unknown log level: %s", level)
	}

	actual := strings.Count(l.GetOutput(), marker)
	assert.Equal(t, count, actual, "Expected %d %s log messages, got %d", count, level, actual)
}

// Lines returns the non-empty lines of the log output.
func (l *TestLogger) Lines() []string {
	var out []string
	for _, line := range strings.Split(l.GetOutput(), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
