package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Logger provides leveled logging with redaction support.
// It is safe for concurrent use.
type Logger struct {
	debug bool
	out   io.Writer
	mu    sync.Mutex

	infoPrefix  string
	warnPrefix  string
	errorPrefix string
	debugPrefix string
}

// New creates a new logger instance writing to stderr
func New(debug, noColor bool) *Logger {
	return NewWithWriter(os.Stderr, debug, noColor)
}

// NewWithWriter creates a logger that writes to w.
func NewWithWriter(w io.Writer, debug, noColor bool) *Logger {
	l := &Logger{debug: debug, out: w}
	l.infoPrefix = paint(color.FgGreen, "✓", noColor)
	l.warnPrefix = paint(color.FgYellow, "⚠", noColor)
	l.errorPrefix = paint(color.FgRed, "✗", noColor)
	l.debugPrefix = paint(color.FgCyan, "[DEBUG]", noColor)
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewWithWriter(io.Discard, false, true)
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func paint(attr color.Attribute, s string, noColor bool) string {
	c := color.New(attr)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c.Sprint(s)
}

// DebugEnabled reports whether debug messages are emitted.
func (l *Logger) DebugEnabled() bool {
	return l.debug
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(l.infoPrefix, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(l.warnPrefix, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(l.errorPrefix, format, args...)
}

// Debug logs a debug message if debug mode is enabled
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.write(l.debugPrefix, format, args...)
}

func (l *Logger) write(prefix, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.out, "%s %s\n", prefix, msg)
}

// Secret represents a value that should be redacted in logs
type Secret string

// String implements the Stringer interface, always returning a redacted value
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements the GoStringer interface for %#v formatting
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// Redact replaces sensitive values in a string with [REDACTED]
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		if secret != "" && len(secret) > 3 { // Only redact non-trivial secrets
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}
