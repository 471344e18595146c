package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger that keeps every entry, at every level, for
// assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	level := zap.NewAtomicLevelAt(TraceLevel)
	core, logs := observer.New(level)
	return &TestLogger{
		Logger: &Logger{zap: zap.New(core), config: NewDefaultConfig(), level: level},
		logs:   logs,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// Reset drops the entries seen so far.
func (t *TestLogger) Reset() { t.logs.TakeAll() }

// AssertLogged fails tb unless some entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.logs.FilterLevelExact(level).FilterMessageSnippet(msg).Len() == 0 {
		tb.Errorf("no %s entry containing %q in %d entries", level, msg, t.logs.Len())
	}
}

// AssertField fails tb unless an entry containing msg has key == want,
// after context fields are merged in.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessageSnippet(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	var seen []string
	for _, e := range t.logs.All() {
		if strings.Contains(e.Message, msg) {
			seen = append(seen, e.Message)
		}
	}
	tb.Errorf("no entry containing %q with %s=%v (matching entries: %v)", msg, key, want, seen)
}
