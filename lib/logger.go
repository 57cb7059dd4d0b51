package lib

import (
	"fmt"
	"testing"
)

type Logger interface {
	Print(a ...any)
	Println(a ...any)
	Printf(format string, a ...any)
}

type NoLog struct{}

func (l *NoLog) Print(a ...any)                 {}
func (l *NoLog) Println(a ...any)               {}
func (l *NoLog) Printf(format string, a ...any) {}

// prefixLogger prepends a fixed tag to every line sent to the parent logger
type prefixLogger struct {
	parent Logger
	prefix string
}

// WithPrefix returns a logger tagging every line with prefix.
// A nil parent returns a logger discarding everything.
func WithPrefix(parent Logger, prefix string) Logger {
	if parent == nil {
		return &NoLog{}
	}
	return &prefixLogger{
		parent: parent,
		prefix: prefix,
	}
}

func (l *prefixLogger) Print(a ...any) {
	l.parent.Print(l.prefix + ": " + fmt.Sprint(a...))
}

func (l *prefixLogger) Println(a ...any) {
	l.parent.Print(l.prefix + ": " + fmt.Sprint(a...))
}

func (l *prefixLogger) Printf(format string, a ...any) {
	l.parent.Printf(l.prefix+": "+format, a...)
}

// Check logs err when it is not nil. It is meant for errors on cleanup paths
// where there is nothing more to do than reporting them.
func Check(logger Logger, err error, format string, a ...any) {
	if err == nil || logger == nil {
		return
	}
	logger.Printf("%s: %s", fmt.Sprintf(format, a...), err)
}

type TestLogger struct {
	t      *testing.T
	prefix string
}

func NewTestLogger(t *testing.T, prefix string) *TestLogger {
	return &TestLogger{
		t:      t,
		prefix: prefix,
	}
}

func (l *TestLogger) Print(a ...any) {
	l.t.Helper()
	if l.prefix == "" {
		l.t.Log(a...)
	} else {
		l.t.Log(append([]any{l.prefix + ":"}, a...)...)
	}
}

func (l *TestLogger) Println(a ...any) {
	l.t.Helper()
	l.Print(a...)
}

func (l *TestLogger) Printf(format string, a ...any) {
	l.t.Helper()
	if l.prefix != "" {
		format = l.prefix + ": " + format
	}
	l.t.Logf(format, a...)
}
