package logger

import "testing"

func TestFacilityDebugGating(t *testing.T) {
	l := newLogger(discard{})
	fac := l.NewFacility("test", "test facility")

	var got []string
	l.AddHandler(LevelDebug, func(_ LogLevel, msg string) {
		got = append(got, msg)
	})

	fac.Debugln("before enable")
	if len(got) != 0 {
		t.Fatalf("expected no debug output before enabling facility, got %v", got)
	}

	l.SetDebug("test", true)
	fac.Debugln("after enable")
	if len(got) != 1 || got[0] != "after enable" {
		t.Fatalf("expected one debug line, got %v", got)
	}
}

func TestInfoAlwaysHandled(t *testing.T) {
	l := newLogger(discard{})

	var got []string
	l.AddHandler(LevelInfo, func(_ LogLevel, msg string) {
		got = append(got, msg)
	})

	l.Infoln("hello")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected info line to be handled, got %v", got)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
