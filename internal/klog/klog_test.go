package klog

import (
	"bytes"
	"strings"
	"testing"
)

type recordingExiter struct {
	called bool
	code   int
}

func (r *recordingExiter) Exit(code int) {
	r.called = true
	r.code = code
}

func TestLevelMaskingSuppressesLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(Error | Warn)

	l.Debugf("should not appear")
	l.Errorf("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("Debugf wrote output despite Debug being masked off: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("Errorf did not write output: %q", out)
	}
}

func TestSetLevelReturnsPrevious(t *testing.T) {
	l := New(&bytes.Buffer{})
	l.SetLevel(Error)
	prev := l.SetLevel(Debug)
	if prev != Error {
		t.Errorf("SetLevel returned %v, want %v", prev, Error)
	}
}

func TestFatalfAlwaysLogsAndExits(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(Nothing)
	exiter := &recordingExiter{}
	l.SetExiter(exiter)

	l.Fatalf(7, "kernel panic: %s", "out of memory")

	if !exiter.called {
		t.Fatal("Fatalf did not call Exit")
	}
	if exiter.code != 7 {
		t.Errorf("Exit code = %d, want 7", exiter.code)
	}
	if !strings.Contains(buf.String(), "out of memory") {
		t.Errorf("Fatalf did not log despite Nothing mask: %q", buf.String())
	}
}

func TestStatsfIncludesCategory(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Statsf("pmm", "frames free=%d", 42)

	if !strings.Contains(buf.String(), "STATS[pmm]:") {
		t.Errorf("Statsf did not include category tag: %q", buf.String())
	}
}

func TestAppendsTrailingNewline(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Infof("no newline here")

	if !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("Infof output missing trailing newline: %q", buf.String())
	}
}
