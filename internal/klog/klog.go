// Package klog is the kernel's leveled logger. It mirrors
// iansmith-feelings/src/lib/trust/trust.go's mask-based level scheme
// (independently maskable error/warn/info/debug/stats bits, plus an
// unmaskable fatal level) but writes through a Sink interface instead of
// a freestanding fmt.Printf, so the logic is unit-testable against a
// bytes.Buffer instead of requiring a running console.
package klog

import (
	"fmt"
	"os"
)

// Level is one bit of the level mask.
type Level int

const (
	Nothing Level = 0x0
	Error   Level = 0x1
	Warn    Level = 0x2
	Info    Level = 0x4
	Debug   Level = 0x8
	Stats   Level = 0x10
	fatal   Level = 0x80
)

// Sink is anything that can receive a rendered log line. The kernel's
// console driver and tests' bytes.Buffer both satisfy it.
type Sink interface {
	Write(p []byte) (n int, err error)
}

// Exiter halts the system; Fatalf calls it after logging. New installs
// one that calls os.Exit; tests use SetExiter to wire a stub that
// records the call instead of actually halting.
type Exiter interface {
	Exit(code int)
}

type osExiter struct{}

func (osExiter) Exit(code int) { os.Exit(code) }

// Logger holds a mutable level mask and the sink/exiter it writes
// through. The package-level functions below operate on a default
// Logger so call sites don't have to thread one through, matching
// trust.go's package-level API.
type Logger struct {
	mask   Level
	sink   Sink
	exiter Exiter
}

// New returns a Logger with every level enabled, writing to sink.
func New(sink Sink) *Logger {
	return &Logger{
		mask:   Error | Warn | Info | Debug | Stats,
		sink:   sink,
		exiter: osExiter{},
	}
}

// SetExiter overrides the Exiter used by Fatalf, for tests.
func (l *Logger) SetExiter(e Exiter) { l.exiter = e }

// SetLevel installs mask as the new set of enabled non-fatal levels,
// returning the previous mask. Fatal is always enabled regardless of
// mask.
func (l *Logger) SetLevel(mask Level) Level {
	prev := l.mask
	l.mask = mask & (Error | Warn | Info | Debug | Stats)
	return prev
}

// Level returns the current mask.
func (l *Logger) Level() Level { return l.mask }

func (l *Logger) logf(lvl Level, prefix, format string, params ...interface{}) {
	if lvl != fatal && l.mask&lvl == 0 {
		return
	}
	if len(format) == 0 {
		format = "\n"
	} else if format[len(format)-1] != '\n' {
		format += "\n"
	}
	fmt.Fprintf(l.sink, prefix+format, params...)
}

// Errorf logs at Error level.
func (l *Logger) Errorf(format string, params ...interface{}) { l.logf(Error, "ERROR: ", format, params...) }

// Warnf logs at Warn level.
func (l *Logger) Warnf(format string, params ...interface{}) { l.logf(Warn, " WARN: ", format, params...) }

// Infof logs at Info level.
func (l *Logger) Infof(format string, params ...interface{}) { l.logf(Info, " INFO: ", format, params...) }

// Debugf logs at Debug level.
func (l *Logger) Debugf(format string, params ...interface{}) { l.logf(Debug, "DEBUG: ", format, params...) }

// Statsf logs at Stats level, tagged with category.
func (l *Logger) Statsf(category, format string, params ...interface{}) {
	l.logf(Stats, fmt.Sprintf("STATS[%s]: ", category), format, params...)
}

// Fatalf logs unconditionally and then calls the Logger's Exiter with
// code. It never returns when the Exiter actually halts the system.
func (l *Logger) Fatalf(code int, format string, params ...interface{}) {
	l.logf(fatal, "FATAL: ", format, params...)
	l.exiter.Exit(code)
}

// Default is the logger the rest of the kernel uses unless told
// otherwise; cmd/vkernel installs the real console sink over it during
// boot.
var Default = New(discard{})

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func SetSink(s Sink) { Default.sink = s }
func SetLevel(mask Level) Level { return Default.SetLevel(mask) }
func GetLevel() Level { return Default.Level() }
func Errorf(format string, params ...interface{}) { Default.Errorf(format, params...) }
func Warnf(format string, params ...interface{}) { Default.Warnf(format, params...) }
func Infof(format string, params ...interface{}) { Default.Infof(format, params...) }
func Debugf(format string, params ...interface{}) { Default.Debugf(format, params...) }
func Statsf(category, format string, params ...interface{}) { Default.Statsf(category, format, params...) }
func Fatalf(code int, format string, params ...interface{}) { Default.Fatalf(code, format, params...) }
