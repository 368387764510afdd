// Package logflags controls and provides loggers for the core components.
// It mirrors delve's pkg/logflags: a small set of boolean gates, one per
// concern, each producing a logrus.Entry that is silenced (PanicLevel)
// unless its gate is set. Callers set gates once at startup via Setup.
package logflags

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	debugInfo  bool
	breakpoint bool
	tracer     bool
	session    bool
	analysis   bool

	// dest is where every component logger writes, redirected from the
	// default of os.Stderr by SetOutput (the --log-dest CLI flag).
	dest io.Writer = os.Stderr
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(dest)
	logger := l.WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// SetOutput redirects every component logger's output to w instead of the
// default os.Stderr, the Go analogue of the teacher's --log-dest.
func SetOutput(w io.Writer) { dest = w }

// DebugInfo returns true if the debuginfo package should log.
func DebugInfo() bool { return debugInfo }

// DebugInfoLogger returns a logger for the debuginfo package.
func DebugInfoLogger() *logrus.Entry {
	return makeLogger(debugInfo, logrus.Fields{"layer": "debuginfo"})
}

// Breakpoint returns true if the breakpoint package should log.
func Breakpoint() bool { return breakpoint }

// BreakpointLogger returns a logger for the breakpoint package.
func BreakpointLogger() *logrus.Entry {
	return makeLogger(breakpoint, logrus.Fields{"layer": "breakpoint"})
}

// Tracer returns true if the tracer package should log.
func Tracer() bool { return tracer }

// TracerLogger returns a logger for the tracer package.
func TracerLogger() *logrus.Entry {
	return makeLogger(tracer, logrus.Fields{"layer": "tracer"})
}

// Session returns true if the session package should log.
func Session() bool { return session }

// SessionLogger returns a logger for the session package.
func SessionLogger() *logrus.Entry {
	return makeLogger(session, logrus.Fields{"layer": "session"})
}

// Analysis returns true if the analysis package should log.
func Analysis() bool { return analysis }

// AnalysisLogger returns a logger for the analysis package.
func AnalysisLogger() *logrus.Entry {
	return makeLogger(analysis, logrus.Fields{"layer": "analysis"})
}

// Setup parses a comma-separated list of logging flags (as accepted by the
// --log CLI flag) and configures the package-level gates accordingly.
// An empty string or "" disables all logging. "all" enables every gate.
func Setup(fields string) error {
	debugInfo, breakpoint, tracer, session, analysis = false, false, false, false, false
	if fields == "" {
		return nil
	}
	for _, f := range strings.Split(fields, ",") {
		switch strings.TrimSpace(f) {
		case "all":
			debugInfo, breakpoint, tracer, session, analysis = true, true, true, true, true
		case "debuginfo":
			debugInfo = true
		case "breakpoint":
			breakpoint = true
		case "tracer":
			tracer = true
		case "session":
			session = true
		case "analysis":
			analysis = true
		default:
			return fmt.Errorf("unknown log field %q", f)
		}
	}
	return nil
}

// WriteTestLoggers configures every gate to true; used by tests that want to
// see log output while debugging a failure locally.
func WriteTestLoggers() {
	debugInfo, breakpoint, tracer, session, analysis = true, true, true, true, true
}
