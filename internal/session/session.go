// Package session drives one debugging run end to end: it owns the
// debug-info lookup, the breakpoint table, the tracer, and the stack of
// function contexts, and dispatches each tracee stop to the right
// handler. It is the Go analogue of original_source/src/main.c's
// setup/do_analysis/finish trio, reshaped around owned values instead of
// the original's module-level globals, per spec.md §9's
// "Pointer-graph avoidance" design note.
package session

import (
	"fmt"
	"io"

	"github.com/pbdebug/pbd/internal/analysis"
	"github.com/pbdebug/pbd/internal/breakpoint"
	"github.com/pbdebug/pbd/internal/debuginfo"
	"github.com/pbdebug/pbd/internal/logflags"
	"github.com/pbdebug/pbd/internal/tracer"
	"github.com/pbdebug/pbd/internal/variable"
)

// Ptracer is the subset of tracer.Tracer that Run drives: process control
// (spawn is done by the caller of Run; everything after that goes through
// here), plus the register/memory accessors breakpoint.Memory,
// breakpoint.Stepper and variable.Memory need. Defining it as an interface,
// the same separation breakpoint.Memory/Stepper already draw, lets Run be
// exercised against a fake tracee instead of a real ptraced process.
type Ptracer interface {
	breakpoint.Memory
	breakpoint.Stepper
	variable.Memory

	Wait() (tracer.WaitStatus, error)
	Continue(sig int) error
	ReadPC() (uint64, error)
	WritePC(pc uint64) error
	ReadBP() (uint64, error)
	ReadReturnAddress() (uint64, error)
}

// FunctionContext is one live invocation frame of the target function: a
// fresh set of variable Instances sharing the session's variable
// descriptors, plus the return address that ends this invocation. The Go
// analogue of "struct function" in original_source/src/function.h.
type FunctionContext struct {
	Vars       []*variable.Instance
	ReturnAddr uint64
}

// Config is everything a Session needs to set up and run once, gathered
// from CLI flags and/or internal/config defaults.
type Config struct {
	Executable           string
	Args                 []string
	FunctionName         string
	Filter               debuginfo.Filter
	OnlyGlobals          bool
	OnlyLocals           bool
	AvoidEqualStatements bool
	AnalysisBody         *analysis.BlockStmt // nil disables static analysis
	Output               Output
}

// Session is one configured, not-yet-run debugging session.
type Session struct {
	cfg Config

	di  *debuginfo.DebugInfo
	fn  debuginfo.Function
	tr  Ptracer
	bps *breakpoint.Table

	descriptors []debuginfo.Variable
	lines       []debuginfo.Line

	contexts     []*FunctionContext
	hasEnteredFn bool
}

// New parses debug info for cfg.FunctionName, builds the variable and
// line tables, and computes the breakpoint address set (narrowed by
// static analysis when cfg.AnalysisBody is set), but does not spawn the
// tracee yet. The Go analogue of setup().
func New(cfg Config) (*Session, error) {
	di, err := debuginfo.Open(cfg.Executable)
	if err != nil {
		return nil, err
	}

	fn, err := di.LookupFunction(cfg.FunctionName)
	if err != nil {
		di.Close()
		return nil, err
	}

	// di.LookupFunction already rejected an unsupported compile-unit
	// language (di.langSeen is only ever set once it has); re-checking the
	// resolved Language value here would incorrectly refuse COther, which
	// LookupFunction also accepts for plain DW_LANG_C.

	vars, err := selectVariables(di, fn, cfg)
	if err != nil {
		di.Close()
		return nil, err
	}

	lines, err := di.Lines(fn)
	if err != nil {
		di.Close()
		return nil, err
	}

	s := &Session{
		cfg:         cfg,
		di:          di,
		fn:          fn,
		bps:         breakpoint.NewTable(),
		descriptors: vars,
		lines:       lines,
	}
	s.contexts = []*FunctionContext{s.newContext()}

	if logflags.Session() {
		logflags.SessionLogger().WithFields(map[string]interface{}{
			"function": fn.Name, "vars": len(vars), "lines": len(lines),
		}).Debug("session configured")
	}
	return s, nil
}

// selectVariables applies the only-locals/only-globals scope restriction
// on top of DebugInfo.Variables' Watch/Ignore filter.
func selectVariables(di *debuginfo.DebugInfo, fn debuginfo.Function, cfg Config) ([]debuginfo.Variable, error) {
	switch {
	case cfg.OnlyGlobals && !cfg.OnlyLocals:
		return di.GlobalVariables(cfg.Filter)
	case cfg.OnlyLocals && !cfg.OnlyGlobals:
		return di.LocalVariables(fn, cfg.Filter)
	default:
		return di.Variables(fn, cfg.Filter)
	}
}

// SourceFile returns the DW_AT_comp_dir/DW_AT_name-derived source path for
// the compile unit containing the target function, for callers that need
// to build a source-aware Output (e.g. --show-lines) after New has already
// resolved debug info.
func (s *Session) SourceFile() string { return s.di.SourceFile() }

// SetOutput replaces the configured Output, letting a caller defer
// building a source-reading Output (which needs SourceFile) until after
// New has parsed debug info.
func (s *Session) SetOutput(out Output) { s.cfg.Output = out }

// BreakpointAddresses resolves the final set of addresses to arm: either
// every BeginStmt line (the default strategy) or, when static analysis is
// configured and available, the narrower assignment-bearing subset plus
// the two synthetic entry/last-instruction breakpoints.
func (s *Session) BreakpointAddresses() (addrs []uint64, lineOf map[uint64]int) {
	if s.cfg.AnalysisBody != nil {
		lineNos := analysis.BreakpointLines(s.cfg.AnalysisBody, s.descriptors)
		resolved := analysis.ResolveAddresses(lineNos, s.lines, s.fn)
		lineOf = make(map[uint64]int, len(resolved))
		for _, l := range s.lines {
			if l.Kind&debuginfo.BeginStmt != 0 {
				lineOf[l.Addr] = l.LineNo
			}
		}
		return resolved, lineOf
	}
	return breakpoint.BuildLineBreakpoints(s.lines, s.cfg.AvoidEqualStatements)
}

// newContext returns a fresh context: one Instance per shared descriptor,
// each starting unread. The Go analogue of var_new_context, minus the
// deep metadata copy — descriptors are shared by reference, only mutable
// value slots are per-context, per spec.md §9's "Cyclic function
// contexts" design note.
func (s *Session) newContext() *FunctionContext {
	vars := make([]*variable.Instance, len(s.descriptors))
	for i, d := range s.descriptors {
		vars[i] = variable.NewInstance(d)
	}
	return &FunctionContext{Vars: vars}
}

// Run spawns the tracee and drives the continue/dispatch loop until it
// exits. The Go analogue of do_analysis's main while loop.
func (s *Session) Run() error {
	tr, err := tracer.Spawn(s.cfg.Executable, s.cfg.Args)
	if err != nil {
		return err
	}
	return s.run(tr)
}

// run drives the continue/dispatch loop against an already-spawned
// Ptracer. Split out from Run so tests can exercise the loop's
// entry/return/recursion/statement-hit logic against a fake tracee.
func (s *Session) run(tr Ptracer) error {
	s.tr = tr
	defer s.tr.Continue(0) // best-effort: let a killed/detached tracee run free

	addrs, lineOf := s.BreakpointAddresses()
	if err := s.bps.ArmAll(s.tr, addrs, lineOf); err != nil {
		return err
	}
	if _, err := s.bps.CreateAt(s.tr, s.fn.LowPC); err != nil {
		return err
	}

	if err := s.tr.Continue(0); err != nil {
		return err
	}

	var prevBP *breakpoint.Breakpoint
	initVars := false

	for {
		ws, err := s.tr.Wait()
		if err != nil {
			return err
		}
		if ws.Exited || ws.Signaled {
			return nil
		}

		rawPC, err := s.tr.ReadPC()
		if err != nil {
			return err
		}
		pc := breakpoint.TrapAddress(rawPC)
		bp, ok := s.bps.Find(pc)
		if !ok {
			if err := s.tr.Continue(0); err != nil {
				return err
			}
			continue
		}
		if err := s.tr.WritePC(bp.Addr); err != nil {
			return err
		}

		ctx := s.contexts[len(s.contexts)-1]
		depth := len(s.contexts)

		switch {
		case pc == s.fn.LowPC:
			if s.hasEnteredFn {
				ctx = s.newContext()
				s.contexts = append(s.contexts, ctx)
			}
			s.hasEnteredFn = true

			retAddr, err := s.tr.ReadReturnAddress()
			if err != nil {
				return err
			}
			ctx.ReturnAddr = retAddr
			if _, err := s.bps.CreateAt(s.tr, retAddr); err != nil {
				return err
			}

			if err := breakpoint.StepOver(s.tr, s.tr, bp); err != nil {
				return err
			}
			initVars = true
			if err := s.tr.Continue(0); err != nil {
				return err
			}
			continue

		case pc == ctx.ReturnAddr:
			s.cfg.Output.ReturnFunction(depth)
			if len(s.contexts) > 1 {
				s.contexts = s.contexts[:len(s.contexts)-1]
			}
			if err := breakpoint.StepOver(s.tr, s.tr, bp); err != nil {
				return err
			}
			if err := s.tr.Continue(0); err != nil {
				return err
			}
			continue

		default:
			bpReg, err := s.tr.ReadBP()
			if err != nil {
				return err
			}
			frameBase := uint64(int64(bpReg) + s.fn.FrameBaseOffset)
			if initVars {
				s.cfg.Output.EnterFunction(depth)
				initVars = false
				for _, v := range ctx.Vars {
					if err := v.Initialize(s.tr, frameBase); err != nil {
						logSkip(v, err)
					}
				}
			}
			if prevBP != nil {
				for _, v := range ctx.Vars {
					changes, err := v.CheckChanges(s.tr, frameBase)
					if err != nil {
						logSkip(v, err)
						continue
					}
					for _, c := range changes {
						s.cfg.Output.Change(depth, prevBP.Line, c)
					}
				}
			}
			prevBP = bp
		}

		if err := breakpoint.StepOver(s.tr, s.tr, bp); err != nil {
			return err
		}
		if err := s.tr.Continue(0); err != nil {
			return err
		}
	}
}

func logSkip(v *variable.Instance, err error) {
	if logflags.Session() {
		logflags.SessionLogger().WithFields(map[string]interface{}{
			"variable": v.Var.Name, "err": err,
		}).Debug("skipping variable for this hit")
	}
}

// Close releases the debug info (the ELF file handle); safe to call
// whether or not Run ever started. The tracee is not touched.
func (s *Session) Close() error {
	var err error
	if s.di != nil {
		err = s.di.Close()
	}
	return err
}

// DumpAll prints the resolved variable table, line table, and computed
// breakpoint list without spawning a trace loop, the Go analogue of
// main.c's dump_all. w receives the formatted report.
func (s *Session) DumpAll(w io.Writer) {
	fmt.Fprintf(w, "Filename: %s\n\n", s.di.SourceFile())

	fmt.Fprintf(w, "Variables:\n")
	for _, v := range s.descriptors {
		fmt.Fprintf(w, "  %s (%s, %s, %d bytes)\n", v.Name, v.Scope, typeClassName(v.TypeClass), v.ByteSize)
	}

	fmt.Fprintf(w, "\nLines:\n")
	for _, l := range s.lines {
		fmt.Fprintf(w, "  addr=%#x line=%d\n", l.Addr, l.LineNo)
	}

	addrs, lineOf := s.BreakpointAddresses()
	fmt.Fprintf(w, "\nBreakpoint list:\n")
	for i, a := range addrs {
		fmt.Fprintf(w, "  #%03d line=%03d addr=%#x\n", i, lineOf[a], a)
	}
}

func typeClassName(t debuginfo.TypeClass) string {
	switch t {
	case debuginfo.Scalar:
		return "scalar"
	case debuginfo.Array:
		return "array"
	case debuginfo.Pointer:
		return "pointer"
	case debuginfo.Enum:
		return "enum"
	case debuginfo.Struct:
		return "struct"
	case debuginfo.Union:
		return "union"
	default:
		return "unknown"
	}
}
