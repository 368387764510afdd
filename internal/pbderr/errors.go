// Package pbderr defines the typed error values returned by the core
// components (DebugInfo, Breakpoints, Tracer, Variables, Analysis, Loop).
//
// Each error kind is its own struct with an Error() method, the same
// struct-per-kind shape delve uses for proc.ProcessExitedError and
// proc.BreakpointExistsError rather than a flat set of sentinel values: the
// structs carry the context (function name, address, size) a caller needs
// to build a diagnostic without re-deriving it.
package pbderr

import "fmt"

// FunctionNotFoundError is returned when no subprogram DIE matches the
// requested function name in any compile unit.
type FunctionNotFoundError struct {
	Name string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function %q not found in debug info", e.Name)
}

// UnsupportedLanguageError is returned when the compile unit containing the
// target function was not built from C89/C/C99/C11.
type UnsupportedLanguageError struct {
	Language string
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("unsupported source language %q: only C89, C, C99 and C11 are supported", e.Language)
}

// PieExecutableError is returned when the target ELF is position
// independent (ET_DYN); this core does not relocate addresses.
type PieExecutableError struct {
	Path string
}

func (e *PieExecutableError) Error() string {
	return fmt.Sprintf("%s is a position-independent executable; recompile with -no-pie", e.Path)
}

// NoFramePointerError is returned when a function's DW_AT_frame_base does
// not resolve to a base-pointer-relative convention.
type NoFramePointerError struct {
	Function string
}

func (e *NoFramePointerError) Error() string {
	return fmt.Sprintf("no frame pointer for function %q; recompile with -fno-omit-frame-pointer -O0 -gdwarf-2", e.Function)
}

// UnsupportedLocationError is returned per-variable when its DW_AT_location
// is a multi-entry location list this core does not evaluate, or an
// unsupported DWARF location operand.
type UnsupportedLocationError struct {
	Variable string
}

func (e *UnsupportedLocationError) Error() string {
	return fmt.Sprintf("variable %q has an unsupported location expression", e.Variable)
}

// UnsupportedVariableSizeError is returned per-variable when its byte size
// is outside the set this core can read in one or two words (1, 2, 4, 8, 16).
type UnsupportedVariableSizeError struct {
	Variable  string
	ByteSize  int64
}

func (e *UnsupportedVariableSizeError) Error() string {
	return fmt.Sprintf("variable %q has unsupported size %d bytes", e.Variable, e.ByteSize)
}

// TraceeGoneError indicates the traced child has exited; the session should
// end gracefully rather than treat this as a failure.
type TraceeGoneError struct {
	Pid    int
	Status int
}

func (e *TraceeGoneError) Error() string {
	return fmt.Sprintf("process %d exited with status %d", e.Pid, e.Status)
}

// MemoryAccessError wraps a failed read or write against the tracee's
// address space.
type MemoryAccessError struct {
	Addr  uint64
	Write bool
	Err   error
}

func (e *MemoryAccessError) Error() string {
	verb := "read"
	if e.Write {
		verb = "write"
	}
	return fmt.Sprintf("memory %s failed at %#x: %v", verb, e.Addr, e.Err)
}

func (e *MemoryAccessError) Unwrap() error { return e.Err }

// AnalysisUnavailableError is returned when static analysis was requested
// but the source file could not be found or parsed.
type AnalysisUnavailableError struct {
	Source string
	Reason string
}

func (e *AnalysisUnavailableError) Error() string {
	return fmt.Sprintf("static analysis unavailable for %q: %s", e.Source, e.Reason)
}

// ConflictingFlagsError is returned at CLI setup time when mutually
// exclusive flags are both set (e.g. watch-list and ignore-list).
type ConflictingFlagsError struct {
	FlagA, FlagB string
}

func (e *ConflictingFlagsError) Error() string {
	return fmt.Sprintf("flags --%s and --%s are mutually exclusive", e.FlagA, e.FlagB)
}

// BreakpointExistsError is returned when a caller tries to set a second
// breakpoint at an address that already carries one.
type BreakpointExistsError struct {
	Addr uint64
}

func (e *BreakpointExistsError) Error() string {
	return fmt.Sprintf("breakpoint already set at %#x", e.Addr)
}

// NoBreakpointError is returned when a caller refers to a breakpoint at an
// address that carries none.
type NoBreakpointError struct {
	Addr uint64
}

func (e *NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint set at %#x", e.Addr)
}
