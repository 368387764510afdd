// Package breakpoint manages software breakpoints (the single-byte 0xCC
// INT3 trap) placed at DWARF line-table statement-start addresses.
//
// It knows nothing about ptrace itself: callers supply a Memory
// implementation (the tracer package's Tracer satisfies it structurally)
// so this package stays a pure map of address to original byte, the same
// separation delve draws between pkg/proc/breakpoints.go's BreakpointMap
// and the actual ptrace calls in pkg/proc/native.
package breakpoint

import (
	"sort"

	"github.com/pbdebug/pbd/internal/debuginfo"
	"github.com/pbdebug/pbd/internal/logflags"
	"github.com/pbdebug/pbd/internal/pbderr"
)

// trapInstr is the x86/x86-64 INT3 opcode this core overwrites a
// statement-start byte with.
const trapInstr = 0xCC

// Memory is the subset of tracer.Tracer this package needs: word-granular
// peek/poke of the tracee's address space, matching what PTRACE_PEEKDATA
// and PTRACE_POKEDATA actually operate on.
type Memory interface {
	ReadWord(addr uint64) (uint64, error)
	WriteWord(addr uint64, word uint64) error
}

// Stepper lets StepOver single-step the tracee past a just-hit breakpoint
// with the trap byte temporarily removed.
type Stepper interface {
	SingleStep() error
}

// Breakpoint is one armed trap: the address it overwrote and the byte that
// was there before, needed to restore the instruction stream exactly.
type Breakpoint struct {
	Addr     uint64
	Line     int
	origByte byte
	armed    bool
}

// TrapAddress recovers the address a trap actually fired at from the PC
// reported just after an INT3: the CPU leaves RIP one byte past the
// breakpoint's address.
func TrapAddress(pc uint64) uint64 { return pc - 1 }

// Table is the set of breakpoints currently known, keyed by address, the
// Go analogue of bp_createlist/bp_list_free's linked list.
type Table struct {
	byAddr map[uint64]*Breakpoint
}

// NewTable returns an empty breakpoint table.
func NewTable() *Table {
	return &Table{byAddr: make(map[uint64]*Breakpoint)}
}

// Find returns the breakpoint at addr, if any, the Go analogue of
// bp_findbreakpoint.
func (t *Table) Find(addr uint64) (*Breakpoint, bool) {
	bp, ok := t.byAddr[addr]
	return bp, ok
}

// All returns every breakpoint in the table, sorted by address, for
// deterministic iteration (logging, tests).
func (t *Table) All() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(t.byAddr))
	for _, bp := range t.byAddr {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Set inserts a software breakpoint at addr: it records the original byte
// and overwrites it with an INT3. The Go analogue of bp_createbreakpoint
// plus bp_insertbreakpoint.
func (t *Table) Set(m Memory, addr uint64, line int) (*Breakpoint, error) {
	if _, exists := t.byAddr[addr]; exists {
		return nil, &pbderr.BreakpointExistsError{Addr: addr}
	}
	word, err := m.ReadWord(addr)
	if err != nil {
		return nil, &pbderr.MemoryAccessError{Addr: addr, Err: err}
	}
	orig := byte(word)
	if err := m.WriteWord(addr, (word&^0xff)|trapInstr); err != nil {
		return nil, &pbderr.MemoryAccessError{Addr: addr, Write: true, Err: err}
	}
	bp := &Breakpoint{Addr: addr, Line: line, origByte: orig, armed: true}
	t.byAddr[addr] = bp
	if logflags.Breakpoint() {
		logflags.BreakpointLogger().WithField("addr", addr).Debug("breakpoint set")
	}
	return bp, nil
}

// CreateAt is the idempotent counterpart to Set: used for the function's
// return-address breakpoint, which a recursive call re-arms at the same
// address on every re-entry. An existing breakpoint at addr is left
// untouched rather than reported as an error.
func (t *Table) CreateAt(m Memory, addr uint64) (*Breakpoint, error) {
	if bp, exists := t.byAddr[addr]; exists {
		return bp, nil
	}
	return t.Set(m, addr, 0)
}

// ArmAll sets a breakpoint at every address in addrs, keyed to the line
// number lineOf maps that address to, as produced by BuildLineBreakpoints.
func (t *Table) ArmAll(m Memory, addrs []uint64, lineOf map[uint64]int) error {
	for _, addr := range addrs {
		if _, err := t.Set(m, addr, lineOf[addr]); err != nil {
			return err
		}
	}
	return nil
}

// Remove restores the original byte at bp.Addr and drops it from the
// table.
func (t *Table) Remove(m Memory, bp *Breakpoint) error {
	if !bp.armed {
		return nil
	}
	word, err := m.ReadWord(bp.Addr)
	if err != nil {
		return &pbderr.MemoryAccessError{Addr: bp.Addr, Err: err}
	}
	if err := m.WriteWord(bp.Addr, (word&^0xff)|uint64(bp.origByte)); err != nil {
		return &pbderr.MemoryAccessError{Addr: bp.Addr, Write: true, Err: err}
	}
	bp.armed = false
	delete(t.byAddr, bp.Addr)
	return nil
}

// StepOver temporarily restores the original instruction at bp, single
// steps the tracee across it, and re-arms the trap. Callers use this after
// a breakpoint fires and the tracee's PC has been rewound to bp.Addr via
// TrapAddress, mirroring bp_skipbreakpoint's restore/step/rearm sequence.
func StepOver(m Memory, s Stepper, bp *Breakpoint) error {
	word, err := m.ReadWord(bp.Addr)
	if err != nil {
		return &pbderr.MemoryAccessError{Addr: bp.Addr, Err: err}
	}
	if err := m.WriteWord(bp.Addr, (word&^0xff)|uint64(bp.origByte)); err != nil {
		return &pbderr.MemoryAccessError{Addr: bp.Addr, Write: true, Err: err}
	}
	if err := s.SingleStep(); err != nil {
		return err
	}
	word, err = m.ReadWord(bp.Addr)
	if err != nil {
		return &pbderr.MemoryAccessError{Addr: bp.Addr, Err: err}
	}
	return m.WriteWord(bp.Addr, (word&^0xff)|trapInstr)
}

// BuildLineBreakpoints reduces a function's line table to the addresses
// that should carry a breakpoint: every statement-start address, except
// that when avoidEqualStatements is set, only the first address seen for
// a given line number is kept, so that a line reached a second time by a
// different statement (e.g. a loop back-edge sharing a line number with
// its own header) does not produce a second, redundant trap at a
// different address for the same source line.
//
// The returned addresses are sorted ascending; lineOf maps each returned
// address back to its source line.
func BuildLineBreakpoints(lines []debuginfo.Line, avoidEqualStatements bool) (addrs []uint64, lineOf map[uint64]int) {
	lineOf = make(map[uint64]int, len(lines))
	seenLine := make(map[int]bool, len(lines))
	for _, l := range lines {
		if l.Kind&debuginfo.BeginStmt == 0 || l.Kind&debuginfo.EndSequence != 0 {
			continue
		}
		if avoidEqualStatements {
			if seenLine[l.LineNo] {
				continue
			}
			seenLine[l.LineNo] = true
		}
		if _, dup := lineOf[l.Addr]; dup {
			continue
		}
		addrs = append(addrs, l.Addr)
		lineOf[l.Addr] = l.LineNo
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs, lineOf
}
