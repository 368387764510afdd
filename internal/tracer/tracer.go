// Package tracer launches a target program under ptrace(2) and exposes the
// small set of operations the rest of this core needs: spawn, wait,
// continue, single-step, and word-granular memory and register access.
//
// It is built directly on golang.org/x/sys/unix's Ptrace* wrappers, the
// same package delve's pkg/proc/native uses for the same syscalls; the
// arch-specific register layout (amd64 vs. 386) lives in regs_amd64.go and
// regs_386.go so the rest of the package stays arch-agnostic.
package tracer

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pbdebug/pbd/internal/logflags"
	"github.com/pbdebug/pbd/internal/pbderr"
	sys "golang.org/x/sys/unix"
)

// Tracer holds the traced child's pid and the pointer width of its
// target architecture (8 for x86-64, 4 for x86).
type Tracer struct {
	Pid     int
	PtrSize int
	cmd     *exec.Cmd
}

// WaitStatus summarizes the outcome of Wait, trimmed to what callers of
// this core act on.
type WaitStatus struct {
	Exited     bool
	ExitCode   int
	Signaled   bool
	StopSignal syscall.Signal
}

// Spawn starts path under ptrace: the child calls PTRACE_TRACEME (via
// SysProcAttr.Ptrace) before execve, so the first Wait below observes the
// SIGTRAP delivered at the successful exec, with the tracee stopped before
// it executes a single instruction of its own code.
func Spawn(path string, args []string) (*Tracer, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	tr := &Tracer{Pid: cmd.Process.Pid, PtrSize: ptrSize, cmd: cmd}
	if _, err := tr.Wait(); err != nil {
		return nil, err
	}
	if logflags.Tracer() {
		logflags.TracerLogger().WithField("pid", tr.Pid).Debug("spawned tracee")
	}
	return tr, nil
}

// Wait blocks until the tracee changes state (stops on a signal, or
// exits) and reports that state.
func (tr *Tracer) Wait() (WaitStatus, error) {
	var ws sys.WaitStatus
	_, err := sys.Wait4(tr.Pid, &ws, 0, nil)
	if err != nil {
		return WaitStatus{}, err
	}
	if ws.Exited() {
		return WaitStatus{Exited: true, ExitCode: ws.ExitStatus()}, nil
	}
	if ws.Signaled() {
		return WaitStatus{Signaled: true}, nil
	}
	if ws.Stopped() {
		return WaitStatus{StopSignal: ws.StopSignal()}, nil
	}
	return WaitStatus{}, nil
}

// Continue resumes the tracee, delivering sig (0 for none) as it resumes.
func (tr *Tracer) Continue(sig int) error {
	return sys.PtraceCont(tr.Pid, sig)
}

// SingleStep executes exactly one instruction in the tracee and blocks
// until it reports the resulting stop, so that callers (breakpoint.StepOver
// in particular) can safely read tracee memory/registers the moment this
// returns.
func (tr *Tracer) SingleStep() error {
	if err := sys.PtraceSingleStep(tr.Pid); err != nil {
		return err
	}
	_, err := tr.Wait()
	return err
}

// ReadWord reads one pointer-sized word from the tracee's address space
// at addr.
func (tr *Tracer) ReadWord(addr uint64) (uint64, error) {
	buf := make([]byte, tr.PtrSize)
	if _, err := sys.PtracePeekData(tr.Pid, uintptr(addr), buf); err != nil {
		return 0, &pbderr.MemoryAccessError{Addr: addr, Err: err}
	}
	return decodeWord(buf), nil
}

// WriteWord writes one pointer-sized word to the tracee's address space
// at addr.
func (tr *Tracer) WriteWord(addr uint64, word uint64) error {
	buf := encodeWord(word, tr.PtrSize)
	if _, err := sys.PtracePokeData(tr.Pid, uintptr(addr), buf); err != nil {
		return &pbderr.MemoryAccessError{Addr: addr, Write: true, Err: err}
	}
	return nil
}

// ReadBytes reads n raw bytes from the tracee's address space starting at
// addr, used by the variable package to fetch every watched value, from
// 1-byte scalars to whole arrays.
func (tr *Tracer) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := sys.PtracePeekData(tr.Pid, uintptr(addr), buf); err != nil {
		return nil, &pbderr.MemoryAccessError{Addr: addr, Err: err}
	}
	return buf, nil
}

// WriteBytes writes raw bytes to the tracee's address space starting at
// addr.
func (tr *Tracer) WriteBytes(addr uint64, data []byte) error {
	if _, err := sys.PtracePokeData(tr.Pid, uintptr(addr), data); err != nil {
		return &pbderr.MemoryAccessError{Addr: addr, Write: true, Err: err}
	}
	return nil
}

// ReadPC returns the tracee's current instruction pointer.
func (tr *Tracer) ReadPC() (uint64, error) {
	r, err := tr.getRegs()
	if err != nil {
		return 0, err
	}
	return pcOf(r), nil
}

// WritePC sets the tracee's instruction pointer, used to rewind past a
// breakpoint's INT3 back to the trapped instruction's own address.
func (tr *Tracer) WritePC(pc uint64) error {
	r, err := tr.getRegs()
	if err != nil {
		return err
	}
	setPCOf(&r, pc)
	return tr.setRegs(r)
}

// ReadBP returns the tracee's current base-pointer register, the runtime
// frame base that a function's FrameBaseOffset is relative to.
func (tr *Tracer) ReadBP() (uint64, error) {
	r, err := tr.getRegs()
	if err != nil {
		return 0, err
	}
	return bpOf(r), nil
}

// ReadSP returns the tracee's current stack-pointer register.
func (tr *Tracer) ReadSP() (uint64, error) {
	r, err := tr.getRegs()
	if err != nil {
		return 0, err
	}
	return spOf(r), nil
}

// ReadReturnAddress reads the caller's return address off the top of the
// stack. Valid only immediately after a function's first instruction, before
// its prologue (push %rbp; mov %rsp,%rbp) has run: call has pushed the
// return address and nothing else, so it sits at the word SP currently
// points to.
func (tr *Tracer) ReadReturnAddress() (uint64, error) {
	sp, err := tr.ReadSP()
	if err != nil {
		return 0, err
	}
	return tr.ReadWord(sp)
}

func decodeWord(buf []byte) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

func encodeWord(word uint64, size int) []byte {
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(word >> (8 * i))
	}
	return buf
}
