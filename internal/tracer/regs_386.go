//go:build 386

package tracer

import sys "golang.org/x/sys/unix"

// ptrSize is 4 on x86: pointers and stack slots are one 4-byte word wide.
const ptrSize = 4

func (tr *Tracer) getRegs() (sys.PtraceRegs, error) {
	var regs sys.PtraceRegs
	err := sys.PtraceGetRegs(tr.Pid, &regs)
	return regs, err
}

func (tr *Tracer) setRegs(regs sys.PtraceRegs) error {
	return sys.PtraceSetRegs(tr.Pid, &regs)
}

func pcOf(r sys.PtraceRegs) uint64          { return uint64(r.Eip) }
func setPCOf(r *sys.PtraceRegs, pc uint64)  { r.Eip = uint32(pc) }
func bpOf(r sys.PtraceRegs) uint64          { return uint64(r.Ebp) }
func spOf(r sys.PtraceRegs) uint64          { return uint64(r.Esp) }
