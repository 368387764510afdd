//go:build amd64

package tracer

import sys "golang.org/x/sys/unix"

// ptrSize is 8 on x86-64: pointers and stack slots are one 8-byte word
// wide.
const ptrSize = 8

func (tr *Tracer) getRegs() (sys.PtraceRegs, error) {
	var regs sys.PtraceRegs
	err := sys.PtraceGetRegs(tr.Pid, &regs)
	return regs, err
}

func (tr *Tracer) setRegs(regs sys.PtraceRegs) error {
	return sys.PtraceSetRegs(tr.Pid, &regs)
}

func pcOf(r sys.PtraceRegs) uint64       { return r.Rip }
func setPCOf(r *sys.PtraceRegs, pc uint64) { r.Rip = pc }
func bpOf(r sys.PtraceRegs) uint64       { return r.Rbp }
func spOf(r sys.PtraceRegs) uint64       { return r.Rsp }
