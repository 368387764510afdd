package debuginfo

import (
	"encoding/binary"

	"github.com/pbdebug/pbd/internal/pbderr"
)

// DWARF-2 location expression opcodes this core understands. The original
// implementation only ever needs an absolute address for globals and a
// frame-base-relative offset (plus the base-pointer register convention
// that produces the frame base itself), so the decoder below stops there
// rather than growing a general DWARF expression machine.
const (
	opAddr  = 0x03
	opReg6  = 0x56
	opBreg6 = 0x76
	opFbreg = 0x91
)

// loc is a decoded location: either an absolute address (global storage) or
// an offset from the function's frame base (local storage).
type loc struct {
	isFrameRel bool
	addr       uint64
	frameOff   int64
}

// decodeSingleLoc decodes a single, non-list DWARF-2 location expression:
// the form DW_AT_location and DW_AT_frame_base take when the compiler
// (Clang, in particular) emits a single direct-register expression rather
// than a loclist offset into .debug_loc.
func decodeSingleLoc(instr []byte, ptrSz int, name string) (loc, error) {
	if len(instr) == 0 {
		return loc{}, &pbderr.UnsupportedLocationError{Variable: name}
	}
	switch instr[0] {
	case opAddr:
		if len(instr) < 1+ptrSz {
			return loc{}, &pbderr.UnsupportedLocationError{Variable: name}
		}
		var addr uint64
		if ptrSz == 8 {
			addr = binary.LittleEndian.Uint64(instr[1:9])
		} else {
			addr = uint64(binary.LittleEndian.Uint32(instr[1:5]))
		}
		return loc{addr: addr}, nil
	case opFbreg:
		off, _, ok := decodeSLEB128(instr[1:])
		if !ok {
			return loc{}, &pbderr.UnsupportedLocationError{Variable: name}
		}
		return loc{isFrameRel: true, frameOff: off}, nil
	case opReg6:
		// DW_OP_reg6: the frame base IS the base pointer, offset zero.
		return loc{isFrameRel: true, frameOff: 0}, nil
	case opBreg6:
		off, _, ok := decodeSLEB128(instr[1:])
		if !ok {
			return loc{}, &pbderr.UnsupportedLocationError{Variable: name}
		}
		return loc{isFrameRel: true, frameOff: off}, nil
	default:
		return loc{}, &pbderr.UnsupportedLocationError{Variable: name}
	}
}

// dwarf2Entry is one record of a raw .debug_loc location list, as emitted by
// GCC under -gdwarf-2: a PC range paired with the DWARF expression that is
// valid across that range.
type dwarf2Entry struct {
	lowPC, highPC uint64
	instr         []byte
}

// dwarf2Reader walks the raw bytes of a .debug_loc section starting at a
// given offset, one entry at a time, mirroring delve's
// pkg/dwarf/loclist Dwarf2Reader. Go's standard library debug/dwarf only
// understands the DWARF5 loclist encoding, so this core reads the legacy
// section directly.
type dwarf2Reader struct {
	data  []byte
	cur   int
	ptrSz int
}

func newDwarf2Reader(data []byte, off int, ptrSz int) *dwarf2Reader {
	return &dwarf2Reader{data: data, cur: off, ptrSz: ptrSz}
}

func (r *dwarf2Reader) oneAddr() (uint64, bool) {
	if r.cur+r.ptrSz > len(r.data) {
		return 0, false
	}
	var v uint64
	if r.ptrSz == 8 {
		v = binary.LittleEndian.Uint64(r.data[r.cur : r.cur+8])
	} else {
		v = uint64(binary.LittleEndian.Uint32(r.data[r.cur : r.cur+4]))
	}
	r.cur += r.ptrSz
	return v, true
}

// maxAddr is the base-address-selection sentinel: a low-pc entry with every
// bit set indicates the following high-pc is a new base address, not a
// range end. Not needed for non-PIE executables (the only target this core
// supports) but retained for entries a compiler may still emit.
func (r *dwarf2Reader) maxAddr() uint64 {
	if r.ptrSz == 8 {
		return ^uint64(0)
	}
	return uint64(^uint32(0))
}

// next returns the next entry in the list, or ok=false at the terminating
// zero/zero pair or on malformed input.
func (r *dwarf2Reader) next() (dwarf2Entry, bool) {
	for {
		low, ok := r.oneAddr()
		if !ok {
			return dwarf2Entry{}, false
		}
		high, ok := r.oneAddr()
		if !ok {
			return dwarf2Entry{}, false
		}
		if low == 0 && high == 0 {
			return dwarf2Entry{}, false
		}
		if low == r.maxAddr() {
			// Base address selection entry; skip, no relocation needed for
			// a statically linked non-PIE target.
			continue
		}
		if r.cur+2 > len(r.data) {
			return dwarf2Entry{}, false
		}
		n := int(binary.LittleEndian.Uint16(r.data[r.cur : r.cur+2]))
		r.cur += 2
		if r.cur+n > len(r.data) {
			return dwarf2Entry{}, false
		}
		instr := r.data[r.cur : r.cur+n]
		r.cur += n
		return dwarf2Entry{lowPC: low, highPC: high, instr: instr}, true
	}
}

// decodeLoclistOffset resolves a DW_AT_location/DW_AT_frame_base attribute
// that is a .debug_loc section offset (an integer, per DWARF2, rather than
// a block). It picks the entry covering funcLow (the function's entry
// point), which is sufficient: GCC emits one entry per lexical scope the
// variable is live across, and every watched variable here is live across
// its entire owning function at -O0.
func decodeLoclistOffset(secData []byte, off int, ptrSz int, funcLow uint64, name string) (loc, error) {
	r := newDwarf2Reader(secData, off, ptrSz)
	for {
		e, ok := r.next()
		if !ok {
			return loc{}, &pbderr.UnsupportedLocationError{Variable: name}
		}
		if funcLow >= e.lowPC && funcLow < e.highPC {
			return decodeSingleLoc(e.instr, ptrSz, name)
		}
	}
}

// decodeSLEB128 decodes a signed little-endian base-128 value, as used for
// DW_OP_fbreg and DW_OP_breg6 operands. Returns the value, the number of
// bytes consumed, and whether decoding succeeded.
func decodeSLEB128(b []byte) (int64, int, bool) {
	var result int64
	var shift uint
	var i int
	for {
		if i >= len(b) {
			return 0, 0, false
		}
		byte7 := b[i]
		i++
		result |= int64(byte7&0x7f) << shift
		shift += 7
		if byte7&0x80 == 0 {
			if shift < 64 && byte7&0x40 != 0 {
				result |= -1 << shift
			}
			break
		}
	}
	return result, i, true
}

// decodeULEB128 decodes an unsigned little-endian base-128 value.
func decodeULEB128(b []byte) (uint64, int, bool) {
	var result uint64
	var shift uint
	var i int
	for {
		if i >= len(b) {
			return 0, 0, false
		}
		byte7 := b[i]
		i++
		result |= uint64(byte7&0x7f) << shift
		if byte7&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, i, true
}
