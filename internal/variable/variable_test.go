package variable

import (
	"encoding/binary"
	"testing"

	"github.com/pbdebug/pbd/internal/debuginfo"
)

// fakeMemory is a flat byte-addressed stand-in for the tracee's address
// space, keyed by address rather than ptrace word slots since this
// package only ever issues ReadBytes calls.
type fakeMemory struct {
	mem map[uint64][]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{mem: map[uint64][]byte{}} }

func (f *fakeMemory) set(addr uint64, b []byte) { f.mem[addr] = b }

func (f *fakeMemory) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf, ok := f.mem[addr]
	if !ok || len(buf) < n {
		return make([]byte, n), nil
	}
	return append([]byte{}, buf[:n]...), nil
}

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func TestInitializeGlobalScalarIsImmediatelyInitialized(t *testing.T) {
	m := newFakeMemory()
	v := debuginfo.Variable{Name: "counter", Scope: debuginfo.Global, Address: 0x4000, ByteSize: 4, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed}
	m.set(0x4000, le32(7))

	ins := NewInstance(v)
	if err := ins.Initialize(m, 0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !ins.Initialized {
		t.Fatalf("global scalar should be Initialized immediately")
	}

	changes, err := ins.CheckChanges(m, 0)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes on unchanged global, got %v", changes)
	}

	m.set(0x4000, le32(9))
	changes, err = ins.CheckChanges(m, 0)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != Changed || changes[0].Before != "7" || changes[0].After != "9" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestLocalScalarReportsInitializedOnFirstDivergeFromScratch(t *testing.T) {
	m := newFakeMemory()
	v := debuginfo.Variable{Name: "x", Scope: debuginfo.Local, FrameOff: -8, ByteSize: 4, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed}
	frameBase := uint64(0x7fff0000)
	addr := uint64(int64(frameBase) + v.FrameOff)

	garbage := le32(-559038737) // 0xDEADBEEF as signed
	m.set(addr, garbage)

	ins := NewInstance(v)
	if err := ins.Initialize(m, frameBase); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if ins.Initialized {
		t.Fatalf("local scalar must start uninitialized, parked in scratch")
	}

	// Same garbage still sitting in the slot: no change reported yet.
	changes, err := ins.CheckChanges(m, frameBase)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes while value matches scratch, got %v", changes)
	}

	// Program writes a real value.
	m.set(addr, le32(42))
	changes, err = ins.CheckChanges(m, frameBase)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected exactly one Initialized change, got %v", changes)
	}
	if changes[0].Kind != Initialized {
		t.Fatalf("expected Initialized, got %v", changes[0].Kind)
	}
	if changes[0].Before != "0" {
		t.Fatalf("expected zeroed scratch to format as 0, got %q", changes[0].Before)
	}
	if changes[0].After != "42" {
		t.Fatalf("expected After=42, got %q", changes[0].After)
	}
	if !ins.Initialized {
		t.Fatalf("instance should be Initialized after first divergence")
	}

	// Further changes are ordinary Changed transitions.
	m.set(addr, le32(43))
	changes, err = ins.CheckChanges(m, frameBase)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != Changed || changes[0].Before != "42" || changes[0].After != "43" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestLocalScalarNeverDivergingFromScratchReportsNothing(t *testing.T) {
	m := newFakeMemory()
	v := debuginfo.Variable{Name: "y", Scope: debuginfo.Local, FrameOff: -4, ByteSize: 4, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed}
	frameBase := uint64(0x7fff0000)
	addr := uint64(int64(frameBase) + v.FrameOff)
	m.set(addr, le32(0))

	ins := NewInstance(v)
	if err := ins.Initialize(m, frameBase); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	changes, err := ins.CheckChanges(m, frameBase)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes for a local that is actually zero from scratch, got %v", changes)
	}
}

func TestArrayChangesReportPerElementWithIndex(t *testing.T) {
	m := newFakeMemory()
	v := debuginfo.Variable{
		Name: "grid", Scope: debuginfo.Global, Address: 0x5000,
		ByteSize: 3 * 4 * 4, TypeClass: debuginfo.Array,
		ElementSize: 4, ElementType: debuginfo.Scalar, Encoding: debuginfo.Signed,
		Dimensions: 2, DimExtents: [8]int64{3, 4},
	}

	initial := make([]byte, v.ByteSize)
	m.set(0x5000, initial)

	ins := NewInstance(v)
	if err := ins.Initialize(m, 0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !ins.Initialized {
		t.Fatalf("arrays should be Initialized immediately")
	}

	changed := append([]byte{}, initial...)
	// Linear element index 5 -> row 1, col 1 for a [3][4] array.
	copy(changed[5*4:5*4+4], le32(99))
	m.set(0x5000, changed)

	changes, err := ins.CheckChanges(m, 0)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected exactly one element change, got %v", changes)
	}
	c := changes[0]
	if c.Before != "0" || c.After != "99" {
		t.Fatalf("unexpected before/after: %+v", c)
	}
	if len(c.Index) != 2 || c.Index[0] != 1 || c.Index[1] != 1 {
		t.Fatalf("unexpected index: %v", c.Index)
	}
}

func TestIndexFromLinearRowMajorLastFastest(t *testing.T) {
	extents := [8]int64{3, 4}
	cases := []struct {
		linear int64
		want   []int64
	}{
		{0, []int64{0, 0}},
		{1, []int64{0, 1}},
		{4, []int64{1, 0}},
		{5, []int64{1, 1}},
		{11, []int64{2, 3}},
	}
	for _, c := range cases {
		got := indexFromLinear(c.linear, 2, extents)
		if got[0] != c.want[0] || got[1] != c.want[1] {
			t.Errorf("indexFromLinear(%d) = %v, want %v", c.linear, got, c.want)
		}
	}
}

func TestCharScalarAnnotatesPrintableCharacter(t *testing.T) {
	m := newFakeMemory()
	v := debuginfo.Variable{Name: "c", Scope: debuginfo.Global, Address: 0x6000, ByteSize: 1, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed, Char: true}
	m.set(0x6000, []byte{'A'})

	ins := NewInstance(v)
	if err := ins.Initialize(m, 0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.set(0x6000, []byte{'B'})
	changes, err := ins.CheckChanges(m, 0)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected one change, got %v", changes)
	}
	if changes[0].After != "66 'B'" {
		t.Fatalf("unexpected char annotation: %q", changes[0].After)
	}
}

func TestOffmemcmpReturnsMinusOneWhenEqual(t *testing.T) {
	a := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b := append([]byte{}, a...)
	if got := offmemcmp(a, b, 4, len(a)); got != -1 {
		t.Fatalf("got %d, want -1 for identical buffers", got)
	}
}

func TestOffmemcmpReturnsFirstElementAlignedDifferingOffset(t *testing.T) {
	s := 4
	a := make([]byte, 3*s)
	b := append([]byte{}, a...)
	// Differ only inside the second element (linear offset 4..8).
	b[5] = 0xff

	got := offmemcmp(a, b, s, len(a))
	if got != s {
		t.Fatalf("got %d, want %d (second element's aligned offset)", got, s)
	}
	if got%s != 0 {
		t.Fatalf("offset %d is not a multiple of element size %d", got, s)
	}
	// Everything before the returned offset must still be equal.
	for k := 0; k < got; k++ {
		if a[k] != b[k] {
			t.Fatalf("byte %d differs before the reported offset", k)
		}
	}
	// The window at the reported offset must actually differ.
	if wordwiseEqual(a[got:got+s], b[got:got+s]) {
		t.Fatalf("window at reported offset %d does not actually differ", got)
	}
}

func TestOffmemcmpDetectsDifferenceInTrailingSubWordTail(t *testing.T) {
	// Element size smaller than a word, exercising the byte-wise tail path
	// of wordwiseEqual rather than the 8-byte-at-a-time comparisons.
	a := []byte{1, 2}
	b := []byte{1, 9}
	if got := offmemcmp(a, b, 2, 2); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestOffmemcmpScansPastWordBoundary(t *testing.T) {
	// 12 bytes: exercises one full 8-byte word plus a 4-byte tail inside
	// wordwiseEqual's comparison of a single 12-byte element.
	a := make([]byte, 12)
	b := make([]byte, 12)
	b[10] = 0x7f
	if got := offmemcmp(a, b, 12, 12); got != 0 {
		t.Fatalf("got %d, want 0 (the only element, which differs)", got)
	}
}

func TestArrayChangesReportEveryDifferingElementInOneScan(t *testing.T) {
	m := newFakeMemory()
	v := debuginfo.Variable{
		Name: "row", Scope: debuginfo.Global, Address: 0x8000,
		ByteSize: 4 * 4, TypeClass: debuginfo.Array,
		ElementSize: 4, ElementType: debuginfo.Scalar, Encoding: debuginfo.Signed,
		Dimensions: 1, DimExtents: [8]int64{4},
	}
	initial := make([]byte, v.ByteSize)
	m.set(0x8000, initial)

	ins := NewInstance(v)
	if err := ins.Initialize(m, 0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	changed := append([]byte{}, initial...)
	copy(changed[0:4], le32(1))
	copy(changed[3*4:3*4+4], le32(2))
	m.set(0x8000, changed)

	changes, err := ins.CheckChanges(m, 0)
	if err != nil {
		t.Fatalf("CheckChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 element changes, got %v", changes)
	}
	if changes[0].Index[0] != 0 || changes[0].After != "1" {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Index[0] != 3 || changes[1].After != "2" {
		t.Fatalf("unexpected second change: %+v", changes[1])
	}
}

func TestReadValueRejectsUnsupportedSize(t *testing.T) {
	m := newFakeMemory()
	v := debuginfo.Variable{Name: "weird", Scope: debuginfo.Global, Address: 0x7000, ByteSize: 3, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed}
	if _, err := ReadValue(m, v, 0); err == nil {
		t.Fatalf("expected an error for a 3-byte scalar")
	}
}
