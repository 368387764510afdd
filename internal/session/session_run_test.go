package session

import (
	"encoding/binary"
	"strconv"
	"testing"

	"github.com/pbdebug/pbd/internal/breakpoint"
	"github.com/pbdebug/pbd/internal/debuginfo"
	"github.com/pbdebug/pbd/internal/tracer"
	"github.com/pbdebug/pbd/internal/variable"
)

// fakeStop is one scripted tracee trap: the breakpoint address it represents,
// the register state Run should observe while handling it, and any memory
// writes to apply before the hit is reported (simulating the instructions
// that ran between the previous stop and this one).
type fakeStop struct {
	addr       uint64
	frameBase  uint64
	returnAddr uint64
	writes     map[uint64][]byte
}

// fakeTracer is a scripted Ptracer: Continue/Wait walk a fixed list of
// fakeStops instead of driving a real ptraced process, letting run's
// dispatch loop be exercised without a child process or real ELF binary.
type fakeTracer struct {
	mem   map[uint64]byte
	stops []fakeStop
	idx   int

	pc         uint64
	frameBase  uint64
	returnAddr uint64
}

func newFakeTracer(stops []fakeStop) *fakeTracer {
	return &fakeTracer{mem: make(map[uint64]byte), stops: stops, idx: -1}
}

func (f *fakeTracer) writeBytes(addr uint64, data []byte) {
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
}

func (f *fakeTracer) Continue(sig int) error {
	f.idx++
	return nil
}

func (f *fakeTracer) Wait() (tracer.WaitStatus, error) {
	if f.idx >= len(f.stops) {
		return tracer.WaitStatus{Exited: true}, nil
	}
	s := f.stops[f.idx]
	for addr, data := range s.writes {
		f.writeBytes(addr, data)
	}
	f.pc = s.addr + 1 // mimics RIP landing one byte past INT3, per TrapAddress
	f.frameBase = s.frameBase
	f.returnAddr = s.returnAddr
	return tracer.WaitStatus{}, nil
}

func (f *fakeTracer) SingleStep() error { return nil }

func (f *fakeTracer) ReadWord(addr uint64) (uint64, error) {
	var buf [8]byte
	for i := range buf {
		buf[i] = f.mem[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (f *fakeTracer) WriteWord(addr uint64, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	f.writeBytes(addr, buf[:])
	return nil
}

func (f *fakeTracer) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = f.mem[addr+uint64(i)]
	}
	return buf, nil
}

func (f *fakeTracer) ReadPC() (uint64, error)  { return f.pc, nil }
func (f *fakeTracer) WritePC(pc uint64) error  { f.pc = pc; return nil }
func (f *fakeTracer) ReadBP() (uint64, error)  { return f.frameBase, nil }
func (f *fakeTracer) ReadReturnAddress() (uint64, error) { return f.returnAddr, nil }

// recordingOutput captures every notification verbatim instead of
// formatting it, so scenario tests can assert on structured call order
// rather than scraping rendered text.
type recordingOutput struct {
	enters  []int
	returns []int
	changes []variable.Change
	lines   []int
}

func (o *recordingOutput) EnterFunction(depth int)   { o.enters = append(o.enters, depth) }
func (o *recordingOutput) ReturnFunction(depth int)  { o.returns = append(o.returns, depth) }
func (o *recordingOutput) Change(depth, lineNo int, c variable.Change) {
	o.changes = append(o.changes, c)
	o.lines = append(o.lines, lineNo)
}

func le32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

const (
	testLowPC  = 0x1000
	testRetPC  = 0x1100
	testFBase  = 0x7000
)

func newScenarioSession(fn debuginfo.Function, descriptors []debuginfo.Variable, lines []debuginfo.Line, out *recordingOutput) *Session {
	s := &Session{
		fn:          fn,
		lines:       lines,
		descriptors: descriptors,
		bps:         breakpoint.NewTable(),
		cfg:         Config{Output: out},
	}
	s.contexts = []*FunctionContext{s.newContext()}
	return s
}

// TestRunReportsScalarInitialization covers a local scalar's first observed
// value: a local int a set to 3 on the line whose statement-start
// breakpoint was hit just before the one reporting the change.
func TestRunReportsScalarInitialization(t *testing.T) {
	fn := debuginfo.Function{Name: "target", LowPC: testLowPC, HighPC: testLowPC + 0x100}
	aAddr := uint64(testFBase - 8)
	descriptors := []debuginfo.Variable{
		{Name: "a", Scope: debuginfo.Local, FrameOff: -8, ByteSize: 4, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed},
	}
	lines := []debuginfo.Line{
		{Addr: testLowPC, LineNo: 29, Kind: debuginfo.BeginStmt},
		{Addr: 0x1010, LineNo: 30, Kind: debuginfo.BeginStmt},
		{Addr: 0x1020, LineNo: 31, Kind: debuginfo.BeginStmt},
	}
	out := &recordingOutput{}
	s := newScenarioSession(fn, descriptors, lines, out)

	stops := []fakeStop{
		{addr: testLowPC, returnAddr: testRetPC},
		{addr: 0x1010, frameBase: testFBase},
		{addr: 0x1020, frameBase: testFBase, writes: map[uint64][]byte{aAddr: le32(3)}},
	}
	if err := s.run(newFakeTracer(stops)); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(out.changes) != 1 {
		t.Fatalf("got %d changes, want 1: %+v", len(out.changes), out.changes)
	}
	c := out.changes[0]
	if c.Variable != "a" || c.Kind != variable.Initialized || c.Before != "0" || c.After != "3" {
		t.Fatalf("unexpected change: %+v", c)
	}
	if out.lines[0] != 30 {
		t.Fatalf("change attributed to line %d, want 30", out.lines[0])
	}
}

// TestRunReportsGlobalChangeAcrossSubCall covers a global updated by code
// that runs between two statement hits (standing in for a helper function
// the target calls), reported as a plain change rather than initialization
// since a global is considered initialized from first read.
func TestRunReportsGlobalChangeAcrossSubCall(t *testing.T) {
	fn := debuginfo.Function{Name: "target", LowPC: testLowPC, HighPC: testLowPC + 0x100}
	gAddr := uint64(0x404040)
	descriptors := []debuginfo.Variable{
		{Name: "g_i64", Scope: debuginfo.Global, Address: gAddr, ByteSize: 8, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed},
	}
	lines := []debuginfo.Line{
		{Addr: testLowPC, LineNo: 44, Kind: debuginfo.BeginStmt},
		{Addr: 0x1010, LineNo: 45, Kind: debuginfo.BeginStmt},
		{Addr: 0x1020, LineNo: 46, Kind: debuginfo.BeginStmt},
	}
	out := &recordingOutput{}
	s := newScenarioSession(fn, descriptors, lines, out)

	le64 := func(v int64) []byte {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v))
		return buf
	}

	stops := []fakeStop{
		{addr: testLowPC, returnAddr: testRetPC, writes: map[uint64][]byte{gAddr: le64(5)}},
		{addr: 0x1010, frameBase: testFBase},
		{addr: 0x1020, frameBase: testFBase, writes: map[uint64][]byte{gAddr: le64(6)}},
	}
	if err := s.run(newFakeTracer(stops)); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(out.changes) != 1 {
		t.Fatalf("got %d changes, want 1: %+v", len(out.changes), out.changes)
	}
	c := out.changes[0]
	if c.Variable != "g_i64" || c.Kind != variable.Changed || c.Before != "5" || c.After != "6" {
		t.Fatalf("unexpected change: %+v", c)
	}
	if out.lines[0] != 45 {
		t.Fatalf("change attributed to line %d, want 45", out.lines[0])
	}
}

// TestRunReportsOneDimensionalArrayElementChanges covers a ten-iteration
// loop writing arr[i] = i+1 from a single statement-start breakpoint hit
// once per iteration: every change is attributed to that one line, and the
// final iteration's write is never reported because no further hit at that
// line occurs to notice it, matching a function that returns immediately
// once the loop condition fails.
func TestRunReportsOneDimensionalArrayElementChanges(t *testing.T) {
	fn := debuginfo.Function{Name: "target", LowPC: testLowPC, HighPC: testLowPC + 0x100}
	arrAddr := uint64(testFBase - 40)
	descriptors := []debuginfo.Variable{
		{
			Name: "arr", Scope: debuginfo.Local, FrameOff: -40, ByteSize: 40,
			TypeClass: debuginfo.Array, ElementSize: 4, ElementType: debuginfo.Scalar,
			Encoding: debuginfo.Signed, Dimensions: 1, DimExtents: [8]int64{10},
		},
	}
	lines := []debuginfo.Line{
		{Addr: testLowPC, LineNo: 60, Kind: debuginfo.BeginStmt},
		{Addr: 0x1010, LineNo: 62, Kind: debuginfo.BeginStmt},
	}
	out := &recordingOutput{}
	s := newScenarioSession(fn, descriptors, lines, out)

	stops := []fakeStop{{addr: testLowPC, returnAddr: testRetPC}}
	stops = append(stops, fakeStop{addr: 0x1010, frameBase: testFBase}) // first iteration: zeroed snapshot
	for i := 0; i < 9; i++ {
		stops = append(stops, fakeStop{
			addr: 0x1010, frameBase: testFBase,
			writes: map[uint64][]byte{arrAddr + uint64(i*4): le32(int32(i + 1))},
		})
	}
	if err := s.run(newFakeTracer(stops)); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(out.changes) != 9 {
		t.Fatalf("got %d changes, want 9: %+v", len(out.changes), out.changes)
	}
	for i, c := range out.changes {
		if len(c.Index) != 1 || c.Index[0] != int64(i) {
			t.Fatalf("change %d has index %v, want [%d]", i, c.Index, i)
		}
		if c.After != strconv.Itoa(i+1) {
			t.Fatalf("change %d after = %q, want %q", i, c.After, strconv.Itoa(i+1))
		}
		if out.lines[i] != 62 {
			t.Fatalf("change %d attributed to line %d, want 62", i, out.lines[i])
		}
	}
}

// TestRunReportsSingleCellChangeInThreeDimensionalArray covers one cell of
// a zero-initialised 10x10x10 array incrementing once, reported against
// the full multi-dimension index rather than a flat offset.
func TestRunReportsSingleCellChangeInThreeDimensionalArray(t *testing.T) {
	fn := debuginfo.Function{Name: "target", LowPC: testLowPC, HighPC: testLowPC + 0x100}
	const elemSize = 4
	arrAddr := uint64(0x500000)
	descriptors := []debuginfo.Variable{
		{
			Name: "arr10x10x10", Scope: debuginfo.Global, Address: arrAddr, ByteSize: 10 * 10 * 10 * elemSize,
			TypeClass: debuginfo.Array, ElementSize: elemSize, ElementType: debuginfo.Scalar,
			Encoding: debuginfo.Signed, Dimensions: 3, DimExtents: [8]int64{10, 10, 10},
		},
	}
	lines := []debuginfo.Line{
		{Addr: testLowPC, LineNo: 67, Kind: debuginfo.BeginStmt},
		{Addr: 0x1010, LineNo: 68, Kind: debuginfo.BeginStmt},
	}
	out := &recordingOutput{}
	s := newScenarioSession(fn, descriptors, lines, out)

	linear := int64(5*10*10 + 7*10 + 6)
	cellAddr := arrAddr + uint64(linear)*elemSize

	stops := []fakeStop{
		{addr: testLowPC, returnAddr: testRetPC},
		{addr: 0x1010, frameBase: testFBase},
		{addr: 0x1010, frameBase: testFBase, writes: map[uint64][]byte{cellAddr: le32(1)}},
	}
	if err := s.run(newFakeTracer(stops)); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(out.changes) != 1 {
		t.Fatalf("got %d changes, want 1: %+v", len(out.changes), out.changes)
	}
	c := out.changes[0]
	wantIdx := []int64{5, 7, 6}
	if len(c.Index) != 3 || c.Index[0] != wantIdx[0] || c.Index[1] != wantIdx[1] || c.Index[2] != wantIdx[2] {
		t.Fatalf("got index %v, want %v", c.Index, wantIdx)
	}
	if c.Before != "0" || c.After != "1" {
		t.Fatalf("got before=%s after=%s, want 0/1", c.Before, c.After)
	}
	if out.lines[0] != 68 {
		t.Fatalf("change attributed to line %d, want 68", out.lines[0])
	}
}

// TestRunReportsRecursionInStrictCallOrder covers a function calling
// itself: each entry pushes a fresh context, and returns pop in strict
// LIFO order, so EnterFunction/ReturnFunction depths interleave in exactly
// the order the calls nested.
func TestRunReportsRecursionInStrictCallOrder(t *testing.T) {
	fn := debuginfo.Function{Name: "factorial", LowPC: testLowPC, HighPC: testLowPC + 0x100}
	descriptors := []debuginfo.Variable{
		{Name: "n", Scope: debuginfo.Local, FrameOff: -8, ByteSize: 4, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed},
	}
	lines := []debuginfo.Line{
		{Addr: testLowPC, LineNo: 9, Kind: debuginfo.BeginStmt},
		{Addr: 0x1010, LineNo: 10, Kind: debuginfo.BeginStmt},
	}
	out := &recordingOutput{}
	s := newScenarioSession(fn, descriptors, lines, out)

	// Three nested calls sharing one call-site return address, the way a
	// self-recursive call's return address is always the same instruction.
	stops := []fakeStop{
		{addr: testLowPC, returnAddr: testRetPC},
		{addr: 0x1010, frameBase: testFBase + 0},
		{addr: testLowPC, returnAddr: testRetPC},
		{addr: 0x1010, frameBase: testFBase + 0x100},
		{addr: testLowPC, returnAddr: testRetPC},
		{addr: 0x1010, frameBase: testFBase + 0x200},
		{addr: testRetPC, frameBase: testFBase + 0x200},
		{addr: testRetPC, frameBase: testFBase + 0x100},
		{addr: testRetPC, frameBase: testFBase + 0},
	}
	if err := s.run(newFakeTracer(stops)); err != nil {
		t.Fatalf("run: %v", err)
	}

	wantEnters := []int{1, 2, 3}
	wantReturns := []int{3, 2, 1}
	if !equalInts(out.enters, wantEnters) {
		t.Fatalf("got enters %v, want %v", out.enters, wantEnters)
	}
	if !equalInts(out.returns, wantReturns) {
		t.Fatalf("got returns %v, want %v", out.returns, wantReturns)
	}
}

// TestRunNeverReportsFilteredOutVariables covers the ignore-list contract
// from the dispatch loop's side: descriptors is the already-filtered set
// Session.New would have built, so a variable excluded from it can never
// reach Output regardless of how its memory changes.
func TestRunNeverReportsFilteredOutVariables(t *testing.T) {
	fn := debuginfo.Function{Name: "target", LowPC: testLowPC, HighPC: testLowPC + 0x100}
	cAddr := uint64(testFBase - 8)
	// "a" and "b" are the ignore-listed names: selectVariables would have
	// already dropped them from descriptors before run ever sees them.
	descriptors := []debuginfo.Variable{
		{Name: "c", Scope: debuginfo.Local, FrameOff: -8, ByteSize: 4, TypeClass: debuginfo.Scalar, Encoding: debuginfo.Signed},
	}
	lines := []debuginfo.Line{
		{Addr: testLowPC, LineNo: 20, Kind: debuginfo.BeginStmt},
		{Addr: 0x1010, LineNo: 21, Kind: debuginfo.BeginStmt},
		{Addr: 0x1020, LineNo: 22, Kind: debuginfo.BeginStmt},
	}
	out := &recordingOutput{}
	s := newScenarioSession(fn, descriptors, lines, out)

	stops := []fakeStop{
		{addr: testLowPC, returnAddr: testRetPC},
		{addr: 0x1010, frameBase: testFBase},
		{addr: 0x1020, frameBase: testFBase, writes: map[uint64][]byte{cAddr: le32(9)}},
	}
	if err := s.run(newFakeTracer(stops)); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, c := range out.changes {
		if c.Variable == "a" || c.Variable == "b" {
			t.Fatalf("ignore-listed variable %q was reported", c.Variable)
		}
	}
	if len(out.changes) != 1 || out.changes[0].Variable != "c" {
		t.Fatalf("expected exactly one change for c, got %+v", out.changes)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
