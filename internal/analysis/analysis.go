package analysis

import (
	"sort"

	"github.com/pbdebug/pbd/internal/debuginfo"
)

// Options carries the static-analysis CLI sub-flags through to wherever a
// real external preprocessor/parser eventually consumes them; this
// walker itself only needs the already-parsed AST and ignores Options,
// since it never shells out to a preprocessor.
type Options struct {
	Standard  string
	Defines   []string
	Undefines []string
	Includes  []string
}

// Watchable reports whether a variable participates in the static
// analysis walk's mutation tracking. Enum is deliberately excluded here
// even though the Variables component tracks it: only Scalar, Array and
// Pointer symbols narrow the breakpoint set.
func Watchable(v debuginfo.Variable) bool {
	switch v.TypeClass {
	case debuginfo.Scalar, debuginfo.Array, debuginfo.Pointer:
		return true
	default:
		return false
	}
}

// watchableNames builds the name set Watchable(vars) collapses to, the
// form walkStmt/walkExpr actually consult.
func watchableNames(vars []debuginfo.Variable) map[string]bool {
	names := make(map[string]bool, len(vars))
	for _, v := range vars {
		if Watchable(v) {
			names[v.Name] = true
		}
	}
	return names
}

// BreakpointLines walks body and returns the sorted, deduplicated set of
// source line numbers that contain an assignment-like mutation of a
// watchable symbol, or an unconditional function call.
func BreakpointLines(body *BlockStmt, vars []debuginfo.Variable) []int {
	watchable := watchableNames(vars)
	lines := map[int]bool{}
	walkStmt(body, watchable, lines)

	result := make([]int, 0, len(lines))
	for l := range lines {
		result = append(result, l)
	}
	sort.Ints(result)
	return result
}

// ResolveAddresses maps the line numbers BreakpointLines found back onto
// instruction addresses via the function's full line table, and adds the
// two synthetic breakpoints every static-analysis run carries regardless
// of what the walk found: the function's first instruction, and the last
// statement-start instruction within its range.
func ResolveAddresses(lineNos []int, lines []debuginfo.Line, fn debuginfo.Function) []uint64 {
	wanted := make(map[int]bool, len(lineNos))
	for _, l := range lineNos {
		wanted[l] = true
	}

	seen := map[uint64]bool{}
	var addrs []uint64
	for _, l := range lines {
		if l.Kind&debuginfo.BeginStmt == 0 {
			continue
		}
		if wanted[l.LineNo] && !seen[l.Addr] {
			seen[l.Addr] = true
			addrs = append(addrs, l.Addr)
		}
	}

	if !seen[fn.LowPC] {
		seen[fn.LowPC] = true
		addrs = append(addrs, fn.LowPC)
	}
	if last := lastStatementAddr(lines); last != 0 && !seen[last] {
		addrs = append(addrs, last)
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

func lastStatementAddr(lines []debuginfo.Line) uint64 {
	var max uint64
	for _, l := range lines {
		if l.Kind&debuginfo.EndSequence != 0 {
			continue
		}
		if l.Addr > max {
			max = l.Addr
		}
	}
	return max
}

func walkStmt(s Stmt, watchable map[string]bool, lines map[int]bool) {
	if s == nil {
		return
	}
	switch n := s.(type) {
	case *BlockStmt:
		for _, child := range n.List {
			walkStmt(child, watchable, lines)
		}
	case *ExprStmt:
		walkExpr(n.X, watchable, lines)
	case *DeclStmt:
		if n.Init == nil {
			return
		}
		if watchable[n.Name] {
			lines[n.LineNo] = true
		}
		walkExpr(n.Init, watchable, lines)
	case *IfStmt:
		walkExpr(n.Cond, watchable, lines)
		walkStmt(n.Then, watchable, lines)
		walkStmt(n.Else, watchable, lines)
	case *ForStmt:
		walkStmt(n.Init, watchable, lines)
		walkExpr(n.Cond, watchable, lines)
		walkExpr(n.Post, watchable, lines)
		walkStmt(n.Body, watchable, lines)
	case *ReturnStmt:
		walkExpr(n.Result, watchable, lines)
	case *OtherStmt:
		// no sub-tree to walk
	}
}

func walkExpr(e Expr, watchable map[string]bool, lines map[int]bool) {
	if e == nil {
		return
	}
	switch n := e.(type) {
	case *AssignExpr:
		if sym, ok := leftmostSymbol(n.Left); ok && watchable[sym] {
			lines[n.LineNo] = true
		}
		walkExpr(n.Left, watchable, lines)
		walkExpr(n.Right, watchable, lines)
	case *IncDecExpr:
		if sym, ok := leftmostSymbol(n.X); ok && watchable[sym] {
			lines[n.LineNo] = true
		}
		walkExpr(n.X, watchable, lines)
	case *CallExpr:
		lines[n.LineNo] = true
		walkExpr(n.Fun, watchable, lines)
		for _, arg := range n.Args {
			walkExpr(arg, watchable, lines)
		}
	case *CastExpr:
		walkExpr(n.X, watchable, lines)
	case *BinaryExpr:
		walkExpr(n.Left, watchable, lines)
		walkExpr(n.Right, watchable, lines)
	case *CommaExpr:
		for _, x := range n.Exprs {
			walkExpr(x, watchable, lines)
		}
	case *CondExpr:
		walkExpr(n.Cond, watchable, lines)
		walkExpr(n.Then, watchable, lines)
		walkExpr(n.Else, watchable, lines)
	case *IndexExpr:
		walkExpr(n.X, watchable, lines)
		walkExpr(n.Index, watchable, lines)
	case *Ident, *OtherExpr:
		// leaves
	}
}

// leftmostSymbol descends through casts, binary composites, the comma
// operator's last operand, and both arms of a conditional to find the
// identifier an assignment or increment/decrement expression ultimately
// mutates.
func leftmostSymbol(e Expr) (string, bool) {
	switch n := e.(type) {
	case *Ident:
		return n.Name, true
	case *IndexExpr:
		return leftmostSymbol(n.X)
	case *CastExpr:
		return leftmostSymbol(n.X)
	case *BinaryExpr:
		return leftmostSymbol(n.Left)
	case *CommaExpr:
		if len(n.Exprs) == 0 {
			return "", false
		}
		return leftmostSymbol(n.Exprs[len(n.Exprs)-1])
	case *CondExpr:
		if sym, ok := leftmostSymbol(n.Then); ok {
			return sym, true
		}
		return leftmostSymbol(n.Else)
	default:
		return "", false
	}
}
