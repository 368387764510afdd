// Package debuginfo loads the DWARF-2 debug information of a target
// executable and exposes the subset the rest of this core needs: a
// function's instruction range and frame convention, its watchable global
// and local variables, and its statement-start line table.
//
// It is built directly on the standard library's debug/elf and debug/dwarf
// packages, the same base delve's own pkg/dwarf tooling is built on; the
// one piece the standard library does not cover, DWARF-2's legacy
// .debug_loc location lists, is handled by loclist.go.
package debuginfo

import (
	"debug/dwarf"
	"debug/elf"
	"path/filepath"
	"sort"

	"github.com/pbdebug/pbd/internal/logflags"
	"github.com/pbdebug/pbd/internal/pbderr"
)

// DebugInfo holds the parsed debug information of one target executable.
type DebugInfo struct {
	elfFile  *elf.File
	dwarf    *dwarf.Data
	locData  []byte
	ptrSz    int
	language Language
	langSeen bool
	srcFile  string
}

// Open reads the ELF and DWARF-2 sections of path. It returns
// PieExecutableError if the binary is position independent, since this core
// does not relocate runtime addresses against a load bias.
func Open(path string) (*DebugInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	if f.Type == elf.ET_DYN {
		f.Close()
		return nil, &pbderr.PieExecutableError{Path: path}
	}

	d, err := f.DWARF()
	if err != nil {
		f.Close()
		return nil, err
	}

	ptrSz := 4
	if f.Class == elf.ELFCLASS64 {
		ptrSz = 8
	}

	var locData []byte
	if sec := f.Section(".debug_loc"); sec != nil {
		locData, _ = sec.Data()
	}

	di := &DebugInfo{
		elfFile: f,
		dwarf:   d,
		locData: locData,
		ptrSz:   ptrSz,
	}
	if logflags.DebugInfo() {
		logflags.DebugInfoLogger().WithField("path", path).Debug("opened debug info")
	}
	return di, nil
}

// Close releases the underlying ELF file handle.
func (di *DebugInfo) Close() error {
	return di.elfFile.Close()
}

// cuLanguage reports whether a compile unit entry declares a supported C
// dialect, mirroring dw_is_c_language.
func cuLanguage(e *dwarf.Entry) (Language, bool) {
	v, ok := e.Val(dwarf.AttrLanguage).(int64)
	if !ok {
		return 0, false
	}
	switch v {
	case 0x0001: // DW_LANG_C89
		return C89, true
	case 0x0c: // DW_LANG_C99
		return C99, true
	case 0x1d: // DW_LANG_C11
		return C11, true
	case 0x0002: // DW_LANG_C
		return COther, true
	default:
		return COther, false
	}
}

// LookupFunction finds the subprogram DIE named name across every compile
// unit and returns its instruction range, frame-base convention and source
// language. It is the Go analogue of dw_get_address_by_function plus
// dw_get_base_pointer_offset and dw_is_c_language rolled together, since
// all three walks share the same DIE.
func (di *DebugInfo) LookupFunction(name string) (Function, error) {
	r := di.dwarf.Reader()
	var curLang Language
	var curSupported bool
	for {
		e, err := r.Next()
		if err != nil {
			return Function{}, err
		}
		if e == nil {
			break
		}
		if e.Tag == dwarf.TagCompileUnit {
			curLang, curSupported = cuLanguage(e)
			if src, ok := e.Val(dwarf.AttrName).(string); ok {
				if dir, ok := e.Val(dwarf.AttrCompDir).(string); ok && !filepath.IsAbs(src) {
					src = filepath.Join(dir, src)
				}
				di.srcFile = src
			}
			continue
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		fname, _ := e.Val(dwarf.AttrName).(string)
		if fname != name {
			continue
		}

		if !curSupported {
			return Function{}, &pbderr.UnsupportedLanguageError{Language: curLang.String()}
		}
		di.language, di.langSeen = curLang, true

		low, high, err := lowHighPC(e)
		if err != nil {
			return Function{}, err
		}

		var l loc
		var locErr error
		switch fb := e.Val(dwarf.AttrFrameBase).(type) {
		case []byte:
			l, locErr = decodeSingleLoc(fb, di.ptrSz, name+" (frame base)")
		case int64:
			// GCC's loclist convention: multiple .debug_loc entries, the
			// frame base being SP-relative before the prologue and
			// BP-relative after it; use the first BP-relative entry.
			locErr = &pbderr.NoFramePointerError{Function: name}
			lr := newDwarf2Reader(di.locData, int(fb), di.ptrSz)
			for {
				ent, ok := lr.next()
				if !ok {
					break
				}
				if cand, err := decodeSingleLoc(ent.instr, di.ptrSz, name+" (frame base)"); err == nil && cand.isFrameRel {
					l, locErr = cand, nil
					break
				}
			}
		default:
			return Function{}, &pbderr.NoFramePointerError{Function: name}
		}
		if locErr != nil || !l.isFrameRel {
			return Function{}, &pbderr.NoFramePointerError{Function: name}
		}

		return Function{
			Name:            name,
			LowPC:           low,
			HighPC:          high,
			FrameBaseOffset: l.frameOff,
		}, nil
	}
	return Function{}, &pbderr.FunctionNotFoundError{Name: name}
}

func lowHighPC(e *dwarf.Entry) (uint64, uint64, error) {
	low, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, 0, &pbderr.FunctionNotFoundError{Name: "<no low_pc>"}
	}
	switch hv := e.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		if hv < low {
			// DWARF4+ encodes high_pc as an offset from low_pc; a
			// compiler emitting -gdwarf-2 should give an absolute
			// address, but fall back to the offset form defensively.
			return low, low + hv, nil
		}
		return low, hv, nil
	case int64:
		return low, low + uint64(hv), nil
	default:
		return low, low, nil
	}
}

// resolveType chases typedef/const/volatile chains down to the underlying
// base, array, pointer, enum, struct or union type, the Go analogue of
// dw_parse_variable_base_type's loop.
func resolveType(t dwarf.Type) dwarf.Type {
	for {
		switch tt := t.(type) {
		case *dwarf.TypedefType:
			t = tt.Type
		case *dwarf.QualType:
			t = tt.Type
		default:
			return t
		}
	}
}

// classify turns a resolved DWARF type into this core's TypeClass/Encoding
// pair, mirroring dw_parse_variable_type's switch over DW_TAG_*.
func classify(t dwarf.Type) (TypeClass, Encoding, bool) {
	switch tt := t.(type) {
	case *dwarf.ArrayType:
		_, enc, _ := classify(resolveType(tt.Type))
		return Array, enc, true
	case *dwarf.PtrType:
		return Pointer, PointerEncoding, true
	case *dwarf.EnumType:
		return Enum, Signed, true
	case *dwarf.StructType:
		if tt.Kind == "union" {
			return Union, Signed, true
		}
		return Struct, Signed, true
	case *dwarf.IntType:
		return Scalar, Signed, true
	case *dwarf.UintType:
		return Scalar, Unsigned, true
	case *dwarf.FloatType:
		return Scalar, Float, true
	case *dwarf.CharType:
		return Scalar, Signed, true
	case *dwarf.UcharType:
		return Scalar, Unsigned, true
	case *dwarf.BoolType:
		return Scalar, Unsigned, true
	default:
		return Scalar, Signed, false
	}
}

// isCharBase reports whether t (already resolved) is a 1-byte character
// type, used to decide printable-character display per spec.md §6.
func isCharBase(t dwarf.Type) bool {
	switch t.(type) {
	case *dwarf.CharType, *dwarf.UcharType:
		return true
	default:
		return false
	}
}

// buildVariable turns a dwarf.Entry for a DW_TAG_variable/formal_parameter
// DIE plus the already-decoded location into a Variable, mirroring
// dw_parse_variable.
func buildVariable(name string, l loc, t dwarf.Type) (Variable, error) {
	resolved := resolveType(t)
	class, enc, ok := classify(resolved)
	if !ok {
		return Variable{}, &pbderr.UnsupportedLocationError{Variable: name}
	}

	v := Variable{
		Name:      name,
		ByteSize:  resolved.Size(),
		TypeClass: class,
		Encoding:  enc,
	}
	if l.isFrameRel {
		v.Scope = Local
		v.FrameOff = l.frameOff
	} else {
		v.Scope = Global
		v.Address = l.addr
	}

	if class == Scalar {
		v.Char = isCharBase(resolved)
	}

	if arr, isArr := resolved.(*dwarf.ArrayType); isArr {
		// debug/dwarf flattens a multi-dimensional array into a chain of
		// nested ArrayTypes, one Count per dimension, innermost last.
		var dims []int64
		cur := arr
		var elemType dwarf.Type
		for {
			if cur.Count < 0 {
				return Variable{}, &pbderr.UnsupportedVariableSizeError{Variable: name, ByteSize: resolved.Size()}
			}
			dims = append(dims, cur.Count)
			if next, ok := cur.Type.(*dwarf.ArrayType); ok {
				cur = next
				continue
			}
			elemType = cur.Type
			break
		}
		if len(dims) > maxDimensions {
			dims = dims[:maxDimensions]
		}
		elemResolved := resolveType(elemType)
		elemClass, _, _ := classify(elemResolved)
		v.ElementType = elemClass
		v.ElementSize = elemType.Size()
		if elemClass == Scalar {
			v.Char = isCharBase(elemResolved)
		}
		v.Dimensions = len(dims)
		for i, n := range dims {
			v.DimExtents[i] = n
		}
	}

	switch v.ByteSize {
	case 1, 2, 4, 8, 16:
	default:
		if class != Array && class != Struct && class != Union {
			return Variable{}, &pbderr.UnsupportedVariableSizeError{Variable: name, ByteSize: v.ByteSize}
		}
	}

	return v, nil
}

// GlobalVariables returns every DW_TAG_variable DIE at file scope (outside
// any subprogram), the global/static half of dw_get_all_variables, filtered
// through filter.
func (di *DebugInfo) GlobalVariables(filter Filter) ([]Variable, error) {
	var out []Variable
	r := di.dwarf.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag == dwarf.TagSubprogram || e.Tag == dwarf.TagLexDwarfBlock {
			r.SkipChildren()
			continue
		}
		// Every DW_TAG_variable reachable here is a direct child of a
		// compile unit: subprogram and lexical block children (the only
		// other DIEs that nest variables) are skipped above.
		if e.Tag != dwarf.TagVariable {
			continue
		}

		name, _ := e.Val(dwarf.AttrName).(string)
		if name == "" || !filter.allows(name) {
			continue
		}
		locBlock, ok := e.Val(dwarf.AttrLocation).([]byte)
		if !ok {
			continue
		}
		l, err := decodeSingleLoc(locBlock, di.ptrSz, name)
		if err != nil || l.isFrameRel {
			continue
		}
		typeOff, ok := e.Val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			continue
		}
		t, err := di.dwarf.Type(typeOff)
		if err != nil {
			continue
		}
		v, err := buildVariable(name, l, t)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// LocalVariables returns every DW_TAG_variable and DW_TAG_formal_parameter
// DIE lexically nested inside the named function (including nested blocks),
// the local half of dw_get_all_variables. fn must have been obtained from
// LookupFunction first.
func (di *DebugInfo) LocalVariables(fn Function, filter Filter) ([]Variable, error) {
	var out []Variable
	r := di.dwarf.Reader()
	inFunc := false
	funcDepth := 0
	depth := 0
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			depth--
			if inFunc && depth < funcDepth {
				inFunc = false
			}
			continue
		}
		hasChildren := e.Children
		if hasChildren {
			depth++
		}

		if e.Tag == dwarf.TagSubprogram {
			name, _ := e.Val(dwarf.AttrName).(string)
			if name == fn.Name {
				inFunc = true
				funcDepth = depth
			}
			continue
		}
		if !inFunc {
			continue
		}
		if e.Tag != dwarf.TagVariable && e.Tag != dwarf.TagFormalParameter {
			continue
		}

		name, _ := e.Val(dwarf.AttrName).(string)
		if name == "" || !filter.allows(name) {
			continue
		}
		var l loc
		switch lv := e.Val(dwarf.AttrLocation).(type) {
		case []byte:
			l, err = decodeSingleLoc(lv, di.ptrSz, name)
		case int64:
			l, err = decodeLoclistOffset(di.locData, int(lv), di.ptrSz, fn.LowPC, name)
		default:
			continue
		}
		if err != nil {
			continue
		}
		typeOff, ok := e.Val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			continue
		}
		t, err := di.dwarf.Type(typeOff)
		if err != nil {
			continue
		}
		v, err := buildVariable(name, l, t)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Variables returns every watchable variable reachable from fn: its global
// and static symbols plus its own locals and parameters, the combined Go
// analogue of dw_get_all_variables.
func (di *DebugInfo) Variables(fn Function, filter Filter) ([]Variable, error) {
	globals, err := di.GlobalVariables(filter)
	if err != nil {
		return nil, err
	}
	locals, err := di.LocalVariables(fn, filter)
	if err != nil {
		return nil, err
	}
	return append(globals, locals...), nil
}

// Lines returns the statement-start line table rows covering [fn.LowPC,
// fn.HighPC), the Go analogue of dw_get_all_lines, deduplicated to one
// entry per (address, is_stmt) row and sorted by address ascending.
func (di *DebugInfo) Lines(fn Function) ([]Line, error) {
	var out []Line
	seen := make(map[uint64]bool)
	lr, err := di.dwarf.LineReader(lineCompileUnit(di, fn))
	if err != nil || lr == nil {
		return nil, err
	}
	var le dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if err != nil {
			break
		}
		if le.Address < fn.LowPC || le.Address >= fn.HighPC {
			continue
		}
		if !le.IsStmt || seen[le.Address] {
			continue
		}
		seen[le.Address] = true
		var kind LineKind = BeginStmt
		if le.EndSequence {
			kind |= EndSequence
		}
		if le.BasicBlock {
			kind |= Block
		}
		out = append(out, Line{Addr: le.Address, LineNo: le.Line, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

// lineCompileUnit finds the *dwarf.Entry for the compile unit containing
// fn, needed by dwarf.Data.LineReader.
func lineCompileUnit(di *DebugInfo, fn Function) *dwarf.Entry {
	r := di.dwarf.Reader()
	var cu *dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag == dwarf.TagCompileUnit {
			cu = e
			continue
		}
		if e.Tag == dwarf.TagSubprogram {
			name, _ := e.Val(dwarf.AttrName).(string)
			if name == fn.Name {
				return cu
			}
		}
	}
	return cu
}

// SourceFile returns the source path (DW_AT_comp_dir joined with a
// relative DW_AT_name) of the last compile unit visited, the Go analogue
// of dw_get_source_file.
func (di *DebugInfo) SourceFile() string { return di.srcFile }

// LanguageOf reports the source language established by the most recent
// LookupFunction call.
func (di *DebugInfo) LanguageOf() (Language, bool) { return di.language, di.langSeen }
