package wasmbin

import (
	"github.com/tetratelabs/wazero/api"
)

const (
	magic   uint32 = 0x6D736100
	version uint32 = 0x01
)

const (
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionGlobal   byte = 6
	sectionExport   byte = 7
	sectionCode     byte = 10
	sectionData     byte = 11
)

const (
	kindFunc   byte = 0
	kindMemory byte = 2
	kindGlobal byte = 3
)

const funcTypeByte byte = 0x60

// Module builds a core WebAssembly module. Function indices returned by
// ImportFunc and Func are only valid when every import is declared before
// the first Func.
type Module struct {
	types   []funcType
	imports []funcImport
	funcs   []funcDef
	globals []globalDef
	exports []export
	data    []dataSegment
	memory  *uint32
}

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

type funcImport struct {
	module string
	name   string
	typ    uint32
}

type funcDef struct {
	body   *Code
	locals []api.ValueType
	typ    uint32
}

type globalDef struct {
	init int32
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type dataSegment struct {
	bytes  []byte
	offset uint32
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

// ImportFunc declares a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmbin: imports must be declared before functions")
	}
	m.imports = append(m.imports, funcImport{module: module, name: name, typ: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its function index.
func (m *Module) Func(params, results, locals []api.ValueType, body *Code) uint32 {
	m.funcs = append(m.funcs, funcDef{typ: m.typeIndex(params, results), locals: locals, body: body})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// ExportFunc exports function index fn as name.
func (m *Module) ExportFunc(name string, fn uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, index: fn})
}

// Memory declares memory 0 with minPages pages and exports it as name when
// name is not empty.
func (m *Module) Memory(minPages uint32, name string) {
	m.memory = &minPages
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: kindMemory})
	}
}

// Global declares a mutable i32 global and returns its index. It is exported
// as name when name is not empty.
func (m *Module) Global(init int32, name string) uint32 {
	m.globals = append(m.globals, globalDef{init: init})
	idx := uint32(len(m.globals) - 1)
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: kindGlobal, index: idx})
	}
	return idx
}

// Data places bytes at offset in memory 0 on instantiation.
func (m *Module) Data(offset uint32, bytes []byte) {
	m.data = append(m.data, dataSegment{offset: offset, bytes: bytes})
}

func (m *Module) typeIndex(params, results []api.ValueType) uint32 {
	for i, t := range m.types {
		if equalTypes(t.params, params) && equalTypes(t.results, results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

func equalTypes(a, b []api.ValueType) bool {
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

// Encode returns the module in binary format.
func (m *Module) Encode() []byte {
	var w writer
	w.u32le(magic)
	w.u32le(version)

	if len(m.types) > 0 {
		var sec writer
		sec.u32(uint32(len(m.types)))
		for _, t := range m.types {
			sec.writeByte(funcTypeByte)
			writeValTypes(&sec, t.params)
			writeValTypes(&sec, t.results)
		}
		w.section(sectionType, &sec)
	}

	if len(m.imports) > 0 {
		var sec writer
		sec.u32(uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec.name(imp.module)
			sec.name(imp.name)
			sec.writeByte(kindFunc)
			sec.u32(imp.typ)
		}
		w.section(sectionImport, &sec)
	}

	if len(m.funcs) > 0 {
		var sec writer
		sec.u32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec.u32(f.typ)
		}
		w.section(sectionFunction, &sec)
	}

	if m.memory != nil {
		var sec writer
		sec.u32(1)
		sec.writeByte(0x00) // no max
		sec.u32(*m.memory)
		w.section(sectionMemory, &sec)
	}

	if len(m.globals) > 0 {
		var sec writer
		sec.u32(uint32(len(m.globals)))
		for _, g := range m.globals {
			sec.writeByte(byte(api.ValueTypeI32))
			sec.writeByte(0x01) // mutable
			sec.writeByte(opI32Const)
			sec.s64(int64(g.init))
			sec.writeByte(opEnd)
		}
		w.section(sectionGlobal, &sec)
	}

	if len(m.exports) > 0 {
		var sec writer
		sec.u32(uint32(len(m.exports)))
		for _, e := range m.exports {
			sec.name(e.name)
			sec.writeByte(e.kind)
			sec.u32(e.index)
		}
		w.section(sectionExport, &sec)
	}

	if len(m.funcs) > 0 {
		var sec writer
		sec.u32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body writer
			writeLocals(&body, f.locals)
			if f.body != nil {
				body.raw(f.body.w.bytes())
			}
			body.writeByte(opEnd)
			sec.u32(uint32(body.buf.Len()))
			sec.raw(body.bytes())
		}
		w.section(sectionCode, &sec)
	}

	if len(m.data) > 0 {
		var sec writer
		sec.u32(uint32(len(m.data)))
		for _, d := range m.data {
			sec.u32(0) // active, memory 0
			sec.writeByte(opI32Const)
			sec.s64(int64(int32(d.offset)))
			sec.writeByte(opEnd)
			sec.u32(uint32(len(d.bytes)))
			sec.raw(d.bytes)
		}
		w.section(sectionData, &sec)
	}

	return w.bytes()
}

func writeValTypes(w *writer, types []api.ValueType) {
	w.u32(uint32(len(types)))
	for _, t := range types {
		w.writeByte(byte(t))
	}
}

// writeLocals run-length encodes local declarations.
func writeLocals(w *writer, locals []api.ValueType) {
	type group struct {
		typ   api.ValueType
		count uint32
	}
	var groups []group
	for _, t := range locals {
		if n := len(groups); n > 0 && groups[n-1].typ == t {
			groups[n-1].count++
			continue
		}
		groups = append(groups, group{typ: t, count: 1})
	}
	w.u32(uint32(len(groups)))
	for _, g := range groups {
		w.u32(g.count)
		w.writeByte(byte(g.typ))
	}
}
