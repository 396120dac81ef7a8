// Package testbed provides a small hand-assembled extension for tests.
//
// The module imports the exthost call surface and exports:
//
//	open(rep i64) -> i32              resource_register(7, rep)
//	close(h i32) -> i32               resource_release(h)
//	share(h i32) -> i32               resource_addref(h); h
//	swap(slot i32, rep i64) -> i32    ref_set(0, resource_register(7, rep))
//	boom()                            unreachable
//	echo_len(ptr i32, len i32) -> i32 log(1, ptr, len); len
//	exthost_drop(type i32, rep i64)   drops++
//	exthost_alloc(size i32) -> i32    bump allocator from offset 1024
//	exthost_free(ptr i32, size i32)   frees++
//
// and the globals "drops" and "frees" so tests can count guest-side
// destructor and free calls.
package testbed

// ResourceType is the type tag the module registers its resources with.
const ResourceType = 7

// ABI is the version Module declares by default.
const ABI = "1.0.0"

// WIT describes the module's callable exports.
const WIT = `
open: func(rep: s64) -> own<file>;
close: func(f: borrow<file>) -> s32;
share: func(f: borrow<file>) -> own<file>;
swap: func(slot: borrow<file>, rep: s64) -> s32;
boom: func();
echo_len: func(s: string) -> s32;
`

const (
	hostModule = "exthost"
	abiSection = "exthost-abi"

	valI32 = 0x7F
	valI64 = 0x7E

	exportFunc   = 0x00
	exportMemory = 0x02
	exportGlobal = 0x03
)

// Opcodes used by the function bodies.
const (
	opUnreachable = 0x00
	opCall        = 0x10
	opDrop        = 0x1A
	opLocalGet    = 0x20
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Const    = 0x41
	opI32Add      = 0x6A
	opI64ExtendU  = 0xAD
	opEnd         = 0x0B
)

// Module returns the test extension declaring abi in its custom section. An
// empty abi omits the section.
func Module(abi string) []byte {
	types := vec(
		funcType([]byte{valI32, valI64}, []byte{valI32}), // 0
		funcType([]byte{valI32}, []byte{valI32}),         // 1
		funcType([]byte{valI64}, []byte{valI32}),         // 2
		funcType(nil, nil),                               // 3
		funcType([]byte{valI32, valI64}, nil),            // 4
		funcType([]byte{valI32, valI32, valI32}, nil),    // 5
		funcType([]byte{valI32, valI32}, []byte{valI32}), // 6
		funcType([]byte{valI32, valI32}, nil),            // 7
	)
	imports := vec(
		importFunc("resource_register", 0), // 0
		importFunc("resource_release", 1),  // 1
		importFunc("resource_addref", 1),   // 2
		importFunc("ref_set", 0),           // 3
		importFunc("log", 5),               // 4
	)
	funcs := vec(uleb(2), uleb(1), uleb(1), uleb(0), uleb(3), uleb(6), uleb(4), uleb(1), uleb(7))
	memory := vec([]byte{0x00, 0x01}) // min 1 page
	globals := vec(
		[]byte{valI32, 0x01, opI32Const, 0x00, opEnd},       // drops
		[]byte{valI32, 0x01, opI32Const, 0x80, 0x08, opEnd}, // heap = 1024
		[]byte{valI32, 0x01, opI32Const, 0x00, opEnd},       // frees
	)
	exports := vec(
		export("open", exportFunc, 5),
		export("close", exportFunc, 6),
		export("share", exportFunc, 7),
		export("swap", exportFunc, 8),
		export("boom", exportFunc, 9),
		export("echo_len", exportFunc, 10),
		export("exthost_drop", exportFunc, 11),
		export("exthost_alloc", exportFunc, 12),
		export("exthost_free", exportFunc, 13),
		export("memory", exportMemory, 0),
		export("drops", exportGlobal, 0),
		export("frees", exportGlobal, 2),
	)
	code := vec(
		// open
		body(opI32Const, ResourceType, opLocalGet, 0, opCall, 0),
		// close
		body(opLocalGet, 0, opCall, 1),
		// share
		body(opLocalGet, 0, opCall, 2, opDrop, opLocalGet, 0),
		// swap
		body(opI32Const, 0, opI32Const, ResourceType, opLocalGet, 1, opCall, 0, opI64ExtendU, opCall, 3),
		// boom
		body(opUnreachable),
		// echo_len
		body(opI32Const, 1, opLocalGet, 0, opLocalGet, 1, opCall, 4, opLocalGet, 1),
		// exthost_drop
		body(opGlobalGet, 0, opI32Const, 1, opI32Add, opGlobalSet, 0),
		// exthost_alloc
		body(opGlobalGet, 1, opGlobalGet, 1, opLocalGet, 0, opI32Add, opGlobalSet, 1),
		// exthost_free
		body(opGlobalGet, 2, opI32Const, 1, opI32Add, opGlobalSet, 2),
	)

	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, types)...)
	out = append(out, section(2, imports)...)
	out = append(out, section(3, funcs)...)
	out = append(out, section(5, memory)...)
	out = append(out, section(6, globals)...)
	out = append(out, section(7, exports)...)
	out = append(out, section(10, code)...)
	if abi != "" {
		out = append(out, section(0, append(name(abiSection), abi...))...)
	}
	return out
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(body)))...)
	return append(out, body...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint32(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint32(len(results)))...)
	return append(out, results...)
}

func importFunc(field string, typeIdx uint32) []byte {
	out := append(name(hostModule), name(field)...)
	out = append(out, 0x00)
	return append(out, uleb(typeIdx)...)
}

func export(field string, kind byte, idx uint32) []byte {
	out := append(name(field), kind)
	return append(out, uleb(idx)...)
}

func body(code ...byte) []byte {
	fn := append([]byte{0x00}, code...) // no locals
	fn = append(fn, opEnd)
	return append(uleb(uint32(len(fn))), fn...)
}
