package ffi

import (
	"regexp"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-ffi/errors"
)

// ModuleName is the import module the guest links the boundary functions from.
const ModuleName = "ffi"

// Imports declares the functions of the "ffi" host module. Text lengths
// and offsets are UTF-8 bytes throughout, never UTF-16 code units.
const Imports = `
free-handle: func(handle: s32);
schedule-work: func();
new-callback: func(stable-ptr: u32) -> s32;
free-callback: func(handle: s32);
/// len is a byte count of UTF-8 in guest memory.
text-decode: func(ptr: u32, len: u32) -> s32;
/// Length of the string in UTF-8 bytes, the buffer size text-encode needs.
text-length: func(handle: s32) -> u32;
/// Writes at most len bytes and returns the number of bytes written.
text-encode: func(handle: s32, ptr: u32, len: u32) -> u32;
`

// Signature is a function signature lowered to core wasm value types.
type Signature struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

var funcPattern = regexp.MustCompile(`(?:export\s+)?([a-zA-Z_][a-zA-Z0-9_-]*)\s*:\s*func\s*\(([^)]*)\)(?:\s*->\s*([^;]+))?`)

// ParseSignatures extracts function declarations from WIT text, in
// declaration order. Only types that lower to a single core value are
// accepted.
func ParseSignatures(witText string) ([]Signature, error) {
	var sigs []Signature

	for _, match := range funcPattern.FindAllStringSubmatch(witText, -1) {
		sig := Signature{Name: match[1]}

		if params := strings.TrimSpace(match[2]); params != "" {
			for _, p := range strings.Split(params, ",") {
				typ := p
				if idx := strings.LastIndex(p, ":"); idx != -1 {
					typ = p[idx+1:]
				}
				vt, err := lowerType(typ)
				if err != nil {
					return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, sig.Name+": param "+strings.TrimSpace(p))
				}
				sig.Params = append(sig.Params, vt)
			}
		}

		if result := strings.TrimSpace(match[3]); result != "" && result != "()" {
			vt, err := lowerType(result)
			if err != nil {
				return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, sig.Name+": result "+result)
			}
			sig.Results = []api.ValueType{vt}
		}

		sigs = append(sigs, sig)
	}

	if len(sigs) == 0 {
		return nil, errors.InvalidInput(errors.PhaseParse, "no functions found in WIT text")
	}
	return sigs, nil
}

func lowerType(s string) (api.ValueType, error) {
	t, err := wit.ParseType(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	switch t.(type) {
	case wit.Bool, wit.U8, wit.S8, wit.U16, wit.S16, wit.U32, wit.S32, wit.Char:
		return api.ValueTypeI32, nil
	case wit.U64, wit.S64:
		return api.ValueTypeI64, nil
	case wit.F32:
		return api.ValueTypeF32, nil
	case wit.F64:
		return api.ValueTypeF64, nil
	}
	return 0, errors.New(errors.PhaseParse, errors.KindTypeMismatch).
		Detail("type %q does not lower to a single core value", strings.TrimSpace(s)).
		Build()
}
