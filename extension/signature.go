package extension

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/exthost/errors"
)

// ValueKind is how a value is lowered into and lifted out of the extension.
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindS32
	KindU32
	KindS64
	KindU64
	KindF32
	KindF64
	KindString
	// KindOwn is a resource handle whose reference moves with the value.
	KindOwn
	// KindBorrow is a resource handle lent for the call only.
	KindBorrow
)

var kindNames = [...]string{
	KindBool:   "bool",
	KindS32:    "s32",
	KindU32:    "u32",
	KindS64:    "s64",
	KindU64:    "u64",
	KindF32:    "f32",
	KindF64:    "f64",
	KindString: "string",
	KindOwn:    "own",
	KindBorrow: "borrow",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

func (k ValueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ValueKind) UnmarshalText(text []byte) error {
	for i, name := range kindNames {
		if name == string(text) {
			*k = ValueKind(i)
			return nil
		}
	}
	return errors.New(errors.PhaseParse, errors.KindInvalidData).Detail("unknown value kind %q", text).Build()
}

// Handle reports whether values of kind k are resource handles.
func (k ValueKind) Handle() bool {
	return k == KindOwn || k == KindBorrow
}

// flat returns the core value types a value of kind k occupies.
func (k ValueKind) flat() []api.ValueType {
	switch k {
	case KindS64, KindU64:
		return []api.ValueType{api.ValueTypeI64}
	case KindF32:
		return []api.ValueType{api.ValueTypeF32}
	case KindF64:
		return []api.ValueType{api.ValueTypeF64}
	case KindString:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	default:
		return []api.ValueType{api.ValueTypeI32}
	}
}

// Param is one parameter or result of an extension function.
type Param struct {
	Name     string    `json:"name,omitempty"`
	Type     string    `json:"type"`
	Resource string    `json:"resource,omitempty"`
	Kind     ValueKind `json:"kind"`
}

// Signature describes an exported extension function.
type Signature struct {
	Name          string  `json:"name"`
	// DeclaringType is the resource a method belongs to, empty for free
	// functions.
	DeclaringType string  `json:"declaring_type,omitempty"`
	Params        []Param `json:"params"`
	Results       []Param `json:"results,omitempty"`
}

// String renders the signature in WIT syntax.
func (s *Signature) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteString(": func(")
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		if p.Name != "" {
			b.WriteString(p.Name)
			b.WriteString(": ")
		}
		b.WriteString(p.Type)
	}
	b.WriteString(")")
	if len(s.Results) == 1 {
		b.WriteString(" -> ")
		b.WriteString(s.Results[0].Type)
	}
	return b.String()
}

func (s *Signature) flatParams() []api.ValueType {
	var out []api.ValueType
	for _, p := range s.Params {
		out = append(out, p.Kind.flat()...)
	}
	return out
}

func (s *Signature) flatResults() []api.ValueType {
	var out []api.ValueType
	for _, p := range s.Results {
		out = append(out, p.Kind.flat()...)
	}
	return out
}

// declaringType extracts the resource name from method-style export names:
// "[method]counter.bump", "[static]counter.make" and "[constructor]counter"
// all belong to "counter".
func declaringType(name string) string {
	if !strings.HasPrefix(name, "[") {
		return ""
	}
	end := strings.Index(name, "]")
	if end < 0 {
		return ""
	}
	rest := name[end+1:]
	switch name[1:end] {
	case "constructor":
		return rest
	case "method", "static":
		if dot := strings.Index(rest, "."); dot > 0 {
			return rest[:dot]
		}
	}
	return ""
}

var funcPattern = regexp.MustCompile(`(?:export\s+)?((?:\[[a-z]+\])?[a-zA-Z_][a-zA-Z0-9_-]*(?:\.[a-zA-Z_][a-zA-Z0-9_-]*)?)\s*:\s*func\s*\(([^)]*)\)(?:\s*->\s*([^;]+))?`)

// parseWIT extracts function signatures from WIT text of the form
//
//	[export] name: func(p: type, ...) [-> type];
//
// Handle types are written own<resource> and borrow<resource>.
func parseWIT(text string) (map[string]*Signature, error) {
	sigs := make(map[string]*Signature)

	for _, match := range funcPattern.FindAllStringSubmatch(text, -1) {
		sig := &Signature{Name: match[1], DeclaringType: declaringType(match[1])}

		if params := strings.TrimSpace(match[2]); params != "" {
			for _, part := range splitParams(params) {
				name, typ := "", part
				if idx := strings.Index(part, ":"); idx != -1 {
					name = strings.TrimSpace(part[:idx])
					typ = strings.TrimSpace(part[idx+1:])
				}
				p, err := parseParam(typ)
				if err != nil {
					return nil, errors.New(errors.PhaseParse, errors.KindInvalidData).
						Function(sig.Name).
						Cause(err).
						Detail("parse param type %s", typ).
						Build()
				}
				p.Name = name
				sig.Params = append(sig.Params, p)
			}
		}

		if result := strings.TrimSpace(match[3]); result != "" && result != "()" {
			p, err := parseParam(result)
			if err != nil {
				return nil, errors.New(errors.PhaseParse, errors.KindInvalidData).
					Function(sig.Name).
					Cause(err).
					Detail("parse result type %s", result).
					Build()
			}
			if p.Kind == KindString {
				return nil, errors.New(errors.PhaseParse, errors.KindUnsupported).
					Function(sig.Name).
					Detail("string results are not supported").
					Build()
			}
			sig.Results = []Param{p}
		}

		sigs[sig.Name] = sig
	}

	if len(sigs) == 0 {
		return nil, errors.InvalidInput(errors.PhaseParse, "no functions found in WIT text")
	}
	return sigs, nil
}

// parseParam maps a WIT type to a value kind.
func parseParam(s string) (Param, error) {
	s = strings.TrimSpace(s)
	for _, h := range [...]struct {
		prefix string
		kind   ValueKind
	}{{"own<", KindOwn}, {"borrow<", KindBorrow}} {
		if strings.HasPrefix(s, h.prefix) && strings.HasSuffix(s, ">") {
			res := strings.TrimSpace(s[len(h.prefix) : len(s)-1])
			if res == "" {
				return Param{}, errors.InvalidInput(errors.PhaseParse, "empty resource name in "+s)
			}
			return Param{Type: s, Kind: h.kind, Resource: res}, nil
		}
	}

	t, err := wit.ParseType(s)
	if err != nil {
		return Param{}, err
	}
	p := Param{Type: s}
	switch t.(type) {
	case wit.Bool:
		p.Kind = KindBool
	case wit.S8, wit.S16, wit.S32:
		p.Kind = KindS32
	case wit.U8, wit.U16, wit.U32, wit.Char:
		p.Kind = KindU32
	case wit.S64:
		p.Kind = KindS64
	case wit.U64:
		p.Kind = KindU64
	case wit.F32:
		p.Kind = KindF32
	case wit.F64:
		p.Kind = KindF64
	case wit.String:
		p.Kind = KindString
	default:
		return Param{}, errors.New(errors.PhaseParse, errors.KindUnsupported).
			Detail("type %s has no flat lowering", s).
			Build()
	}
	return p, nil
}

// splitParams splits a parameter list on top-level commas.
func splitParams(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, ch := range s {
		switch ch {
		case '(', '<':
			depth++
		case ')', '>':
			depth--
		case ',':
			if depth == 0 {
				if part := strings.TrimSpace(s[start:i]); part != "" {
					out = append(out, part)
				}
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

// coreSignature derives a signature from a core function definition when no
// WIT text describes it.
func coreSignature(name string, def api.FunctionDefinition) (*Signature, error) {
	sig := &Signature{Name: name, DeclaringType: declaringType(name)}
	names := def.ParamNames()
	for i, vt := range def.ParamTypes() {
		p, err := coreParam(vt)
		if err != nil {
			return nil, err
		}
		if i < len(names) {
			p.Name = names[i]
		}
		sig.Params = append(sig.Params, p)
	}
	results := def.ResultTypes()
	if len(results) > 1 {
		return nil, errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Function(name).
			Detail("multiple results").
			Build()
	}
	for _, vt := range results {
		p, err := coreParam(vt)
		if err != nil {
			return nil, err
		}
		sig.Results = append(sig.Results, p)
	}
	return sig, nil
}

func coreParam(vt api.ValueType) (Param, error) {
	switch vt {
	case api.ValueTypeI32:
		return Param{Type: "s32", Kind: KindS32}, nil
	case api.ValueTypeI64:
		return Param{Type: "s64", Kind: KindS64}, nil
	case api.ValueTypeF32:
		return Param{Type: "f32", Kind: KindF32}, nil
	case api.ValueTypeF64:
		return Param{Type: "f64", Kind: KindF64}, nil
	default:
		return Param{}, errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Detail("core value type %s", api.ValueTypeName(vt)).
			Build()
	}
}

// matchCore checks that a WIT signature lowers to the core definition.
func matchCore(sig *Signature, def api.FunctionDefinition) error {
	if !sameTypes(sig.flatParams(), def.ParamTypes()) || !sameTypes(sig.flatResults(), def.ResultTypes()) {
		return errors.New(errors.PhaseLoad, errors.KindTypeMismatch).
			Function(sig.Name).
			Detail("declared %s does not match core type %s", sig, coreTypeString(def)).
			Build()
	}
	return nil
}

func sameTypes(a, b []api.ValueType) bool {
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

func coreTypeString(def api.FunctionDefinition) string {
	names := func(vts []api.ValueType) string {
		parts := make([]string, len(vts))
		for i, vt := range vts {
			parts[i] = api.ValueTypeName(vt)
		}
		return strings.Join(parts, ", ")
	}
	return "(" + names(def.ParamTypes()) + ") -> (" + names(def.ResultTypes()) + ")"
}

// sortedSignatures returns signatures ordered by name.
func sortedSignatures(m map[string]*Signature) []*Signature {
	out := make([]*Signature, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
