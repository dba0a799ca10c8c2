package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var ErrBadTypeExpr = errors.New("types: bad type expression")

// Library is a named type collection exported from the host's type system.
// Unknown names referenced from expressions become opaque structures so that
// pointers to them can still be formed. It is safe for concurrent use.
type Library struct {
	mu    sync.RWMutex
	named map[string]Type
}

// builtins covers C, IDA and EDK2 spellings of scalar types.
var builtins = map[string]Type{
	"void": &Void{},

	"bool":     &Primitive{Name: "bool", Bytes: 1},
	"_BOOL1":   &Primitive{Name: "_BOOL1", Bytes: 1},
	"BOOLEAN":  &Primitive{Name: "BOOLEAN", Bytes: 1},
	"char":     &Primitive{Name: "char", Bytes: 1},
	"CHAR8":    &Primitive{Name: "CHAR8", Bytes: 1},
	"CHAR16":   &Primitive{Name: "CHAR16", Bytes: 2},
	"wchar_t":  &Primitive{Name: "wchar_t", Bytes: 2},
	"_BYTE":    &Primitive{Name: "_BYTE", Bytes: 1},
	"_WORD":    &Primitive{Name: "_WORD", Bytes: 2},
	"_DWORD":   &Primitive{Name: "_DWORD", Bytes: 4},
	"_QWORD":   &Primitive{Name: "_QWORD", Bytes: 8},
	"__int8":   &Primitive{Name: "__int8", Bytes: 1},
	"__int16":  &Primitive{Name: "__int16", Bytes: 2},
	"__int32":  &Primitive{Name: "__int32", Bytes: 4},
	"__int64":  &Primitive{Name: "__int64", Bytes: 8},
	"int":      &Primitive{Name: "int", Bytes: 4},
	"short":    &Primitive{Name: "short", Bytes: 2},
	"long":     &Primitive{Name: "long", Bytes: 8},
	"int8_t":   &Primitive{Name: "int8_t", Bytes: 1},
	"int16_t":  &Primitive{Name: "int16_t", Bytes: 2},
	"int32_t":  &Primitive{Name: "int32_t", Bytes: 4},
	"int64_t":  &Primitive{Name: "int64_t", Bytes: 8},
	"uint8_t":  &Primitive{Name: "uint8_t", Bytes: 1},
	"uint16_t": &Primitive{Name: "uint16_t", Bytes: 2},
	"uint32_t": &Primitive{Name: "uint32_t", Bytes: 4},
	"uint64_t": &Primitive{Name: "uint64_t", Bytes: 8},
	"INT8":     &Primitive{Name: "INT8", Bytes: 1},
	"INT16":    &Primitive{Name: "INT16", Bytes: 2},
	"INT32":    &Primitive{Name: "INT32", Bytes: 4},
	"INT64":    &Primitive{Name: "INT64", Bytes: 8},
	"INTN":     &Primitive{Name: "INTN", Bytes: 8},
	"UINT8":    &Primitive{Name: "UINT8", Bytes: 1},
	"UINT16":   &Primitive{Name: "UINT16", Bytes: 2},
	"UINT32":   &Primitive{Name: "UINT32", Bytes: 4},
	"UINT64":   &Primitive{Name: "UINT64", Bytes: 8},
	"UINTN":    &Primitive{Name: "UINTN", Bytes: 8},
	"float":    &Primitive{Name: "float", Bytes: 4, Float: true},
	"double":   &Primitive{Name: "double", Bytes: 8, Float: true},
}

// NewLibrary returns a library holding only the builtin scalars.
func NewLibrary() *Library {
	return &Library{named: make(map[string]Type)}
}

// Lookup returns a named type.
func (l *Library) Lookup(name string) (Type, bool) {
	if t, ok := builtins[name]; ok {
		return t, true
	}
	l.mu.RLock()
	t, ok := l.named[name]
	l.mu.RUnlock()
	return t, ok
}

// Names returns the user-defined type names in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.named))
	for n := range l.named {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Define adds or replaces a named type. Defining a structure over an opaque
// forward reference fills the reference in place.
func (l *Library) Define(name string, t Type) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.named[name].(*Struct); ok && prev.Opaque {
		if s, ok := t.(*Struct); ok {
			*prev = *s
			prev.Name = name
			return
		}
	}
	l.named[name] = t
}

// Struct returns the structure registered under name, creating an opaque
// forward reference if it does not exist yet.
func (l *Library) Struct(name string) *Struct {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.named[name].(*Struct); ok {
		return s
	}
	s := &Struct{Name: name, Opaque: true}
	l.named[name] = s
	return s
}

// Parse resolves a C-style type expression such as "EFI_GUID *",
// "UINT64 *[4]" or "const CHAR16 *".
func (l *Library) Parse(expr string) (Type, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadTypeExpr)
	}

	var dims []int
	for strings.HasSuffix(s, "]") {
		open := strings.LastIndexByte(s, '[')
		if open < 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadTypeExpr, expr)
		}
		n, err := strconv.Atoi(strings.TrimSpace(s[open+1 : len(s)-1]))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: array length in %q", ErrBadTypeExpr, expr)
		}
		dims = append(dims, n)
		s = strings.TrimSpace(s[:open])
	}

	ptrs := 0
	for strings.HasSuffix(s, "*") {
		ptrs++
		s = strings.TrimSpace(s[:len(s)-1])
	}

	base, err := l.base(s)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", expr, err)
	}
	t := PointerTo(base, ptrs)
	// dims were collected innermost first.
	for _, n := range dims {
		t = &Array{Elem: t, Len: n}
	}
	return t, nil
}

func (l *Library) base(s string) (Type, error) {
	var words []string
	for _, w := range strings.Fields(s) {
		switch w {
		case "const", "volatile", "struct", "union", "enum":
			continue
		}
		words = append(words, w)
	}
	switch len(words) {
	case 0:
		return nil, ErrBadTypeExpr
	case 1:
	default:
		// "unsigned __int64", "signed int" and the like.
		if words[0] == "unsigned" || words[0] == "signed" {
			name := strings.Join(words, " ")
			if t, ok := builtins[words[len(words)-1]]; ok {
				p := *t.(*Primitive)
				p.Name = name
				return &p, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrBadTypeExpr, s)
	}
	if t, ok := l.Lookup(words[0]); ok {
		return t, nil
	}
	return l.Struct(words[0]), nil
}

// decl is one entry of a type library dump.
type decl struct {
	Name    string       `json:"name"`
	Kind    string       `json:"kind"`
	Size    int          `json:"size,omitempty"`
	Type    string       `json:"type,omitempty"`
	Members []memberDecl `json:"members,omitempty"`
	Ret     string       `json:"ret,omitempty"`
	Params  []string     `json:"params,omitempty"`
}

type memberDecl struct {
	Name       string `json:"name"`
	OffsetBits uint64 `json:"offset_bits"`
	Type       string `json:"type"`
}

// LoadLibrary reads a type library dump ({"types": [...]}).
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("types: read %s: %w", path, err)
	}
	return ParseLibrary(data)
}

// ParseLibrary decodes a type library dump. Structures are created before
// any member is resolved so declarations may reference each other in any
// order. A structure owns its name: a typedef of the same name must alias
// that structure and is folded into it.
func ParseLibrary(data []byte) (*Library, error) {
	var doc struct {
		Types []decl `json:"types"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("types: decode library: %w", err)
	}

	l := NewLibrary()
	structs := make(map[string]bool)
	for _, d := range doc.Types {
		if d.Name == "" {
			return nil, fmt.Errorf("types: declaration without name")
		}
		switch d.Kind {
		case "struct", "union":
			structs[d.Name] = true
			l.Struct(d.Name)
		case "typedef", "func":
		default:
			return nil, fmt.Errorf("types: %s: unknown kind %q", d.Name, d.Kind)
		}
	}
	for _, d := range doc.Types {
		if (d.Kind == "typedef" || d.Kind == "func") && !structs[d.Name] {
			l.named[d.Name] = &Typedef{Name: d.Name}
		}
	}

	for _, d := range doc.Types {
		switch d.Kind {
		case "struct", "union":
			s := l.Struct(d.Name)
			s.Opaque = false
			s.Bytes = d.Size
			s.Members = s.Members[:0]
			for _, md := range d.Members {
				mt, err := l.Parse(md.Type)
				if err != nil {
					return nil, fmt.Errorf("types: %s::%s: %w", d.Name, md.Name, err)
				}
				s.Members = append(s.Members, Member{Name: md.Name, BitOffset: md.OffsetBits, Type: mt})
			}
		case "typedef":
			under, err := l.Parse(d.Type)
			if err != nil {
				return nil, fmt.Errorf("types: typedef %s: %w", d.Name, err)
			}
			if structs[d.Name] {
				if under != l.named[d.Name] {
					return nil, fmt.Errorf("types: typedef %s = %s conflicts with struct %s", d.Name, under, d.Name)
				}
				continue
			}
			td, ok := l.named[d.Name].(*Typedef)
			if !ok {
				return nil, fmt.Errorf("types: typedef %s redeclared", d.Name)
			}
			td.Under = under
		case "func":
			if structs[d.Name] {
				return nil, fmt.Errorf("types: func %s conflicts with struct %s", d.Name, d.Name)
			}
			fn := &Func{}
			if d.Ret != "" {
				rt, err := l.Parse(d.Ret)
				if err != nil {
					return nil, fmt.Errorf("types: func %s: %w", d.Name, err)
				}
				fn.Ret = rt
			}
			for _, p := range d.Params {
				pt, err := l.Parse(p)
				if err != nil {
					return nil, fmt.Errorf("types: func %s: %w", d.Name, err)
				}
				fn.Params = append(fn.Params, pt)
			}
			td, ok := l.named[d.Name].(*Typedef)
			if !ok {
				return nil, fmt.Errorf("types: func %s redeclared", d.Name)
			}
			td.Under = &Pointer{Elem: fn}
		}
	}
	return l, nil
}
