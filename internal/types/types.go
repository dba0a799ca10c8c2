// Package types models the decompiler's type system: primitives, pointers,
// arrays, structures, typedefs and function prototypes.
package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFieldNotFound = errors.New("types: field not found")
	ErrIntrospection = errors.New("types: introspection failed")
)

// PointerSize is the width of a data pointer on the x86-64 targets we handle.
const PointerSize = 8

// Kind tags a Type variant.
type Kind int

const (
	KindVoid Kind = iota
	KindPrimitive
	KindPointer
	KindArray
	KindStruct
	KindTypedef
	KindFunc
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindPrimitive:
		return "primitive"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindTypedef:
		return "typedef"
	case KindFunc:
		return "func"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Type is one of *Void, *Primitive, *Pointer, *Array, *Struct, *Typedef, *Func.
type Type interface {
	Kind() Kind
	// Size is the storage size in bytes, or -1 when unknown.
	Size() int
	String() string

	isType()
}

type Void struct{}

// Primitive is an integer, floating point or boolean scalar.
type Primitive struct {
	Name  string
	Bytes int
	Float bool
}

type Pointer struct {
	Elem Type
}

type Array struct {
	Elem Type
	Len  int
}

// Struct is a user-defined aggregate. A Struct with Opaque set is a forward
// reference whose layout is not available.
type Struct struct {
	Name    string
	Bytes   int
	Members []Member
	Opaque  bool
}

// Member is a structure field. Offsets are kept in bits, as the decompiler
// reports them.
type Member struct {
	Name      string `json:"name"`
	BitOffset uint64 `json:"offset_bits"`
	Type      Type   `json:"-"`
}

type Typedef struct {
	Name  string
	Under Type
}

type Func struct {
	Ret    Type
	Params []Type
}

func (*Void) Kind() Kind      { return KindVoid }
func (*Primitive) Kind() Kind { return KindPrimitive }
func (*Pointer) Kind() Kind   { return KindPointer }
func (*Array) Kind() Kind     { return KindArray }
func (*Struct) Kind() Kind    { return KindStruct }
func (*Typedef) Kind() Kind   { return KindTypedef }
func (*Func) Kind() Kind      { return KindFunc }

func (*Void) isType()      {}
func (*Primitive) isType() {}
func (*Pointer) isType()   {}
func (*Array) isType()     {}
func (*Struct) isType()    {}
func (*Typedef) isType()   {}
func (*Func) isType()      {}

func (*Void) Size() int        { return 0 }
func (p *Primitive) Size() int { return p.Bytes }
func (*Pointer) Size() int     { return PointerSize }
func (*Func) Size() int        { return -1 }

func (a *Array) Size() int {
	es := a.Elem.Size()
	if es < 0 || a.Len < 0 {
		return -1
	}
	return es * a.Len
}

func (s *Struct) Size() int {
	if s.Opaque {
		return -1
	}
	return s.Bytes
}

func (t *Typedef) Size() int {
	if t.Under == nil {
		return -1
	}
	return t.Under.Size()
}

func (*Void) String() string        { return "void" }
func (p *Primitive) String() string { return p.Name }
func (s *Struct) String() string    { return s.Name }
func (t *Typedef) String() string   { return t.Name }

func (p *Pointer) String() string {
	s := p.Elem.String()
	if strings.HasSuffix(s, "*") {
		return s + "*"
	}
	return s + " *"
}

func (a *Array) String() string {
	var dims strings.Builder
	var t Type = a
	for {
		arr, ok := t.(*Array)
		if !ok {
			break
		}
		fmt.Fprintf(&dims, "[%d]", arr.Len)
		t = arr.Elem
	}
	return t.String() + dims.String()
}

func (f *Func) String() string {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = p.String()
	}
	ret := "void"
	if f.Ret != nil {
		ret = f.Ret.String()
	}
	return fmt.Sprintf("%s (*)(%s)", ret, strings.Join(params, ", "))
}

// PointerTo returns t with n pointer layers added.
func PointerTo(t Type, n int) Type {
	for i := 0; i < n; i++ {
		t = &Pointer{Elem: t}
	}
	return t
}

// RemovePointer strips one pointer layer, looking through typedefs.
// It returns false when t is not a pointer.
func RemovePointer(t Type) (Type, bool) {
	p, ok := Underlying(t).(*Pointer)
	if !ok {
		return nil, false
	}
	return p.Elem, true
}

// Underlying resolves typedef chains. A typedef without a target resolves to
// itself.
func Underlying(t Type) Type {
	for i := 0; i < 64; i++ {
		td, ok := t.(*Typedef)
		if !ok || td.Under == nil {
			return t
		}
		t = td.Under
	}
	return t
}

// IsPointer reports whether t is a pointer after typedef resolution.
func IsPointer(t Type) bool {
	_, ok := Underlying(t).(*Pointer)
	return ok
}

// IsPrimitive reports whether t is a scalar leaf type (integer, float, bool).
func IsPrimitive(t Type) bool {
	_, ok := Underlying(t).(*Primitive)
	return ok
}

// PointeeStruct returns the structure a pointer type points to.
func PointeeStruct(t Type) (*Struct, bool) {
	elem, ok := RemovePointer(t)
	if !ok {
		return nil, false
	}
	s, ok := Underlying(elem).(*Struct)
	return s, ok
}

// Identical reports structural identity. Structures compare by name.
func Identical(a, b Type) bool {
	if a == nil || b == nil {
		return a == b
	}
	a, b = Underlying(a), Underlying(b)
	if a.Kind() != b.Kind() {
		return false
	}
	switch a := a.(type) {
	case *Void:
		return true
	case *Primitive:
		b := b.(*Primitive)
		return a.Bytes == b.Bytes && a.Float == b.Float
	case *Pointer:
		return Identical(a.Elem, b.(*Pointer).Elem)
	case *Array:
		b := b.(*Array)
		return a.Len == b.Len && Identical(a.Elem, b.Elem)
	case *Struct:
		return a.Name == b.(*Struct).Name
	case *Func:
		b := b.(*Func)
		if len(a.Params) != len(b.Params) || !Identical(a.Ret, b.Ret) {
			return false
		}
		for i := range a.Params {
			if !Identical(a.Params[i], b.Params[i]) {
				return false
			}
		}
		return true
	}
	return false
}
