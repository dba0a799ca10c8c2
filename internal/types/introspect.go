package types

import (
	"fmt"

	"github.com/apex/log"
)

// FieldOffset returns the byte offset of the named member of a structure.
// t may be the structure itself or a typedef of it. Bit offsets are
// truncated to whole bytes.
func FieldOffset(t Type, name string) (uint64, error) {
	if t == nil {
		return 0, fmt.Errorf("%w: nil type", ErrIntrospection)
	}
	s, ok := Underlying(t).(*Struct)
	if !ok {
		return 0, fmt.Errorf("%w: %s is a %s, not a struct", ErrIntrospection, t, Underlying(t).Kind())
	}
	if s.Opaque {
		return 0, fmt.Errorf("%w: no layout for %s", ErrIntrospection, s.Name)
	}
	for _, m := range s.Members {
		if m.Name == name {
			return m.BitOffset >> 3, nil
		}
	}
	return 0, fmt.Errorf("%w: %s::%s", ErrFieldNotFound, s.Name, name)
}

// MemberAt returns the member starting at byte offset off.
func MemberAt(t Type, off uint64) (Member, bool) {
	s, ok := Underlying(t).(*Struct)
	if !ok || s.Opaque {
		return Member{}, false
	}
	for _, m := range s.Members {
		if m.BitOffset>>3 == off {
			return m, true
		}
	}
	return Member{}, false
}

// IsPrimitiveArray reports whether t is an array whose elements are
// primitives, or pointers to primitives through at most maxPtrDepth pointer
// layers. At depth 1 "int *[10]" is accepted; at depth 2 "int **[10]" is.
//
// The decompiler sometimes turns a stack slot whose address is taken into a
// small array; such arrays are safe to retype like scalars.
func IsPrimitiveArray(t Type, maxPtrDepth int) bool {
	a, ok := Underlying(t).(*Array)
	if !ok {
		return false
	}
	if a.Elem == nil {
		log.Debugf("%s: array without element type", t)
		return false
	}

	et := a.Elem
	for depth := 0; ; depth++ {
		prim := IsPrimitive(et)
		log.Debugf("IsPrimitiveArray[%d]: elem_type = %s, primitive = %t", depth, et, prim)
		if prim {
			return true
		}
		if depth >= maxPtrDepth {
			return false
		}
		next, ok := RemovePointer(et)
		if !ok {
			return false
		}
		et = next
	}
}
