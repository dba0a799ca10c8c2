package types

import (
	"errors"
	"testing"
)

var (
	int32T = builtins["int32_t"]
	uint8T = builtins["UINT8"]
)

func TestFieldOffset(t *testing.T) {
	st := &Struct{
		Name:  "EFI_TABLE",
		Bytes: 24,
		Members: []Member{
			{Name: "Signature", BitOffset: 0, Type: builtins["UINT64"]},
			{Name: "Revision", BitOffset: 64, Type: builtins["UINT32"]},
			{Name: "Flags", BitOffset: 100, Type: builtins["UINT8"]},
		},
	}

	off, err := FieldOffset(st, "Revision")
	if err != nil {
		t.Fatal(err)
	}
	if off != 8 {
		t.Errorf("Revision offset = %d, want 8", off)
	}

	// Bit offsets are truncated.
	off, err = FieldOffset(st, "Flags")
	if err != nil {
		t.Fatal(err)
	}
	if off != 12 {
		t.Errorf("Flags offset = %d, want 12", off)
	}

	_, err = FieldOffset(st, "Missing")
	if !errors.Is(err, ErrFieldNotFound) {
		t.Errorf("missing field: err = %v, want ErrFieldNotFound", err)
	}
}

func TestFieldOffsetThroughTypedef(t *testing.T) {
	st := &Struct{Name: "_S", Bytes: 16, Members: []Member{{Name: "B", BitOffset: 64, Type: int32T}}}
	td := &Typedef{Name: "S", Under: st}
	off, err := FieldOffset(td, "B")
	if err != nil {
		t.Fatal(err)
	}
	if off != 8 {
		t.Errorf("offset = %d, want 8", off)
	}
}

func TestFieldOffsetIntrospectionFailure(t *testing.T) {
	cases := []struct {
		name string
		typ  Type
	}{
		{"opaque", &Struct{Name: "FWD", Opaque: true}},
		{"not struct", int32T},
		{"pointer", &Pointer{Elem: &Struct{Name: "X"}}},
		{"nil", nil},
		{"unresolved typedef", &Typedef{Name: "T"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := FieldOffset(c.typ, "A")
			if !errors.Is(err, ErrIntrospection) {
				t.Errorf("err = %v, want ErrIntrospection", err)
			}
		})
	}
}

func TestIsPrimitiveArray(t *testing.T) {
	guid := &Struct{Name: "EFI_GUID", Bytes: 16}
	cases := []struct {
		name  string
		typ   Type
		depth int
		want  bool
	}{
		{"int32[10] depth 0", &Array{Elem: int32T, Len: 10}, 0, true},
		{"int32**[10] depth 1", &Array{Elem: PointerTo(int32T, 2), Len: 10}, 1, false},
		{"int32**[10] depth 2", &Array{Elem: PointerTo(int32T, 2), Len: 10}, 2, true},
		{"int32*[10] depth 0", &Array{Elem: PointerTo(int32T, 1), Len: 10}, 0, false},
		{"int32*[2] depth 1", &Array{Elem: PointerTo(int32T, 1), Len: 2}, 1, true},
		{"non-array", int32T, 3, false},
		{"pointer", PointerTo(int32T, 1), 3, false},
		{"struct array", &Array{Elem: guid, Len: 2}, 2, false},
		{"struct ptr array", &Array{Elem: PointerTo(guid, 1), Len: 2}, 2, false},
		{"typedef elem", &Array{Elem: &Typedef{Name: "UINTN", Under: builtins["UINT64"]}, Len: 1}, 0, true},
		{"typedef array", &Typedef{Name: "BUF", Under: &Array{Elem: uint8T, Len: 8}}, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsPrimitiveArray(c.typ, c.depth); got != c.want {
				t.Errorf("IsPrimitiveArray(%s, %d) = %v, want %v", c.typ, c.depth, got, c.want)
			}
		})
	}
}

func TestTypeStrings(t *testing.T) {
	st := &Struct{Name: "EFI_SMM_BASE2_PROTOCOL"}
	checks := []struct {
		typ  Type
		want string
	}{
		{PointerTo(st, 1), "EFI_SMM_BASE2_PROTOCOL *"},
		{PointerTo(st, 2), "EFI_SMM_BASE2_PROTOCOL **"},
		{&Array{Elem: PointerTo(int32T, 1), Len: 4}, "int32_t *[4]"},
		{&Array{Elem: &Array{Elem: int32T, Len: 3}, Len: 2}, "int32_t[2][3]"},
	}
	for _, c := range checks {
		if got := c.typ.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestIdentical(t *testing.T) {
	a := PointerTo(&Struct{Name: "P"}, 1)
	b := PointerTo(&Typedef{Name: "PT", Under: &Struct{Name: "P"}}, 1)
	if !Identical(a, b) {
		t.Errorf("Identical(%s, %s) = false", a, b)
	}
	if Identical(a, PointerTo(&Struct{Name: "Q"}, 1)) {
		t.Error("distinct structs reported identical")
	}
	if Identical(PointerTo(int32T, 1), PointerTo(int32T, 2)) {
		t.Error("pointer depth ignored")
	}
}

func TestSizes(t *testing.T) {
	if got := (&Array{Elem: PointerTo(int32T, 1), Len: 3}).Size(); got != 24 {
		t.Errorf("ptr array size = %d, want 24", got)
	}
	if got := (&Struct{Name: "F", Opaque: true}).Size(); got != -1 {
		t.Errorf("opaque size = %d, want -1", got)
	}
}
