package types

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

const libJSON = `{
  "types": [
    {"name": "EFI_BOOT_SERVICES", "kind": "struct", "size": 376, "members": [
      {"name": "Hdr", "offset_bits": 0, "type": "EFI_TABLE_HEADER"},
      {"name": "HandleProtocol", "offset_bits": 1216, "type": "EFI_HANDLE_PROTOCOL"},
      {"name": "LocateProtocol", "offset_bits": 2560, "type": "EFI_LOCATE_PROTOCOL"}
    ]},
    {"name": "EFI_TABLE_HEADER", "kind": "struct", "size": 24, "members": [
      {"name": "Signature", "offset_bits": 0, "type": "UINT64"},
      {"name": "Revision", "offset_bits": 64, "type": "UINT32"}
    ]},
    {"name": "EFI_HANDLE", "kind": "typedef", "type": "void *"},
    {"name": "EFI_STATUS", "kind": "typedef", "type": "UINTN"},
    {"name": "EFI_HANDLE_PROTOCOL", "kind": "func", "ret": "EFI_STATUS",
     "params": ["EFI_HANDLE", "EFI_GUID *", "void **"]},
    {"name": "EFI_LOCATE_PROTOCOL", "kind": "func", "ret": "EFI_STATUS",
     "params": ["EFI_GUID *", "void *", "void **"]}
  ]
}`

func TestParseLibrary(t *testing.T) {
	lib, err := ParseLibrary([]byte(libJSON))
	if err != nil {
		t.Fatal(err)
	}

	bs, ok := lib.Lookup("EFI_BOOT_SERVICES")
	if !ok {
		t.Fatal("EFI_BOOT_SERVICES not defined")
	}
	off, err := FieldOffset(bs, "LocateProtocol")
	if err != nil {
		t.Fatal(err)
	}
	if off != 0x140 {
		t.Errorf("LocateProtocol offset = 0x%x, want 0x140", off)
	}

	// Forward reference resolved in place.
	hdr := bs.(*Struct).Members[0].Type
	if hdr.Size() != 24 {
		t.Errorf("Hdr size = %d, want 24", hdr.Size())
	}

	// EFI_GUID was never declared: opaque.
	guid, ok := lib.Lookup("EFI_GUID")
	if !ok {
		t.Fatal("EFI_GUID forward reference missing")
	}
	if _, err := FieldOffset(guid, "Data1"); !errors.Is(err, ErrIntrospection) {
		t.Errorf("opaque EFI_GUID: err = %v", err)
	}

	lp, _ := lib.Lookup("EFI_LOCATE_PROTOCOL")
	if !IsPointer(lp) {
		t.Errorf("EFI_LOCATE_PROTOCOL = %s, want function pointer", Underlying(lp))
	}
}

func TestParseLibrarySharedNames(t *testing.T) {
	// Both declaration orders of "typedef struct EFI_GUID EFI_GUID".
	for _, doc := range []string{
		`{"types": [
		  {"name": "EFI_GUID", "kind": "struct", "size": 16, "members": [
		    {"name": "Data1", "offset_bits": 0, "type": "UINT32"}]},
		  {"name": "EFI_GUID", "kind": "typedef", "type": "struct EFI_GUID"}]}`,
		`{"types": [
		  {"name": "EFI_GUID", "kind": "typedef", "type": "EFI_GUID"},
		  {"name": "EFI_GUID", "kind": "struct", "size": 16, "members": [
		    {"name": "Data1", "offset_bits": 0, "type": "UINT32"}]}]}`,
	} {
		lib, err := ParseLibrary([]byte(doc))
		if err != nil {
			t.Fatal(err)
		}
		g, ok := lib.Lookup("EFI_GUID")
		if !ok {
			t.Fatal("EFI_GUID not defined")
		}
		if s, ok := g.(*Struct); !ok || s.Opaque || s.Size() != 16 {
			t.Errorf("EFI_GUID = %#v, want the declared struct", g)
		}
	}

	conflicts := []string{
		`{"types": [
		  {"name": "X", "kind": "struct", "size": 8},
		  {"name": "X", "kind": "typedef", "type": "UINT64"}]}`,
		`{"types": [
		  {"name": "X", "kind": "func", "ret": "void"},
		  {"name": "X", "kind": "struct", "size": 8}]}`,
	}
	for _, doc := range conflicts {
		if _, err := ParseLibrary([]byte(doc)); err == nil {
			t.Errorf("ParseLibrary(%s) succeeded, want conflict error", doc)
		}
	}
}

func TestLibraryParseExpr(t *testing.T) {
	lib := NewLibrary()
	cases := []struct {
		expr string
		want string
		size int
	}{
		{"void **", "void **", 8},
		{"UINT64[4]", "UINT64[4]", 32},
		{"int32_t *[10]", "int32_t *[10]", 80},
		{"const CHAR16 *", "CHAR16 *", 8},
		{"unsigned __int64", "unsigned __int64", 8},
		{"struct FOO *", "FOO *", 8},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			got, err := lib.Parse(c.expr)
			if err != nil {
				t.Fatal(err)
			}
			if got.String() != c.want {
				t.Errorf("Parse(%q) = %q, want %q", c.expr, got, c.want)
			}
			if got.Size() != c.size {
				t.Errorf("Parse(%q).Size() = %d, want %d", c.expr, got.Size(), c.size)
			}
		})
	}

	for _, bad := range []string{"", "int[x]", "long long long"} {
		if _, err := lib.Parse(bad); !errors.Is(err, ErrBadTypeExpr) {
			t.Errorf("Parse(%q): err = %v, want ErrBadTypeExpr", bad, err)
		}
	}
}

func TestLibraryDefineFillsForwardRef(t *testing.T) {
	lib := NewLibrary()
	p, err := lib.Parse("LATER *")
	if err != nil {
		t.Fatal(err)
	}
	lib.Define("LATER", &Struct{Bytes: 8, Members: []Member{{Name: "X", BitOffset: 32, Type: int32T}}})

	s, ok := PointeeStruct(p)
	if !ok {
		t.Fatal("not a struct pointer")
	}
	if s.Name != "LATER" || s.Opaque {
		t.Errorf("forward ref not filled: %+v", s)
	}
	if off, err := FieldOffset(s, "X"); err != nil || off != 4 {
		t.Errorf("FieldOffset = %d, %v", off, err)
	}
}

func TestLibraryConcurrentParse(t *testing.T) {
	lib := NewLibrary()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := lib.Parse(fmt.Sprintf("FWD_%d *", i%3)); err != nil {
				t.Error(err)
			}
			lib.Lookup("FWD_0")
		}(i)
	}
	wg.Wait()
	if n := len(lib.Names()); n != 3 {
		t.Errorf("Names() = %d, want 3", n)
	}
}
