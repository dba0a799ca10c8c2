package ctree

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"efiretype/internal/types"
)

const libJSON = `{"types": [
  {"name": "EFI_BOOT_SERVICES", "kind": "struct", "size": 376, "members": [
    {"name": "HandleProtocol", "offset_bits": 1216, "type": "void *"},
    {"name": "LocateProtocol", "offset_bits": 2560, "type": "void *"}
  ]}
]}`

// EFI_STATUS f() { v0 = gBS->LocateProtocol(&gGuid, 0, &v1); if (v0) return v0; ... }
const funcJSON = `{
  "ea": "0x1000",
  "name": "ModuleEntryPoint",
  "lvars": [
    {"name": "v0", "type": "UINTN"},
    {"name": "v1", "type": "void *"},
    {"name": "buf", "type": "UINT64[2]"}
  ],
  "body": {"op": "block", "stmts": [
    {"op": "expr", "ea": "0x1010", "x": {"op": "asg",
      "x": {"op": "var", "var": 0},
      "y": {"op": "call", "ea": "0x1010",
        "target": {"op": "memptr", "offset": 320,
          "x": {"op": "obj", "ea": "0x3000", "name": "gBS", "type": "EFI_BOOT_SERVICES *"}},
        "args": [
          {"op": "ref", "x": {"op": "obj", "ea": "0x2000", "name": "gGuid", "type": "EFI_GUID"}},
          {"op": "num", "value": 0, "type": "void *"},
          {"op": "ref", "x": {"op": "var", "var": 1}}
        ]}}},
    {"op": "if", "cond": {"op": "var", "var": 0},
      "then": {"op": "return", "x": {"op": "var", "var": 0}}},
    {"op": "while", "cond": {"op": "num", "value": "0x1"}, "body": {"op": "block", "stmts": [
      {"op": "expr", "ea": "0x1030", "x": {"op": "call", "ea": "0x1030",
        "target": {"op": "obj", "ea": "0x4000", "name": "sub_4000"},
        "args": [{"op": "cast", "type": "void **", "x": {"op": "ref", "x": {"op": "idx",
          "x": {"op": "var", "var": 2}, "index": {"op": "num", "value": 1}}}}]}},
      {"op": "break"}
    ]}},
    {"op": "return", "x": {"op": "num", "value": 0}}
  ]}
}`

func decodeSample(t *testing.T) *Func {
	t.Helper()
	lib, err := types.ParseLibrary([]byte(libJSON))
	if err != nil {
		t.Fatal(err)
	}
	fn, err := DecodeFunc([]byte(funcJSON), lib)
	if err != nil {
		t.Fatal(err)
	}
	return fn
}

func TestDecodeFunc(t *testing.T) {
	fn := decodeSample(t)
	if fn.EA != 0x1000 || fn.Name != "ModuleEntryPoint" {
		t.Errorf("header = %v %q", fn.EA, fn.Name)
	}
	if len(fn.LVars) != 3 {
		t.Fatalf("lvars = %d, want 3", len(fn.LVars))
	}

	calls := Calls(fn)
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}

	c := calls[0]
	if c.Addr != 0x1010 {
		t.Errorf("call addr = %v", c.Addr)
	}
	mp, ok := c.Target.(*MemPtr)
	if !ok {
		t.Fatalf("target = %T, want *MemPtr", c.Target)
	}
	// Field name filled from the structure layout.
	if mp.Field != "LocateProtocol" || mp.Offset != 0x140 {
		t.Errorf("memptr = %s @0x%x", mp.Field, mp.Offset)
	}
	if got, want := String(c), "gBS->LocateProtocol(&gGuid, 0x0, &v1)"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if got := c.Args[2].Type().String(); got != "void **" {
		t.Errorf("&v1 type = %q, want void **", got)
	}

	if got, want := String(calls[1]), "sub_4000((void **)&buf[0x1])"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	idx := StripCasts(calls[1].Args[0]).(*Ref).X.(*Index)
	if got := idx.Type().String(); got != "UINT64" {
		t.Errorf("buf[1] type = %q, want UINT64", got)
	}
}

func TestVarTypeTracksLVar(t *testing.T) {
	fn := decodeSample(t)
	v := StripCasts(Calls(fn)[0].Args[2]).(*Ref).X.(*Var)
	fn.LVars[1].Type = types.PointerTo(&types.Struct{Name: "EFI_X_PROTOCOL"}, 1)
	if got := v.Type().String(); got != "EFI_X_PROTOCOL *" {
		t.Errorf("var type after retype = %q", got)
	}
}

func TestInspectSkipsChildren(t *testing.T) {
	fn := decodeSample(t)
	var ops []Op
	Inspect(fn.Body, func(e Expr) bool {
		ops = append(ops, e.Op())
		return e.Op() != OpCall
	})
	want := []Op{
		OpAsg, OpVar, OpCall,
		OpVar, OpVar,
		OpNum, OpCall,
		OpNum,
	}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("walk order mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown stmt", `{"op": "switchy"}`},
		{"unknown expr", `{"op": "expr", "x": {"op": "ternary"}}`},
		{"var out of range", `{"op": "expr", "x": {"op": "var", "var": 7}}`},
		{"cast without type", `{"op": "expr", "x": {"op": "cast", "x": {"op": "num"}}}`},
		{"missing operand", `{"op": "expr", "x": {"op": "ref"}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			doc := `{"ea": 16, "name": "f", "lvars": [], "body": ` + c.body + `}`
			_, err := DecodeFunc([]byte(doc), nil)
			if !errors.Is(err, ErrBadTree) {
				t.Errorf("err = %v, want ErrBadTree", err)
			}
		})
	}
}

func TestAddrJSON(t *testing.T) {
	var v struct {
		A Addr `json:"a"`
		B Addr `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": "0x652e4", "b": 414436}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != 0x652e4 || v.B != 0x652e4 {
		t.Errorf("decoded %v %v", v.A, v.B)
	}
	out, _ := json.Marshal(v.A)
	if string(out) != `"0x652e4"` {
		t.Errorf("marshal = %s", out)
	}
}
