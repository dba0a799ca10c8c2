package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"efiretype/internal/irdump"
	"efiretype/internal/lvars"
	"efiretype/internal/output"
	"efiretype/internal/retype"
	"efiretype/internal/types"
)

const typesJSON = `{"types": [
  {"name": "EFI_BOOT_SERVICES", "kind": "struct", "size": 376, "members": [
    {"name": "HandleProtocol", "offset_bits": 1216, "type": "void *"},
    {"name": "LocateProtocol", "offset_bits": 2560, "type": "void *"}
  ]},
  {"name": "EFI_SMM_BASE2_PROTOCOL", "kind": "struct", "size": 16, "members": [
    {"name": "InSmm", "offset_bits": 0, "type": "void *"},
    {"name": "GetSmstLocation", "offset_bits": 64, "type": "void *"}
  ]}
]}`

const guidsJSON = `{
  "EFI_SMM_BASE2_PROTOCOL_GUID": "F4CCBFB7-F6E0-47FD-9DD4-10A8F150C191"
}`

const protocolsJSON = `{"protocols": [
  {"ea": "0x1010", "service": "LocateProtocol",
   "guid": "F4CCBFB7-F6E0-47FD-9DD4-10A8F150C191", "address": "0x2000",
   "prot_name": "EFI_SMM_BASE2_PROTOCOL_GUID"},
  {"ea": "0x1030", "service": "AllocatePool",
   "guid": "F4CCBFB7-F6E0-47FD-9DD4-10A8F150C191"}
]}`

const entryDump = `{
  "ea": "0x1000",
  "name": "ModuleEntryPoint",
  "lvars": [{"name": "Status", "type": "UINTN"}, {"name": "SmmBase2", "type": "void *"}],
  "body": {"op": "block", "stmts": [
    {"op": "expr", "ea": "0x1010", "x": {"op": "asg",
      "x": {"op": "var", "var": 0},
      "y": {"op": "call", "ea": "0x1010",
        "target": {"op": "memptr", "offset": 320, "field": "LocateProtocol",
          "x": {"op": "obj", "ea": "0x3000", "name": "gBS", "type": "EFI_BOOT_SERVICES *"}},
        "args": [
          {"op": "ref", "x": {"op": "obj", "ea": "0x2000", "name": "gEfiSmmBase2ProtocolGuid", "type": "EFI_GUID"}},
          {"op": "num", "value": 0},
          {"op": "ref", "x": {"op": "var", "var": 1}}
        ]}}},
    {"op": "return", "x": {"op": "var", "var": 0}}
  ]}
}`

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func applyFixture(t *testing.T) applyOptions {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"types.json":     typesJSON,
		"guids.json":     guidsJSON,
		"protocols.json": protocolsJSON,
		filepath.Join("ir", irdump.IndexFile): `{"ea": "0x1000", "end": "0x1100", "name": "ModuleEntryPoint"}` + "\n",
		filepath.Join("ir", "1000.json"):     entryDump,
	})
	return applyOptions{
		protocols:   filepath.Join(root, "protocols.json"),
		irDir:       filepath.Join(root, "ir"),
		typesPath:   filepath.Join(root, "types.json"),
		guidsPath:   filepath.Join(root, "guids.json"),
		outDir:      filepath.Join(root, "out"),
		jobs:        2,
		graph:       true,
		maxPtrDepth: retype.DefaultMaxPtrDepth,
	}
}

func TestRunApply(t *testing.T) {
	opts := applyFixture(t)
	if err := runApply(context.Background(), opts); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(opts.outDir, output.RetypesFile))
	if err != nil {
		t.Fatal(err)
	}
	var res retype.Result
	if err := json.Unmarshal(bytes.TrimSpace(data), &res); err != nil {
		t.Fatal(err)
	}
	if res.Call != 0x1010 || res.Var.Name != "SmmBase2" || res.Type != "EFI_SMM_BASE2_PROTOCOL *" {
		t.Errorf("retype = %+v", res)
	}

	diags, err := os.ReadFile(filepath.Join(opts.outDir, output.DiagsFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(diags), `"unknown_service"`) {
		t.Errorf("diags = %s", diags)
	}

	for _, name := range []string{output.SummaryFile, output.GraphFile, output.CFGFile} {
		if _, err := os.Stat(filepath.Join(opts.outDir, name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}

	lib, err := types.LoadLibrary(opts.typesPath)
	if err != nil {
		t.Fatal(err)
	}
	store, err := lvars.Load(filepath.Join(opts.outDir, LVarsFile), lib)
	if err != nil {
		t.Fatal(err)
	}
	want := []lvars.Entry{{Func: 0x1000, Var: res.Var, Type: "EFI_SMM_BASE2_PROTOCOL *"}}
	if diff := cmp.Diff(want, store.Entries()); diff != "" {
		t.Errorf("saved types mismatch (-want +got):\n%s", diff)
	}

	// A second run over the same output keeps a single saved type.
	if err := runApply(context.Background(), opts); err != nil {
		t.Fatal(err)
	}
	store, err = lvars.Load(filepath.Join(opts.outDir, LVarsFile), lib)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(store.Entries()); n != 1 {
		t.Errorf("entries after rerun = %d, want 1", n)
	}
}

func TestApplyRequiresInputs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"apply", "--ir", t.TempDir()})
	cmd.SetOut(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--protocols") {
		t.Errorf("err = %v", err)
	}
}

func TestTablesCmd(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"extra.toml": `
[[table]]
name = "_EFI_SMM_SYSTEM_TABLE2"

  [[table.func]]
  name = "SmmLocateProtocol"
  offset = 0xd0
  args = 3
  guid_arg = 0
  iface_arg = 2

[[table]]
name = "EFI_PEI_SERVICES"

  [[table.func]]
  name = "LocatePpi"
  offset = 0x20
  args = 5
  guid_arg = 1
  iface_arg = 4
`})

	tables, err := loadTables(filepath.Join(root, "extra.toml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 3 {
		t.Fatalf("tables = %d, want 3", len(tables))
	}
	if len(tables[1].FuncsNamed("SmmHandleProtocol")) != 0 {
		t.Error("catalog descriptor did not replace the builtin SMM table")
	}
	if _, ok := tables[2].MatchCall("EFI_PEI_SERVICES", 0x20); !ok {
		t.Error("LocatePpi not matched")
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"tables"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"EFI_BOOT_SERVICES", "LocateProtocol", "_EFI_SMM_SYSTEM_TABLE2"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("tables output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestGUIDCmd(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"guids.json": guidsJSON, "types.json": typesJSON})

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"guid",
		"--guids", filepath.Join(root, "guids.json"),
		"--types", filepath.Join(root, "types.json"),
		"EFI_SMM_BASE2_PROTOCOL", "f4ccbfb7-f6e0-47fd-9dd4-10a8f150c191", "NOPE"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{
		"F4CCBFB7-F6E0-47FD-9DD4-10A8F150C191\tEFI_SMM_BASE2_PROTOCOL_GUID\tEFI_SMM_BASE2_PROTOCOL *",
		"F4CCBFB7-F6E0-47FD-9DD4-10A8F150C191\tEFI_SMM_BASE2_PROTOCOL_GUID\tEFI_SMM_BASE2_PROTOCOL *",
		"NOPE\tunknown",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("guid output mismatch (-want +got):\n%s", diff)
	}
}
