// Package irdump serves decompiled functions from a directory of IR dumps
// exported by the host decompiler.
//
// Layout:
//
//	<dir>/functions.jsonl   one {"ea","end","name"} object per function (optional)
//	<dir>/<ea>.json         one function tree per file, <ea> in lower-case hex
package irdump

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"efiretype/internal/ctree"
	"efiretype/internal/retype"
	"efiretype/internal/types"
)

// IndexFile is the function index name inside a dump directory.
const IndexFile = "functions.jsonl"

// FuncRange is one function of the index. End is exclusive.
type FuncRange struct {
	EA   ctree.Addr `json:"ea"`
	End  ctree.Addr `json:"end"`
	Name string     `json:"name,omitempty"`
}

// Overlayer re-applies saved variable types to a fresh tree.
type Overlayer interface {
	Overlay(fn *ctree.Func) int
}

// Dir is a retype.Decompiler over a dump directory.
type Dir struct {
	root    string
	lib     *types.Library
	overlay Overlayer
	funcs   []FuncRange
}

// Open indexes root. lib resolves type names in the dumps; overlay may be
// nil.
func Open(root string, lib *types.Library, overlay Overlayer) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("irdump: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("irdump: %s is not a directory", root)
	}
	if lib == nil {
		lib = types.NewLibrary()
	}
	d := &Dir{root: root, lib: lib, overlay: overlay}

	funcs, err := readJSONL[FuncRange](filepath.Join(root, IndexFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("irdump: %s: %w", IndexFile, err)
	default:
		sort.Slice(funcs, func(i, j int) bool { return funcs[i].EA < funcs[j].EA })
		d.funcs = funcs
	}
	return d, nil
}

// Funcs returns the indexed functions in address order.
func (d *Dir) Funcs() []FuncRange { return d.funcs }

// Owner returns the start of the indexed function containing ea.
func (d *Dir) Owner(ea uint64) (uint64, bool) {
	i := sort.Search(len(d.funcs), func(i int) bool { return uint64(d.funcs[i].EA) > ea })
	if i == 0 {
		return 0, false
	}
	f := d.funcs[i-1]
	if ea >= uint64(f.End) {
		return 0, false
	}
	return uint64(f.EA), true
}

// Path returns the dump file for the function at ea.
func (d *Dir) Path(ea uint64) string {
	return filepath.Join(d.root, fmt.Sprintf("%x.json", ea))
}

// Decompile loads the tree of the function at ea. A missing dump, a dump
// carrying a host error, or a dump of another function all fail with
// retype.ErrDecompilationFailed.
func (d *Dir) Decompile(ea uint64) (*ctree.Func, error) {
	data, err := os.ReadFile(d.Path(ea))
	if err != nil {
		return nil, fmt.Errorf("%w: 0x%x: %v", retype.ErrDecompilationFailed, ea, err)
	}

	var status struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &status); err == nil && status.Error != "" {
		return nil, fmt.Errorf("%w: 0x%x: %s", retype.ErrDecompilationFailed, ea, status.Error)
	}

	fn, err := ctree.DecodeFunc(data, d.lib)
	if err != nil {
		return nil, fmt.Errorf("%w: 0x%x: %v", retype.ErrDecompilationFailed, ea, err)
	}
	if uint64(fn.EA) != ea {
		return nil, fmt.Errorf("%w: 0x%x: dump holds %s", retype.ErrDecompilationFailed, ea, fn.EA)
	}
	if d.overlay != nil {
		d.overlay.Overlay(fn)
	}
	return fn, nil
}

func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []T
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec T
		if err := dec.Decode(&rec); err != nil {
			return records, fmt.Errorf("line %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
