// Package lvars keeps the user-assigned local variable types of decompiled
// functions and re-applies them whenever a function is decompiled again.
package lvars

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/apex/log"

	"efiretype/internal/ctree"
	"efiretype/internal/retype"
	"efiretype/internal/types"
)

var (
	ErrUnknownFunc = fmt.Errorf("%w: function not decompiled", retype.ErrTypeWriteRejected)
	ErrUnknownVar  = fmt.Errorf("%w: no such variable", retype.ErrTypeWriteRejected)
	ErrSize        = fmt.Errorf("%w: type does not fit", retype.ErrTypeWriteRejected)
	ErrConflict    = fmt.Errorf("%w: conflicts with a saved type", retype.ErrTypeWriteRejected)
)

// Entry is one saved variable type.
type Entry struct {
	Func ctree.Addr      `json:"func"`
	Var  ctree.VarHandle `json:"var"`
	Type string          `json:"type"`
}

// slot identifies saved storage: a whole variable (element -1) or one
// array element.
type slot struct {
	index, element int
}

func slotOf(h ctree.VarHandle) slot {
	if h.Element < 0 {
		return slot{h.Index, -1}
	}
	return slot{h.Index, h.Element}
}

type saved struct {
	handle ctree.VarHandle
	typ    types.Type
}

// Store is a types writer backed by an in-memory table of saved variable
// types. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	lib    *types.Library
	frames map[uint64][]ctree.LVar
	saved  map[uint64]map[slot]saved
}

// NewStore returns an empty store. lib resolves type names when loading a
// saved file; it may be nil.
func NewStore(lib *types.Library) *Store {
	if lib == nil {
		lib = types.NewLibrary()
	}
	return &Store{
		lib:    lib,
		frames: make(map[uint64][]ctree.LVar),
		saved:  make(map[uint64]map[slot]saved),
	}
}

// Overlay records fn's variable layout and applies every saved type to it.
// The decompiler's own type stays available as LVar.Decl. It returns the
// number of variables changed.
func (s *Store) Overlay(fn *ctree.Func) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ea := uint64(fn.EA)
	if _, ok := s.frames[ea]; !ok {
		frame := make([]ctree.LVar, len(fn.LVars))
		for i, lv := range fn.LVars {
			frame[i] = *lv
			frame[i].Type = lv.DeclType()
			frame[i].Decl = nil
		}
		s.frames[ea] = frame
	}

	changed := make(map[int]bool)
	for _, sv := range sortedSaved(s.saved[ea]) {
		idx := sv.handle.Index
		if idx >= len(fn.LVars) || fn.LVars[idx].Name != sv.handle.Name {
			log.WithFields(log.Fields{
				"func": fn.EA.String(),
				"var":  sv.handle.String(),
			}).Warn("saved variable no longer present")
			continue
		}
		lv := fn.LVars[idx]
		if lv.Decl == nil {
			lv.Decl = lv.Type
		}
		lv.Type = apply(lv.Decl, sv.handle, sv.typ)
		changed[idx] = true
	}
	return len(changed)
}

// apply computes the declared type after writing t through h. Element
// writes keep the array shape; every saved element of one array holds the
// same type.
func apply(decl types.Type, h ctree.VarHandle, t types.Type) types.Type {
	if h.Element < 0 {
		return t
	}
	if arr, ok := types.Underlying(decl).(*types.Array); ok {
		return &types.Array{Elem: t, Len: arr.Len}
	}
	return t
}

func sortedSaved(m map[slot]saved) []saved {
	out := make([]saved, 0, len(m))
	for _, sv := range m {
		out = append(out, sv)
	}
	sort.Slice(out, func(i, j int) bool { return lessHandle(out[i].handle, out[j].handle) })
	return out
}

func lessHandle(a, b ctree.VarHandle) bool {
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return a.Element < b.Element
}

// SetVariableType validates and saves t for the variable h of function
// funcEA. The function must have been overlaid first.
func (s *Store) SetVariableType(funcEA uint64, h ctree.VarHandle, t types.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, ok := s.frames[funcEA]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownFunc, funcEA)
	}
	if h.Index < 0 || h.Index >= len(frame) || frame[h.Index].Name != h.Name {
		return fmt.Errorf("%w: %s in 0x%x", ErrUnknownVar, h, funcEA)
	}
	if err := fits(frame[h.Index].Type, h, t); err != nil {
		return err
	}

	key := slotOf(h)
	for k, sv := range s.saved[funcEA] {
		if k.index != key.index || k == key {
			continue
		}
		// An array holds one element type, and a variable is either
		// retyped whole or per element.
		if k.element < 0 || key.element < 0 || sv.typ.String() != t.String() {
			return fmt.Errorf("%w: %s as %s, %s is %s", ErrConflict, h, t, sv.handle, sv.typ)
		}
	}

	if s.saved[funcEA] == nil {
		s.saved[funcEA] = make(map[slot]saved)
	}
	s.saved[funcEA][key] = saved{handle: h, typ: t}
	return nil
}

// fits rejects writes that would grow a variable's storage.
func fits(cur types.Type, h ctree.VarHandle, t types.Type) error {
	if cur == nil {
		return nil
	}
	room := cur
	if h.Element >= 0 {
		arr, ok := types.Underlying(cur).(*types.Array)
		if !ok {
			return fmt.Errorf("%w: %s is a %s, not an array", ErrUnknownVar, h, cur)
		}
		if h.Element >= arr.Len {
			return fmt.Errorf("%w: %s outside %s", ErrUnknownVar, h, cur)
		}
		room = arr.Elem
	}
	have, want := room.Size(), t.Size()
	if have > 0 && want > have {
		return fmt.Errorf("%w: %s (%d bytes) into %s %s (%d bytes)", ErrSize, t, want, room, h, have)
	}
	return nil
}

// Entries returns every saved type ordered by function and variable.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for ea, vars := range s.saved {
		for _, sv := range vars {
			out = append(out, Entry{Func: ctree.Addr(ea), Var: sv.handle, Type: sv.typ.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Func != out[j].Func {
			return out[i].Func < out[j].Func
		}
		return lessHandle(out[i].Var, out[j].Var)
	})
	return out
}

// Save writes the saved types to path as JSON.
func (s *Store) Save(path string) error {
	data, err := json.MarshalIndent(s.Entries(), "", "  ")
	if err != nil {
		return fmt.Errorf("lvars: encode: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("lvars: write %s: %w", path, err)
	}
	return nil
}

// Load reads a file written by Save into a new store. A missing file yields
// an empty store.
func Load(path string, lib *types.Library) (*Store, error) {
	s := NewStore(lib)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lvars: read %s: %w", path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("lvars: decode %s: %w", path, err)
	}
	for _, e := range entries {
		t, err := s.lib.Parse(e.Type)
		if err != nil {
			return nil, fmt.Errorf("lvars: %s %s: %w", e.Func, e.Var, err)
		}
		ea := uint64(e.Func)
		if s.saved[ea] == nil {
			s.saved[ea] = make(map[slot]saved)
		}
		s.saved[ea][slotOf(e.Var)] = saved{handle: e.Var, typ: t}
	}
	return s, nil
}
