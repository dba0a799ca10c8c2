// Package services describes the function-pointer tables ("services
// tables") through which firmware code locates protocol interfaces.
package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidDescriptor = errors.New("services: invalid descriptor")

// TargetFunc is one interesting member of a services table.
type TargetFunc struct {
	Name     string `json:"name" toml:"name"`
	Offset   uint64 `json:"offset" toml:"offset"`
	Args     int    `json:"args" toml:"args"`
	GUIDArg  int    `json:"guid_arg" toml:"guid_arg"`
	IfaceArg int    `json:"iface_arg" toml:"iface_arg"`
}

func (f TargetFunc) String() string {
	return fmt.Sprintf("%s@0x%x(args=%d guid=%d iface=%d)", f.Name, f.Offset, f.Args, f.GUIDArg, f.IfaceArg)
}

// Validate checks the arity invariants of a single entry.
func (f TargetFunc) Validate() error {
	switch {
	case f.Name == "":
		return fmt.Errorf("%w: entry at 0x%x has no name", ErrInvalidDescriptor, f.Offset)
	case f.Args <= 0:
		return fmt.Errorf("%w: %s: argument count %d", ErrInvalidDescriptor, f.Name, f.Args)
	case f.GUIDArg < 0 || f.GUIDArg >= f.Args:
		return fmt.Errorf("%w: %s: guid argument %d outside 0..%d", ErrInvalidDescriptor, f.Name, f.GUIDArg, f.Args-1)
	case f.IfaceArg < 0 || f.IfaceArg >= f.Args:
		return fmt.Errorf("%w: %s: interface argument %d outside 0..%d", ErrInvalidDescriptor, f.Name, f.IfaceArg, f.Args-1)
	case f.GUIDArg == f.IfaceArg:
		return fmt.Errorf("%w: %s: guid and interface share argument %d", ErrInvalidDescriptor, f.Name, f.GUIDArg)
	}
	return nil
}

// Descriptor names a services table type and the members worth matching.
type Descriptor struct {
	Name  string
	Funcs []TargetFunc
}

// Validate checks every entry and rejects two entries at one offset.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: descriptor without name", ErrInvalidDescriptor)
	}
	seen := make(map[uint64]string, len(d.Funcs))
	for _, f := range d.Funcs {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
		if prev, ok := seen[f.Offset]; ok {
			return fmt.Errorf("%w: %s: %s and %s both at 0x%x", ErrInvalidDescriptor, d.Name, prev, f.Name, f.Offset)
		}
		seen[f.Offset] = f.Name
	}
	return nil
}

// Builder collects descriptors before a run. Registering a name twice
// replaces the earlier descriptor.
type Builder struct {
	descs map[string]Descriptor
}

func NewBuilder() *Builder {
	return &Builder{descs: make(map[string]Descriptor)}
}

// Register validates d and inserts it under d.Name.
func (b *Builder) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	funcs := make([]TargetFunc, len(d.Funcs))
	copy(funcs, d.Funcs)
	b.descs[d.Name] = Descriptor{Name: d.Name, Funcs: funcs}
	return nil
}

// Build freezes the registered descriptors into a Table.
func (b *Builder) Build() *Table {
	t := &Table{byName: make(map[string]*entry, len(b.descs))}
	for name, d := range b.descs {
		e := &entry{desc: d, byOffset: make(map[uint64]TargetFunc, len(d.Funcs))}
		for _, f := range d.Funcs {
			e.byOffset[f.Offset] = f
		}
		t.byName[name] = e
	}
	return t
}

type entry struct {
	desc     Descriptor
	byOffset map[uint64]TargetFunc
}

// Table is an immutable set of descriptors keyed by table name. It is safe
// for concurrent readers.
type Table struct {
	byName map[string]*entry
}

// MatchCall returns the member of table name dispatched through byte offset
// off.
func (t *Table) MatchCall(name string, off uint64) (TargetFunc, bool) {
	e, ok := t.byName[name]
	if !ok {
		return TargetFunc{}, false
	}
	f, ok := e.byOffset[off]
	return f, ok
}

// Has reports whether a descriptor for name is registered.
func (t *Table) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Names returns the registered table names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Descriptor returns a copy of the descriptor registered under name.
func (t *Table) Descriptor(name string) (Descriptor, bool) {
	e, ok := t.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	funcs := make([]TargetFunc, len(e.desc.Funcs))
	copy(funcs, e.desc.Funcs)
	return Descriptor{Name: e.desc.Name, Funcs: funcs}, true
}

// FuncsNamed returns every member called fn across the table's descriptors.
func (t *Table) FuncsNamed(fn string) []TargetFunc {
	var out []TargetFunc
	for _, n := range t.Names() {
		for _, f := range t.byName[n].desc.Funcs {
			if f.Name == fn {
				out = append(out, f)
			}
		}
	}
	return out
}

func (t *Table) String() string {
	var b strings.Builder
	for _, n := range t.Names() {
		fmt.Fprintf(&b, "%s\n", n)
		funcs := t.byName[n].desc.Funcs
		sorted := make([]TargetFunc, len(funcs))
		copy(sorted, funcs)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
		for _, f := range sorted {
			fmt.Fprintf(&b, "  0x%03x  %-20s args=%d guid=%d iface=%d\n", f.Offset, f.Name, f.Args, f.GUIDArg, f.IfaceArg)
		}
	}
	return b.String()
}
