// Package diag provides the non-fatal diagnostics reported while retyping.
package diag

import (
	"fmt"
	"sort"
	"sync"
)

// Kind classifies a diagnostic message.
type Kind string

const (
	FieldNotFound       Kind = "field_not_found"
	IntrospectionFailed Kind = "introspection_failed"
	DecompilationFailed Kind = "decompilation_failed"
	UnresolvedGUID      Kind = "unresolved_guid"
	UnresolvedTarget    Kind = "unresolved_target"
	TypeWriteRejected   Kind = "type_write_rejected"
	ArityMismatch       Kind = "arity_mismatch"
	NoRecord            Kind = "no_record"
	GUIDMismatch        Kind = "guid_mismatch"
	NoInterfaceType     Kind = "no_interface_type"
	UnknownService      Kind = "unknown_service"
	NoFunction          Kind = "no_function"
	DispatchMismatch    Kind = "dispatch_mismatch"
)

// Diag records one non-fatal issue, scoped to a function and, when known,
// a call site.
type Diag struct {
	Func uint64 `json:"func"`
	Call uint64 `json:"call,omitempty"`
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (d Diag) String() string {
	if d.Call != 0 {
		return fmt.Sprintf("[%s] 0x%x@0x%x: %s", d.Kind, d.Func, d.Call, d.Msg)
	}
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Func, d.Msg)
}

// Diags accumulates diagnostics. It is safe for concurrent use.
type Diags struct {
	mu    sync.Mutex
	items []Diag
}

func (d *Diags) Add(fn, call uint64, kind Kind, msg string) {
	d.mu.Lock()
	d.items = append(d.items, Diag{Func: fn, Call: call, Kind: kind, Msg: msg})
	d.mu.Unlock()
}

func (d *Diags) Addf(fn, call uint64, kind Kind, format string, args ...any) {
	d.Add(fn, call, kind, fmt.Sprintf(format, args...))
}

// Items returns a snapshot ordered by function, call site and kind.
func (d *Diags) Items() []Diag {
	d.mu.Lock()
	items := make([]Diag, len(d.items))
	copy(items, d.items)
	d.mu.Unlock()
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Func != b.Func {
			return a.Func < b.Func
		}
		if a.Call != b.Call {
			return a.Call < b.Call
		}
		return a.Kind < b.Kind
	})
	return items
}

func (d *Diags) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Count returns the number of diagnostics per kind.
func (d *Diags) Count() map[Kind]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := make(map[Kind]int)
	for _, it := range d.items {
		counts[it.Kind]++
	}
	return counts
}
