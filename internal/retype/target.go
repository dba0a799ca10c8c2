package retype

import (
	"fmt"

	"efiretype/internal/ctree"
	"efiretype/internal/types"
)

// TargetKind tags a Target.
type TargetKind int

const (
	TargetVar TargetKind = iota
	TargetElem
)

func (k TargetKind) String() string {
	if k == TargetElem {
		return "elem"
	}
	return "var"
}

// Target is the storage an output-pointer operand refers to. Depth is the
// number of address-of layers (including array decay) unwound to reach it:
// 1 for "&v", 0 when the operand is itself a pointer variable.
type Target struct {
	Kind  TargetKind
	Var   *ctree.LVar
	Elem  int
	Depth int
}

// Handle names the variable a type write goes to.
func (t Target) Handle() ctree.VarHandle {
	h := ctree.VarHandle{Index: t.Var.Index, Name: t.Var.Name, Element: -1}
	if t.Kind == TargetElem {
		h.Element = t.Elem
	}
	return h
}

// TypeFor returns the type to store for an interface pointer type iface.
// The operand has type iface* once all unwound layers are accounted for.
func (t Target) TypeFor(iface types.Type) types.Type {
	return types.PointerTo(iface, 1-t.Depth)
}

// ResolveTarget follows an output-pointer operand through casts, one
// address-of and array indexing to the local storage it designates. Arrays
// of primitives (or pointers to primitives up to maxPtrDepth) resolve to
// the indexed element; other arrays resolve to the whole variable.
func ResolveTarget(arg ctree.Expr, maxPtrDepth int) (Target, error) {
	e := ctree.StripCasts(arg)
	depth := 0
	if r, ok := e.(*ctree.Ref); ok {
		depth = 1
		e = ctree.StripCasts(r.X)
	}

	switch x := e.(type) {
	case *ctree.Var:
		// Saved types may already cover the variable; resolve against the
		// decompiler's layout so repeated runs address the same storage.
		vt := x.LV.DeclType()
		if isArray(vt) {
			// "&buf" and a decayed "buf" both address element 0.
			return arrayTarget(x.LV, 0, 1, maxPtrDepth), nil
		}
		if depth == 0 && vt != nil && !types.IsPointer(vt) {
			return Target{}, fmt.Errorf("%w: %s is a %s, not a pointer", ErrUnresolvedTarget, x.LV.Name, vt)
		}
		return Target{Kind: TargetVar, Var: x.LV, Elem: -1, Depth: depth}, nil

	case *ctree.Index:
		base, ok := ctree.StripCasts(x.X).(*ctree.Var)
		if !ok || !isArray(base.LV.DeclType()) {
			return Target{}, fmt.Errorf("%w: %s does not index a local array", ErrUnresolvedTarget, ctree.String(x))
		}
		n, ok := ctree.StripCasts(x.Index).(*ctree.Num)
		if !ok {
			return Target{}, fmt.Errorf("%w: non-constant index in %s", ErrUnresolvedTarget, ctree.String(x))
		}
		arr := types.Underlying(base.LV.DeclType()).(*types.Array)
		if n.Value >= uint64(arr.Len) {
			return Target{}, fmt.Errorf("%w: index %d outside %s", ErrUnresolvedTarget, n.Value, base.LV.DeclType())
		}
		return arrayTarget(base.LV, int(n.Value), depth, maxPtrDepth), nil
	}
	return Target{}, fmt.Errorf("%w: unsupported operand %s", ErrUnresolvedTarget, ctree.String(arg))
}

func arrayTarget(lv *ctree.LVar, elem, depth, maxPtrDepth int) Target {
	if types.IsPrimitiveArray(lv.DeclType(), maxPtrDepth) {
		return Target{Kind: TargetElem, Var: lv, Elem: elem, Depth: depth}
	}
	return Target{Kind: TargetVar, Var: lv, Elem: -1, Depth: depth}
}

func isArray(t types.Type) bool {
	if t == nil {
		return false
	}
	_, ok := types.Underlying(t).(*types.Array)
	return ok
}
