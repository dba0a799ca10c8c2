package retype

import (
	"fmt"

	"github.com/apex/log"

	"efiretype/internal/ctree"
	"efiretype/internal/diag"
	"efiretype/internal/discovery"
	"efiretype/internal/guid"
	"efiretype/internal/services"
	"efiretype/internal/types"
)

// DefaultMaxPtrDepth accepts arrays of primitives and of pointers to
// primitives as scalar stand-ins.
const DefaultMaxPtrDepth = 1

// Context is the state of one visitor pass. The driver fills it between
// passes; a walk only reads it.
type Context struct {
	Table *services.Table
	// Func is the owning function all Records belong to.
	Func uint64
	// Records are the discovery records of Func. Each carries its own call
	// site address.
	Records     []discovery.Record
	MaxPtrDepth int
	// Done holds call sites an earlier pass already correlated.
	Done map[uint64]bool
}

// Result is one applied retype.
type Result struct {
	Func     ctree.Addr      `json:"func"`
	FuncName string          `json:"func_name,omitempty"`
	Call     ctree.Addr      `json:"call"`
	Table    string          `json:"table"`
	Service  string          `json:"service"`
	GUID     guid.GUID       `json:"guid"`
	Var      ctree.VarHandle `json:"var"`
	Type     string          `json:"type"`
}

// Visitor matches services-table calls in one function tree and applies
// interface types to their output operands.
type Visitor struct {
	ctx   Context
	host  *Host
	diags *diag.Diags

	results []Result
	// sites are the call addresses that correlated with a record.
	sites map[uint64]bool
}

// NewVisitor prepares a pass over a single function. diags receives every
// per-site failure.
func NewVisitor(ctx Context, host *Host, diags *diag.Diags) *Visitor {
	if ctx.MaxPtrDepth < 0 {
		ctx.MaxPtrDepth = 0
	}
	return &Visitor{ctx: ctx, host: host, diags: diags, sites: make(map[uint64]bool)}
}

// Apply walks fn depth-first and retypes every qualifying call site.
func (v *Visitor) Apply(fn *ctree.Func) []Result {
	ctree.Inspect(fn.Body, func(e ctree.Expr) bool {
		if c, ok := e.(*ctree.Call); ok {
			v.visitCall(fn, c)
		}
		return true
	})
	return v.results
}

// Sites returns the call addresses that correlated with a record.
func (v *Visitor) Sites() map[uint64]bool { return v.sites }

func (v *Visitor) visitCall(fn *ctree.Func, c *ctree.Call) {
	call := uint64(c.Addr)
	if v.sites[call] || v.ctx.Done[call] {
		return
	}
	table, tf, ok := v.matchTarget(c.Target)
	if !ok {
		return
	}

	if len(c.Args) != tf.Args {
		v.diags.Addf(v.ctx.Func, call, diag.ArityMismatch,
			"%s.%s: %d arguments, want %d", table, tf.Name, len(c.Args), tf.Args)
		return
	}

	local, err := v.resolveGUID(c.Args[tf.GUIDArg])
	if err != nil {
		v.diags.Addf(v.ctx.Func, call, diag.UnresolvedGUID, "%s: %v", tf.Name, err)
		return
	}

	rec, ok := v.correlate(call, tf.Name, local)
	if !ok {
		v.diags.Addf(v.ctx.Func, call, diag.NoRecord, "%s(%s): no discovery record", tf.Name, local)
		return
	}
	v.sites[call] = true

	target, err := ResolveTarget(c.Args[tf.IfaceArg], v.ctx.MaxPtrDepth)
	if err != nil {
		v.diags.Addf(v.ctx.Func, call, diag.UnresolvedTarget, "%s: %v", tf.Name, err)
		return
	}

	iface, ok := v.interfaceType(rec)
	if !ok {
		v.diags.Addf(v.ctx.Func, call, diag.NoInterfaceType, "%s: no interface type for %s", tf.Name, rec.GUID)
		return
	}

	typ := target.TypeFor(iface)
	handle := target.Handle()
	if err := v.host.Writer.SetVariableType(uint64(fn.EA), handle, typ); err != nil {
		v.diags.Addf(v.ctx.Func, call, diag.TypeWriteRejected, "%s: %v", handle, err)
		return
	}

	log.WithFields(log.Fields{
		"func":    fn.EA.String(),
		"call":    c.Addr.String(),
		"service": tf.Name,
		"var":     handle.String(),
		"type":    typ.String(),
	}).Debug("retyped")

	v.results = append(v.results, Result{
		Func:     fn.EA,
		FuncName: fn.Name,
		Call:     c.Addr,
		Table:    table,
		Service:  tf.Name,
		GUID:     rec.GUID,
		Var:      handle,
		Type:     typ.String(),
	})
}

// matchTarget recognizes a call through a member of a registered table:
// "base->Member", "*(base + k)" and "((T *)base)[i]", where base is typed as
// a pointer to the table structure.
func (v *Visitor) matchTarget(target ctree.Expr) (string, services.TargetFunc, bool) {
	switch t := ctree.StripCasts(target).(type) {
	case *ctree.MemPtr:
		return v.lookup(t.X, t.Offset)

	case *ctree.Deref:
		sum, ok := ctree.StripCasts(t.X).(*ctree.Binary)
		if !ok || sum.Operator != "+" {
			return "", services.TargetFunc{}, false
		}
		k, ok := ctree.StripCasts(sum.Y).(*ctree.Num)
		if !ok {
			return "", services.TargetFunc{}, false
		}
		return v.lookup(sum.X, k.Value*scale(sum.X.Type()))

	case *ctree.Index:
		k, ok := ctree.StripCasts(t.Index).(*ctree.Num)
		if !ok {
			return "", services.TargetFunc{}, false
		}
		return v.lookup(t.X, k.Value*scale(t.X.Type()))
	}
	return "", services.TargetFunc{}, false
}

// lookup matches base (ignoring casts) against the active table at byte
// offset off.
func (v *Visitor) lookup(base ctree.Expr, off uint64) (string, services.TargetFunc, bool) {
	bt := ctree.StripCasts(base).Type()
	if bt == nil {
		return "", services.TargetFunc{}, false
	}
	for _, name := range pointeeNames(bt) {
		if f, ok := v.ctx.Table.MatchCall(name, off); ok {
			return name, f, true
		}
	}
	return "", services.TargetFunc{}, false
}

// pointeeNames lists the typedef and structure names a pointer's target is
// known by, outermost first.
func pointeeNames(t types.Type) []string {
	elem, ok := types.RemovePointer(t)
	if !ok {
		return nil
	}
	var names []string
	for i := 0; i < 16 && elem != nil; i++ {
		switch e := elem.(type) {
		case *types.Typedef:
			names = append(names, e.Name)
			elem = e.Under
			continue
		case *types.Struct:
			names = append(names, e.Name)
		}
		break
	}
	return names
}

// scale is the byte stride of pointer arithmetic on t. Pointers to void or
// to types of unknown size step by one byte.
func scale(t types.Type) uint64 {
	elem, ok := types.RemovePointer(t)
	if !ok {
		return 1
	}
	if sz := elem.Size(); sz > 0 {
		return uint64(sz)
	}
	return 1
}

// resolveGUID reads the GUID named by operand: an inline constant, or a
// global dereferenced through the host or through a record's GUID address.
func (v *Visitor) resolveGUID(arg ctree.Expr) (guid.GUID, error) {
	e := ctree.StripCasts(arg)
	if r, ok := e.(*ctree.Ref); ok {
		e = ctree.StripCasts(r.X)
	} else if o, ok := e.(*ctree.Obj); ok && o.T != nil && types.IsPointer(o.T) {
		return guid.Zero, fmt.Errorf("%w: %s holds a pointer", ErrUnresolvedGUID, ctree.String(o))
	}

	switch x := e.(type) {
	case *ctree.GUIDConst:
		return x.Value, nil
	case *ctree.Obj:
		if v.host.GUIDs != nil {
			g, err := v.host.GUIDs.ReadGUID(uint64(x.Addr))
			if err != nil {
				return guid.Zero, fmt.Errorf("%w: %s: %v", ErrUnresolvedGUID, ctree.String(x), err)
			}
			return g, nil
		}
		for _, r := range v.ctx.Records {
			if r.GUIDAddr != 0 && r.GUIDAddr == x.Addr {
				return r.GUID, nil
			}
		}
		return guid.Zero, fmt.Errorf("%w: %s at %s is not readable", ErrUnresolvedGUID, ctree.String(x), x.Addr)
	}
	return guid.Zero, fmt.Errorf("%w: operand %s", ErrUnresolvedGUID, ctree.String(arg))
}

// correlate finds the record for a call site. The record's GUID is
// authoritative; disagreement with the locally resolved one is reported.
func (v *Visitor) correlate(call uint64, service string, local guid.GUID) (discovery.Record, bool) {
	var candidates []discovery.Record
	for _, r := range v.ctx.Records {
		if uint64(r.CallSite) != call {
			continue
		}
		if r.Service != "" && r.Service != service {
			continue
		}
		if r.GUID == local {
			return r, true
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return discovery.Record{}, false
	}
	rec := candidates[0]
	v.diags.Addf(v.ctx.Func, call, diag.GUIDMismatch, "%s: operand resolves to %s, record has %s", service, local, rec.GUID)
	return rec, true
}

// interfaceType picks the record's own interface name when the type
// library knows it, then falls back to the GUID directory.
func (v *Visitor) interfaceType(rec discovery.Record) (types.Type, bool) {
	if name := rec.InterfaceName(); name != "" && v.host.Types != nil {
		if t, ok := v.host.Types.Lookup(name); ok {
			if s, isStruct := types.Underlying(t).(*types.Struct); isStruct && !s.Opaque {
				return types.PointerTo(t, 1), true
			}
		}
	}
	if v.host.Directory == nil {
		return nil, false
	}
	return v.host.Directory.ResolveInterfaceType(rec.GUID)
}
