package ctree

import (
	"encoding/json"
	"errors"
	"fmt"

	"efiretype/internal/guid"
	"efiretype/internal/types"
)

var ErrBadTree = errors.New("ctree: malformed tree")

// rawFunc is the dump layout produced by the host export script.
type rawFunc struct {
	EA    Addr      `json:"ea"`
	Name  string    `json:"name"`
	LVars []rawLVar `json:"lvars"`
	Body  *rawNode  `json:"body"`
}

type rawLVar struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Arg  bool   `json:"arg,omitempty"`
}

// rawNode is the union of all statement and expression encodings, keyed by
// "op".
type rawNode struct {
	Op       string     `json:"op"`
	EA       Addr       `json:"ea"`
	Type     string     `json:"type"`
	Value    Addr       `json:"value"`
	Var      int        `json:"var"`
	Name     string     `json:"name"`
	Offset   uint64     `json:"offset"`
	Field    string     `json:"field"`
	GUID     *guid.GUID `json:"guid"`
	Operator string     `json:"operator"`

	X      *rawNode   `json:"x"`
	Y      *rawNode   `json:"y"`
	Target *rawNode   `json:"target"`
	Index  *rawNode   `json:"index"`
	Args   []*rawNode `json:"args"`

	Stmts []*rawNode `json:"stmts"`
	Cond  *rawNode   `json:"cond"`
	Then  *rawNode   `json:"then"`
	Else  *rawNode   `json:"else"`
	Init  *rawNode   `json:"init"`
	Step  *rawNode   `json:"step"`
	Body  *rawNode   `json:"body"`
}

type decoder struct {
	lib *types.Library
	fn  *Func
}

// DecodeFunc decodes a function dump. Type expressions are resolved against
// lib.
func DecodeFunc(data []byte, lib *types.Library) (*Func, error) {
	var rf rawFunc
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("ctree: decode: %w", err)
	}
	if lib == nil {
		lib = types.NewLibrary()
	}

	fn := &Func{EA: rf.EA, Name: rf.Name}
	for i, rv := range rf.LVars {
		t, err := lib.Parse(rv.Type)
		if err != nil {
			return nil, fmt.Errorf("ctree: %s: lvar %s: %w", rf.Name, rv.Name, err)
		}
		fn.LVars = append(fn.LVars, &LVar{Index: i, Name: rv.Name, Type: t, Arg: rv.Arg})
	}

	d := &decoder{lib: lib, fn: fn}
	body, err := d.stmt(rf.Body)
	if err != nil {
		return nil, fmt.Errorf("ctree: %s: %w", rf.Name, err)
	}
	fn.Body = body
	return fn, nil
}

func (d *decoder) stmt(n *rawNode) (Stmt, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Op {
	case "block":
		b := &Block{}
		for _, c := range n.Stmts {
			s, err := d.stmt(c)
			if err != nil {
				return nil, err
			}
			if s != nil {
				b.Stmts = append(b.Stmts, s)
			}
		}
		return b, nil
	case "expr":
		x, err := d.expr(n.X)
		if err != nil {
			return nil, err
		}
		return &ExprStmt{Addr: n.EA, X: x}, nil
	case "if":
		cond, err := d.expr(n.Cond)
		if err != nil {
			return nil, err
		}
		then, err := d.stmt(n.Then)
		if err != nil {
			return nil, err
		}
		els, err := d.stmt(n.Else)
		if err != nil {
			return nil, err
		}
		return &If{Cond: cond, Then: then, Else: els}, nil
	case "while", "do", "for":
		l := &Loop{}
		var err error
		if l.Init, err = d.optExpr(n.Init); err != nil {
			return nil, err
		}
		if l.Cond, err = d.optExpr(n.Cond); err != nil {
			return nil, err
		}
		if l.Step, err = d.optExpr(n.Step); err != nil {
			return nil, err
		}
		if l.Body, err = d.stmt(n.Body); err != nil {
			return nil, err
		}
		return l, nil
	case "return":
		x, err := d.optExpr(n.X)
		if err != nil {
			return nil, err
		}
		return &Return{X: x}, nil
	case "empty", "break", "continue", "goto":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown statement %q", ErrBadTree, n.Op)
}

func (d *decoder) optExpr(n *rawNode) (Expr, error) {
	if n == nil {
		return nil, nil
	}
	return d.expr(n)
}

func (d *decoder) typ(n *rawNode) (types.Type, error) {
	if n.Type == "" {
		return nil, nil
	}
	return d.lib.Parse(n.Type)
}

func (d *decoder) expr(n *rawNode) (Expr, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: missing operand", ErrBadTree)
	}
	t, err := d.typ(n)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "num":
		return &Num{Value: uint64(n.Value), T: t}, nil
	case "guid":
		if n.GUID == nil {
			return nil, fmt.Errorf("%w: guid node without value", ErrBadTree)
		}
		return &GUIDConst{Value: *n.GUID, T: t}, nil
	case "obj":
		return &Obj{Addr: n.EA, Name: n.Name, T: t}, nil
	case "var":
		if n.Var < 0 || n.Var >= len(d.fn.LVars) {
			return nil, fmt.Errorf("%w: lvar index %d out of range", ErrBadTree, n.Var)
		}
		return &Var{LV: d.fn.LVars[n.Var]}, nil
	case "call":
		target, err := d.expr(n.Target)
		if err != nil {
			return nil, err
		}
		c := &Call{Addr: n.EA, Target: target, T: t}
		for _, a := range n.Args {
			x, err := d.expr(a)
			if err != nil {
				return nil, err
			}
			c.Args = append(c.Args, x)
		}
		return c, nil
	}

	x, err := d.expr(n.X)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "ref":
		if t == nil && x.Type() != nil {
			t = types.PointerTo(x.Type(), 1)
		}
		return &Ref{X: x, T: t}, nil
	case "ptr", "deref":
		if t == nil && x.Type() != nil {
			t, _ = types.RemovePointer(x.Type())
		}
		return &Deref{X: x, T: t}, nil
	case "memptr":
		field, mt := n.Field, t
		if st, ok := types.PointeeStruct(x.Type()); ok {
			field, mt = fillMember(st, n.Offset, field, mt)
		}
		return &MemPtr{X: x, Offset: n.Offset, Field: field, T: mt}, nil
	case "memref":
		field, mt := n.Field, t
		if x.Type() != nil {
			field, mt = fillMember(x.Type(), n.Offset, field, mt)
		}
		return &MemRef{X: x, Offset: n.Offset, Field: field, T: mt}, nil
	case "idx":
		idx, err := d.expr(n.Index)
		if err != nil {
			return nil, err
		}
		if t == nil && x.Type() != nil {
			t = elemType(x.Type())
		}
		return &Index{X: x, Index: idx, T: t}, nil
	case "cast":
		if t == nil {
			return nil, fmt.Errorf("%w: cast without type", ErrBadTree)
		}
		return &Cast{X: x, T: t}, nil
	case "asg":
		y, err := d.expr(n.Y)
		if err != nil {
			return nil, err
		}
		if t == nil {
			t = x.Type()
		}
		return &Asg{X: x, Y: y, T: t}, nil
	case "add", "sub", "mul", "and", "or", "xor", "shl", "shr", "eq", "ne", "lt", "gt", "le", "ge", "land", "lor":
		y, err := d.expr(n.Y)
		if err != nil {
			return nil, err
		}
		if t == nil && (n.Op == "add" || n.Op == "sub") {
			t = x.Type()
		}
		return &Binary{Operator: binaryOps[n.Op], X: x, Y: y, T: t}, nil
	}
	return nil, fmt.Errorf("%w: unknown expression %q", ErrBadTree, n.Op)
}

var binaryOps = map[string]string{
	"add": "+", "sub": "-", "mul": "*", "and": "&", "or": "|", "xor": "^",
	"shl": "<<", "shr": ">>", "eq": "==", "ne": "!=", "lt": "<", "gt": ">",
	"le": "<=", "ge": ">=", "land": "&&", "lor": "||",
}

func fillMember(st types.Type, off uint64, field string, t types.Type) (string, types.Type) {
	m, ok := types.MemberAt(st, off)
	if !ok {
		return field, t
	}
	if field == "" {
		field = m.Name
	}
	if t == nil {
		t = m.Type
	}
	return field, t
}

func elemType(t types.Type) types.Type {
	switch u := types.Underlying(t).(type) {
	case *types.Array:
		return u.Elem
	case *types.Pointer:
		return u.Elem
	}
	return nil
}
