// Package ctree is the decompiled function tree the retyper walks: local
// variables, statements and a closed set of expression nodes.
package ctree

import (
	"fmt"
	"strconv"
	"strings"

	"efiretype/internal/guid"
	"efiretype/internal/types"
)

// Addr is an effective address. It reads JSON numbers and "0x" strings and
// writes hex strings.
type Addr uint64

func (a Addr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

func (a Addr) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

func (a *Addr) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParseAddr(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAddr parses "0x652e4" or a decimal address.
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	var v uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("ctree: bad address %q: %w", s, err)
	}
	return Addr(v), nil
}

// LVar is a local variable or argument of a decompiled function.
type LVar struct {
	Index int
	Name  string
	Type  types.Type
	// Decl is the type the decompiler declared, kept when saved user types
	// replace Type. Nil when Type was never overridden.
	Decl types.Type
	Arg  bool
}

// DeclType returns the decompiler's own type for lv.
func (lv *LVar) DeclType() types.Type {
	if lv.Decl != nil {
		return lv.Decl
	}
	return lv.Type
}

// VarHandle names the storage a type write targets. Element is the array
// slot the operand referred to, or -1 for the whole variable.
type VarHandle struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Element int    `json:"element"`
}

func (h VarHandle) String() string {
	if h.Element >= 0 {
		return fmt.Sprintf("%s[%d]", h.Name, h.Element)
	}
	return h.Name
}

// Func is one decompiled function.
type Func struct {
	EA    Addr
	Name  string
	LVars []*LVar
	Body  Stmt
}

// Op identifies an expression node kind.
type Op int

const (
	OpNum Op = iota
	OpGUID
	OpObj
	OpVar
	OpRef
	OpDeref
	OpMemPtr
	OpMemRef
	OpIndex
	OpCast
	OpBinary
	OpAsg
	OpCall
)

var opNames = [...]string{
	OpNum:    "num",
	OpGUID:   "guid",
	OpObj:    "obj",
	OpVar:    "var",
	OpRef:    "ref",
	OpDeref:  "deref",
	OpMemPtr: "memptr",
	OpMemRef: "memref",
	OpIndex:  "idx",
	OpCast:   "cast",
	OpBinary: "binary",
	OpAsg:    "asg",
	OpCall:   "call",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Expr is one of *Num, *GUIDConst, *Obj, *Var, *Ref, *Deref, *MemPtr,
// *MemRef, *Index, *Cast, *Binary, *Asg, *Call.
type Expr interface {
	Op() Op
	// Type is the expression type, nil when the decompiler did not report one.
	Type() types.Type

	isExpr()
}

type Num struct {
	Value uint64
	T     types.Type
}

// GUIDConst is a GUID value embedded directly at the use site.
type GUIDConst struct {
	Value guid.GUID
	T     types.Type
}

// Obj is a reference to a global object.
type Obj struct {
	Addr Addr
	Name string
	T    types.Type
}

type Var struct {
	LV *LVar
}

type Ref struct {
	X Expr
	T types.Type
}

type Deref struct {
	X Expr
	T types.Type
}

// MemPtr is x->field; Offset is the member's byte offset.
type MemPtr struct {
	X      Expr
	Offset uint64
	Field  string
	T      types.Type
}

// MemRef is x.field.
type MemRef struct {
	X      Expr
	Offset uint64
	Field  string
	T      types.Type
}

type Index struct {
	X     Expr
	Index Expr
	T     types.Type
}

type Cast struct {
	X Expr
	T types.Type
}

type Binary struct {
	Operator string
	X, Y     Expr
	T        types.Type
}

type Asg struct {
	X, Y Expr
	T    types.Type
}

type Call struct {
	Addr   Addr
	Target Expr
	Args   []Expr
	T      types.Type
}

func (*Num) Op() Op       { return OpNum }
func (*GUIDConst) Op() Op { return OpGUID }
func (*Obj) Op() Op       { return OpObj }
func (*Var) Op() Op       { return OpVar }
func (*Ref) Op() Op       { return OpRef }
func (*Deref) Op() Op     { return OpDeref }
func (*MemPtr) Op() Op    { return OpMemPtr }
func (*MemRef) Op() Op    { return OpMemRef }
func (*Index) Op() Op     { return OpIndex }
func (*Cast) Op() Op      { return OpCast }
func (*Binary) Op() Op    { return OpBinary }
func (*Asg) Op() Op       { return OpAsg }
func (*Call) Op() Op      { return OpCall }

func (e *Num) Type() types.Type       { return e.T }
func (e *GUIDConst) Type() types.Type { return e.T }
func (e *Obj) Type() types.Type       { return e.T }
func (e *Var) Type() types.Type       { return e.LV.Type }
func (e *Ref) Type() types.Type       { return e.T }
func (e *Deref) Type() types.Type     { return e.T }
func (e *MemPtr) Type() types.Type    { return e.T }
func (e *MemRef) Type() types.Type    { return e.T }
func (e *Index) Type() types.Type     { return e.T }
func (e *Cast) Type() types.Type      { return e.T }
func (e *Binary) Type() types.Type    { return e.T }
func (e *Asg) Type() types.Type       { return e.T }
func (e *Call) Type() types.Type      { return e.T }

func (*Num) isExpr()       {}
func (*GUIDConst) isExpr() {}
func (*Obj) isExpr()       {}
func (*Var) isExpr()       {}
func (*Ref) isExpr()       {}
func (*Deref) isExpr()     {}
func (*MemPtr) isExpr()    {}
func (*MemRef) isExpr()    {}
func (*Index) isExpr()     {}
func (*Cast) isExpr()      {}
func (*Binary) isExpr()    {}
func (*Asg) isExpr()       {}
func (*Call) isExpr()      {}

// Stmt is one of *Block, *ExprStmt, *If, *Loop, *Return.
type Stmt interface {
	isStmt()
}

type Block struct {
	Stmts []Stmt
}

type ExprStmt struct {
	Addr Addr
	X    Expr
}

type If struct {
	Cond Expr
	Then Stmt
	Else Stmt
}

// Loop covers while, do and for loops; Init and Step are nil unless the
// loop is a for.
type Loop struct {
	Init Expr
	Cond Expr
	Step Expr
	Body Stmt
}

type Return struct {
	X Expr
}

func (*Block) isStmt()    {}
func (*ExprStmt) isStmt() {}
func (*If) isStmt()       {}
func (*Loop) isStmt()     {}
func (*Return) isStmt()   {}

// StripCasts removes any number of enclosing casts.
func StripCasts(e Expr) Expr {
	for {
		c, ok := e.(*Cast)
		if !ok {
			return e
		}
		e = c.X
	}
}

// String renders an expression in C-like syntax for diagnostics.
func String(e Expr) string {
	switch e := e.(type) {
	case nil:
		return "<nil>"
	case *Num:
		return fmt.Sprintf("0x%x", e.Value)
	case *GUIDConst:
		return "{" + e.Value.String() + "}"
	case *Obj:
		if e.Name != "" {
			return e.Name
		}
		return "off_" + strings.TrimPrefix(e.Addr.String(), "0x")
	case *Var:
		return e.LV.Name
	case *Ref:
		return "&" + String(e.X)
	case *Deref:
		return "*" + String(e.X)
	case *MemPtr:
		return String(e.X) + "->" + memberName(e.Field, e.Offset)
	case *MemRef:
		return String(e.X) + "." + memberName(e.Field, e.Offset)
	case *Index:
		return String(e.X) + "[" + String(e.Index) + "]"
	case *Cast:
		t := "?"
		if e.T != nil {
			t = e.T.String()
		}
		return "(" + t + ")" + String(e.X)
	case *Binary:
		return "(" + String(e.X) + " " + e.Operator + " " + String(e.Y) + ")"
	case *Asg:
		return String(e.X) + " = " + String(e.Y)
	case *Call:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = String(a)
		}
		return String(e.Target) + "(" + strings.Join(args, ", ") + ")"
	}
	return fmt.Sprintf("<%T>", e)
}

func memberName(field string, off uint64) string {
	if field != "" {
		return field
	}
	return fmt.Sprintf("field_%x", off)
}
