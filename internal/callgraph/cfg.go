package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"efiretype/internal/ctree"
	"efiretype/internal/retype"
)

// CallLabel names the callee of a call site in a CFG block. Returning ""
// leaves the call out.
type CallLabel func(c *ctree.Call) string

// BuildCFG constructs a lattice.CFGGraph for decompiled functions. Calls that
// were retyped are labelled with the service and the applied type.
func BuildCFG(funcs []*ctree.Func, results []retype.Result) *lattice.CFGGraph {
	byCall := make(map[ctree.Addr]retype.Result, len(results))
	for _, r := range results {
		byCall[r.Call] = r
	}
	label := func(c *ctree.Call) string {
		if r, ok := byCall[c.Addr]; ok {
			return fmt.Sprintf("%s → %s %s", r.Service, r.Type, r.Var)
		}
		return ctree.String(c.Target)
	}

	cg := &lattice.CFGGraph{}
	for _, fn := range funcs {
		cg.Funcs = append(cg.Funcs, BuildFuncCFG(fn, label))
	}
	return cg
}

// BuildFuncCFG lowers a structured function body to basic blocks. Offsets
// count statements in source order; each call is placed in the block of
// the statement containing it.
func BuildFuncCFG(fn *ctree.Func, label CallLabel) *lattice.FuncCFG {
	name := fn.Name
	if name == "" {
		name = fmt.Sprintf("sub_%X", uint64(fn.EA))
	}
	b := &cfgBuilder{cfg: &lattice.FuncCFG{Name: name}, label: label}
	b.cur = b.newBlock()
	b.stmt(fn.Body)
	if !b.cur.Term {
		b.cur.Term = true
	}
	return b.cfg
}

type cfgBuilder struct {
	cfg   *lattice.FuncCFG
	cur   *lattice.BasicBlock
	seq   int
	label CallLabel
}

func (b *cfgBuilder) newBlock() *lattice.BasicBlock {
	blk := &lattice.BasicBlock{ID: len(b.cfg.Blocks), Start: b.seq, End: b.seq}
	b.cfg.Blocks = append(b.cfg.Blocks, blk)
	return blk
}

func (b *cfgBuilder) link(from, to *lattice.BasicBlock, cond string) {
	if from.Term {
		return
	}
	from.Succs = append(from.Succs, lattice.Successor{BlockID: to.ID, Cond: cond})
}

// expr records the calls in e against the current block.
func (b *cfgBuilder) expr(e ctree.Expr) {
	if e == nil {
		return
	}
	ctree.InspectExpr(e, func(x ctree.Expr) bool {
		if c, ok := x.(*ctree.Call); ok && b.label != nil {
			if callee := b.label(c); callee != "" {
				b.cur.Calls = append(b.cur.Calls, lattice.CallSite{Offset: b.seq, Callee: callee})
			}
		}
		return true
	})
	b.seq++
	b.cur.End = b.seq
}

func (b *cfgBuilder) stmt(s ctree.Stmt) {
	switch s := s.(type) {
	case nil:
	case *ctree.Block:
		for _, st := range s.Stmts {
			b.stmt(st)
		}
	case *ctree.ExprStmt:
		b.expr(s.X)
	case *ctree.Return:
		b.expr(s.X)
		b.cur.Term = true
		b.cur = b.newBlock()
	case *ctree.If:
		b.expr(s.Cond)
		head := b.cur

		then := b.newBlock()
		b.link(head, then, "T")
		b.cur = then
		b.stmt(s.Then)
		thenEnd := b.cur

		elseEnd := head
		var elseBlk *lattice.BasicBlock
		if s.Else != nil {
			elseBlk = b.newBlock()
			b.link(head, elseBlk, "F")
			b.cur = elseBlk
			b.stmt(s.Else)
			elseEnd = b.cur
		}

		join := b.newBlock()
		b.link(thenEnd, join, "")
		if elseBlk == nil {
			b.link(head, join, "F")
		} else {
			b.link(elseEnd, join, "")
		}
		b.cur = join
	case *ctree.Loop:
		b.expr(s.Init)
		pre := b.cur
		head := b.newBlock()
		b.link(pre, head, "")
		b.cur = head
		b.expr(s.Cond)

		body := b.newBlock()
		b.link(head, body, "T")
		b.cur = body
		b.stmt(s.Body)
		b.expr(s.Step)
		b.link(b.cur, head, "")

		exit := b.newBlock()
		b.link(head, exit, "F")
		b.cur = exit
	}
}
