package ctree

// Inspect walks s depth-first and calls fn for every expression in source
// order, parents before children. If fn returns false the children of that
// expression are skipped.
func Inspect(s Stmt, fn func(Expr) bool) {
	switch s := s.(type) {
	case nil:
	case *Block:
		for _, c := range s.Stmts {
			Inspect(c, fn)
		}
	case *ExprStmt:
		InspectExpr(s.X, fn)
	case *If:
		InspectExpr(s.Cond, fn)
		Inspect(s.Then, fn)
		Inspect(s.Else, fn)
	case *Loop:
		InspectExpr(s.Init, fn)
		InspectExpr(s.Cond, fn)
		InspectExpr(s.Step, fn)
		Inspect(s.Body, fn)
	case *Return:
		InspectExpr(s.X, fn)
	}
}

// InspectExpr is Inspect for a single expression tree.
func InspectExpr(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch e := e.(type) {
	case *Ref:
		InspectExpr(e.X, fn)
	case *Deref:
		InspectExpr(e.X, fn)
	case *MemPtr:
		InspectExpr(e.X, fn)
	case *MemRef:
		InspectExpr(e.X, fn)
	case *Index:
		InspectExpr(e.X, fn)
		InspectExpr(e.Index, fn)
	case *Cast:
		InspectExpr(e.X, fn)
	case *Binary:
		InspectExpr(e.X, fn)
		InspectExpr(e.Y, fn)
	case *Asg:
		InspectExpr(e.X, fn)
		InspectExpr(e.Y, fn)
	case *Call:
		InspectExpr(e.Target, fn)
		for _, a := range e.Args {
			InspectExpr(a, fn)
		}
	}
}

// Calls returns every call expression in f in walk order.
func Calls(f *Func) []*Call {
	var calls []*Call
	Inspect(f.Body, func(e Expr) bool {
		if c, ok := e.(*Call); ok {
			calls = append(calls, c)
		}
		return true
	})
	return calls
}
