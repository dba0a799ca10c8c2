package callgraph

import (
	"fmt"
	"strings"

	"github.com/zboralski/lattice"

	"efiretype/internal/retype"
)

// FuncLabel names a function node: its name when known, otherwise sub_<EA>.
func FuncLabel(r retype.Result) string {
	if r.FuncName != "" {
		return r.FuncName
	}
	return fmt.Sprintf("sub_%X", uint64(r.Func))
}

// InterfaceLabel names an interface node by its structure name.
func InterfaceLabel(typ string) string {
	return strings.TrimSpace(strings.TrimRight(typ, "* "))
}

// BuildRetypeGraph constructs a lattice.Graph linking each function to the
// protocol interfaces it obtains. Every function with a retype becomes a
// node, as does every interface.
func BuildRetypeGraph(results []retype.Result) *lattice.Graph {
	g := &lattice.Graph{}
	seen := make(map[string]bool)
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			g.Nodes = append(g.Nodes, n)
		}
	}
	for _, r := range results {
		fn, iface := FuncLabel(r), InterfaceLabel(r.Type)
		add(fn)
		add(iface)
		g.Edges = append(g.Edges, lattice.Edge{Caller: fn, Callee: iface})
	}
	g.Dedup()
	return g
}
