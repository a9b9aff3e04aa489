package sim

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// UndirectedGraph returns the dependency graph as a gonum undirected graph with
// one node per process (node id = process id). When coWrite is set, processes
// writing a common pool are also joined, so that no two groups ever touch the
// same pool.
func (g *DependencyGraph) UndirectedGraph(nkprocs int, coWrite bool) *simple.UndirectedGraph {
	ug := simple.NewUndirectedGraph()
	for pid := 0; pid < nkprocs; pid++ {
		ug.AddNode(simple.Node(pid))
	}
	join := func(a, b KProcID) {
		if a == b || ug.HasEdgeBetween(int64(a), int64(b)) {
			return
		}
		ug.SetEdge(ug.NewEdge(simple.Node(a), simple.Node(b)))
	}
	g.Edges(join)
	if coWrite {
		for slot := 0; slot+1 < len(g.writerOff); slot++ {
			ws := g.writers[g.writerOff[slot]:g.writerOff[slot+1]]
			for i := 1; i < len(ws); i++ {
				join(ws[0], ws[i])
			}
		}
	}
	return ug
}

// Components partitions the processes into independent scheduling groups.
// Without independent mode every process belongs to group 0. Groups and their
// members are ordered by lowest process id.
func (g *DependencyGraph) Components(nkprocs int, independent bool) [][]KProcID {
	if !independent {
		all := make([]KProcID, nkprocs)
		for i := range all {
			all[i] = KProcID(i)
		}
		return [][]KProcID{all}
	}
	cc := topo.ConnectedComponents(g.UndirectedGraph(nkprocs, true))
	groups := make([][]KProcID, 0, len(cc))
	for _, comp := range cc {
		groups = append(groups, nodeIDs(comp))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

func nodeIDs(nodes []graph.Node) []KProcID {
	out := make([]KProcID, len(nodes))
	for i, n := range nodes {
		out[i] = KProcID(n.ID())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
