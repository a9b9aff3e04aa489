package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/kprocsim/kprocsim/sim"
	"github.com/kprocsim/kprocsim/sim/scenario"
)

var (
	depsOut         string // DOT output file
	depsIndependent bool   // Colour independent scheduling groups
)

// palette colours scheduling groups; groups beyond its length reuse colours.
var palette = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
}

// kprocNode is a dependency graph vertex rendered with its process label and
// the colour of its scheduling group.
type kprocNode struct {
	id    int64
	label string
	group int
}

func (n kprocNode) ID() int64 { return n.id }

func (n kprocNode) DOTID() string { return fmt.Sprintf("k%d", n.id) }

func (n kprocNode) Attributes() []encoding.Attribute {
	return []encoding.Attribute{
		{Key: "label", Value: fmt.Sprintf("%q", n.label)},
		{Key: "style", Value: "filled"},
		{Key: "fillcolor", Value: fmt.Sprintf("%q", palette[n.group%len(palette)])},
	}
}

// dependencyDOT renders the directed dependency graph of a solver: an edge
// a -> b means firing a may change the propensity of b. Self-dependencies
// are omitted.
func dependencyDOT(s *sim.Solver) ([]byte, error) {
	sys := s.System()
	g := simple.NewDirectedGraph()
	nodes := make([]graph.Node, len(sys.KProcs))
	for pid := range sys.KProcs {
		n := kprocNode{id: int64(pid), label: sys.Describe(sim.KProcID(pid)), group: s.GroupOf(sim.KProcID(pid))}
		nodes[pid] = n
		g.AddNode(n)
	}
	s.Graph().Edges(func(src, dst sim.KProcID) {
		if src == dst {
			return
		}
		g.SetEdge(g.NewEdge(nodes[src], nodes[dst]))
	})
	logrus.Infof("dependency graph: %d processes, %d edges, %d groups", g.Nodes().Len(), g.Edges().Len(), s.Groups())
	return dot.Marshal(g, "dependencies", "", "  ")
}

func writeDependencyDOT(w io.Writer, s *sim.Solver) error {
	data, err := dependencyDOT(s)
	if err != nil {
		return fmt.Errorf("encode dependency graph: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Export the process dependency graph of a scenario as Graphviz DOT",
	Run: func(cmd *cobra.Command, args []string) {
		sc, err := scenario.Load(scenarioPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if cmd.Flags().Changed("independent") || sc.Solver.Independent == nil {
			sc.Solver.Independent = &depsIndependent
		}
		inst, err := sc.Build(nil)
		if err != nil {
			logrus.Fatalf("Failed to build scenario: %v", err)
		}
		w := io.Writer(os.Stdout)
		if depsOut != "" {
			f, err := os.Create(depsOut)
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			defer f.Close()
			w = f
		}
		if err := writeDependencyDOT(w, inst.Solver); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

func init() {
	depsCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file")
	if err := depsCmd.MarkFlagRequired("scenario"); err != nil {
		logrus.Fatalf("%v", err)
	}
	depsCmd.Flags().StringVar(&depsOut, "out", "", "DOT output file (default: stdout)")
	depsCmd.Flags().BoolVar(&depsIndependent, "independent", true, "Colour independent scheduling groups")

	rootCmd.AddCommand(depsCmd)
}
