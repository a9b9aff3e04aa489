package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kprocsim/kprocsim/sim"
	"github.com/kprocsim/kprocsim/sim/checkpoint"
	"github.com/kprocsim/kprocsim/sim/mesh"
	"github.com/kprocsim/kprocsim/sim/results"
	"github.com/kprocsim/kprocsim/sim/scenario"
	"github.com/kprocsim/kprocsim/sim/telemetry"
	"github.com/kprocsim/kprocsim/sim/trace"
)

var (
	scenarioPath string  // Scenario YAML file
	method       string  // Selection method override
	seed         int64   // Seed override
	independent  bool    // Independent scheduling groups override
	parallel     bool    // Parallel group advancement override
	endTime      float64 // End time override, s
	efieldDT     float64 // Electrical time step override, s
	traceLevel   string  // Firing trace level override
	traceLimit   int     // Firing trace record limit override
	ranks        int     // Number of ranks the geometry is partitioned over
	rank         int     // Rank simulated by this process

	runName            string   // Run name for results and checkpoint keys
	metricsOut         string   // Prometheus textfile output
	resultsPath        string   // JSON metrics output
	resultsDB          string   // SQLite results database
	recordInterval     float64  // Sampling interval for the results database, s
	recordSpecies      []string // Species sampled into the results database
	recordExtents      bool     // Also sample process extents
	checkpointStore    string   // Checkpoint store location
	checkpointInterval float64  // Checkpoint interval, s
	restoreKey         string   // Checkpoint to restore before running ("latest" for the run's newest)
)

// runCmd executes a scenario using parameters from its YAML file and CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation scenario",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := contextOf(cmd)
		sc, err := scenario.Load(scenarioPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		applyOverrides(cmd, sc)
		if runName == "" {
			runName = sc.Name
		}
		if runName == "" {
			runName = "run"
		}

		var partition *sim.Partition
		if ranks > 1 {
			g, err := sc.BuildGeometry()
			if err != nil {
				logrus.Fatalf("geometry: %v", err)
			}
			if partition, err = mesh.BlockPartition(g, ranks, rank); err != nil {
				logrus.Fatalf("partition: %v", err)
			}
			logrus.Warnf("rank %d of %d: count changes for other ranks are reported but not exchanged", rank, ranks)
		}
		inst, err := sc.Build(partition)
		if err != nil {
			logrus.Fatalf("Failed to build scenario: %v", err)
		}

		opts := driverOptions{
			End:                inst.End,
			EFieldDT:           inst.EFieldDT,
			Run:                runName,
			RecordInterval:     recordInterval,
			CheckpointInterval: checkpointInterval,
		}
		if checkpointStore != "" {
			if opts.Store, err = checkpoint.Open(ctx, checkpointStore); err != nil {
				logrus.Fatalf("checkpoint store: %v", err)
			}
		}
		if restoreKey != "" {
			if opts.Store == nil {
				logrus.Fatalf("--restore requires --checkpoint-store")
			}
			if err := restore(ctx, opts.Store, runName, restoreKey, inst.Solver); err != nil {
				logrus.Fatalf("%v", err)
			}
		}
		if resultsDB != "" {
			cfg := sc.SolverConfig()
			rec, err := results.Open(resultsDB, runName, cfg.Seed, cfg.Method, results.Options{Species: recordSpecies, Extents: recordExtents})
			if err != nil {
				logrus.Fatalf("results database: %v", err)
			}
			defer func() {
				if err := rec.Close(); err != nil {
					logrus.Errorf("closing results database: %v", err)
				}
			}()
			opts.Recorder = rec
		}

		logrus.Infof("Starting %s until t=%g s", runName, opts.End)
		startTime := time.Now()
		if err := simulate(ctx, inst, opts); err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		if err := report(os.Stdout, inst.Solver, time.Since(startTime)); err != nil {
			logrus.Fatalf("%v", err)
		}
		logrus.Info("Simulation complete.")
	},
}

// applyOverrides copies explicitly set CLI flags over the scenario's solver
// options.
func applyOverrides(cmd *cobra.Command, sc *scenario.Scenario) {
	f := cmd.Flags()
	if f.Changed("method") {
		sc.Solver.Method = method
	}
	if f.Changed("seed") {
		sc.Solver.Seed = &seed
	}
	if f.Changed("independent") {
		sc.Solver.Independent = &independent
	}
	if f.Changed("parallel") {
		sc.Solver.Parallel = &parallel
	}
	if f.Changed("end") {
		sc.Solver.End = &endTime
	}
	if f.Changed("trace") {
		sc.Solver.Trace = traceLevel
	}
	if f.Changed("trace-limit") {
		sc.Solver.TraceLimit = traceLimit
	}
	if f.Changed("efield-dt") && sc.EField != nil {
		sc.EField.DT = &efieldDT
	}
}

func restore(ctx context.Context, store checkpoint.Store, run, key string, s *sim.Solver) error {
	if key == "latest" {
		var err error
		if key, err = checkpoint.Latest(ctx, store, run); err != nil {
			return err
		}
	}
	return checkpoint.Load(ctx, store, key, s)
}

// driverOptions controls the outer simulation loop.
type driverOptions struct {
	End                float64
	EFieldDT           float64
	Run                string
	RecordInterval     float64 // zero records only at the start and the end
	CheckpointInterval float64 // zero checkpoints only at the end
	Recorder           *results.Recorder
	Store              checkpoint.Store
}

func nextStop(t, interval float64) float64 {
	if interval <= 0 {
		return math.Inf(1)
	}
	return t + interval
}

// simulate advances the solver to opts.End, stopping at record and checkpoint
// times. With a field the electrical step restarts at each stop.
func simulate(ctx context.Context, inst *scenario.Instance, opts driverOptions) error {
	s := inst.Solver
	if opts.Recorder != nil {
		if err := opts.Recorder.Record(ctx, s); err != nil {
			return err
		}
	}
	nextRec := nextStop(s.Time(), opts.RecordInterval)
	nextCp := nextStop(s.Time(), opts.CheckpointInterval)
	for s.Time() < opts.End {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop := math.Min(opts.End, math.Min(nextRec, nextCp))
		if inst.Field != nil {
			if err := s.RunEField(stop, opts.EFieldDT, inst.Field); err != nil {
				return err
			}
		} else {
			st, err := s.Run(stop)
			if err != nil {
				return err
			}
			if st.Exhausted {
				logrus.Debugf("no process can fire at t=%g", s.Time())
			}
		}
		if opts.Recorder != nil && (stop == nextRec || stop == opts.End) {
			if err := opts.Recorder.Record(ctx, s); err != nil {
				return err
			}
		}
		if stop == nextRec {
			nextRec += opts.RecordInterval
		}
		if opts.Store != nil && stop == nextCp && stop < opts.End {
			if _, err := checkpoint.Save(ctx, opts.Store, checkpoint.Key(opts.Run, s.Time()), s); err != nil {
				return err
			}
		}
		if stop == nextCp {
			nextCp += opts.CheckpointInterval
		}
	}
	if opts.Store != nil {
		if _, err := checkpoint.Save(ctx, opts.Store, checkpoint.Key(opts.Run, s.Time()), s); err != nil {
			return err
		}
	}
	return nil
}

// report prints run metrics and the firing-trace summary, and writes the
// optional JSON and Prometheus outputs.
func report(w io.Writer, s *sim.Solver, wall time.Duration) error {
	m := s.Metrics()
	m.Print(w)
	fmt.Fprintf(w, "Wall Time            : %s\n", wall.Round(time.Millisecond))
	if tr := s.Trace(); tr != nil {
		sum := trace.Summarize(tr)
		fmt.Fprintf(w, "Traced Firings       : %d (%d dropped, %d processes, mean dt %.4g s)\n",
			sum.TotalFirings, tr.Dropped, sum.UniqueProcesses, sum.MeanDT)
		fmt.Fprintf(w, "Waiting Time p50/p99 : %.4g / %.4g s\n", sum.MedianDT, sum.P99DT)
		kinds := make([]string, 0, len(sum.KindDistribution))
		for k := range sum.KindDistribution {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-18s : %d\n", k, sum.KindDistribution[k])
		}
	}
	rank := s.System().LocalRank()
	if resultsPath != "" {
		if err := m.SaveResults(rank, resultsPath); err != nil {
			return err
		}
	}
	if metricsOut != "" {
		if err := telemetry.WriteTextfile(s, rank, metricsOut); err != nil {
			return fmt.Errorf("write prometheus metrics: %w", err)
		}
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file")
	if err := runCmd.MarkFlagRequired("scenario"); err != nil {
		logrus.Fatalf("%v", err)
	}

	// Solver overrides
	runCmd.Flags().StringVar(&method, "method", "direct", "Selection method (direct, gibson-bruck, composition-rejection)")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Random seed")
	runCmd.Flags().BoolVar(&independent, "independent", false, "Schedule independent process groups separately")
	runCmd.Flags().BoolVar(&parallel, "parallel", false, "Advance independent groups concurrently")
	runCmd.Flags().Float64Var(&endTime, "end", 1, "Simulation end time (s)")
	runCmd.Flags().Float64Var(&efieldDT, "efield-dt", 1e-5, "Electrical time step (s)")
	runCmd.Flags().StringVar(&traceLevel, "trace", "none", "Firing trace level (none, firings)")
	runCmd.Flags().IntVar(&traceLimit, "trace-limit", 0, "Maximum traced firings kept (0 keeps all)")
	runCmd.Flags().IntVar(&ranks, "ranks", 1, "Number of ranks the geometry is partitioned over")
	runCmd.Flags().IntVar(&rank, "rank", 0, "Rank simulated by this process")

	// Outputs
	runCmd.Flags().StringVar(&runName, "run-name", "", "Run name for results and checkpoints (default: scenario name)")
	runCmd.Flags().StringVar(&resultsPath, "results-path", "", "File to save metrics as JSON")
	runCmd.Flags().StringVar(&metricsOut, "metrics-out", "", "File to write Prometheus text-format metrics")
	runCmd.Flags().StringVar(&resultsDB, "results-db", "", "SQLite database receiving sampled counts")
	runCmd.Flags().Float64Var(&recordInterval, "record-interval", 0, "Sampling interval for --results-db (s)")
	runCmd.Flags().StringSliceVar(&recordSpecies, "record-species", nil, "Species sampled into --results-db (default: all)")
	runCmd.Flags().BoolVar(&recordExtents, "record-extents", false, "Also sample process extents into --results-db")
	runCmd.Flags().StringVar(&checkpointStore, "checkpoint-store", "", "Checkpoint store (directory, mem://, s3://bucket/prefix)")
	runCmd.Flags().Float64Var(&checkpointInterval, "checkpoint-interval", 0, "Checkpoint interval (s); a final checkpoint is always written")
	runCmd.Flags().StringVar(&restoreKey, "restore", "", "Checkpoint key to restore before running, or \"latest\"")

	rootCmd.AddCommand(runCmd)
}
