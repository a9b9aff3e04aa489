package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kprocsim/kprocsim/sim/checkpoint"
)

var (
	inspectStore string // Store holding the inspected checkpoint
	listRun      string // Run whose checkpoints are listed
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect stored solver checkpoints",
}

var checkpointInspectCmd = &cobra.Command{
	Use:   "inspect KEY",
	Short: "Print the header of a stored checkpoint",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := checkpoint.Open(contextOf(cmd), inspectStore)
		if err != nil {
			logrus.Fatalf("checkpoint store: %v", err)
		}
		if err := inspectCheckpoint(contextOf(cmd), os.Stdout, store, args[0]); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the checkpoints of a run",
	Run: func(cmd *cobra.Command, args []string) {
		store, err := checkpoint.Open(contextOf(cmd), inspectStore)
		if err != nil {
			logrus.Fatalf("checkpoint store: %v", err)
		}
		if err := listCheckpoints(contextOf(cmd), os.Stdout, store, listRun); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func inspectCheckpoint(ctx context.Context, w io.Writer, store checkpoint.Store, key string) error {
	h, err := checkpoint.Inspect(ctx, store, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Key        : %s\n", key)
	fmt.Fprintf(w, "Version    : %d\n", h.Version)
	fmt.Fprintf(w, "Method     : %s\n", h.Method)
	fmt.Fprintf(w, "Clock      : %.9g s\n", h.Clock)
	fmt.Fprintf(w, "Groups     : %d\n", h.Groups)
	fmt.Fprintf(w, "Elements   : %d\n", h.Elements)
	fmt.Fprintf(w, "Processes  : %d\n", h.KProcs)
	fmt.Fprintf(w, "Boundaries : %d\n", h.Boundaries)
	return nil
}

func listCheckpoints(ctx context.Context, w io.Writer, store checkpoint.Store, run string) error {
	prefix := ""
	if run != "" {
		prefix = run + "/"
	}
	infos, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.Size, info.LastModified.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func init() {
	checkpointCmd.PersistentFlags().StringVar(&inspectStore, "store", "./checkpoints", "Checkpoint store (directory, mem://, s3://bucket/prefix)")
	checkpointListCmd.Flags().StringVar(&listRun, "run", "", "Run name (default: all runs)")

	checkpointCmd.AddCommand(checkpointInspectCmd, checkpointListCmd)
	rootCmd.AddCommand(checkpointCmd)
}
