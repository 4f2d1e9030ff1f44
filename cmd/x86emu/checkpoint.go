package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jam-duna/x86emu/checkpoint"
	"github.com/spf13/cobra"
)

func newCheckpointCmd() *cobra.Command {
	var dir string
	var color bool

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect saved context snapshots",
	}
	cmd.PersistentFlags().StringVar(&dir, "checkpoint-dir", "", "LevelDB directory holding the snapshots")
	cmd.MarkPersistentFlagRequired("checkpoint-dir")

	withStore := func(fn func(s *checkpoint.Store, args []string) error) func(*cobra.Command, []string) {
		return func(cmd *cobra.Command, args []string) {
			s, err := checkpoint.Open(dir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "x86emu: %v\n", err)
				os.Exit(1)
			}
			err = fn(s, args)
			s.Close()
			if err != nil {
				fmt.Fprintf(os.Stderr, "x86emu: %v\n", err)
				os.Exit(1)
			}
		}
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshot names",
		Args:  cobra.NoArgs,
		Run: withStore(func(s *checkpoint.Store, args []string) error {
			return listSnapshots(os.Stdout, s)
		}),
	}
	diffCmd := &cobra.Command{
		Use:   "diff A B",
		Short: "Show register and page differences between two snapshots",
		Args:  cobra.ExactArgs(2),
		Run: withStore(func(s *checkpoint.Store, args []string) error {
			return diffSnapshots(os.Stdout, s, args[0], args[1], color)
		}),
	}
	diffCmd.Flags().BoolVar(&color, "color", true, "color the diff")
	deleteCmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		Run: withStore(func(s *checkpoint.Store, args []string) error {
			return s.Delete(args[0])
		}),
	}
	cmd.AddCommand(listCmd, diffCmd, deleteCmd)
	return cmd
}

func listSnapshots(w io.Writer, s *checkpoint.Store) error {
	names, err := s.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		snap, err := s.Load(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-16s pid=%-6d inst=%-10d eip=0x%08x pages=%d root=%s\n",
			name, snap.Pid, snap.Instructions, snap.Regs.Eip, len(snap.Pages), snap.Root)
	}
	return nil
}

func diffSnapshots(w io.Writer, s *checkpoint.Store, a, b string, color bool) error {
	left, err := s.Load(a)
	if err != nil {
		return err
	}
	right, err := s.Load(b)
	if err != nil {
		return err
	}
	out, err := checkpoint.Diff(left, right, color)
	if err != nil {
		return err
	}
	if out == "" {
		fmt.Fprintf(w, "%s and %s are identical\n", a, b)
		return nil
	}
	fmt.Fprint(w, out)
	fmt.Fprintf(w, "%d pages differ\n", len(checkpoint.ChangedPages(left, right)))
	return nil
}
