package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jam-duna/x86emu/log"
	"github.com/spf13/cobra"
)

type eventFilter struct {
	msgType string
	pid     int
	summary bool
}

func newEventsCmd() *cobra.Command {
	var f eventFilter
	cmd := &cobra.Command{
		Use:   "events FILE",
		Short: "Print a context event log written with --event-log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			in, err := os.Open(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "x86emu: %v\n", err)
				os.Exit(1)
			}
			defer in.Close()
			if err := printEvents(os.Stdout, in, f); err != nil {
				fmt.Fprintf(os.Stderr, "x86emu: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&f.msgType, "type", "", "only show events of this type (spawn, finish)")
	cmd.Flags().IntVar(&f.pid, "pid", 0, "only show events for this pid")
	cmd.Flags().BoolVar(&f.summary, "summary", false, "print event counts per type instead of the events")
	return cmd
}

// printEvents converts event log lines to text, one event per line.
func printEvents(w io.Writer, r io.Reader, f eventFilter) error {
	counts := make(map[string]int)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for lineNo := 1; sc.Scan(); lineNo++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev log.StructuredLog
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if f.msgType != "" && ev.MsgType != f.msgType {
			continue
		}
		if f.pid != 0 {
			var body struct {
				Pid int `json:"pid"`
			}
			if err := json.Unmarshal(ev.MsgJSON, &body); err != nil || body.Pid != f.pid {
				continue
			}
		}
		counts[ev.MsgType]++
		if !f.summary {
			fmt.Fprintf(w, "%10d %-6s %-28s %s\n", ev.Inst, ev.MsgType, ev.Sender, ev.MsgJSON)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if f.summary {
		types := make([]string, 0, len(counts))
		for t := range counts {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(w, "%-6s %d\n", t, counts[t])
		}
	}
	return nil
}
