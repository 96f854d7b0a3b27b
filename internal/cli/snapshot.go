package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"workyard.ai/internal/persistence/snapshot"
)

func newSnapshotCmd(g *globals) *cobra.Command {
	var (
		worldID     string
		listWorkers bool
	)
	cmd := &cobra.Command{
		Use:   "snapshot [path]",
		Short: "Summarize a snapshot",
		Long:  "Summarize a snapshot file. Without a path the latest snapshot of --world is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			} else {
				path = latestSnapshot(g.worldDir(worldID))
				if path == "" {
					return fmt.Errorf("no snapshots for world %q under %s", worldID, g.dataDir)
				}
			}
			snap, err := snapshot.ReadSnapshot(path)
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			printSnapshot(cmd.OutOrStdout(), snap, listWorkers)
			return nil
		},
	}
	cmd.Flags().StringVar(&worldID, "world", "yard", "world id")
	cmd.Flags().BoolVar(&listWorkers, "workers", false, "list every worker")
	return cmd
}

func printSnapshot(out io.Writer, snap snapshot.SnapshotV1, listWorkers bool) {
	fmt.Fprintf(out, "snapshot v%d world=%s tick=%d seed=%d workers=%d events=%d\n",
		snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, snap.Seed, len(snap.Workers), len(snap.Events))

	byStatus := map[string]int{}
	for _, w := range snap.Workers {
		byStatus[w.Status]++
	}
	keys := make([]string, 0, len(byStatus))
	for k := range byStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, byStatus[k]))
	}
	fmt.Fprintf(out, "status: %s\n", strings.Join(parts, " "))

	st := snap.Stats
	fmt.Fprintf(out, "stats: completed=%d failed=%d files_touched=%d tokens=%d\n", st.Completed, st.Failed, st.FilesTouched, st.TotalTokens)
	if len(snap.StatusLines) > 0 {
		fmt.Fprintf(out, "last heartbeat: %s\n", snap.StatusLines[0])
	}

	if !listWorkers {
		return
	}
	for _, w := range snap.Workers {
		fmt.Fprintf(out, "  %-36s %-14s %-8s %-10s %-10s %5.1f%% tokens=%d\n",
			w.ID, w.Name, w.Kind, w.Status, w.TargetRegion, w.Progress, w.Tokens)
	}
}
