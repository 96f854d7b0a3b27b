package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"workyard.ai/internal/persistence/indexdb"
	plog "workyard.ai/internal/persistence/log"
)

type eventsOptions struct {
	worldID  string
	workerID string
	typ      string
	limit    int
	status   bool
	useIndex bool
	asJSON   bool
}

func newEventsCmd(g *globals) *cobra.Command {
	o := eventsOptions{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print logged events",
		Long: `Print events from the compressed event logs, oldest first.

With --index the sqlite query index is read instead, newest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			worldDir := g.worldDir(o.worldID)
			if o.useIndex {
				return printIndexEvents(cmd.Context(), cmd.OutOrStdout(), worldDir, o)
			}
			return printLogEvents(cmd.OutOrStdout(), worldDir, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.worldID, "world", "yard", "world id")
	f.StringVar(&o.workerID, "worker", "", "only events of this worker")
	f.StringVar(&o.typ, "type", "", "only events of this type")
	f.IntVar(&o.limit, "limit", 0, "print at most this many records (0 = all; index default 50)")
	f.BoolVar(&o.status, "status", false, "include heartbeat status lines")
	f.BoolVar(&o.useIndex, "index", false, "query the sqlite index")
	f.BoolVar(&o.asJSON, "json", false, "print one JSON record per line")
	return cmd
}

func (o eventsOptions) match(r plog.Record) bool {
	if r.Kind == plog.KindStatus {
		return o.status && o.workerID == "" && o.typ == ""
	}
	if o.workerID != "" && r.WorkerID != o.workerID {
		return false
	}
	if o.typ != "" && r.Type != o.typ {
		return false
	}
	return true
}

func printLogEvents(out io.Writer, worldDir string, o eventsOptions) error {
	recs, err := plog.ReadAll(filepath.Join(worldDir, "events"), "events")
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	var kept []plog.Record
	for _, r := range recs {
		if o.match(r) {
			kept = append(kept, r)
		}
	}
	if o.limit > 0 && len(kept) > o.limit {
		kept = kept[len(kept)-o.limit:]
	}
	for _, r := range kept {
		if err := printRecord(out, r, o.asJSON); err != nil {
			return err
		}
	}
	return nil
}

func printIndexEvents(ctx context.Context, out io.Writer, worldDir string, o eventsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := filepath.Join(worldDir, "index", "world.sqlite")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no index at %s: %w", path, err)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	limit := o.limit
	if limit <= 0 {
		limit = 50
	}
	evs, err := idx.RecentEvents(ctx, o.workerID, limit)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if o.typ != "" && ev.Type != o.typ {
			continue
		}
		r := plog.Record{Kind: plog.KindEvent, At: ev.At, Type: ev.Type, WorkerID: ev.WorkerID, Detail: ev.Detail}
		if err := printRecord(out, r, o.asJSON); err != nil {
			return err
		}
	}
	return nil
}

func printRecord(out io.Writer, r plog.Record, asJSON bool) error {
	if asJSON {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	at := r.At.UTC().Format(time.RFC3339)
	if r.Kind == plog.KindStatus {
		_, err := fmt.Fprintf(out, "%s  %-9s  %s\n", at, "status", r.Line)
		return err
	}
	_, err := fmt.Fprintf(out, "%s  %-9s  %-36s  %s\n", at, r.Type, r.WorkerID, r.Detail)
	return err
}
