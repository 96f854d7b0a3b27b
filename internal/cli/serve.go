package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"workyard.ai/internal/persistence/archive"
	"workyard.ai/internal/persistence/indexdb"
	plog "workyard.ai/internal/persistence/log"
	"workyard.ai/internal/persistence/s3mirror"
	"workyard.ai/internal/persistence/snapshot"
	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/tuning"
	"workyard.ai/internal/sim/world"
	"workyard.ai/internal/transport/observer"
)

type serveOptions struct {
	addr        string
	worldID     string
	seed        int64
	tuningPath  string
	snapshot    string
	loadLatest  bool
	noIndex     bool
	allowRemote bool

	s3       s3mirror.Config
	s3Prefix string
}

func newServeCmd(g *globals) *cobra.Command {
	o := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation",
		Long: `Run the simulation until interrupted.

Events and heartbeat lines are logged under <data>/worlds/<world>/events,
periodic snapshots under <data>/worlds/<world>/snapshots and the query
index at <data>/worlds/<world>/index/world.sqlite. The observer feed is
served at /v1/bootstrap and /v1/ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runServe(ctx, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", ":8080", "http listen address")
	f.StringVar(&o.worldID, "world", "yard", "world id")
	f.Int64Var(&o.seed, "seed", 0, "world seed (0 keeps the tuning value)")
	f.StringVar(&o.tuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	f.StringVar(&o.snapshot, "snapshot", "", "snapshot to resume from")
	f.BoolVar(&o.loadLatest, "load-latest-snapshot", true, "resume from the latest snapshot in the data dir when --snapshot is empty")
	f.BoolVar(&o.noIndex, "no-index", false, "disable the sqlite query index")
	f.BoolVar(&o.allowRemote, "allow-remote", false, "serve observer endpoints to non-loopback clients")
	f.StringVar(&o.s3.Endpoint, "s3-endpoint", os.Getenv("WORKYARD_S3_ENDPOINT"), "mirror snapshots and event logs to this S3-compatible endpoint")
	f.StringVar(&o.s3.Bucket, "s3-bucket", os.Getenv("WORKYARD_S3_BUCKET"), "mirror bucket")
	f.StringVar(&o.s3.Region, "s3-region", os.Getenv("WORKYARD_S3_REGION"), "mirror signing region (default auto)")
	f.StringVar(&o.s3Prefix, "s3-prefix", os.Getenv("WORKYARD_S3_PREFIX"), "object key prefix")
	return cmd
}

func runServe(ctx context.Context, g *globals, o serveOptions) error {
	log := g.logger

	tp := o.tuningPath
	if tp == "" {
		tp = filepath.Join(g.configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load tuning: %w", err)
		}
		log.Warn("tuning not found; using defaults", "path", tp)
		tune = tuning.Defaults()
	}
	if o.seed != 0 {
		tune.World.Seed = o.seed
	}

	cats, err := catalogs.Load(filepath.Join(g.configDir, "regions.yaml"))
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}

	worldDir := g.worldDir(o.worldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		return err
	}

	mirror, err := buildMirror(g, o)
	if err != nil {
		return err
	}
	defer mirror.Close()

	// Optional read-model index (does not affect the simulation).
	var idx *indexdb.SQLiteIndex
	if !o.noIndex {
		idx, err = indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalogs(cats, tune); err != nil {
			log.Warn("index: upsert catalogs", "err", err)
		}
	}

	w, err := world.New(tune, cats, world.WithID(o.worldID), world.WithLogger(log.With("world", o.worldID)))
	if err != nil {
		return err
	}

	snapPath := o.snapshot
	if snapPath == "" && o.loadLatest {
		snapPath = latestSnapshot(worldDir)
	}
	if snapPath != "" {
		snap, err := snapshot.ReadSnapshot(snapPath)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		if snap.Header.WorldID != "" && snap.Header.WorldID != o.worldID {
			return fmt.Errorf("snapshot world id mismatch: flag=%s snap=%s", o.worldID, snap.Header.WorldID)
		}
		if err := w.ImportSnapshot(snap); err != nil {
			return fmt.Errorf("import snapshot: %w", err)
		}
		log.Info("resumed", "snapshot", filepath.Base(snapPath), "tick", w.Ticks(), "workers", w.Registry().Len())
	}

	events := plog.NewEventLogger(worldDir, log)
	if mirror != nil {
		events.OnFileClosed(mirror.Enqueue)
	}
	events.Attach(w.Registry(), nil)
	defer events.Close()
	if idx != nil {
		sub := idx.Attach(w.Registry(), w.Now)
		defer sub.Cancel()
	}

	saver := &snapshotSaver{
		worldDir:     worldDir,
		keep:         tune.Persistence.KeepSnapshots,
		archiveEvery: tune.Persistence.ArchiveEveryTicks,
		idx:          idx,
		mirror:       mirror,
		log:          log,
	}
	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("world stopped", "err", err)
		}
	}()
	defer func() {
		stopRun()
		<-runDone
		<-writerDone
	}()

	// Snapshot writer.
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-runCtx.Done():
				return
			case snap := <-snapCh:
				if _, err := saver.save(snap); err != nil {
					log.Error("snapshot write", "err", err)
				}
			}
		}
	}()

	obs := observer.NewServer(w, log.With("component", "observer"))
	obs.AllowRemote = o.allowRemote

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var st *indexdb.Stats
		if idx != nil {
			s := idx.Stats()
			st = &s
		}
		var ms *s3mirror.Stats
		if mirror != nil {
			s := mirror.Stats()
			ms = &s
		}
		writeMetrics(rw, o.worldID, w.Metrics(), st, ms, events.Dropped(), obs.Sessions())
	})
	mux.HandleFunc("/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(struct {
			WorldID string        `json:"world_id"`
			Metrics world.Metrics `json:"metrics"`
		}{o.worldID, w.Metrics()})
	})
	mux.HandleFunc("/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !o.allowRemote && !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel2()
		rw.Header().Set("Content-Type", "application/json")
		snap, err := w.RequestSnapshot(ctx2)
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		path, err := saver.save(snap)
		if err != nil {
			rw.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": snap.Header.Tick, "path": path})
	})
	obs.Register(mux)

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	log.Info("listening", "addr", o.addr, "world", o.worldID, "seed", tune.World.Seed)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildMirror(g *globals, o serveOptions) (*s3mirror.Mirror, error) {
	if strings.TrimSpace(o.s3.Endpoint) == "" {
		return nil, nil
	}
	cfg := o.s3
	cfg.AccessKeyID = os.Getenv("WORKYARD_S3_ACCESS_KEY_ID")
	cfg.SecretAccessKey = os.Getenv("WORKYARD_S3_SECRET_ACCESS_KEY")
	client, err := s3mirror.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w (credentials come from WORKYARD_S3_ACCESS_KEY_ID and WORKYARD_S3_SECRET_ACCESS_KEY)", err)
	}
	g.logger.Info("mirroring to s3", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", o.s3Prefix)
	return s3mirror.NewMirror(client, g.dataDir, s3mirror.Options{Prefix: o.s3Prefix}, g.logger.With("component", "s3mirror")), nil
}

// snapshotSaver writes snapshots as <worldDir>/snapshots/<tick>.snap.zst,
// checkpoints and prunes them, and hands finished files to the index and
// the mirror when those are enabled.
type snapshotSaver struct {
	worldDir     string
	keep         int
	archiveEvery uint64
	idx          *indexdb.SQLiteIndex
	mirror       *s3mirror.Mirror
	log          *slog.Logger

	mu sync.Mutex
}

func (s *snapshotSaver) save(snap snapshot.SnapshotV1) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.worldDir, "snapshots")
	path := filepath.Join(dir, fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if s.idx != nil {
		s.idx.RecordSnapshot(path, snap)
	}
	s.mirror.Enqueue(path)

	if archived, ok, err := archive.ArchiveSnapshot(s.worldDir, path, snap, s.archiveEvery); err != nil {
		s.logger().Warn("archive snapshot", "tick", snap.Header.Tick, "err", err)
	} else if ok {
		s.logger().Info("checkpoint archived", "tick", snap.Header.Tick, "path", archived)
		s.mirror.Enqueue(archived)
		s.mirror.EnqueueIfExists(filepath.Join(filepath.Dir(archived), "meta.json"))
	}

	removed, err := archive.PruneSnapshots(dir, s.keep)
	if err != nil {
		s.logger().Warn("prune snapshots", "err", err)
	} else if len(removed) > 0 {
		s.logger().Debug("pruned snapshots", "removed", len(removed))
	}
	return path, nil
}

func (s *snapshotSaver) logger() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

// writeMetrics renders a minimal Prometheus exposition.
func writeMetrics(out io.Writer, worldID string, m world.Metrics, idx *indexdb.Stats, mirror *s3mirror.Stats, eventDrops uint64, sessions int64) {
	fmt.Fprintf(out, "# HELP workyard_world_tick Ticks stepped since the world started.\n")
	fmt.Fprintf(out, "# TYPE workyard_world_tick counter\n")
	fmt.Fprintf(out, "workyard_world_tick{world=%q} %d\n", worldID, m.Tick)

	fmt.Fprintf(out, "# HELP workyard_world_workers Current number of workers.\n")
	fmt.Fprintf(out, "# TYPE workyard_world_workers gauge\n")
	fmt.Fprintf(out, "workyard_world_workers{world=%q} %d\n", worldID, m.Workers)

	fmt.Fprintf(out, "# HELP workyard_world_in_transit Workers with a motion state.\n")
	fmt.Fprintf(out, "# TYPE workyard_world_in_transit gauge\n")
	fmt.Fprintf(out, "workyard_world_in_transit{world=%q} %d\n", worldID, m.InTransit)

	statuses := make([]string, 0, len(m.ByStatus))
	for s := range m.ByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	fmt.Fprintf(out, "# HELP workyard_world_workers_by_status Workers per status.\n")
	fmt.Fprintf(out, "# TYPE workyard_world_workers_by_status gauge\n")
	for _, s := range statuses {
		fmt.Fprintf(out, "workyard_world_workers_by_status{world=%q,status=%q} %d\n", worldID, s, m.ByStatus[s])
	}

	fmt.Fprintf(out, "# HELP workyard_world_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(out, "# TYPE workyard_world_step_ms gauge\n")
	fmt.Fprintf(out, "workyard_world_step_ms{world=%q} %.3f\n", worldID, m.StepMS)

	fmt.Fprintf(out, "# HELP workyard_world_heartbeats Heartbeats since the world started.\n")
	fmt.Fprintf(out, "# TYPE workyard_world_heartbeats counter\n")
	fmt.Fprintf(out, "workyard_world_heartbeats{world=%q} %d\n", worldID, m.Heartbeats)

	fmt.Fprintf(out, "# HELP workyard_observer_sessions Connected observers.\n")
	fmt.Fprintf(out, "# TYPE workyard_observer_sessions gauge\n")
	fmt.Fprintf(out, "workyard_observer_sessions{world=%q} %d\n", worldID, sessions)

	fmt.Fprintf(out, "# HELP workyard_event_log_dropped_total Event log records dropped under backpressure.\n")
	fmt.Fprintf(out, "# TYPE workyard_event_log_dropped_total counter\n")
	fmt.Fprintf(out, "workyard_event_log_dropped_total{world=%q} %d\n", worldID, eventDrops)

	if mirror != nil {
		fmt.Fprintf(out, "# HELP workyard_s3_mirror_queue_depth Files waiting for upload.\n")
		fmt.Fprintf(out, "# TYPE workyard_s3_mirror_queue_depth gauge\n")
		fmt.Fprintf(out, "workyard_s3_mirror_queue_depth{world=%q} %d\n", worldID, mirror.QueueDepth)
		fmt.Fprintf(out, "# HELP workyard_s3_mirror_uploads_total Finished uploads by result.\n")
		fmt.Fprintf(out, "# TYPE workyard_s3_mirror_uploads_total counter\n")
		fmt.Fprintf(out, "workyard_s3_mirror_uploads_total{world=%q,result=%q} %d\n", worldID, "ok", mirror.UploadSuccessTotal)
		fmt.Fprintf(out, "workyard_s3_mirror_uploads_total{world=%q,result=%q} %d\n", worldID, "fail", mirror.UploadFailTotal)
		fmt.Fprintf(out, "# HELP workyard_s3_mirror_dropped_total Files dropped on a saturated queue.\n")
		fmt.Fprintf(out, "# TYPE workyard_s3_mirror_dropped_total counter\n")
		fmt.Fprintf(out, "workyard_s3_mirror_dropped_total{world=%q} %d\n", worldID, mirror.DroppedTotal)
	}

	if idx == nil {
		return
	}
	fmt.Fprintf(out, "# HELP workyard_index_dropped_total Index writes dropped under backpressure.\n")
	fmt.Fprintf(out, "# TYPE workyard_index_dropped_total counter\n")
	fmt.Fprintf(out, "workyard_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "event", idx.DropEventTotal)
	fmt.Fprintf(out, "workyard_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "status", idx.DropStatusTotal)
	fmt.Fprintf(out, "workyard_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "completion", idx.DropCompletionTotal)
	fmt.Fprintf(out, "workyard_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "snapshot", idx.DropSnapshotTotal)
	fmt.Fprintf(out, "# HELP workyard_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(out, "# TYPE workyard_index_queue_depth gauge\n")
	fmt.Fprintf(out, "workyard_index_queue_depth{world=%q} %d\n", worldID, idx.QueueDepth)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
