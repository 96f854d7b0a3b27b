package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"workyard.ai/internal/persistence/snapshot"
	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable read model of the event stream. The JSONL logs
// remain the source of truth; the index drops writes when it falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu is held for reading around every send on ch and for writing
	// around close(ch).
	mu     sync.RWMutex
	closed atomic.Bool

	dropEvent      atomic.Uint64
	dropStatus     atomic.Uint64
	dropCompletion atomic.Uint64
	dropSnapshot   atomic.Uint64
	written        atomic.Uint64
	writeErrors    atomic.Uint64
}

type Stats struct {
	DropEventTotal      uint64 `json:"drop_event_total"`
	DropStatusTotal     uint64 `json:"drop_status_total"`
	DropCompletionTotal uint64 `json:"drop_completion_total"`
	DropSnapshotTotal   uint64 `json:"drop_snapshot_total"`
	WrittenTotal        uint64 `json:"written_total"`
	WriteErrorTotal     uint64 `json:"write_error_total"`
	QueueDepth          int    `json:"queue_depth"`
	QueueCapacity       int    `json:"queue_capacity"`
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqStatus
	reqCompletion
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	event      registry.GameEvent
	status     statusRow
	completion CompletionRow
	snapshot   snapshotRow
	done       chan struct{}
}

type statusRow struct {
	At   time.Time
	Line string
}

// CompletionRow is one finished task.
type CompletionRow struct {
	WorkerID string    `json:"worker_id"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind,omitempty"`
	Region   string    `json:"region,omitempty"`
	Task     string    `json:"task,omitempty"`
	Tokens   int64     `json:"tokens"`
	At       time.Time `json:"at"`
}

type snapshotRow struct {
	Tick      uint64
	Path      string
	Seed      int64
	ClockNS   int64
	Workers   int
	Events    int
	Completed int64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms INTEGER NOT NULL,
			type TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			detail TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_id, at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, at_ms);`,
		`CREATE TABLE IF NOT EXISTS status_lines (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms INTEGER NOT NULL,
			line TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS completions (
			worker_id TEXT NOT NULL,
			at_ms INTEGER NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			region TEXT NOT NULL,
			task TEXT NOT NULL,
			tokens INTEGER NOT NULL,
			PRIMARY KEY (worker_id, at_ms)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_completions_region ON completions(region);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			clock_ns INTEGER NOT NULL,
			workers INTEGER NOT NULL,
			events INTEGER NOT NULL,
			completed INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteEvent(ev registry.GameEvent) {
	s.enqueue(req{kind: reqEvent, event: ev}, &s.dropEvent)
}

func (s *SQLiteIndex) WriteStatusLine(at time.Time, line string) {
	s.enqueue(req{kind: reqStatus, status: statusRow{At: at, Line: line}}, &s.dropStatus)
}

func (s *SQLiteIndex) RecordCompletion(c CompletionRow) {
	s.enqueue(req{kind: reqCompletion, completion: c}, &s.dropCompletion)
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Tick:      snap.Header.Tick,
		Path:      path,
		Seed:      snap.Seed,
		ClockNS:   snap.ClockNanos,
		Workers:   len(snap.Workers),
		Events:    len(snap.Events),
		Completed: snap.Stats.Completed,
	}}, &s.dropSnapshot)
}

// Flush commits everything queued so far. It blocks until the writer has
// caught up or ctx is done.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil {
		return errors.New("index closed")
	}
	done := make(chan struct{})
	if err := s.sendFlush(ctx, done); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) sendFlush(ctx context.Context, done chan struct{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return errors.New("index closed")
	}
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropEventTotal:      s.dropEvent.Load(),
		DropStatusTotal:     s.dropStatus.Load(),
		DropCompletionTotal: s.dropCompletion.Load(),
		DropSnapshotTotal:   s.dropSnapshot.Load(),
		WrittenTotal:        s.written.Load(),
		WriteErrorTotal:     s.writeErrors.Load(),
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
	}
}

// UpsertCatalogs stores the region catalog and the applied tuning as
// canonical JSON with their digests.
func (s *SQLiteIndex) UpsertCatalogs(cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil || cats == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if b, err := json.Marshal(cats.Regions.List); err == nil {
		rows = append(rows, kv{name: "regions", digest: cats.Digest, json: b})
	}
	if b, err := json.Marshal(cats.Affinity); err == nil {
		rows = append(rows, kv{name: "affinity", digest: cats.Digest, json: b})
	}
	if b, err := json.Marshal(tune); err == nil {
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT INTO events(at_ms,type,worker_id,detail) VALUES(?,?,?,?)`)
	insertStatus, _ := s.db.Prepare(`INSERT INTO status_lines(at_ms,line) VALUES(?,?)`)
	insertCompletion, _ := s.db.Prepare(`INSERT OR REPLACE INTO completions(worker_id,at_ms,name,kind,region,task,tokens) VALUES(?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,seed,clock_ns,workers,events,completed) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEvent, insertStatus, insertCompletion, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErrors.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
		s.written.Add(1)
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvent:
			ev := r.event
			exec(insertEvent, ev.At.UnixMilli(), ev.Type, ev.WorkerID, ev.Detail)
		case reqStatus:
			exec(insertStatus, r.status.At.UnixMilli(), r.status.Line)
		case reqCompletion:
			c := r.completion
			exec(insertCompletion, c.WorkerID, c.At.UnixMilli(), c.Name, c.Kind, c.Region, c.Task, c.Tokens)
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.Seed, sn.ClockNS, sn.Workers, sn.Events, sn.Completed)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
