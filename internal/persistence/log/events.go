package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"workyard.ai/internal/sim/registry"
)

const (
	KindEvent  = "event"
	KindStatus = "status"
)

// Record is one line of the event log.
type Record struct {
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
	Type     string    `json:"type,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Line     string    `json:"line,omitempty"`
}

// EventLogger mirrors registry events and status lines into
// <dir>/events/events-*.jsonl.zst. Writes happen on a background goroutine;
// when its queue is full new records are dropped and counted.
type EventLogger struct {
	w   *JSONLZstdWriter
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	closed  bool
	ch      chan Record
	sub     *registry.Subscription
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	written atomic.Uint64
}

func NewEventLogger(dir string, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &EventLogger{
		w:    NewJSONLZstdWriter(filepath.Join(dir, "events"), "events"),
		log:  logger,
		now:  time.Now,
		ch:   make(chan Record, 1024),
		done: make(chan struct{}),
	}
	go l.loop()
	return l
}

// Attach subscribes to reg. Only one registry can be attached.
func (l *EventLogger) Attach(reg *registry.Registry, now func() time.Time) {
	if now != nil {
		l.now = now
		l.w.SetClock(now)
	}
	l.sub = reg.Subscribe(l.onChange)
}

// OnFileClosed registers fn to receive each finished log file.
func (l *EventLogger) OnFileClosed(fn func(path string)) {
	l.w.SetOnClose(fn)
}

func (l *EventLogger) onChange(c registry.Change) {
	switch c.Kind {
	case registry.ChangeEvent:
		l.Enqueue(Record{Kind: KindEvent, At: c.Event.At, Type: c.Event.Type, WorkerID: c.Event.WorkerID, Detail: c.Event.Detail})
	case registry.ChangeStatusLine:
		l.Enqueue(Record{Kind: KindStatus, At: l.now(), Line: c.Line})
	}
}

// Enqueue queues r without blocking. Records sent after Close are dropped.
func (l *EventLogger) Enqueue(r Record) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.ch <- r:
	default:
		l.dropped.Add(1)
	}
}

func (l *EventLogger) loop() {
	defer close(l.done)
	for r := range l.ch {
		if err := l.w.Write(r); err != nil {
			l.log.Warn("event log write", "err", err)
			continue
		}
		l.written.Add(1)
	}
}

func (l *EventLogger) Written() uint64 { return l.written.Load() }
func (l *EventLogger) Dropped() uint64 { return l.dropped.Load() }

// Close detaches from the registry, drains the queue and closes the file.
func (l *EventLogger) Close() error {
	var err error
	l.once.Do(func() {
		if l.sub != nil {
			l.sub.Cancel()
		}
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
		<-l.done
		err = l.w.Close()
	})
	return err
}

// ReadAll decodes every <prefix>-*.jsonl.zst file in dir, oldest file first.
func ReadAll(dir, prefix string) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []Record
	for _, p := range paths {
		recs, err := readFile(p)
		if err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Record
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
