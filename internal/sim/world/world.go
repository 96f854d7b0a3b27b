// Package world drives the worker simulation: it spawns workers, ticks the
// behavior tree over them, integrates motion, emits heartbeats and despawns
// finished workers, all on a simulated clock.
package world

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"workyard.ai/internal/persistence/snapshot"
	"workyard.ai/internal/sim/bt"
	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/motion"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/sched"
	"workyard.ai/internal/sim/steering"
	"workyard.ai/internal/sim/tuning"
	"workyard.ai/internal/sim/utility"
)

var (
	ErrUnknownRegion = errors.New("unknown region")
	ErrStopped       = errors.New("world stopped")
)

type World struct {
	id   string
	cfg  tuning.Tuning
	cats *catalogs.Catalogs
	log  *slog.Logger

	rng   bt.Rand
	ids   io.Reader
	epoch time.Time

	reg    *registry.Registry
	motion *motion.Table
	scorer *utility.Scorer
	steer  *steering.Steering
	tree   *bt.Tree
	clock  *sched.Scheduler

	// gen is bumped by Stop and snapshot import; delayed callbacks carrying
	// an older value do nothing.
	gen      uint64
	stopped  bool
	noTimers bool
	periodic []sched.TaskID
	despawn  map[string]despawnState
	tokSeq   uint64
	serial   int

	ticks      uint64
	heartbeats int
	lastStep   time.Duration

	snapshotSink chan<- snapshot.SnapshotV1
	metrics      atomic.Value

	reassignReq chan reassignReq
	snapshotReq chan snapshotReq
	upsertReq   chan upsertReq
	stop        chan struct{}
	stopOnce    sync.Once
	running     atomic.Bool
}

type Option func(*World)

// WithRand replaces the behavior random source. Every spawn, tick and
// reassignment draws from it in a fixed order.
func WithRand(r bt.Rand) Option { return func(w *World) { w.rng = r } }

// WithIDSource sets the byte source used for worker UUIDs.
func WithIDSource(r io.Reader) Option { return func(w *World) { w.ids = r } }

func WithLogger(l *slog.Logger) Option { return func(w *World) { w.log = l } }

// WithEpoch sets the wall time the simulated clock starts at.
func WithEpoch(t time.Time) Option { return func(w *World) { w.epoch = t } }

func WithID(id string) Option { return func(w *World) { w.id = id } }

// WithoutTimers builds the world with no periodic tasks; callers drive it
// with Step, Spawn and Heartbeat.
func WithoutTimers() Option { return func(w *World) { w.noTimers = true } }

func New(cfg tuning.Tuning, cats *catalogs.Catalogs, opts ...Option) (*World, error) {
	if cats == nil {
		return nil, errors.New("world: nil catalogs")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	w := &World{
		id:          "yard",
		cfg:         cfg,
		cats:        cats,
		motion:      motion.NewTable(),
		clock:       sched.New(),
		despawn:     map[string]despawnState{},
		reassignReq: make(chan reassignReq, 16),
		snapshotReq: make(chan snapshotReq, 4),
		upsertReq:   make(chan upsertReq, 16),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.rng == nil {
		w.rng = rand.New(rand.NewSource(cfg.World.Seed))
	}
	if w.ids == nil {
		w.ids = rand.New(rand.NewSource(cfg.World.Seed ^ 0x5eed))
	}
	if w.epoch.IsZero() {
		w.epoch = time.Now().UTC().Truncate(time.Millisecond)
	}

	w.reg = registry.New(w.Now)
	sc, err := utility.New(cfg.Utility, cats, w.Now)
	if err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	w.scorer = sc
	w.steer = steering.New(cfg.Steering, w.rng)
	w.tree = bt.DispatchTree()

	if !w.noTimers {
		w.startTimers()
	}
	w.publishMetrics()
	return w, nil
}

func (w *World) startTimers() {
	t := w.cfg.Timers
	w.periodic = []sched.TaskID{
		w.clock.Every(t.Spawn, func(time.Duration) { w.Spawn() }),
		w.clock.Every(t.Tick, func(time.Duration) { w.Step() }),
		w.clock.Every(t.Heartbeat, func(time.Duration) { w.Heartbeat() }),
	}
}

func (w *World) ID() string { return w.id }

// Now is the simulated wall clock.
func (w *World) Now() time.Time { return w.epoch.Add(w.clock.Now()) }

// Elapsed is the simulated time since start.
func (w *World) Elapsed() time.Duration { return w.clock.Now() }

func (w *World) Registry() *registry.Registry { return w.reg }
func (w *World) Motion() *motion.Table        { return w.motion }
func (w *World) Scorer() *utility.Scorer      { return w.scorer }
func (w *World) Catalogs() *catalogs.Catalogs { return w.cats }
func (w *World) Tuning() tuning.Tuning        { return w.cfg }
func (w *World) Generation() uint64           { return w.gen }
func (w *World) Stopped() bool                { return w.stopped }
func (w *World) Ticks() uint64                { return w.ticks }

func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

// Advance moves the simulated clock forward by dt and runs every task that
// falls due, in due order. It returns the number of tasks run.
func (w *World) Advance(dt time.Duration) int {
	if w.stopped {
		return 0
	}
	return w.clock.Advance(dt)
}

// Stop cancels the periodic timers and invalidates pending despawns.
// It is safe to call more than once.
func (w *World) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.running.Load() {
		// The loop goroutine tears down on its way out.
		return
	}
	w.teardown()
}

func (w *World) teardown() {
	if w.stopped {
		return
	}
	w.stopped = true
	w.gen++
	w.clock.CancelAll()
	w.periodic = nil
	w.despawn = map[string]despawnState{}
	w.publishMetrics()
}

func (w *World) context() *bt.Context {
	return &bt.Context{
		Registry:   w.reg,
		Motion:     w.motion,
		Scorer:     w.scorer,
		Steering:   w.steer,
		Catalogs:   w.cats,
		Rand:       w.rng,
		Behavior:   w.cfg.Behavior,
		Now:        w.Now(),
		OnComplete: w.onComplete,
	}
}
