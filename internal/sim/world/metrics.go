package world

// Metrics is a read-only view of the world, safe to read from any
// goroutine. It is refreshed by the loop after every tick and heartbeat.
type Metrics struct {
	Tick       uint64         `json:"tick"`
	NowMS      int64          `json:"now_ms"`
	ElapsedMS  int64          `json:"elapsed_ms"`
	Workers    int            `json:"workers"`
	InTransit  int            `json:"in_transit"`
	ByStatus   map[string]int `json:"by_status"`
	Heartbeats int            `json:"heartbeats"`
	StepMS     float64        `json:"step_ms"`
	Generation uint64         `json:"generation"`
	Stopped    bool           `json:"stopped"`
}

func (w *World) Metrics() Metrics {
	if w == nil {
		return Metrics{}
	}
	m, ok := w.metrics.Load().(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}

func (w *World) publishMetrics() {
	by := map[string]int{}
	for s, n := range w.reg.CountByStatus() {
		by[string(s)] = n
	}
	w.metrics.Store(Metrics{
		Tick:       w.ticks,
		NowMS:      w.Now().UnixMilli(),
		ElapsedMS:  w.clock.Now().Milliseconds(),
		Workers:    w.reg.Len(),
		InTransit:  w.motion.Len(),
		ByStatus:   by,
		Heartbeats: w.heartbeats,
		StepMS:     float64(w.lastStep.Microseconds()) / 1000.0,
		Generation: w.gen,
		Stopped:    w.stopped,
	})
}
