package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

var ErrVersion = errors.New("unsupported snapshot version")

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Seed int64 `json:"seed"`
	// ClockNanos is the simulated clock (time since the world started).
	ClockNanos     int64 `json:"clock_nanos"`
	EpochUnixMilli int64 `json:"epoch_unix_ms"`

	Workers     []WorkerV1 `json:"workers"`
	Events      []EventV1  `json:"events"`
	Stats       StatsV1    `json:"stats"`
	StatusLines []string   `json:"status_lines,omitempty"`

	// Scorer state.
	AdaptedUrgency map[string]float64 `json:"adapted_urgency,omitempty"`
	LastActivity   map[string]int64   `json:"last_activity_unix_ms,omitempty"`
}

type WorkerV1 struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind,omitempty"`
	Status       string  `json:"status"`
	Task         string  `json:"task,omitempty"`
	TargetRegion string  `json:"target_region,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	SpawnedAtMS  int64   `json:"spawned_at_ms"`
	Tokens       int64   `json:"tokens"`
	Progress     float64 `json:"progress"`
	Error        string  `json:"error,omitempty"`
	UpdatedAtMS  int64   `json:"updated_at_ms"`
	GoalX        float64 `json:"goal_x,omitempty"`
	GoalY        float64 `json:"goal_y,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	HasMotion    bool    `json:"has_motion,omitempty"`
	DespawnPhase int     `json:"despawn_phase,omitempty"`
}

type EventV1 struct {
	AtMS     int64  `json:"at_ms"`
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
	Detail   string `json:"detail"`
}

type StatsV1 struct {
	Completed    int64 `json:"completed"`
	FilesTouched int64 `json:"files_touched"`
	Failed       int64 `json:"failed"`
	TotalTokens  int64 `json:"total_tokens"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, snap.Header.Version)
	}
	return snap, nil
}
