// Package archive keeps long-lived checkpoint copies of snapshots and
// bounds the rolling snapshots directory.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"workyard.ai/internal/persistence/snapshot"
)

const snapSuffix = ".snap.zst"

type CheckpointMeta struct {
	Window    uint64 `json:"window"`
	Tick      uint64 `json:"tick"`
	Seed      int64  `json:"seed"`
	Snapshot  string `json:"snapshot"`
	Workers   int    `json:"workers"`
	Completed int64  `json:"completed"`
	CreatedAt string `json:"created_at"`
}

// ArchiveSnapshot copies snapshotPath into worldDir/archives/checkpoint_<W>/
// where W is tick/every, unless that window already has a checkpoint.
// It returns the archived path and whether a copy was made.
func ArchiveSnapshot(worldDir, snapshotPath string, snap snapshot.SnapshotV1, every uint64) (string, bool, error) {
	if every == 0 {
		return "", false, nil
	}
	window := snap.Header.Tick / every
	dir := filepath.Join(worldDir, "archives", fmt.Sprintf("checkpoint_%06d", window))
	if _, err := os.Stat(filepath.Join(dir, "meta.json")); err == nil {
		return "", false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	meta := CheckpointMeta{
		Window:    window,
		Tick:      snap.Header.Tick,
		Seed:      snap.Seed,
		Snapshot:  filepath.Base(dst),
		Workers:   len(snap.Workers),
		Completed: snap.Stats.Completed,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", false, err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", false, err
	}
	return dst, true, nil
}

// PruneSnapshots removes the oldest <tick>.snap.zst files in dir so that at
// most keep remain. keep <= 0 removes nothing. Other files are left alone.
func PruneSnapshots(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type snapFile struct {
		tick uint64
		name string
	}
	var files []snapFile
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapSuffix) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), snapSuffix), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, snapFile{tick: tick, name: e.Name()})
	}
	if len(files) <= keep {
		return nil, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].tick < files[j].tick })

	var removed []string
	for _, f := range files[:len(files)-keep] {
		p := filepath.Join(dir, f.name)
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
