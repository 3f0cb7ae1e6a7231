// Package store persists the bot's state snapshot so a restart resumes with
// the same position, risk counters and range window. The file backend writes
// atomically; a missing snapshot is a cold start, a corrupt one is fatal.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"atrbot/atr"
	"atrbot/risk"
	"atrbot/strategy"
)

// SnapshotVersion is bumped on incompatible layout changes. Loading a newer
// version than the binary understands is fatal.
const SnapshotVersion = 1

// Snapshot is the full durable state for one symbol.
type Snapshot struct {
	Version     int               `json:"version"`
	Symbol      string            `json:"symbol"`
	Position    strategy.Position `json:"position"`
	Risk        risk.Snapshot     `json:"risk"`
	ATR         atr.State         `json:"atr"`
	RealizedPnL float64           `json:"realized_pnl"`
	CumFees     float64           `json:"cum_fees"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Store is the persistence backend. Load returns (nil, nil) when no snapshot
// exists yet.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// FileStore keeps the snapshot as a single JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot %s is corrupt: %w", s.path, err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot %s has version %d, binary supports up to %d", s.path, snap.Version, SnapshotVersion)
	}
	if err := snap.Position.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot %s holds invalid position: %w", s.path, err)
	}
	return &snap, nil
}

func (s *FileStore) Save(_ context.Context, snap Snapshot) error {
	snap.Version = SnapshotVersion
	// A snapshot Load would refuse must never reach disk.
	if err := snap.Position.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid position: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes data via tmp file + fsync + rename, then fsyncs the
// parent directory so the rename survives a crash.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
