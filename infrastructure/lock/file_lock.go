package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"x-agent-manager/infrastructure/logger"
)

// LockfileData is the JSON structure stored in a lockfile.
type LockfileData struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// FileLocker guards a directory with an exclusively created pid file.
// A lockfile whose process is gone is treated as stale and replaced.
type FileLocker struct {
	path string
}

func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

func (l *FileLocker) Acquire(_ context.Context) (func(context.Context) error, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("lockfile dir: %w", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		err := l.create()
		if err == nil {
			return l.release, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		raw, err := os.ReadFile(l.path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading lockfile: %w", err)
		}
		var lf LockfileData
		if json.Unmarshal(raw, &lf) == nil && IsProcessAlive(lf.PID) {
			return nil, fmt.Errorf("%w: pid %d since %s", ErrLocked, lf.PID, lf.StartedAt.Format(time.RFC3339))
		}
		if err := l.clearStale(raw); err != nil {
			return nil, err
		}
	}
	return nil, ErrLocked
}

// clearStale moves the lockfile aside and deletes it only if it still holds
// the stale contents that were inspected. A lockfile another process created
// in the meantime is linked back into place.
func (l *FileLocker) clearStale(stale []byte) error {
	moved := fmt.Sprintf("%s.stale.%d", l.path, os.Getpid())
	if err := os.Rename(l.path, moved); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("moving stale lockfile: %w", err)
	}
	defer os.Remove(moved)

	got, err := os.ReadFile(moved)
	if err == nil && bytes.Equal(got, stale) {
		logger.GetLogger().WithField("path", l.path).Warn("Removed stale lockfile")
		return nil
	}
	if err := os.Link(moved, l.path); err != nil && !os.IsExist(err) {
		return fmt.Errorf("restoring lockfile: %w", err)
	}
	return fmt.Errorf("%w: lockfile replaced while clearing a stale lock", ErrLocked)
}

func (l *FileLocker) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	b, err := json.Marshal(LockfileData{PID: os.Getpid(), StartedAt: time.Now().UTC()})
	if err == nil {
		_, err = f.Write(b)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("writing lockfile: %w", err)
	}
	return nil
}

func (l *FileLocker) read() (*LockfileData, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	var lf LockfileData
	if err := json.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	return &lf, nil
}

func (l *FileLocker) release(context.Context) error {
	lf, err := l.read()
	if err == nil && lf.PID != os.Getpid() {
		return fmt.Errorf("lockfile owned by pid %d", lf.PID)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lockfile: %w", err)
	}
	return nil
}
