package persistence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"x-agent-manager/domain/model"
	"x-agent-manager/infrastructure/logger"
)

var collectionFiles = map[model.Collection]string{
	model.CollectionQueue:       "queue.jsonl",
	model.CollectionPosts:       "posts.jsonl",
	model.CollectionMetrics:     "metrics.jsonl",
	model.CollectionRuns:        "runs.jsonl",
	model.CollectionAuthEvents:  "auth_events.jsonl",
	model.CollectionEligibility: "eligibility.jsonl",
	model.CollectionManual:      "manual.jsonl",
}

// CollectionStore keeps each collection as a newline-delimited JSON file under dir.
// It assumes a single writer per dir; callers serialize cycles with a lock.
type CollectionStore struct {
	dir string
}

func NewCollectionStore(dir string) *CollectionStore {
	return &CollectionStore{dir: dir}
}

// Path returns the file backing a collection.
func (s *CollectionStore) Path(name model.Collection) (string, error) {
	file, ok := collectionFiles[name]
	if !ok {
		return "", fmt.Errorf("unknown collection %q", name)
	}
	return filepath.Join(s.dir, file), nil
}

// EnsureAll creates every known collection.
func (s *CollectionStore) EnsureAll(ctx context.Context) error {
	for _, c := range model.Collections {
		if err := s.Ensure(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *CollectionStore) Ensure(_ context.Context, name model.Collection) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", name, err)
	}
	return f.Close()
}

func (s *CollectionStore) Read(ctx context.Context, name model.Collection) ([]json.RawMessage, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	records := []json.RawMessage{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' || !json.Valid(line) {
			logger.GetLogger().WithFields(map[string]interface{}{
				"collection": name,
				"line":       lineNo,
			}).Warn("Skipping malformed record")
			continue
		}
		records = append(records, json.RawMessage(bytes.Clone(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *CollectionStore) Append(_ context.Context, name model.Collection, record any) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", name, err)
	}
	return f.Close()
}

// Overwrite replaces the collection through a temp file and rename, so readers
// see either the old or the new content.
func (s *CollectionStore) Overwrite(_ context.Context, name model.Collection, records []json.RawMessage) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, r := range records {
		compact := bytes.TrimSpace(r)
		if bytes.ContainsAny(compact, "\n") {
			var b bytes.Buffer
			if err := json.Compact(&b, compact); err != nil {
				return fmt.Errorf("encode %s record: %w", name, err)
			}
			compact = b.Bytes()
		}
		buf.Write(compact)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(path, buf.Bytes(), 0o644, 0o755); err != nil {
		return fmt.Errorf("overwrite %s: %w", name, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm, dirPerm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
