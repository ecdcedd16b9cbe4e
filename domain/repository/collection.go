package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"x-agent-manager/domain/model"
	"x-agent-manager/infrastructure/logger"
)

// ICollectionStore persists named, newline-delimited record collections.
// It knows nothing about the records it stores.
type ICollectionStore interface {
	// Ensure creates an empty collection if it does not exist yet.
	Ensure(ctx context.Context, name model.Collection) error
	// Read returns every record in insertion order. A missing collection is empty.
	Read(ctx context.Context, name model.Collection) ([]json.RawMessage, error)
	// Append adds one record without touching existing ones.
	Append(ctx context.Context, name model.Collection, record any) error
	// Overwrite replaces the whole collection with records.
	Overwrite(ctx context.Context, name model.Collection, records []json.RawMessage) error
}

// ReadAll reads a collection and decodes its records into T. Records that do
// not decode are skipped with a warning so one bad row cannot block the rest.
func ReadAll[T any](ctx context.Context, store ICollectionStore, name model.Collection) ([]T, error) {
	raw, err := store.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for i, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			logger.GetLogger().
				WithField("collection", name).
				WithField("record", i).
				WithField("error", err.Error()).
				Warn("Skipping undecodable record")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// OverwriteAll encodes records and replaces the collection with them.
func OverwriteAll[T any](ctx context.Context, store ICollectionStore, name model.Collection, records []T) error {
	raw := make([]json.RawMessage, 0, len(records))
	for i := range records {
		b, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("encode %s record %d: %w", name, i, err)
		}
		raw = append(raw, b)
	}
	return store.Overwrite(ctx, name, raw)
}
