package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
)

type row struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestCollectionStore_MissingCollectionReadsEmpty(t *testing.T) {
	s := NewCollectionStore(filepath.Join(t.TempDir(), "state"))

	recs, err := s.Read(context.Background(), model.CollectionQueue)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NotNil(t, recs)
}

func TestCollectionStore_EnsureAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s := NewCollectionStore(dir)
	require.NoError(t, s.EnsureAll(context.Background()))

	for _, name := range []string{"queue.jsonl", "posts.jsonl", "metrics.jsonl", "runs.jsonl", "auth_events.jsonl", "eligibility.jsonl", "manual.jsonl"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestCollectionStore_AppendPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewCollectionStore(t.TempDir())

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Append(ctx, model.CollectionRuns, row{ID: "r", Value: i}))
	}

	rows, err := repository.ReadAll[row](ctx, s, model.CollectionRuns)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{rows[0].Value, rows[1].Value, rows[2].Value})
}

func TestCollectionStore_SkipsBlankAndMalformedLines(t *testing.T) {
	dir := t.TempDir()
	s := NewCollectionStore(dir)
	path, err := s.Path(model.CollectionPosts)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\",\"value\":1}\n\n   \n{broken\n{\"id\":\"b\",\"value\":2}\n"), 0o644))

	rows, err := repository.ReadAll[row](context.Background(), s, model.CollectionPosts)
	require.NoError(t, err)
	assert.Equal(t, []row{{ID: "a", Value: 1}, {ID: "b", Value: 2}}, rows)
}

func TestCollectionStore_SkipsNonObjectAndUndecodableRecords(t *testing.T) {
	s := NewCollectionStore(t.TempDir())
	path, err := s.Path(model.CollectionQueue)
	require.NoError(t, err)
	content := "42\n\"text\"\n[1,2]\nnull\n{\"id\":\"a\",\"value\":1}\n{\"id\":\"b\",\"value\":\"oops\"}\n{\"id\":\"c\",\"value\":3}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	recs, err := s.Read(context.Background(), model.CollectionQueue)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	rows, err := repository.ReadAll[row](context.Background(), s, model.CollectionQueue)
	require.NoError(t, err)
	assert.Equal(t, []row{{ID: "a", Value: 1}, {ID: "c", Value: 3}}, rows)
}

func TestCollectionStore_OverwriteReplacesContent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewCollectionStore(dir)
	require.NoError(t, s.Append(ctx, model.CollectionQueue, row{ID: "old"}))

	pretty := json.RawMessage("{\n  \"id\": \"x\",\n  \"value\": 7\n}")
	require.NoError(t, s.Overwrite(ctx, model.CollectionQueue, []json.RawMessage{pretty, json.RawMessage(`{"id":"y","value":8}`)}))

	rows, err := repository.ReadAll[row](ctx, s, model.CollectionQueue)
	require.NoError(t, err)
	assert.Equal(t, []row{{ID: "x", Value: 7}, {ID: "y", Value: 8}}, rows)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestCollectionStore_OverwriteAllEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewCollectionStore(t.TempDir())
	require.NoError(t, s.Append(ctx, model.CollectionQueue, row{ID: "old"}))

	require.NoError(t, repository.OverwriteAll(ctx, s, model.CollectionQueue, []row{}))

	recs, err := s.Read(ctx, model.CollectionQueue)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCollectionStore_UnknownCollection(t *testing.T) {
	s := NewCollectionStore(t.TempDir())
	_, err := s.Read(context.Background(), model.Collection("nope"))
	assert.Error(t, err)
	assert.Error(t, s.Append(context.Background(), model.Collection("nope"), row{}))
}
