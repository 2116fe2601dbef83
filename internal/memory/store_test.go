package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 4

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{
		Path:        filepath.Join(t.TempDir(), "memory.db"),
		Dimensions:  testDims,
		TrackAccess: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func vec(values ...float32) []float32 { return values }

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "remember this", vec(1, 0, 0, 0), Metadata{
		Type:    TypeTask,
		AgentID: "backend",
		Tags:    []string{"api", "design"},
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "remember this", entry.Content)
	assert.Equal(t, TypeTask, entry.Metadata.Type)
	assert.Equal(t, []string{"api", "design"}, entry.Metadata.Tags)
	assert.Equal(t, vec(1, 0, 0, 0), entry.Embedding)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Equal(t, int64(0), entry.AccessCount)
}

func TestAddValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "", nil, Metadata{})
	assert.Error(t, err)

	_, err = s.Add(ctx, "x", vec(1, 2), Metadata{})
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeValidation, se.Code)

	_, err = s.Add(ctx, "x", nil, Metadata{Type: "weird"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeValidation, se.Code)
}

func TestAddWithoutEmbeddingAllowed(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Add(context.Background(), "text only", nil, Metadata{Type: TypeDocument})
	require.NoError(t, err)

	entry, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, entry.Embedding)
}

func TestMaxEntriesBound(t *testing.T) {
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "m.db"), Dimensions: testDims, MaxEntries: 2})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Add(ctx, "one", nil, Metadata{})
	require.NoError(t, err)
	_, err = s.Add(ctx, "two", nil, Metadata{})
	require.NoError(t, err)
	_, err = s.Add(ctx, "three", nil, Metadata{})
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeCapacity, se.Code)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idA, err := s.Add(ctx, "about cats", vec(1, 0, 0, 0), Metadata{Type: TypeDocument})
	require.NoError(t, err)
	_, err = s.Add(ctx, "about dogs", vec(0, 1, 0, 0), Metadata{Type: TypeDocument})
	require.NoError(t, err)
	idC, err := s.Add(ctx, "mostly cats", vec(0.9, 0.1, 0, 0), Metadata{Type: TypeDocument})
	require.NoError(t, err)

	results, err := s.Search(ctx, &Query{Vector: vec(1, 0, 0, 0), Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, idA, results[0].Entry.ID)
	assert.Equal(t, idC, results[1].Entry.ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
	assert.InDelta(t, 1-results[0].Similarity, results[0].Distance, 1e-9)
}

func TestSearchThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "orthogonal", vec(0, 1, 0, 0), Metadata{})
	require.NoError(t, err)

	results, err := s.Search(ctx, &Query{Vector: vec(1, 0, 0, 0), Threshold: 0.5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "backend note", vec(1, 0, 0, 0), Metadata{
		Type: TypeTask, AgentID: "backend", SessionID: "s1",
		Tags: []string{"api", "auth"}, Importance: 0.9,
	})
	require.NoError(t, err)
	_, err = s.Add(ctx, "frontend note", vec(1, 0, 0, 0), Metadata{
		Type: TypeTask, AgentID: "frontend", SessionID: "s1", Importance: 0.2,
	})
	require.NoError(t, err)
	_, err = s.Add(ctx, "chat log", vec(1, 0, 0, 0), Metadata{
		Type: TypeConversation, AgentID: "backend", SessionID: "s2",
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, &Query{
		Vector:  vec(1, 0, 0, 0),
		Filters: &Filters{Types: []string{TypeTask}, AgentID: "backend"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "backend note", results[0].Entry.Content)

	// Tags AND together: both must be present.
	results, err = s.Search(ctx, &Query{
		Vector:  vec(1, 0, 0, 0),
		Filters: &Filters{Tags: []string{"api", "auth"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = s.Search(ctx, &Query{
		Vector:  vec(1, 0, 0, 0),
		Filters: &Filters{Tags: []string{"api", "missing"}},
	})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Importance floor.
	results, err = s.Search(ctx, &Query{
		Vector:  vec(1, 0, 0, 0),
		Filters: &Filters{MinImportance: 0.5},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "backend note", results[0].Entry.Content)
}

func TestSearchDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "recent", vec(1, 0, 0, 0), Metadata{})
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	results, err := s.Search(ctx, &Query{Vector: vec(1, 0, 0, 0), Filters: &Filters{DateFrom: &past}})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	future := time.Now().Add(time.Hour)
	results, err = s.Search(ctx, &Query{Vector: vec(1, 0, 0, 0), Filters: &Filters{DateFrom: &future}})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchAccessTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "tracked", vec(1, 0, 0, 0), Metadata{})
	require.NoError(t, err)

	_, err = s.Search(ctx, &Query{Vector: vec(1, 0, 0, 0)})
	require.NoError(t, err)
	_, err = s.Search(ctx, &Query{Vector: vec(1, 0, 0, 0)})
	require.NoError(t, err)

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.AccessCount)
	assert.False(t, entry.LastAccessedAt.IsZero())
}

func TestSearchQueryErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var se *StoreError

	_, err := s.Search(ctx, &Query{})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeQuery, se.Code)

	// Text query without an embedder.
	_, err = s.Search(ctx, &Query{Text: "hello"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeQuery, se.Code)

	// Wrong vector size.
	_, err = s.Search(ctx, &Query{Vector: vec(1, 0)})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeQuery, se.Code)
}

func TestZeroDimFallback(t *testing.T) {
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "m.db"), Dimensions: 0})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// Plain inserts still work.
	_, err = s.Add(ctx, "no vectors here", nil, Metadata{})
	require.NoError(t, err)

	// Embeddings are rejected, similarity search unsupported.
	_, err = s.Add(ctx, "x", vec(1), Metadata{})
	assert.Error(t, err)
	_, err = s.Search(ctx, &Query{Vector: vec(1)})
	assert.Error(t, err)
}

func TestUpdateMergesMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "x", nil, Metadata{Type: TypeTask, AgentID: "backend"})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, id, map[string]any{"importance": 0.8, "sessionId": "s9"}))

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TypeTask, entry.Metadata.Type)
	assert.Equal(t, "backend", entry.Metadata.AgentID)
	assert.Equal(t, "s9", entry.Metadata.SessionID)
	assert.Equal(t, 0.8, entry.Metadata.Importance)

	assert.Error(t, s.Update(ctx, id, map[string]any{"type": "bogus"}))
	assert.ErrorIs(t, s.Update(ctx, 9999, map[string]any{"a": 1}), ErrEntryNotFound)
}

func TestDeleteCascadesVector(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "bye", vec(1, 0, 0, 0), Metadata{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM vectors`).Scan(&count))
	assert.Equal(t, 0, count)

	assert.ErrorIs(t, s.Delete(ctx, id), ErrEntryNotFound)
}

func TestCleanupByAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.Add(ctx, "ancient", nil, Metadata{})
	require.NoError(t, err)
	fresh, err := s.Add(ctx, "new", nil, Metadata{})
	require.NoError(t, err)

	cutoff := time.Now().UTC().AddDate(0, 0, -10)
	_, err = s.db.Exec(`UPDATE entries SET created_at = ? WHERE id = ?`, cutoff, old)
	require.NoError(t, err)

	deleted, err := s.Cleanup(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.Get(ctx, old)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = s.Get(ctx, fresh)
	assert.NoError(t, err)
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "a", vec(1, 0, 0, 0), Metadata{})
	require.NoError(t, err)
	_, err = s.Add(ctx, "b", nil, Metadata{})
	require.NoError(t, err)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.WithEmbeddings)
	assert.False(t, stats.NewestEntry.IsZero())
}

func TestBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Path: filepath.Join(dir, "m.db"), Dimensions: testDims})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Add(ctx, "keep me", vec(1, 0, 0, 0), Metadata{Type: TypeTask})
	require.NoError(t, err)

	backupPath := filepath.Join(dir, "backup.db")
	require.NoError(t, s.Backup(ctx, backupPath))

	// Mutate, then restore the snapshot.
	require.NoError(t, s.Delete(ctx, id))
	require.NoError(t, s.Restore(ctx, backupPath))

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "keep me", entry.Content)
}

func TestClearVacuums(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "gone soon", nil, Metadata{})
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
}
