package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"maestro/pkg/logger"
)

// Options configures the store.
type Options struct {
	Path          string   // database file path; ":memory:" for tests
	Dimensions    int      // embedding dimension; 0 disables similarity search
	MaxEntries    int      // insert bound; 0 = unlimited
	Embedder      Embedder // optional; required for text queries
	TrackAccess   bool     // update last_accessed_at/access_count on search
	DefaultLimit  int      // search limit default (10 when 0)
	MaxLimit      int      // search limit ceiling (100 when 0)
}

// Store is the sqlite-backed memory store. All writes are serialized by the
// engine (WAL); concurrent reads are permitted.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	opts Options
	path string
}

// buildDSN constructs a modernc.org/sqlite DSN with _pragma parameters so
// that every pooled connection is configured identically.
func buildDSN(path string) string {
	v := url.Values{}
	v.Set("_pragma", "journal_mode=WAL")
	v.Add("_pragma", "foreign_keys=ON")
	v.Add("_pragma", "busy_timeout=30000")
	v.Add("_pragma", "synchronous=NORMAL")
	v.Add("_txlock", "immediate")
	return path + "?" + v.Encode()
}

// Open opens (creating if needed) a memory store.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, newError(ErrCodeValidation, "store path is required")
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a small pool avoids SQLITE_BUSY contention
	// while WAL still serves concurrent reads.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := &Store{db: db, opts: opts, path: opts.Path}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			last_accessed_at DATETIME,
			access_count INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id INTEGER PRIMARY KEY REFERENCES entries(id) ON DELETE CASCADE,
			embedding BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create vectors table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(json_extract(metadata,'$.type'))`,
		`CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(json_extract(metadata,'$.sessionId'))`,
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Add inserts a new entry atomically, returning the assigned id.
// The embedding must match the configured dimension or be absent.
func (s *Store) Add(ctx context.Context, content string, embedding []float32, metadata Metadata) (int64, error) {
	if content == "" {
		return 0, newError(ErrCodeValidation, "content is empty")
	}
	if metadata.Type == "" {
		metadata.Type = TypeOther
	}
	if !ValidType(metadata.Type) {
		return 0, newError(ErrCodeValidation, "unknown entry type %q", metadata.Type)
	}
	if len(embedding) > 0 {
		if s.opts.Dimensions == 0 {
			return 0, newError(ErrCodeValidation, "similarity search disabled, embeddings not accepted")
		}
		if len(embedding) != s.opts.Dimensions {
			return 0, newError(ErrCodeValidation, "embedding length %d, want %d", len(embedding), s.opts.Dimensions)
		}
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	if s.opts.MaxEntries > 0 {
		var count int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
			return 0, fmt.Errorf("count entries: %w", err)
		}
		if count >= int64(s.opts.MaxEntries) {
			return 0, newError(ErrCodeCapacity, "store holds %d entries, limit %d", count, s.opts.MaxEntries)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO entries (content, metadata, created_at) VALUES (?, ?, ?)
	`, content, string(metadataJSON), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if len(embedding) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vectors (id, embedding) VALUES (?, ?)
		`, id, encodeEmbedding(embedding)); err != nil {
			return 0, fmt.Errorf("insert vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Get returns one entry by id, including its embedding when present.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.content, e.metadata, e.created_at, e.last_accessed_at, e.access_count, v.embedding
		FROM entries e LEFT JOIN vectors v ON v.id = e.id
		WHERE e.id = ?
	`, id)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	return entry, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var metadataJSON string
	var createdAt string
	var lastAccessed sql.NullString
	var blob []byte

	if err := row.Scan(&e.ID, &e.Content, &metadataJSON, &createdAt, &lastAccessed, &e.AccessCount, &blob); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	e.CreatedAt = parseTimeFlexible(createdAt)
	if lastAccessed.Valid {
		e.LastAccessedAt = parseTimeFlexible(lastAccessed.String)
	}
	if len(blob) > 0 {
		e.Embedding = decodeEmbedding(blob)
	}
	return &e, nil
}

// Update merges partial metadata into an entry's existing metadata JSON.
func (s *Store) Update(ctx context.Context, id int64, partial map[string]any) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	merged := make(map[string]any)
	raw, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	for k, v := range partial {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if t, ok := merged["type"].(string); ok && !ValidType(t) {
		return newError(ErrCodeValidation, "unknown entry type %q", t)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal merged metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE entries SET metadata = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

// Delete removes an entry; the vector row cascades.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// GetAllOptions controls pagination for GetAll.
type GetAllOptions struct {
	Limit             int
	Offset            int
	IncludeEmbeddings bool
}

// GetAll returns entries ordered by id with pagination.
func (s *Store) GetAll(ctx context.Context, opts GetAllOptions) ([]*Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.content, e.metadata, e.created_at, e.last_accessed_at, e.access_count, v.embedding
		FROM entries e LEFT JOIN vectors v ON v.id = e.id
		ORDER BY e.id
		LIMIT ? OFFSET ?
	`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if !opts.IncludeEmbeddings {
			entry.Embedding = nil
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Clear removes all entries and reclaims space.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Cleanup deletes entries older than the given number of days, vacuuming
// when anything was removed. Returns the number of deleted rows.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, newError(ErrCodeValidation, "olderThanDays must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return deleted, fmt.Errorf("vacuum: %w", err)
		}
	}
	logger.Debug().Int64("deleted", deleted).Int("older_than_days", olderThanDays).Msg("memory cleanup")
	return deleted, nil
}

// GetStats summarises the store.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(access_count), 0) FROM entries
	`).Scan(&stats.TotalEntries, &stats.TotalAccesses)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&stats.WithEmbeddings); err != nil {
		return nil, fmt.Errorf("stats vectors: %w", err)
	}
	if stats.TotalEntries > 0 {
		var oldest, newest string
		err = s.db.QueryRowContext(ctx, `SELECT MIN(created_at), MAX(created_at) FROM entries`).Scan(&oldest, &newest)
		if err != nil {
			return nil, fmt.Errorf("stats range: %w", err)
		}
		stats.OldestEntry = parseTimeFlexible(oldest)
		stats.NewestEntry = parseTimeFlexible(newest)
	}
	if s.path != ":memory:" {
		if info, err := os.Stat(s.path); err == nil {
			stats.DBSizeBytes = info.Size()
		}
	}
	return &stats, nil
}

// Backup writes a consistent snapshot to destPath. VACUUM INTO runs online
// and may proceed concurrently with writers.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination %s already exists", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

// Restore closes the database, copies srcPath over it and reopens.
func (s *Store) Restore(ctx context.Context, srcPath string) error {
	if s.path == ":memory:" {
		return newError(ErrCodeValidation, "cannot restore an in-memory store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close before restore: %w", err)
	}
	// WAL sidecars of the old database must not leak into the restored one.
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(s.path + suffix)
	}
	if err := copyFile(srcPath, s.path); err != nil {
		return fmt.Errorf("restore copy: %w", err)
	}

	db, err := sql.Open("sqlite", buildDSN(s.path))
	if err != nil {
		return fmt.Errorf("reopen after restore: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	s.db = db
	return s.createTables()
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
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// parseTimeFlexible parses time strings in the formats SQLite and Go emit.
// Returns a zero time if parsing fails.
func parseTimeFlexible(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	formats := []string{
		"2006-01-02 15:04:05",
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// encodeEmbedding serializes a float32 slice to little-endian bytes.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding deserializes little-endian bytes to a float32 slice.
func decodeEmbedding(data []byte) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
