package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Search ranks entries by cosine similarity against the query vector (or
// the embedded query text), applying metadata filters in SQL. Results are
// ordered by similarity descending and bounded by the limit.
func (s *Store) Search(ctx context.Context, q *Query) ([]*SearchResult, error) {
	vector, err := s.queryVector(ctx, q)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	if limit <= 0 {
		limit = 10
	}
	max := s.opts.MaxLimit
	if max <= 0 {
		max = 100
	}
	if limit > max {
		limit = max
	}

	where, args := buildFilters(q.Filters)
	query := fmt.Sprintf(`
		SELECT e.id, e.content, e.metadata, e.created_at, e.last_accessed_at, e.access_count, v.embedding
		FROM entries e JOIN vectors v ON v.id = e.id
		%s
	`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		similarity := cosineSimilarity(vector, entry.Embedding)
		if similarity < q.Threshold {
			continue
		}
		results = append(results, &SearchResult{
			Entry:      entry,
			Similarity: similarity,
			Distance:   1 - similarity,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}

	if s.opts.TrackAccess && len(results) > 0 {
		if err := s.trackAccess(ctx, results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// queryVector resolves the query embedding from text or the given vector.
func (s *Store) queryVector(ctx context.Context, q *Query) ([]float32, error) {
	if s.opts.Dimensions == 0 {
		return nil, newError(ErrCodeQuery, "similarity search disabled (zero dimensions)")
	}

	switch {
	case q.Text != "":
		if s.opts.Embedder == nil {
			return nil, newError(ErrCodeQuery, "text query requires an embedding provider")
		}
		vector, err := s.opts.Embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		return vector, nil
	case len(q.Vector) > 0:
		if len(q.Vector) != s.opts.Dimensions {
			return nil, newError(ErrCodeQuery, "query vector length %d, want %d", len(q.Vector), s.opts.Dimensions)
		}
		return q.Vector, nil
	default:
		return nil, newError(ErrCodeQuery, "query needs text or vector")
	}
}

// buildFilters composes a WHERE clause from metadata filters. Every value
// travels as a bound parameter; user data is never interpolated.
func buildFilters(f *Filters) (string, []any) {
	if f == nil {
		return "", nil
	}

	var conds []string
	var args []any

	addIn := func(field string, values []string) {
		if len(values) == 0 {
			return
		}
		if len(values) == 1 {
			conds = append(conds, fmt.Sprintf("json_extract(e.metadata,'$.%s') = ?", field))
			args = append(args, values[0])
			return
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		conds = append(conds, fmt.Sprintf("json_extract(e.metadata,'$.%s') IN (%s)", field, placeholders))
		for _, v := range values {
			args = append(args, v)
		}
	}

	addIn("type", f.Types)
	addIn("source", f.Sources)

	if f.AgentID != "" {
		conds = append(conds, "json_extract(e.metadata,'$.agentId') = ?")
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		conds = append(conds, "json_extract(e.metadata,'$.sessionId') = ?")
		args = append(args, f.SessionID)
	}
	// Tags are ANDed: every requested tag must be present in the array.
	for _, tag := range f.Tags {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM json_each(json_extract(e.metadata,'$.tags')) WHERE json_each.value = ?
		)`)
		args = append(args, tag)
	}
	if f.DateFrom != nil {
		conds = append(conds, "e.created_at >= ?")
		args = append(args, f.DateFrom.UTC())
	}
	if f.DateTo != nil {
		conds = append(conds, "e.created_at <= ?")
		args = append(args, f.DateTo.UTC())
	}
	if f.MinImportance > 0 {
		conds = append(conds, "json_extract(e.metadata,'$.importance') >= ?")
		args = append(args, f.MinImportance)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// trackAccess bumps access counters for the returned ids in one statement.
func (s *Store) trackAccess(ctx context.Context, results []*SearchResult) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(results)), ",")
	args := make([]any, 0, len(results)+1)
	args = append(args, time.Now().UTC())
	for _, r := range results {
		args = append(args, r.Entry.ID)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE entries SET last_accessed_at = ?, access_count = access_count + 1
		WHERE id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("track access: %w", err)
	}
	return nil
}
