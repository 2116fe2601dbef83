package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"maestro/pkg/logger"
)

// Export format versions accepted by the importer.
const (
	FormatVersionLegacy  = "1.0"
	FormatVersionCurrent = "4.0.0"
)

const exportBatchSize = 500

// ExportMetadata describes an export file.
type ExportMetadata struct {
	ExportedAt         time.Time `json:"exportedAt"`
	TotalEntries       int       `json:"totalEntries"`
	IncludesEmbeddings bool      `json:"includesEmbeddings"`
}

// exportEntry is the wire form of one entry.
type exportEntry struct {
	ID             int64     `json:"id"`
	Content        string    `json:"content"`
	Metadata       Metadata  `json:"metadata"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt,omitempty"`
	AccessCount    int64     `json:"accessCount"`
	Embedding      []float32 `json:"embedding,omitempty"`
}

// exportFile is the v4.0.0 JSON layout.
type exportFile struct {
	Version  string         `json:"version"`
	Metadata ExportMetadata `json:"metadata"`
	Entries  []exportEntry  `json:"entries"`
}

// ExportOptions controls ExportToJSON.
type ExportOptions struct {
	IncludeEmbeddings bool
}

// ExportReport summarises an export or import run. Per-entry failures are
// recorded and do not abort the operation.
type ExportReport struct {
	Exported int      `json:"exported,omitempty"`
	Imported int      `json:"imported,omitempty"`
	Skipped  int      `json:"skipped,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// ExportToJSON writes all entries to destPath in the v4.0.0 format,
// reading the store in batches.
func (s *Store) ExportToJSON(ctx context.Context, destPath string, opts ExportOptions) (*ExportReport, error) {
	report := &ExportReport{}
	var entries []exportEntry

	for offset := 0; ; offset += exportBatchSize {
		batch, err := s.GetAll(ctx, GetAllOptions{
			Limit:             exportBatchSize,
			Offset:            offset,
			IncludeEmbeddings: opts.IncludeEmbeddings,
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			entries = append(entries, exportEntry{
				ID:             e.ID,
				Content:        e.Content,
				Metadata:       e.Metadata,
				CreatedAt:      e.CreatedAt,
				LastAccessedAt: e.LastAccessedAt,
				AccessCount:    e.AccessCount,
				Embedding:      e.Embedding,
			})
			report.Exported++
		}
	}

	file := exportFile{
		Version: FormatVersionCurrent,
		Metadata: ExportMetadata{
			ExportedAt:         time.Now().UTC(),
			TotalEntries:       len(entries),
			IncludesEmbeddings: opts.IncludeEmbeddings,
		},
		Entries: entries,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	if err := os.WriteFile(destPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write export: %w", err)
	}

	logger.Info().Int("entries", report.Exported).Str("path", destPath).Msg("memory exported")
	return report, nil
}

// ImportOptions controls ImportFromJSON.
type ImportOptions struct {
	ClearExisting bool
}

// dedupeKey builds a cheap non-cryptographic content fingerprint from the
// content length plus a prefix and suffix slice.
func dedupeKey(content string) string {
	const edge = 32
	prefix := content
	suffix := content
	if len(content) > edge {
		prefix = content[:edge]
		suffix = content[len(content)-edge:]
	}
	return fmt.Sprintf("%d:%s:%s", len(content), prefix, suffix)
}

// ImportFromJSON loads entries from srcPath. Only versions 1.0 and 4.0.0
// are accepted. Entries matching an existing content fingerprint are
// skipped; individual bad entries are recorded and do not abort the run.
func (s *Store) ImportFromJSON(ctx context.Context, srcPath string, opts ImportOptions) (*ExportReport, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}

	var file exportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse import: %w", err)
	}
	if file.Version != FormatVersionLegacy && file.Version != FormatVersionCurrent {
		return nil, newError(ErrCodeVersionMismatch, "unsupported export version %q", file.Version)
	}

	if opts.ClearExisting {
		if err := s.Clear(ctx); err != nil {
			return nil, err
		}
	}

	seen, err := s.existingFingerprints(ctx)
	if err != nil {
		return nil, err
	}

	report := &ExportReport{}
	for i, e := range file.Entries {
		if e.Content == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d: empty content", i))
			continue
		}
		key := dedupeKey(e.Content)
		if _, dup := seen[key]; dup {
			report.Skipped++
			continue
		}

		embedding := e.Embedding
		if len(embedding) > 0 && len(embedding) != s.opts.Dimensions {
			// Dimension mismatch drops the vector, not the entry.
			embedding = nil
		}
		if _, err := s.Add(ctx, e.Content, embedding, e.Metadata); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d: %v", i, err))
			continue
		}
		seen[key] = struct{}{}
		report.Imported++
	}

	logger.Info().
		Int("imported", report.Imported).
		Int("skipped", report.Skipped).
		Int("errors", len(report.Errors)).
		Msg("memory imported")
	return report, nil
}

// existingFingerprints builds the dedupe set from stored content.
func (s *Store) existingFingerprints(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("fingerprint query: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("fingerprint scan: %w", err)
		}
		seen[dedupeKey(content)] = struct{}{}
	}
	return seen, rows.Err()
}
