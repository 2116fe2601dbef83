// Package memory provides the content-addressed vector+text store that
// persists stage outputs and supports similarity and metadata-filtered
// retrieval.
package memory

import (
	"context"
	"time"
)

// Entry types.
const (
	TypeConversation = "conversation"
	TypeCode         = "code"
	TypeDocument     = "document"
	TypeTask         = "task"
	TypeOther        = "other"
)

// ValidType reports whether t is a known entry type.
func ValidType(t string) bool {
	switch t {
	case TypeConversation, TypeCode, TypeDocument, TypeTask, TypeOther:
		return true
	}
	return false
}

// Metadata describes a memory entry. Serialized as JSON in the entries table.
type Metadata struct {
	Type       string         `json:"type"`
	Source     string         `json:"source,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	DateFrom   string         `json:"dateFrom,omitempty"`
	DateTo     string         `json:"dateTo,omitempty"`
	Importance float64        `json:"importance,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Entry is one stored memory record.
type Entry struct {
	ID             int64     `json:"id"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"embedding,omitempty"`
	Metadata       Metadata  `json:"metadata"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt,omitempty"`
	AccessCount    int64     `json:"accessCount"`
}

// Filters narrows search results. All filters are combined with AND;
// multi-valued fields become IN clauses.
type Filters struct {
	Types         []string   `json:"types,omitempty"`
	Sources       []string   `json:"sources,omitempty"`
	AgentID       string     `json:"agentId,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
	Tags          []string   `json:"tags,omitempty"` // AND over tag presence
	DateFrom      *time.Time `json:"dateFrom,omitempty"`
	DateTo        *time.Time `json:"dateTo,omitempty"`
	MinImportance float64    `json:"minImportance,omitempty"`
}

// Query is one search request. Exactly one of Text or Vector must be set;
// Text requires an embedding provider.
type Query struct {
	Text      string    `json:"text,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
	Limit     int       `json:"limit,omitempty"`     // default 10
	Threshold float64   `json:"threshold,omitempty"` // minimum similarity, default 0
	Filters   *Filters  `json:"filters,omitempty"`
}

// SearchResult pairs an entry with its similarity score.
type SearchResult struct {
	Entry      *Entry  `json:"entry"`
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
}

// Stats summarises store contents.
type Stats struct {
	TotalEntries   int64     `json:"total_entries"`
	WithEmbeddings int64     `json:"with_embeddings"`
	TotalAccesses  int64     `json:"total_accesses"`
	OldestEntry    time.Time `json:"oldest_entry,omitempty"`
	NewestEntry    time.Time `json:"newest_entry,omitempty"`
	DBSizeBytes    int64     `json:"db_size_bytes"`
}

// Embedder turns text into a fixed-dimension embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
