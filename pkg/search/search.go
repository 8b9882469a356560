// Package search is the historical-store client: timeboxed rule queries in
// both supported dialects, hit counting for threshold checks, and bulk
// indexing of consumed events into daily indices.
package search

import (
	"context"
	"time"

	"github.com/driftsec/warden/pkg/models"
)

// Query is one timeboxed rule query. From/To bound the event timestamps as
// [From, To); the bounds are injected into the query text per dialect.
type Query struct {
	Dialect models.Dialect
	Query   string
	From    time.Time
	To      time.Time
	// Limit caps returned hits. The store may hold more matches than this;
	// Result.Truncated reports that.
	Limit int
}

// Hit is one matching document.
type Hit struct {
	Index string
	DocID string
	Event models.Event
}

// Result is a page of newest-first hits plus the store's total match count.
type Result struct {
	Hits  []Hit
	Total int64
	// Truncated is set when the store matched more documents than were
	// returned, either past Limit or past the store's own counting cap.
	Truncated bool
}

// Searcher runs timeboxed queries against the historical store.
type Searcher interface {
	// Search returns up to q.Limit hits sorted newest first.
	Search(ctx context.Context, q Query) (*Result, error)
	// Count returns the exact number of matching documents.
	Count(ctx context.Context, q Query) (int64, error)
}
