package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sony/gobreaker/v2"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/models"
)

// Document fields the indexer reserves; everything else on a document is
// restored into Event.Fields on the way back out.
const (
	docEventID     = "event_id"
	docTimestamp   = "@timestamp"
	docSource      = "source"
	docRaw         = "raw"
	docPublishedAt = "published_at"
)

// ESClient talks to an Elasticsearch-compatible store. A shared circuit
// breaker guards every query and count: five consecutive transient failures
// open it, and while open calls fail fast as store-unavailable.
type ESClient struct {
	es      *elasticsearch.Client
	cfg     *config.SearchConfig
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewESClient builds the store client from configuration.
func NewESClient(cfg *config.SearchConfig, logger *slog.Logger) (*ESClient, error) {
	if cfg == nil {
		panic("search: config cannot be nil")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build store client: %w", err)
	}

	log := logger.With("component", "search")
	c := &ESClient{es: es, cfg: cfg, logger: log}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "historical-store",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Syntax failures are the rule's fault, not the store's; they must
		// not open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrQuerySyntax)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Store breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// IndexPattern is the wildcard covering every daily events index.
func (c *ESClient) IndexPattern() string {
	return c.cfg.IndexPrefix + "-events-*"
}

// Ping verifies the store answers.
func (c *ESClient) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: ping returned %s", ErrStoreUnavailable, res.Status())
	}
	return nil
}

// Search implements Searcher.
func (c *ESClient) Search(ctx context.Context, q Query) (*Result, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		switch q.Dialect {
		case models.DialectESQL:
			return c.searchESQL(ctx, q)
		default:
			return c.searchKQL(ctx, q)
		}
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return out.(*Result), nil
}

// Count implements Searcher.
func (c *ESClient) Count(ctx context.Context, q Query) (int64, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		switch q.Dialect {
		case models.DialectESQL:
			return c.countESQL(ctx, q)
		default:
			return c.countKQL(ctx, q)
		}
	})
	if err != nil {
		return 0, breakerErr(err)
	}
	return out.(int64), nil
}

// breakerErr maps an open or saturated breaker onto the transient error
// class; everything else passes through classified.
func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", ErrStoreUnavailable)
	}
	return err
}

func (c *ESClient) searchKQL(ctx context.Context, q Query) (*Result, error) {
	timeboxed, err := Timebox(q.Dialect, q.Query, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuerySyntax, err)
	}

	body, err := json.Marshal(map[string]any{
		"size": q.Limit,
		"sort": []any{
			map[string]any{docTimestamp: map[string]any{"order": "desc", "unmapped_type": "date"}},
		},
		"query": map[string]any{
			"query_string": map[string]any{
				"query":            timeboxed,
				"default_operator": "AND",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.IndexPattern()),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, transportErr(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, statusErr(res.StatusCode, res.Body)
	}

	var sr struct {
		Hits struct {
			Total struct {
				Value    int64  `json:"value"`
				Relation string `json:"relation"`
			} `json:"total"`
			Hits []struct {
				Index  string         `json:"_index"`
				ID     string         `json:"_id"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	result := &Result{Total: sr.Hits.Total.Value}
	for _, h := range sr.Hits.Hits {
		result.Hits = append(result.Hits, Hit{
			Index: h.Index,
			DocID: h.ID,
			Event: documentToEvent(h.ID, h.Source),
		})
	}
	// "gte" means the store stopped counting at its cap; either way there are
	// more matches than hits on the page.
	result.Truncated = sr.Hits.Total.Relation == "gte" || result.Total > int64(len(result.Hits))
	return result, nil
}

func (c *ESClient) countKQL(ctx context.Context, q Query) (int64, error) {
	timeboxed, err := Timebox(q.Dialect, q.Query, q.From, q.To)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQuerySyntax, err)
	}
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"query_string": map[string]any{
				"query":            timeboxed,
				"default_operator": "AND",
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode count body: %w", err)
	}

	res, err := c.es.Count(
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(c.IndexPattern()),
		c.es.Count.WithBody(bytes.NewReader(body)),
		c.es.Count.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return 0, transportErr(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, statusErr(res.StatusCode, res.Body)
	}

	var cr struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&cr); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return cr.Count, nil
}

func (c *ESClient) searchESQL(ctx context.Context, q Query) (*Result, error) {
	timeboxed, err := Timebox(q.Dialect, q.Query, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuerySyntax, err)
	}
	if q.Limit > 0 {
		timeboxed = fmt.Sprintf("%s | LIMIT %d", timeboxed, q.Limit)
	}

	rows, err := c.runESQL(ctx, timeboxed)
	if err != nil {
		return nil, err
	}

	result := &Result{Total: int64(len(rows))}
	for _, row := range rows {
		evt := documentToEvent("", row)
		result.Hits = append(result.Hits, Hit{Event: evt})
	}
	// A page exactly at the limit usually means the store cut it off; the
	// caller confirms with Count.
	result.Truncated = q.Limit > 0 && len(rows) >= q.Limit
	return result, nil
}

func (c *ESClient) countESQL(ctx context.Context, q Query) (int64, error) {
	timeboxed, err := Timebox(q.Dialect, q.Query, q.From, q.To)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQuerySyntax, err)
	}

	rows, err := c.runESQL(ctx, timeboxed+" | STATS hits = COUNT(*)")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["hits"]), nil
}

// runESQL submits a pipelined query and returns the rows as column-keyed
// maps.
func (c *ESClient) runESQL(ctx context.Context, query string) ([]map[string]any, error) {
	body, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query body: %w", err)
	}

	res, err := c.es.EsqlQuery(
		bytes.NewReader(body),
		c.es.EsqlQuery.WithContext(ctx),
	)
	if err != nil {
		return nil, transportErr(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, statusErr(res.StatusCode, res.Body)
	}

	var qr struct {
		Columns []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"columns"`
		Values [][]any `json:"values"`
	}
	if err := json.NewDecoder(res.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}

	rows := make([]map[string]any, 0, len(qr.Values))
	for _, vals := range qr.Values {
		row := make(map[string]any, len(qr.Columns))
		for i, col := range qr.Columns {
			if i < len(vals) && vals[i] != nil {
				row[col.Name] = vals[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// transportErr classifies a client-side request failure. Context expiry
// passes through so callers can tell a deadline from a down store.
func transportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// statusErr classifies a non-2xx store response.
func statusErr(status int, body io.Reader) error {
	detail := readErrorReason(body)
	switch {
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrQuerySyntax, detail)
	case status == http.StatusNotFound,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d: %s", ErrStoreUnavailable, status, detail)
	default:
		return fmt.Errorf("store returned status %d: %s", status, detail)
	}
}

// readErrorReason pulls the store's error reason out of a failure body.
func readErrorReason(body io.Reader) string {
	var er struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&er); err != nil || er.Error.Reason == "" {
		return "no error detail"
	}
	if er.Error.Type != "" {
		return er.Error.Type + ": " + er.Error.Reason
	}
	return er.Error.Reason
}

// documentToEvent rebuilds an Event from an indexed document: reserved fields
// come back out of the envelope, everything else is event data.
func documentToEvent(docID string, doc map[string]any) models.Event {
	evt := models.Event{Fields: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case docEventID:
			if s, ok := v.(string); ok {
				evt.ID = s
			}
		case docTimestamp:
			evt.Timestamp = parseTimestamp(v)
		case docSource:
			if s, ok := v.(string); ok {
				evt.Source = s
			}
		case docRaw:
			if s, ok := v.(string); ok {
				evt.Raw = s
			}
		case docPublishedAt:
			evt.PublishedAt = parseTimestamp(v)
		default:
			evt.Fields[k] = v
		}
	}
	if evt.ID == "" {
		evt.ID = docID
	}
	return evt
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, timeFormat} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case float64:
		// Epoch millis.
		return time.UnixMilli(int64(t)).UTC()
	}
	return time.Time{}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
