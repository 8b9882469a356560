package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/driftsec/warden/pkg/models"
)

// BulkItemError is one document the store refused during a bulk index.
type BulkItemError struct {
	// Pos is the document's position in the submitted batch.
	Pos     int
	EventID string
	Status  int
	Reason  string
}

// Retryable reports whether the refusal is transient (throttling, overload)
// rather than a permanent document problem like a mapping conflict.
func (e BulkItemError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

func (e BulkItemError) Error() string {
	return fmt.Sprintf("document %s refused with status %d: %s", e.EventID, e.Status, e.Reason)
}

// BulkIndex writes a batch of events into their daily indices. The document
// id is the event id, so redelivered batches overwrite instead of
// duplicating. Returns per-document refusals; a non-nil error means the whole
// request failed and nothing can be assumed indexed.
func (c *ESClient) BulkIndex(ctx context.Context, events []models.Event) ([]BulkItemError, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	for _, evt := range events {
		action, err := json.Marshal(map[string]any{
			"index": map[string]any{
				"_index": c.indexName(evt),
				"_id":    evt.ID,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		doc, err := json.Marshal(eventDocument(evt))
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", evt.ID, err)
		}
		body.Write(action)
		body.WriteByte('\n')
		body.Write(doc)
		body.WriteByte('\n')
	}

	res, err := c.es.Bulk(
		bytes.NewReader(body.Bytes()),
		c.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return nil, transportErr(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, statusErr(res.StatusCode, res.Body)
	}

	var br struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !br.Errors {
		return nil, nil
	}

	var failures []BulkItemError
	for i, item := range br.Items {
		for _, r := range item {
			if r.Error == nil {
				continue
			}
			fail := BulkItemError{Pos: i, EventID: r.ID, Status: r.Status}
			fail.Reason = r.Error.Type + ": " + r.Error.Reason
			failures = append(failures, fail)
		}
	}
	return failures, nil
}

// indexName routes an event to its daily index by event time, falling back
// to publish time and then wall clock for events without one.
func (c *ESClient) indexName(evt models.Event) string {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = evt.PublishedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s-events-%s", c.cfg.IndexPrefix, ts.UTC().Format("2006.01.02"))
}

// eventDocument flattens an event into its indexed form: the envelope fields
// plus the event's own fields at the top level.
func eventDocument(evt models.Event) map[string]any {
	doc := make(map[string]any, len(evt.Fields)+5)
	for k, v := range evt.Fields {
		switch k {
		case docEventID, docTimestamp, docSource, docRaw, docPublishedAt:
			// Envelope keys win over colliding event fields.
			continue
		}
		doc[k] = v
	}
	doc[docEventID] = evt.ID
	doc[docTimestamp] = evt.Timestamp.UTC().Format(time.RFC3339Nano)
	doc[docSource] = evt.Source
	if evt.Raw != "" {
		doc[docRaw] = evt.Raw
	}
	if !evt.PublishedAt.IsZero() {
		doc[docPublishedAt] = evt.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	return doc
}
