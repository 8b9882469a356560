// Package buffer is the Redis Streams event buffer between ingestion and the
// consumer groups. Producers append events with XADD under a configurable
// full-stream policy, consumer groups read with XREADGROUP and acknowledge
// with XACK, crashed consumers' entries are reclaimed with XAUTOCLAIM, and
// entries that exhaust their delivery budget move to a dead-letter stream
// with their payload intact.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/metrics"
	"github.com/driftsec/warden/pkg/models"
)

// Field names used inside stream entries.
const (
	fieldEvent   = "event"
	fieldMessage = "message"
	fieldBundle  = "bundle"
)

// Dead-letter reasons recorded on DLQ entries.
const (
	ReasonRetryExhausted  = "retry_budget_exhausted"
	ReasonDecodeFailed    = "payload_decode_failed"
	ReasonProcessingFatal = "processing_failed"
)

// Message is one delivered stream entry: the entry id for acknowledgement,
// the decoded event, and the raw payload for dead-lettering. Err is set when
// the payload did not decode; such messages must be dead-lettered, not
// retried.
type Message struct {
	ID      string
	Event   models.Event
	Payload string
	Err     error
}

// DLQEntry is one dead-letter stream entry as returned for inspection.
type DLQEntry struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Group    string `json:"group"`
	EntryID  string `json:"entry_id"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
	Payload  string `json:"payload"`
	FailedAt string `json:"failed_at"`
}

// Buffer wraps a Redis client with the stream operations warden needs. All
// methods are safe for concurrent use.
type Buffer struct {
	client  *redis.Client
	cfg     *config.StreamConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	// throttled is flipped by the backpressure monitor when consumer lag
	// crosses the high watermark.
	throttled atomic.Bool
}

// New builds a Buffer on the given Redis client.
func New(client *redis.Client, cfg *config.StreamConfig, m *metrics.Metrics, logger *slog.Logger) *Buffer {
	if client == nil {
		panic("buffer: client cannot be nil")
	}
	if cfg == nil {
		panic("buffer: config cannot be nil")
	}
	if m == nil {
		panic("buffer: metrics cannot be nil")
	}
	return &Buffer{
		client:  client,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "buffer"),
	}
}

// NewRedisClient dials Redis per the stream configuration and verifies the
// connection.
func NewRedisClient(ctx context.Context, cfg *config.StreamConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Ping verifies the Redis connection.
func (b *Buffer) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// SetThrottled flips publisher throttling. Called by the backpressure
// monitor.
func (b *Buffer) SetThrottled(on bool) {
	b.throttled.Store(on)
	if on {
		b.metrics.ThrottleActive.Set(1)
	} else {
		b.metrics.ThrottleActive.Set(0)
	}
}

// Throttled reports whether publisher throttling is active.
func (b *Buffer) Throttled() bool {
	return b.throttled.Load()
}

// Publish appends one event to the events stream and returns its entry id.
// Under drop_oldest the stream is trimmed to maxlen as it grows; under
// reject_new a full stream fails fast with ErrStreamFull. While backpressure
// throttling is active every publish fails with ErrBackpressureActive.
func (b *Buffer) Publish(ctx context.Context, evt models.Event) (string, error) {
	if b.throttled.Load() {
		b.metrics.EventsDropped.WithLabelValues("backpressure").Inc()
		return "", ErrBackpressureActive
	}

	evt.PublishedAt = time.Now().UTC()
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("failed to encode event %s: %w", evt.ID, err)
	}

	stream := b.cfg.EventsStream()
	if b.cfg.Backpressure == config.BackpressureRejectNew {
		if err := b.checkCapacity(ctx, stream, 1); err != nil {
			return "", err
		}
	}

	id, err := b.client.XAdd(ctx, b.addArgs(stream, map[string]any{fieldEvent: payload})).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	b.metrics.EventsPublished.WithLabelValues(stream).Inc()
	return id, nil
}

// PublishBatch appends events in one MULTI/EXEC transaction: either every
// event is appended or none is. Returned ids are in input order.
func (b *Buffer) PublishBatch(ctx context.Context, events []models.Event) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if b.throttled.Load() {
		b.metrics.EventsDropped.WithLabelValues("backpressure").Add(float64(len(events)))
		return nil, ErrBackpressureActive
	}

	stream := b.cfg.EventsStream()
	if b.cfg.Backpressure == config.BackpressureRejectNew {
		if err := b.checkCapacity(ctx, stream, int64(len(events))); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	pipe := b.client.TxPipeline()
	cmds := make([]*redis.StringCmd, 0, len(events))
	for i := range events {
		events[i].PublishedAt = now
		payload, err := json.Marshal(events[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", events[i].ID, err)
		}
		cmds = append(cmds, pipe.XAdd(ctx, b.addArgs(stream, map[string]any{fieldEvent: payload})))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to publish batch to %s: %w", stream, err)
	}

	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	b.metrics.EventsPublished.WithLabelValues(stream).Add(float64(len(ids)))
	return ids, nil
}

// addArgs builds XADD args for the events stream, attaching an approximate
// MAXLEN trim only under the drop_oldest policy.
func (b *Buffer) addArgs(stream string, values map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if stream == b.cfg.EventsStream() && b.cfg.Backpressure == config.BackpressureDropOldest && b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return args
}

// checkCapacity enforces reject_new: a publish that would push the stream
// past maxlen fails with ErrStreamFull. The check is a read followed by the
// XADD, so concurrent publishers can overshoot by at most the number of
// in-flight publishes; the monitor's trim pass restores the bound.
func (b *Buffer) checkCapacity(ctx context.Context, stream string, adding int64) error {
	length, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return fmt.Errorf("failed to read length of %s: %w", stream, err)
	}
	if length+adding > b.cfg.MaxLen {
		b.metrics.EventsDropped.WithLabelValues("stream_full").Add(float64(adding))
		return fmt.Errorf("%w: %s holds %d of %d", ErrStreamFull, stream, length, b.cfg.MaxLen)
	}
	return nil
}

// EnsureGroup creates a consumer group reading from the start of the stream,
// creating the stream itself if needed. An already-existing group is fine.
func (b *Buffer) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Consume reads up to count new entries from the events stream for the given
// group and consumer, blocking up to block when the stream is empty. An empty
// read returns (nil, nil).
func (b *Buffer) Consume(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{b.cfg.EventsStream(), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read group %s: %w", group, err)
	}

	var msgs []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, decodeMessage(m))
		}
	}
	b.metrics.EventsConsumed.WithLabelValues(group).Add(float64(len(msgs)))
	return msgs, nil
}

// Ack acknowledges processed entries for a group.
func (b *Buffer) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, b.cfg.EventsStream(), group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d entries for group %s: %w", len(ids), group, err)
	}
	return nil
}

// ClaimPending transfers entries that have sat unacknowledged for at least
// minIdle to the calling consumer, returning them for reprocessing. This is
// how a restarted instance recovers work a crashed sibling left behind.
func (b *Buffer) ClaimPending(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.EventsStream(),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending entries for group %s: %w", group, err)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, decodeMessage(m))
	}
	return msgs, nil
}

// ReapPoisoned scans the group's pending entries and dead-letters every entry
// whose delivery count exceeds maxRetries and which has been idle at least
// minIdle. Returns the number of entries moved.
func (b *Buffer) ReapPoisoned(ctx context.Context, group string, minIdle time.Duration, maxRetries int64, scan int64) (int, error) {
	stream := b.cfg.EventsStream()
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  scan,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan pending entries for group %s: %w", group, err)
	}

	moved := 0
	for _, p := range pending {
		if p.RetryCount <= maxRetries || p.Idle < minIdle {
			continue
		}
		payload := b.fetchPayload(ctx, stream, p.ID)
		detail := fmt.Sprintf("delivered %d times", p.RetryCount)
		if err := b.DeadLetter(ctx, group, stream, p.ID, payload, ReasonRetryExhausted, detail); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// fetchPayload reads the raw payload of a single entry. A trimmed or deleted
// entry yields an empty payload; the DLQ record still carries the id.
func (b *Buffer) fetchPayload(ctx context.Context, stream, id string) string {
	entries, err := b.client.XRange(ctx, stream, id, id).Result()
	if err != nil || len(entries) == 0 {
		return ""
	}
	if raw, ok := entries[0].Values[fieldEvent].(string); ok {
		return raw
	}
	return ""
}

// DeadLetter moves one entry to the dead-letter stream and acknowledges it on
// the source stream in a single transaction, preserving the original payload
// alongside the failure metadata.
func (b *Buffer) DeadLetter(ctx context.Context, group, sourceStream, entryID, payload, reason, detail string) error {
	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.DLQStream(),
		Values: map[string]any{
			"source":    sourceStream,
			"group":     group,
			"entry_id":  entryID,
			"reason":    reason,
			"detail":    detail,
			fieldEvent:  payload,
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	pipe.XAck(ctx, sourceStream, group, entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter entry %s: %w", entryID, err)
	}

	b.metrics.DeadLetters.WithLabelValues(sourceStream).Inc()
	b.logger.Warn("entry moved to dead-letter stream",
		"entry_id", entryID,
		"group", group,
		"reason", reason,
		"detail", detail)
	return nil
}

// DLQEntries returns up to count dead-letter entries, newest first.
func (b *Buffer) DLQEntries(ctx context.Context, count int64) ([]DLQEntry, error) {
	raw, err := b.client.XRevRangeN(ctx, b.cfg.DLQStream(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter stream: %w", err)
	}
	entries := make([]DLQEntry, 0, len(raw))
	for _, m := range raw {
		entries = append(entries, decodeDLQEntry(m))
	}
	return entries, nil
}

// ReplayDLQ re-publishes one dead-letter entry to its source stream and
// removes it from the DLQ. The replayed entry gets a fresh id and goes back
// through normal delivery.
func (b *Buffer) ReplayDLQ(ctx context.Context, id string) error {
	raw, err := b.client.XRange(ctx, b.cfg.DLQStream(), id, id).Result()
	if err != nil {
		return fmt.Errorf("failed to read dead-letter entry %s: %w", id, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: dead-letter entry %s", ErrEntryNotFound, id)
	}
	entry := decodeDLQEntry(raw[0])
	if entry.Payload == "" {
		return fmt.Errorf("dead-letter entry %s has no payload to replay", id)
	}

	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: entry.Source,
		Values: map[string]any{fieldEvent: entry.Payload},
	})
	pipe.XDel(ctx, b.cfg.DLQStream(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replay dead-letter entry %s: %w", id, err)
	}

	b.logger.Info("dead-letter entry replayed", "entry_id", id, "source", entry.Source)
	return nil
}

// PublishAlert appends an alert lifecycle message to the alerts stream.
func (b *Buffer) PublishAlert(ctx context.Context, msg models.AlertMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode alert message: %w", err)
	}
	stream := b.cfg.AlertsStream()
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{fieldMessage: payload},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish alert message: %w", err)
	}
	b.metrics.EventsPublished.WithLabelValues(stream).Inc()
	return nil
}

// PublishBundle appends a completed correlation sequence to the correlation
// stream.
func (b *Buffer) PublishBundle(ctx context.Context, bundle models.CorrelationBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to encode correlation bundle: %w", err)
	}
	stream := b.cfg.CorrelationStream()
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{fieldBundle: payload},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish correlation bundle: %w", err)
	}
	b.metrics.EventsPublished.WithLabelValues(stream).Inc()
	return nil
}

// Lag returns how many entries the group has not yet been delivered.
func (b *Buffer) Lag(ctx context.Context, group string) (int64, error) {
	groups, err := b.client.XInfoGroups(ctx, b.cfg.EventsStream()).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to inspect groups: %w", err)
	}
	for _, g := range groups {
		if g.Name == group {
			return g.Lag, nil
		}
	}
	return 0, fmt.Errorf("group %s not found on %s", group, b.cfg.EventsStream())
}

// GroupLags returns per-group undelivered entry counts for every group on the
// events stream.
func (b *Buffer) GroupLags(ctx context.Context) (map[string]int64, error) {
	groups, err := b.client.XInfoGroups(ctx, b.cfg.EventsStream()).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("failed to inspect groups: %w", err)
	}
	lags := make(map[string]int64, len(groups))
	for _, g := range groups {
		lags[g.Name] = g.Lag
	}
	return lags, nil
}

// StreamLen returns the current events stream length.
func (b *Buffer) StreamLen(ctx context.Context) (int64, error) {
	return b.client.XLen(ctx, b.cfg.EventsStream()).Result()
}

// TrimConsumed deletes the prefix of the events stream that every group has
// both received and acknowledged, and returns the number of entries removed.
// Under reject_new this is what frees capacity once consumers drain; under
// drop_oldest the XADD trim already bounds the stream. Entries at or past any
// group's oldest pending id stay put so crash recovery can still claim them.
func (b *Buffer) TrimConsumed(ctx context.Context, batch int64) (int64, error) {
	stream := b.cfg.EventsStream()
	groups, err := b.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to inspect groups: %w", err)
	}
	if len(groups) == 0 {
		return 0, nil
	}

	// The safe bound per group is its oldest pending id (that entry is still
	// unacknowledged, so it must survive) or, with nothing pending, its
	// last-delivered id (that entry is done and may go). Everything below the
	// minimum bound across groups is done everywhere.
	bound := ""
	keepBound := false
	for _, g := range groups {
		gb := g.LastDeliveredID
		gKeep := false
		if g.Pending > 0 {
			summary, err := b.client.XPending(ctx, stream, g.Name).Result()
			if err != nil {
				return 0, fmt.Errorf("failed to inspect pending entries for group %s: %w", g.Name, err)
			}
			if summary.Count > 0 {
				gb = summary.Lower
				gKeep = true
			}
		}
		if gb == "" || gb == "0-0" {
			return 0, nil
		}
		switch {
		case bound == "" || streamIDLess(gb, bound):
			bound, keepBound = gb, gKeep
		case gb == bound && gKeep:
			keepBound = true
		}
	}

	entries, err := b.client.XRangeN(ctx, stream, "-", bound, batch).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list consumed prefix: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.ID == bound && keepBound {
			continue
		}
		ids = append(ids, e.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	removed, err := b.client.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to trim consumed prefix: %w", err)
	}
	return removed, nil
}

// streamIDLess compares two stream ids of the form "<ms>-<seq>".
func streamIDLess(a, b string) bool {
	am, as := splitStreamID(a)
	bm, bs := splitStreamID(b)
	if am != bm {
		return am < bm
	}
	return as < bs
}

func splitStreamID(id string) (ms, seq int64) {
	parts := strings.SplitN(id, "-", 2)
	fmt.Sscanf(parts[0], "%d", &ms)
	if len(parts) == 2 {
		fmt.Sscanf(parts[1], "%d", &seq)
	}
	return ms, seq
}

// decodeMessage turns a raw stream entry into a Message, decoding the event
// payload. A missing or malformed payload sets Err.
func decodeMessage(m redis.XMessage) Message {
	msg := Message{ID: m.ID}
	raw, ok := m.Values[fieldEvent].(string)
	if !ok {
		msg.Err = fmt.Errorf("entry %s has no event payload", m.ID)
		return msg
	}
	msg.Payload = raw
	if err := json.Unmarshal([]byte(raw), &msg.Event); err != nil {
		msg.Err = fmt.Errorf("entry %s payload did not decode: %w", m.ID, err)
	}
	return msg
}

func decodeDLQEntry(m redis.XMessage) DLQEntry {
	get := func(key string) string {
		if v, ok := m.Values[key].(string); ok {
			return v
		}
		return ""
	}
	return DLQEntry{
		ID:       m.ID,
		Source:   get("source"),
		Group:    get("group"),
		EntryID:  get("entry_id"),
		Reason:   get("reason"),
		Detail:   get("detail"),
		Payload:  get(fieldEvent),
		FailedAt: get("failed_at"),
	}
}
