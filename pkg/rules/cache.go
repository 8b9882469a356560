package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftsec/warden/pkg/models"
)

// Cache holds a point-in-time snapshot of the enabled rules so the stream
// consumers and the scheduler never query the database per event. Snapshots
// are replaced wholesale on refresh; returned slices must be treated as
// read-only.
type Cache struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger

	mu          sync.RWMutex
	byID        map[string]*models.DetectionRule
	enabled     []models.DetectionRule
	streaming   []models.DetectionRule
	correlation []models.DetectionRule
	refreshedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCache creates a rule cache over the store.
func NewCache(store *Store, interval time.Duration, logger *slog.Logger) *Cache {
	if store == nil {
		panic("rules: store cannot be nil")
	}
	return &Cache{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "rule-cache"),
		byID:     make(map[string]*models.DetectionRule),
	}
}

// Refresh loads the current enabled rules and swaps the snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	enabled, err := c.store.ListEnabled(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*models.DetectionRule, len(enabled))
	var streaming, correlation []models.DetectionRule
	for i := range enabled {
		rule := &enabled[i]
		byID[rule.ID] = rule
		switch rule.Kind {
		case models.RuleKindStreaming:
			streaming = append(streaming, *rule)
		case models.RuleKindCorrelation:
			correlation = append(correlation, *rule)
		}
	}

	c.mu.Lock()
	c.byID = byID
	c.enabled = enabled
	c.streaming = streaming
	c.correlation = correlation
	c.refreshedAt = time.Now().UTC()
	c.mu.Unlock()

	c.logger.Debug("Rule snapshot refreshed",
		"enabled", len(enabled),
		"streaming", len(streaming),
		"correlation", len(correlation))
	return nil
}

// Start launches the background refresh loop after one synchronous load.
func (c *Cache) Start(ctx context.Context) error {
	if c.cancel != nil {
		return nil
	}
	if err := c.Refresh(ctx); err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)

	c.logger.Info("Rule cache started", "interval", c.interval)
	return nil
}

// Stop signals the refresh loop to exit and waits for it to finish.
func (c *Cache) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.logger.Info("Rule cache stopped")
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("Rule snapshot refresh failed", "error", err)
			}
		}
	}
}

// Enabled returns the enabled-rule snapshot.
func (c *Cache) Enabled() []models.DetectionRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Streaming returns the enabled streaming rules.
func (c *Cache) Streaming() []models.DetectionRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streaming
}

// Correlation returns the enabled correlation rules.
func (c *Cache) Correlation() []models.DetectionRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.correlation
}

// Get returns an enabled rule by id.
func (c *Cache) Get(id string) (*models.DetectionRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.byID[id]
	return rule, ok
}

// RefreshedAt reports when the snapshot was last replaced.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
