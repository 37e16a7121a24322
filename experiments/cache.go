// Package experiments caches experiment metadata fetched from the
// site backend.
package experiments

import (
	"context"
	"fmt"
	"sync"

	"etserver/models"
	"etserver/site"

	"go.uber.org/zap"
)

// Cache is a read-through cache keyed by experiment id. Get always
// refreshes from the backend so the join-time and play-time reads stay
// consistent; Retrieve serves the last known copy without network.
type Cache struct {
	mu     sync.RWMutex
	data   map[int64]*models.Experiment
	site   *site.Client
	logger *zap.Logger
}

func NewCache(siteClient *site.Client, logger *zap.Logger) *Cache {
	return &Cache{
		data:   make(map[int64]*models.Experiment),
		site:   siteClient,
		logger: logger,
	}
}

// Get fetches the experiment from the backend and refreshes the cache.
func (c *Cache) Get(ctx context.Context, eID int64) (*models.Experiment, error) {
	exp, err := c.site.GetExperiment(ctx, eID)
	if err != nil {
		c.logger.Error("experiment fetch failed", zap.Int64("eId", eID), zap.Error(err))
		return nil, err
	}
	c.mu.Lock()
	c.data[eID] = exp
	c.mu.Unlock()
	return exp, nil
}

// Retrieve returns the cached copy only. It fails when the experiment
// was never fetched, which callers treat as a bug in the flow ordering
// (the join handler always Gets before anything Retrieves).
func (c *Cache) Retrieve(eID int64) (*models.Experiment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.data[eID]
	if !ok {
		return nil, fmt.Errorf("experiment %d not in cache", eID)
	}
	return exp, nil
}

// SaveData seeds the cache directly, bypassing the backend. Used by
// the dbg_create debug flow.
func (c *Cache) SaveData(exp *models.Experiment) {
	c.mu.Lock()
	c.data[exp.EID] = exp
	c.mu.Unlock()
}
