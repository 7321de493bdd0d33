// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package cache provides a TTL read cache for API responses. Summaries
// only change when the pipeline recomputes a day, so serving data up to
// one TTL stale is acceptable on the query side.
package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

type entry struct {
	data      interface{}
	expiresAt time.Time
}

// Cache is a thread-safe in-memory cache with per-entry expiration.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration

	statsMu sync.Mutex
	stats   Stats

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Stats is a snapshot of cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Keys      int64
}

// New creates a cache whose entries expire after ttl. A background
// goroutine sweeps expired entries every 5 minutes.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Stop ends the background sweeper. The cache stays usable afterwards;
// expired entries are then only reclaimed lazily on Get. Safe to call
// more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Get returns the cached value for key, removing it if expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.count(func(s *Stats) { s.Misses++; s.Evictions++ })
		return nil, false
	}

	c.count(func(s *Stats) { s.Hits++ })
	return e.data, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{data: value, expiresAt: time.Now().Add(ttl)}
	keys := int64(len(c.entries))
	c.mu.Unlock()

	c.count(func(s *Stats) { s.Keys = keys })
}

// Clear drops every entry. Called after a pipeline run so readers see
// fresh summaries immediately instead of waiting out the TTL.
func (c *Cache) Clear() {
	c.mu.Lock()
	evicted := int64(len(c.entries))
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	c.count(func(s *Stats) { s.Evictions += evicted; s.Keys = 0 })
}

// GetStats returns a copy of the current counters.
func (c *Cache) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// HitRate returns the hit percentage since startup.
func (c *Cache) HitRate() float64 {
	s := c.GetStats()
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total) * 100.0
}

func (c *Cache) count(f func(*Stats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		now := time.Now()
		c.mu.Lock()
		var evicted int64
		for key, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, key)
				evicted++
			}
		}
		keys := int64(len(c.entries))
		c.mu.Unlock()

		c.count(func(s *Stats) { s.Evictions += evicted; s.Keys = keys })
	}
}

// GenerateKey builds a compact cache key from an endpoint name and its
// request parameters.
func GenerateKey(endpoint string, params interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%v", endpoint, params)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", endpoint, hash[:16])
}
