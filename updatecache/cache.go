// Package updatecache keeps per feed update state between runs: the last
// estimated publishing frequency, the time of the last successful update and
// the keys of the most recently processed items.
package updatecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// MaxProcessedItems is the number of item keys remembered per feed
const MaxProcessedItems = 100

// document is the persisted form. Feed ids are encoded as strings since JSON
// object keys must be strings.
type document struct {
	Frequencies     map[string]int64    `json:"frequencies"`
	LastUpdateTimes map[string]int64    `json:"lastUpdateTimes"`
	ProcessedItems  map[string][]string `json:"processedItems"`
}

// Stats is a summary of what the cache holds
type Stats struct {
	Feeds          int `json:"feeds"`
	WithFrequency  int `json:"withFrequency"`
	ProcessedItems int `json:"processedItems"`
}

// Cache is safe for concurrent use
type Cache struct {
	fs      afero.Fs
	path    string
	flushMu sync.Mutex

	mu              sync.Mutex
	frequencies     map[int64]int64
	lastUpdateTimes map[int64]int64
	processedItems  map[int64][]string
}

// New returns an empty cache that flushes to path on fs
func New(fs afero.Fs, path string) *Cache {
	return &Cache{
		fs:              fs,
		path:            path,
		frequencies:     map[int64]int64{},
		lastUpdateTimes: map[int64]int64{},
		processedItems:  map[int64][]string{},
	}
}

// Load reads a previously flushed document. A missing file yields an empty
// cache; an unreadable or corrupt one is logged and also yields an empty cache.
func Load(fs afero.Fs, path string) *Cache {
	cache := New(fs, path)

	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{
			"path": path,
		}).Info("No update cache found, starting empty")
		return cache
	}
	if err != nil {
		log.WithFields(log.Fields{
			"path":  path,
			"error": err,
		}).Warn("Could not read update cache, starting empty")
		return cache
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.WithFields(log.Fields{
			"path":  path,
			"error": err,
		}).Warn("Update cache is corrupt, starting empty")
		return cache
	}

	for key, freq := range doc.Frequencies {
		if id, ok := parseId(key); ok {
			cache.frequencies[id] = freq
		}
	}
	for key, ts := range doc.LastUpdateTimes {
		if id, ok := parseId(key); ok {
			cache.lastUpdateTimes[id] = ts
		}
	}
	for key, items := range doc.ProcessedItems {
		if id, ok := parseId(key); ok {
			cache.processedItems[id] = lo.Subset(items, -MaxProcessedItems, MaxProcessedItems)
		}
	}

	log.WithFields(log.Fields{
		"path":  path,
		"feeds": len(cache.frequencies),
	}).Info("Loaded update cache")

	return cache
}

func parseId(key string) (int64, bool) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		log.WithFields(log.Fields{
			"key": key,
		}).Warn("Skipping update cache entry with invalid feed id")
		return 0, false
	}
	return id, true
}

// IsKnown reports whether key is among the recently processed items of a feed
func (c *Cache) IsKnown(feedId int64, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return lo.Contains(c.processedItems[feedId], key)
}

// RecordItem appends key to the processed list of a feed if absent, dropping
// the oldest keys beyond MaxProcessedItems
func (c *Cache) RecordItem(feedId int64, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.processedItems[feedId]
	if lo.Contains(items, key) {
		return
	}

	items = append(items, key)
	if len(items) > MaxProcessedItems {
		items = items[len(items)-MaxProcessedItems:]
	}
	c.processedItems[feedId] = items
}

// ProcessedItems returns a copy of the remembered keys of a feed, oldest first
func (c *Cache) ProcessedItems(feedId int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.processedItems[feedId]...)
}

// GetFrequency returns the cached frequency in milliseconds
func (c *Cache) GetFrequency(feedId int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	freq, ok := c.frequencies[feedId]
	return freq, ok
}

// GetLastUpdate returns the epoch millisecond time of the last successful update
func (c *Cache) GetLastUpdate(feedId int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.lastUpdateTimes[feedId]
	return ts, ok
}

func (c *Cache) SetFrequencyData(feedId int64, frequency int64, lastUpdate int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frequencies[feedId] = frequency
	c.lastUpdateTimes[feedId] = lastUpdate
}

// SetLastUpdate records a successful update without touching the frequency
func (c *Cache) SetLastUpdate(feedId int64, lastUpdate int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastUpdateTimes[feedId] = lastUpdate
}

// Reset forgets everything about a feed
func (c *Cache) Reset(feedId int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.frequencies, feedId)
	delete(c.lastUpdateTimes, feedId)
	delete(c.processedItems, feedId)
}

// Prune drops state for every feed not in liveIds and returns how many feeds were dropped
func (c *Cache) Prune(liveIds []int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := lo.SliceToMap(liveIds, func(id int64) (int64, struct{}) {
		return id, struct{}{}
	})

	stale := lo.Uniq(lo.Flatten([][]int64{
		lo.Keys(c.frequencies),
		lo.Keys(c.lastUpdateTimes),
		lo.Keys(c.processedItems),
	}))
	stale = lo.Reject(stale, func(id int64, _ int) bool {
		_, ok := live[id]
		return ok
	})

	for _, id := range stale {
		delete(c.frequencies, id)
		delete(c.lastUpdateTimes, id)
		delete(c.processedItems, id)
	}

	return len(stale)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	feeds := lo.Uniq(lo.Flatten([][]int64{
		lo.Keys(c.frequencies),
		lo.Keys(c.lastUpdateTimes),
		lo.Keys(c.processedItems),
	}))

	return Stats{
		Feeds:         len(feeds),
		WithFrequency: len(c.frequencies),
		ProcessedItems: lo.SumBy(lo.Values(c.processedItems), func(items []string) int {
			return len(items)
		}),
	}
}

// Flush writes the whole document to a temporary file and renames it over
// the previous one
func (c *Cache) Flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	doc := document{
		Frequencies:     lo.MapKeys(c.frequencies, formatId[int64]),
		LastUpdateTimes: lo.MapKeys(c.lastUpdateTimes, formatId[int64]),
		ProcessedItems:  lo.MapKeys(c.processedItems, formatId[[]string]),
	}
	data, err := json.Marshal(doc)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode update cache: %w", err)
	}

	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write update cache: %w", err)
	}
	if err := c.fs.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace update cache: %w", err)
	}

	return nil
}

func formatId[V any](_ V, id int64) string {
	return strconv.FormatInt(id, 10)
}
