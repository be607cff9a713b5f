// Package updater runs update cycles over all subscribed feeds and onboards new ones.
package updater

import (
	"context"
	"errors"
	"fmt"
	"forest/models"
	"forest/scheduler"
	"forest/updatecache"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forest_update_cycles_total",
		Help: "Number of completed update cycles",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forest_update_cycle_duration_seconds",
		Help:    "Duration of update cycles",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	dueFeeds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forest_due_feeds",
		Help: "Number of feeds found due in the last cycle",
	})

	fetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forest_feed_fetch_errors_total",
		Help: "Number of feed fetches that failed",
	})

	itemsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forest_items_inserted_total",
		Help: "Number of new items written to the store",
	})
)

const (
	DefaultChunkSize = 3

	// Feeds publishing at least this often are checked every cycle
	AlwaysDueFrequency = 24 * time.Hour

	// Slower feeds are checked at most this often
	RecheckInterval = time.Hour
)

var ErrFeedNotStored = errors.New("feed was not found after insert")

// Store persists feeds and items
type Store interface {
	GetFeeds(ctx context.Context) ([]models.Feed, error)
	GetFeedByURL(ctx context.Context, feedUrl string) (*models.Feed, error)
	InsertFeed(ctx context.Context, feed models.Feed) error

	// InsertItem reports false without error when the item already exists
	InsertItem(ctx context.Context, feedId int64, item models.FetchedItem) (bool, error)

	MarkFeedError(ctx context.Context, feedId int64) error
	UpdateFeedFrequency(ctx context.Context, feedId int64, frequency int64) error
}

// Fetcher retrieves and parses a single feed
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*models.FetchedFeed, error)
}

// Cache holds per feed update state between cycles
type Cache interface {
	IsKnown(feedId int64, key string) bool
	RecordItem(feedId int64, key string)
	GetFrequency(feedId int64) (int64, bool)
	GetLastUpdate(feedId int64) (int64, bool)
	SetFrequencyData(feedId int64, frequency int64, lastUpdate int64)
	SetLastUpdate(feedId int64, lastUpdate int64)
	Reset(feedId int64)
	Prune(liveIds []int64) int
	Stats() updatecache.Stats
	Flush() error
}

type Config struct {
	ChunkSize int

	// Now is used for due filtering and update times. Defaults to time.Now.
	Now func() time.Time
}

type Updater struct {
	store     Store
	fetcher   Fetcher
	cache     Cache
	chunkSize int
	now       func() time.Time

	running atomic.Bool

	mu         sync.Mutex
	lastReport *models.CycleReport
}

func New(store Store, fetcher Fetcher, cache Cache, config Config) *Updater {
	if config.ChunkSize < 1 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Updater{
		store:     store,
		fetcher:   fetcher,
		cache:     cache,
		chunkSize: config.ChunkSize,
		now:       config.Now,
	}
}

// LastReport returns the report of the last completed cycle, if any
func (u *Updater) LastReport() *models.CycleReport {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.lastReport == nil {
		return nil
	}
	report := *u.lastReport
	return &report
}

func (u *Updater) CacheStats() updatecache.Stats {
	return u.cache.Stats()
}

// FilterDue returns the feeds that should be polled at now. A feed is due when
// it has no cached frequency, when it publishes at least daily, or when it has
// not been polled for RecheckInterval.
func (u *Updater) FilterDue(feeds []models.Feed, now time.Time) []models.Feed {
	return lo.Filter(feeds, func(feed models.Feed, _ int) bool {
		freq, ok := u.cache.GetFrequency(feed.Id)
		if !ok || freq <= AlwaysDueFrequency.Milliseconds() {
			return true
		}

		lastUpdate, ok := u.cache.GetLastUpdate(feed.Id)
		if !ok {
			return true
		}
		return now.UnixMilli()-lastUpdate >= RecheckInterval.Milliseconds()
	})
}

// RunCycle polls every due feed once. Due feeds are processed in chunks, one
// chunk at a time, with the fetches of a chunk running concurrently. Failures
// are logged and counted in the report; a cycle never fails as a whole.
func (u *Updater) RunCycle(ctx context.Context) (report models.CycleReport) {
	report = models.CycleReport{
		Id:        uuid.NewString(),
		StartedAt: u.now(),
	}
	logger := log.WithFields(log.Fields{
		"cycle": report.Id,
	})

	if !u.running.CompareAndSwap(false, true) {
		logger.Warn("Update cycle already running, skipping")
		return report
	}
	defer u.running.Store(false)

	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		cyclesTotal.Inc()
		cycleDuration.Observe(report.Duration.Seconds())

		u.mu.Lock()
		u.lastReport = &report
		u.mu.Unlock()

		logger.WithFields(log.Fields{
			"feeds":    report.Feeds,
			"due":      report.Due,
			"fetched":  report.Fetched,
			"failed":   report.Failed,
			"inserted": report.Inserted,
			"skipped":  report.Skipped,
			"duration": report.Duration,
		}).Info("Update cycle finished")
	}()

	feeds, err := u.store.GetFeeds(ctx)
	if err != nil {
		logger.WithError(err).Error("Could not load feeds")
		return report
	}
	report.Feeds = len(feeds)

	if pruned := u.cache.Prune(lo.Map(feeds, func(feed models.Feed, _ int) int64 {
		return feed.Id
	})); pruned > 0 {
		logger.WithFields(log.Fields{
			"pruned": pruned,
		}).Info("Dropped update state of removed feeds")
	}

	due := u.FilterDue(feeds, u.now())
	report.Due = len(due)
	dueFeeds.Set(float64(len(due)))

	chunks := lo.Chunk(due, u.chunkSize)
	report.Chunks = len(chunks)

	for i, chunk := range chunks {
		logger.WithFields(log.Fields{
			"chunk": i + 1,
			"of":    len(chunks),
			"feeds": len(chunk),
		}).Debug("Processing chunk")

		for _, result := range u.processChunk(ctx, chunk, logger) {
			if result.failed {
				report.Failed++
				continue
			}
			report.Fetched++
			report.Inserted += result.inserted
			report.Skipped += result.skipped
		}

		if err := u.cache.Flush(); err != nil {
			logger.WithError(err).Error("Could not flush update cache")
		}
	}

	return report
}

type feedResult struct {
	failed   bool
	inserted int
	skipped  int
}

// processChunk fetches all feeds of a chunk concurrently and waits for every one of them
func (u *Updater) processChunk(ctx context.Context, chunk []models.Feed, logger *log.Entry) []feedResult {
	results := make([]feedResult, len(chunk))

	var wg sync.WaitGroup
	for i, feed := range chunk {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = u.updateFeed(ctx, feed, logger)
		}()
	}
	wg.Wait()

	return results
}

func (u *Updater) updateFeed(ctx context.Context, feed models.Feed, logger *log.Entry) feedResult {
	logger = logger.WithFields(log.Fields{
		"feed": feed.Id,
		"url":  feed.FeedUrl,
	})

	fetched, err := u.fetcher.Fetch(ctx, feed.FeedUrl)
	if err != nil {
		fetchErrors.Inc()
		logger.WithError(err).Warn("Could not fetch feed")
		if err := u.store.MarkFeedError(ctx, feed.Id); err != nil {
			logger.WithError(err).Error("Could not record feed error")
		}
		return feedResult{failed: true}
	}

	now := u.now().UnixMilli()

	// Nothing changed upstream, keep the previous estimate
	if fetched.NotModified {
		u.cache.SetLastUpdate(feed.Id, now)
		return feedResult{}
	}

	result := u.insertItems(ctx, feed.Id, fetched.Items, logger)

	frequency := scheduler.ComputeFrequency(fetched.PublishedTimes())
	u.cache.SetFrequencyData(feed.Id, frequency, now)
	if err := u.store.UpdateFeedFrequency(ctx, feed.Id, frequency); err != nil {
		logger.WithError(err).Warn("Could not store feed frequency")
	}

	logger.WithFields(log.Fields{
		"items":     len(fetched.Items),
		"inserted":  result.inserted,
		"frequency": time.Duration(frequency) * time.Millisecond,
	}).Debug("Updated feed")

	return result
}

// insertItems writes the items not yet known for a feed and remembers their keys
func (u *Updater) insertItems(ctx context.Context, feedId int64, items []models.FetchedItem, logger *log.Entry) feedResult {
	var result feedResult

	for _, item := range items {
		key := item.Key()
		if key == "" {
			continue
		}
		if u.cache.IsKnown(feedId, key) {
			result.skipped++
			continue
		}

		inserted, err := u.store.InsertItem(ctx, feedId, item)
		if err != nil {
			logger.WithError(err).WithField("item", key).Warn("Could not insert item")
			continue
		}

		if inserted {
			result.inserted++
			itemsInserted.Inc()
		} else {
			result.skipped++
		}
		u.cache.RecordItem(feedId, key)
	}

	return result
}

// AddFeed fetches a feed once, stores it with its current items and clears
// any update state left over for its id. The stored feed is returned.
func (u *Updater) AddFeed(ctx context.Context, newFeed models.NewFeed) (*models.Feed, error) {
	logger := log.WithFields(log.Fields{
		"url": newFeed.FeedUrl,
	})

	if newFeed.FeedUrl == "" {
		return nil, errors.New("feed url is required")
	}

	fetched, err := u.fetcher.Fetch(ctx, newFeed.FeedUrl)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	feed := models.Feed{
		Title:      fetched.Title,
		Url:        lo.FirstOr(fetched.Links, newFeed.FeedUrl),
		FeedUrl:    newFeed.FeedUrl,
		FeedType:   fetched.Type,
		CategoryId: newFeed.CategoryId,
	}
	if err := u.store.InsertFeed(ctx, feed); err != nil {
		return nil, fmt.Errorf("insert feed: %w", err)
	}

	stored, err := u.store.GetFeedByURL(ctx, newFeed.FeedUrl)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	if stored == nil {
		return nil, ErrFeedNotStored
	}

	u.cache.Reset(stored.Id)
	result := u.insertItems(ctx, stored.Id, fetched.Items, logger.WithField("feed", stored.Id))

	if err := u.cache.Flush(); err != nil {
		logger.WithError(err).Error("Could not flush update cache")
	}

	logger.WithFields(log.Fields{
		"feed":     stored.Id,
		"title":    stored.Title,
		"inserted": result.inserted,
	}).Info("Added feed")

	return stored, nil
}
