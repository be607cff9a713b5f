// Package fetcher downloads and parses feeds through a bounded pool of workers.
package fetcher

import (
	"context"
	"fmt"
	"forest/models"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/mmcdole/gofeed"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "forest_fetch_duration_seconds",
	Help:    "Duration of feed fetches by outcome",
	Buckets: prometheus.DefBuckets,
}, []string{"outcome"})

const (
	DefaultTimeout      = 15 * time.Second
	DefaultUserAgent    = "forest-feed-updater/1.0"
	DefaultValidatorTTL = 24 * time.Hour

	// Response bodies above this size are rejected
	maxBodySize = 10 << 20
)

// Config for the HTTP fetcher. Zero values fall back to defaults.
type Config struct {
	Timeout   time.Duration
	UserAgent string

	// RequestsPerSecond limits outbound requests across all workers. Zero disables the limit.
	RequestsPerSecond float64

	// ValidatorTTL is how long ETag and Last-Modified values are remembered
	ValidatorTTL time.Duration
}

type validator struct {
	etag         string
	lastModified string
}

// HTTPFetcher fetches feeds over HTTP and parses them with gofeed. It is safe
// for concurrent use.
type HTTPFetcher struct {
	client     *http.Client
	userAgent  string
	limiter    *rate.Limiter
	validators *cache.Cache
}

func NewHTTPFetcher(config Config) *HTTPFetcher {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.ValidatorTTL <= 0 {
		config.ValidatorTTL = DefaultValidatorTTL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), max(1, int(config.RequestsPerSecond)))
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
		userAgent:  config.UserAgent,
		limiter:    limiter,
		validators: cache.New(config.ValidatorTTL, config.ValidatorTTL/2),
	}
}

// Fetch downloads and parses the feed at url. A conditional request is made
// when validators from a previous fetch are known; a 304 answer yields a
// result with NotModified set and no items.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*models.FetchedFeed, error) {
	start := time.Now()
	feed, err := f.fetch(ctx, url)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case feed.NotModified:
		outcome = "not_modified"
	}
	fetchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	return feed, err
}

func (f *HTTPFetcher) fetch(ctx context.Context, url string) (*models.FetchedFeed, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	if cached, ok := f.validators.Get(url); ok {
		v := cached.(validator)
		if v.etag != "" {
			req.Header.Set("If-None-Match", v.etag)
		}
		if v.lastModified != "" {
			req.Header.Set("If-Modified-Since", v.lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		log.WithFields(log.Fields{
			"url": url,
		}).Debug("Feed not modified")
		return &models.FetchedFeed{NotModified: true}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Url: url, StatusCode: resp.StatusCode}
	}

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &ParseError{Url: url, Err: err}
	}

	etag, lastModified := resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")
	if etag != "" || lastModified != "" {
		f.validators.SetDefault(url, validator{etag: etag, lastModified: lastModified})
	}

	return convertFeed(parsed), nil
}

func convertFeed(parsed *gofeed.Feed) *models.FetchedFeed {
	links := lo.Compact(append([]string{parsed.Link}, parsed.Links...))

	return &models.FetchedFeed{
		Type:  parsed.FeedType,
		Title: parsed.Title,
		Links: lo.Uniq(links),
		Items: lo.FilterMap(parsed.Items, func(item *gofeed.Item, _ int) (models.FetchedItem, bool) {
			converted := convertItem(item)
			return converted, converted.Link != ""
		}),
	}
}

func convertItem(item *gofeed.Item) models.FetchedItem {
	link := item.Link
	if link == "" {
		link = item.GUID
	}

	var published int64
	switch {
	case item.PublishedParsed != nil:
		published = item.PublishedParsed.UnixMilli()
	case item.UpdatedParsed != nil:
		published = item.UpdatedParsed.UnixMilli()
	}

	return models.FetchedItem{
		Link:        link,
		Title:       item.Title,
		Description: item.Description,
		Content:     item.Content,
		Published:   published,
	}
}
