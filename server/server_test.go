package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"forest/fetcher"
	"forest/models"
	"forest/scheduler"
	"forest/server"
	"forest/updatecache"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	feeds []models.Feed
	items map[int64][]models.Item
	err   error
}

func (s *fakeStore) GetFeeds(ctx context.Context) ([]models.Feed, error) {
	return s.feeds, s.err
}

func (s *fakeStore) GetItems(ctx context.Context, feedId int64, limit int) ([]models.Item, error) {
	items := s.items[feedId]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, s.err
}

type fakeUpdater struct {
	added  []models.NewFeed
	err    error
	report *models.CycleReport
}

func (u *fakeUpdater) AddFeed(ctx context.Context, newFeed models.NewFeed) (*models.Feed, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.added = append(u.added, newFeed)
	return &models.Feed{Id: 7, FeedUrl: newFeed.FeedUrl, CategoryId: newFeed.CategoryId}, nil
}

func (u *fakeUpdater) LastReport() *models.CycleReport {
	return u.report
}

func (u *fakeUpdater) CacheStats() updatecache.Stats {
	return updatecache.Stats{Feeds: 2, WithFrequency: 1, ProcessedItems: 10}
}

type fakeDriver struct {
	status scheduler.DriverStatus
}

func (d fakeDriver) Status() scheduler.DriverStatus {
	return d.status
}

func newTestServer(store *fakeStore, updater *fakeUpdater) *server.ServerConfig {
	return &server.ServerConfig{
		Store:   store,
		Updater: updater,
		Driver: fakeDriver{status: scheduler.DriverStatus{
			State:   scheduler.StateScheduled,
			NextRun: time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC),
			Ticks:   3,
		}},
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var body T
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	return body
}

func TestListFeeds(t *testing.T) {
	store := &fakeStore{feeds: []models.Feed{
		{Id: 1, Title: "One", FeedUrl: "http://example.com/1.xml", UpdateFrequency: 3_600_000},
		{Id: 2, Title: "Two", FeedUrl: "http://example.com/2.xml"},
	}}
	app := server.Server(newTestServer(store, &fakeUpdater{}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/feeds", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	feeds := decode[[]models.Feed](t, resp)
	assert.Equal(t, store.feeds, feeds)
}

func TestListFeedsStoreError(t *testing.T) {
	app := server.Server(newTestServer(&fakeStore{err: errors.New("db down")}, &fakeUpdater{}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/feeds", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestListItems(t *testing.T) {
	store := &fakeStore{items: map[int64][]models.Item{
		1: {{Id: 1, FeedId: 1, Link: "a"}, {Id: 2, FeedId: 1, Link: "b"}, {Id: 3, FeedId: 1, Link: "c"}},
	}}
	app := server.Server(newTestServer(store, &fakeUpdater{}))

	tests := []struct {
		name   string
		target string
		status int
		count  int
	}{
		{"all items", "/api/feeds/1/items", http.StatusOK, 3},
		{"limited", "/api/feeds/1/items?limit=2", http.StatusOK, 2},
		{"invalid limit falls back", "/api/feeds/1/items?limit=abc", http.StatusOK, 3},
		{"unknown feed", "/api/feeds/9/items", http.StatusOK, 0},
		{"invalid id", "/api/feeds/abc/items", http.StatusBadRequest, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.count >= 0 {
				assert.Len(t, decode[[]models.Item](t, resp), tt.count)
			}
		})
	}
}

func TestAddFeed(t *testing.T) {
	updater := &fakeUpdater{}
	app := server.Server(newTestServer(&fakeStore{}, updater))

	req := httptest.NewRequest(http.MethodPost, "/api/feeds", strings.NewReader(`{"feedUrl":"http://example.com/feed.xml","feedCategoryId":2}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	feed := decode[models.Feed](t, resp)
	assert.Equal(t, int64(7), feed.Id)
	assert.Equal(t, []models.NewFeed{{FeedUrl: "http://example.com/feed.xml", CategoryId: 2}}, updater.added)
}

func TestAddFeedErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"missing url", `{"feedCategoryId":2}`, nil, http.StatusBadRequest},
		{"malformed body", `{"feedUrl":`, nil, http.StatusBadRequest},
		{"unparseable feed", `{"feedUrl":"http://example.com/x"}`, &fetcher.ParseError{Url: "http://example.com/x", Err: errors.New("eof")}, http.StatusUnprocessableEntity},
		{"upstream status", `{"feedUrl":"http://example.com/x"}`, &fetcher.StatusError{Url: "http://example.com/x", StatusCode: 404}, http.StatusUnprocessableEntity},
		{"store failure", `{"feedUrl":"http://example.com/x"}`, errors.New("insert error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := server.Server(newTestServer(&fakeStore{}, &fakeUpdater{err: tt.err}))

			req := httptest.NewRequest(http.MethodPost, "/api/feeds", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestStatus(t *testing.T) {
	report := &models.CycleReport{Id: "cycle-1", Due: 4, Inserted: 12}
	app := server.Server(newTestServer(&fakeStore{}, &fakeUpdater{report: report}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status := decode[server.Status](t, resp)
	assert.Equal(t, scheduler.StateScheduled, status.Driver.State)
	assert.Equal(t, int64(3), status.Driver.Ticks)
	require.NotNil(t, status.LastCycle)
	assert.Equal(t, "cycle-1", status.LastCycle.Id)
	assert.Equal(t, 12, status.LastCycle.Inserted)
	assert.Equal(t, 2, status.Cache.Feeds)
}

func TestMetrics(t *testing.T) {
	app := server.Server(newTestServer(&fakeStore{}, &fakeUpdater{}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
