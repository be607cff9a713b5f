package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"forest/models"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/microcosm-cc/bluemonday"
	log "github.com/sirupsen/logrus"
)

var feedColumns = []string{
	"id", "title", "url", "feed_url", "feed_type", "category_id", "error_count", "update_frequency",
}

var itemColumns = []string{
	"id", "feed_id", "url", "title", "content", "published", "created",
}

// Store handles all database operations with a shared connection pool
type Store struct {
	db     *sql.DB
	driver string
	flavor sqlbuilder.Flavor

	// Content is reduced to safe HTML, titles to plain text
	content *bluemonday.Policy
	title   *bluemonday.Policy

	now func() time.Time
}

func newStore(db *sql.DB, driver string) *Store {
	flavor := sqlbuilder.SQLite
	if driver == DriverPostgres {
		flavor = sqlbuilder.PostgreSQL
	}

	return &Store{
		db:      db,
		driver:  driver,
		flavor:  flavor,
		content: bluemonday.UGCPolicy(),
		title:   bluemonday.StrictPolicy(),
		now:     time.Now,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Read operations

func (s *Store) GetFeeds(ctx context.Context) ([]models.Feed, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").OrderBy("id").Asc()

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	feeds := []models.Feed{}
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		feeds = append(feeds, feed)
	}

	return feeds, rows.Err()
}

// GetFeedByURL returns nil without error when no feed has the given fetch url
func (s *Store) GetFeedByURL(ctx context.Context, feedUrl string) (*models.Feed, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").Where(sb.Equal("feed_url", feedUrl))

	query, args := sb.Build()
	feed, err := scanFeed(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}

	return &feed, nil
}

// GetItems returns the newest items of a feed
func (s *Store) GetItems(ctx context.Context, feedId int64, limit int) ([]models.Item, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(itemColumns...).From("items").
		Where(sb.Equal("feed_id", feedId)).
		OrderBy("published").Desc().
		Limit(limit)

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		var item models.Item
		if err := rows.Scan(&item.Id, &item.FeedId, &item.Link, &item.Title, &item.Content, &item.Published, &item.Created); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeed(row scanner) (models.Feed, error) {
	var feed models.Feed
	var category sql.NullInt64

	err := row.Scan(
		&feed.Id,
		&feed.Title,
		&feed.Url,
		&feed.FeedUrl,
		&feed.FeedType,
		&category,
		&feed.ErrorCount,
		&feed.UpdateFrequency,
	)
	feed.CategoryId = category.Int64

	return feed, err
}

// Write operations

// InsertFeed stores a feed unless one with the same fetch url exists
func (s *Store) InsertFeed(ctx context.Context, feed models.Feed) error {
	var category any
	if feed.CategoryId != 0 {
		category = feed.CategoryId
	}

	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("feeds").
		Cols("title", "url", "feed_url", "feed_type", "category_id", "update_frequency").
		Values(s.title.Sanitize(feed.Title), feed.Url, feed.FeedUrl, feed.FeedType, category, feed.UpdateFrequency)
	ib.SQL("ON CONFLICT (feed_url) DO NOTHING")

	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}

	return nil
}

// InsertItem stores an item for a feed. It reports false when the feed
// already has an item with the same link.
func (s *Store) InsertItem(ctx context.Context, feedId int64, item models.FetchedItem) (bool, error) {
	now := s.now().UnixMilli()

	// Items without a usable date are treated as published when first seen
	published := item.Published
	if published <= 0 {
		published = now
	}

	content := item.Content
	if content == "" {
		content = item.Description
	}

	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("items").
		Cols("url", "title", "content", "feed_id", "published", "created").
		Values(item.Link, s.title.Sanitize(item.Title), s.content.Sanitize(content), feedId, published, now)
	ib.SQL("ON CONFLICT (feed_id, url) DO NOTHING")

	query, args := ib.Build()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		log.WithFields(log.Fields{
			"feed": feedId,
			"url":  item.Link,
		}).Debug("Item already stored")
	}

	return affected > 0, nil
}

// MarkFeedError increments the error counter of a feed
func (s *Store) MarkFeedError(ctx context.Context, feedId int64) error {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("feeds").Set(ub.Incr("error_count")).Where(ub.Equal("id", feedId))

	query, args := ub.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update error: %w", err)
	}

	return nil
}

func (s *Store) UpdateFeedFrequency(ctx context.Context, feedId int64, frequency int64) error {
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("feeds").Set(ub.Assign("update_frequency", frequency)).Where(ub.Equal("id", feedId))

	query, args := ub.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update error: %w", err)
	}

	return nil
}
