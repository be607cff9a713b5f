package models

import "time"

// Feed is a subscribed source as stored in the content store
type Feed struct {
	Id              int64  `json:"id"`
	Title           string `json:"title"`
	Url             string `json:"url"`
	FeedUrl         string `json:"feedUrl"`
	FeedType        string `json:"feedType,omitempty"`
	CategoryId      int64  `json:"feedCategoryId"`
	ErrorCount      int64  `json:"error"`
	UpdateFrequency int64  `json:"updateFrequency"`
}

// NewFeed is the input for onboarding a feed
type NewFeed struct {
	FeedUrl    string `json:"feedUrl"`
	CategoryId int64  `json:"feedCategoryId"`
}

// Item is one entry stored for a feed. Published is in epoch milliseconds.
type Item struct {
	Id        int64  `json:"id"`
	FeedId    int64  `json:"feedId"`
	Link      string `json:"link"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Published int64  `json:"published"`
	Created   int64  `json:"created"`
}

// FetchedItem is an entry as returned by the feed fetcher.
// Published is zero when the source carried no usable date.
type FetchedItem struct {
	Link        string `json:"link"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Published   int64  `json:"published"`
}

// Key returns the identifier used for dedup
func (i FetchedItem) Key() string {
	return i.Link
}

// FetchedFeed is the parsed result of a single fetch
type FetchedFeed struct {
	Type  string        `json:"type"`
	Title string        `json:"title"`
	Links []string      `json:"links"`
	Items []FetchedItem `json:"items"`

	// NotModified is set when the server answered a conditional request with 304
	NotModified bool `json:"-"`
}

// PublishedTimes returns the published timestamps of all fetched items
func (f *FetchedFeed) PublishedTimes() []int64 {
	times := make([]int64, 0, len(f.Items))
	for _, item := range f.Items {
		times = append(times, item.Published)
	}
	return times
}

// CycleReport summarises one update cycle
type CycleReport struct {
	Id        string        `json:"id"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Feeds     int           `json:"feeds"`
	Due       int           `json:"due"`
	Chunks    int           `json:"chunks"`
	Fetched   int           `json:"fetched"`
	Failed    int           `json:"failed"`
	Inserted  int           `json:"inserted"`
	Skipped   int           `json:"skipped"`
}
