package fetcher_test

import (
	"context"
	"errors"
	"forest/fetcher"
	"forest/models"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchFunc func(ctx context.Context, url string) (*models.FetchedFeed, error)

func (f fetchFunc) Fetch(ctx context.Context, url string) (*models.FetchedFeed, error) {
	return f(ctx, url)
}

var emptyFetch = fetchFunc(func(ctx context.Context, url string) (*models.FetchedFeed, error) {
	return &models.FetchedFeed{}, nil
})

func TestNewPool(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"single worker", 1, nil},
		{"four workers", 4, nil},
		{"zero workers", 0, fetcher.ErrInvalidPoolSize},
		{"negative size", -2, fetcher.ErrInvalidPoolSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := fetcher.NewPool(tt.size, emptyFetch)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, pool)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.size, pool.Size())
			assert.Equal(t, 0, pool.Busy())
		})
	}
}

func TestDefaultPoolSize(t *testing.T) {
	size := fetcher.DefaultPoolSize()
	assert.GreaterOrEqual(t, size, 1)
	assert.LessOrEqual(t, size, 4)
}

func TestAcquireHandsOutDistinctWorkers(t *testing.T) {
	pool, err := fetcher.NewPool(3, emptyFetch)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		w, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.False(t, seen[w.Id()], "worker handed out twice")
		seen[w.Id()] = true
	}
	assert.Equal(t, 3, pool.Busy())
}

func TestReleaseWakesExactlyOneWaiterInOrder(t *testing.T) {
	pool, err := fetcher.NewPool(1, emptyFetch)
	require.NoError(t, err)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan string, 2)
	workers := make(chan *fetcher.Worker, 2)
	wait := func(name string) {
		w, err := pool.Acquire(context.Background())
		if err == nil {
			got <- name
			workers <- w
		}
	}

	go wait("first")
	time.Sleep(20 * time.Millisecond)
	go wait("second")
	time.Sleep(20 * time.Millisecond)

	select {
	case name := <-got:
		t.Fatalf("%s acquired while the only worker was held", name)
	default:
	}

	pool.Release(held)

	select {
	case name := <-got:
		assert.Equal(t, "first", name)
	case <-time.After(time.Second):
		t.Fatal("no waiter was woken")
	}

	select {
	case name := <-got:
		t.Fatalf("%s woken by the same release", name)
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(<-workers)

	select {
	case name := <-got:
		assert.Equal(t, "second", name)
	case <-time.After(time.Second):
		t.Fatal("second waiter was not woken")
	}
	pool.Release(<-workers)
	assert.Equal(t, 0, pool.Busy())
}

func TestAcquireRespectsContext(t *testing.T) {
	pool, err := fetcher.NewPool(1, emptyFetch)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	w, err := pool.Acquire(ctx)
	assert.Nil(t, w)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, pool.Busy())
}

func TestDoubleReleaseIsIgnored(t *testing.T) {
	pool, err := fetcher.NewPool(1, emptyFetch)
	require.NoError(t, err)

	w, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(w)
	pool.Release(w)
	assert.Equal(t, 0, pool.Busy())

	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.Error(t, err, "a double release must not create a second worker")
}

func TestPoolFetchBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	slow := fetchFunc(func(ctx context.Context, url string) (*models.FetchedFeed, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &models.FetchedFeed{Title: url}, nil
	})

	pool, err := fetcher.NewPool(2, slow)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed, err := pool.Fetch(context.Background(), "http://example.com")
			assert.NoError(t, err)
			assert.Equal(t, "http://example.com", feed.Title)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 0, pool.Busy())
}

func TestPoolFetchReleasesOnError(t *testing.T) {
	boom := errors.New("boom")
	failing := fetchFunc(func(ctx context.Context, url string) (*models.FetchedFeed, error) {
		return nil, boom
	})

	pool, err := fetcher.NewPool(1, failing)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := pool.Fetch(context.Background(), "http://example.com")
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 0, pool.Busy())
}
