package fetcher

import (
	"context"
	"forest/models"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	poolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forest_pool_busy_workers",
		Help: "Number of fetch workers currently owned by a caller",
	})

	poolWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forest_pool_acquire_wait_seconds",
		Help:    "Time spent waiting for a free fetch worker",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// Fetcher retrieves and parses a single feed
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*models.FetchedFeed, error)
}

// Worker is a fetch slot. Between Acquire and Release it belongs to exactly one caller.
type Worker struct {
	id      int
	busy    bool
	fetcher Fetcher
}

func (w *Worker) Id() int {
	return w.id
}

// Fetch runs one fetch and parse on this worker
func (w *Worker) Fetch(ctx context.Context, url string) (*models.FetchedFeed, error) {
	return w.fetcher.Fetch(ctx, url)
}

// Pool bounds the number of fetches in flight. Callers that find no free
// worker wait in arrival order and are woken one per release.
type Pool struct {
	size int
	sem  *semaphore.Weighted

	mu   sync.Mutex
	free []*Worker
	busy int
}

// DefaultPoolSize is half the CPUs, at least one and at most four
func DefaultPoolSize() int {
	return min(max(1, runtime.NumCPU()/2), 4)
}

func NewPool(size int, fetcher Fetcher) (*Pool, error) {
	if size < 1 {
		return nil, ErrInvalidPoolSize
	}

	pool := &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
		free: make([]*Worker, 0, size),
	}
	for i := 0; i < size; i++ {
		pool.free = append(pool.free, &Worker{id: i, fetcher: fetcher})
	}

	log.WithFields(log.Fields{
		"size": size,
	}).Debug("Created fetch pool")

	return pool, nil
}

func (p *Pool) Size() int {
	return p.size
}

// Busy returns the number of workers currently acquired
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Acquire returns a free worker, waiting for one to be released if needed.
// It only fails when ctx is done before a worker becomes available.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	poolWait.Observe(time.Since(start).Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()

	// The semaphore guarantees a free worker
	w := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	w.busy = true
	p.busy++
	poolBusy.Set(float64(p.busy))

	return w, nil
}

// Release returns a worker to the pool and wakes the longest waiting caller
func (p *Pool) Release(w *Worker) {
	if w == nil {
		return
	}

	p.mu.Lock()
	if !w.busy {
		p.mu.Unlock()
		log.WithFields(log.Fields{
			"worker": w.id,
		}).Warn("Ignoring release of a worker that is not busy")
		return
	}
	w.busy = false
	p.busy--
	p.free = append(p.free, w)
	poolBusy.Set(float64(p.busy))
	p.mu.Unlock()

	p.sem.Release(1)
}

// Fetch acquires a worker, runs one fetch on it and releases it again
func (p *Pool) Fetch(ctx context.Context, url string) (*models.FetchedFeed, error) {
	w, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(w)

	return w.Fetch(ctx, url)
}
