package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	driverTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forest_driver_ticks_total",
		Help: "Number of driver ticks by drift classification",
	}, []string{"drift"})

	driverDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forest_driver_last_drift_seconds",
		Help: "Difference between the last tick's fire time and its target time",
	})
)

const (
	DefaultInterval           = 10 * time.Minute
	DefaultSleepGapThreshold  = 30 * time.Second
	DefaultClockJumpThreshold = 10 * time.Second
)

// State of the cycle driver
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
)

// DriftKind classifies how late or early a tick fired
type DriftKind int

const (
	DriftNormal DriftKind = iota
	DriftClockChange
	DriftResume
)

func (k DriftKind) String() string {
	switch k {
	case DriftResume:
		return "resume"
	case DriftClockChange:
		return "clock_change"
	default:
		return "normal"
	}
}

// ClassifyDrift decides whether a drift indicates host sleep, a clock change or nothing
func ClassifyDrift(drift, sleepGap, clockJump time.Duration) DriftKind {
	if drift > sleepGap {
		return DriftResume
	}
	if drift > clockJump || drift < -clockJump {
		return DriftClockChange
	}
	return DriftNormal
}

// Cycle is the work triggered on every tick
type Cycle func(ctx context.Context)

// DriverConfig holds the driver timing settings. Zero values fall back to defaults.
type DriverConfig struct {
	Interval           time.Duration
	SleepGapThreshold  time.Duration
	ClockJumpThreshold time.Duration
	Clock              Clock
}

// DriverStatus is a point in time view of the driver
type DriverStatus struct {
	State     State         `json:"state"`
	NextRun   time.Time     `json:"nextRun"`
	LastDrift time.Duration `json:"lastDrift"`
	Ticks     int64         `json:"ticks"`
}

var (
	ErrAlreadyStarted = errors.New("driver already started")
	ErrStopped        = errors.New("driver stopped")
)

// Driver runs a cycle immediately on start and then at a fixed cadence.
// The next target is always advanced by one interval from the previous
// target, so a late tick does not shift the schedule.
type Driver struct {
	cycle     Cycle
	interval  time.Duration
	sleepGap  time.Duration
	clockJump time.Duration
	clock     Clock

	mu        sync.Mutex
	state     State
	started   bool
	stopped   bool
	target    time.Time
	lastDrift time.Duration
	ticks     int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewDriver(cycle Cycle, config DriverConfig) *Driver {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.SleepGapThreshold <= 0 {
		config.SleepGapThreshold = DefaultSleepGapThreshold
	}
	if config.ClockJumpThreshold <= 0 {
		config.ClockJumpThreshold = DefaultClockJumpThreshold
	}
	if config.Clock == nil {
		config.Clock = RealClock()
	}

	return &Driver{
		cycle:     cycle,
		interval:  config.Interval,
		sleepGap:  config.SleepGapThreshold,
		clockJump: config.ClockJumpThreshold,
		clock:     config.Clock,
		state:     StateIdle,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the first cycle right away and schedules the following ones.
// It returns immediately; the cycles run on a single background goroutine.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return ErrAlreadyStarted
	}
	d.started = true

	log.WithFields(log.Fields{
		"interval": d.interval,
	}).Info("Starting update driver")

	go d.loop(ctx)
	return nil
}

// Stop cancels the pending timer. A cycle that is already running is
// allowed to finish; use Done to wait for it.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		log.Info("Stopping update driver")
		d.mu.Lock()
		defer d.mu.Unlock()

		d.stopped = true
		close(d.stop)

		// Never started, so no loop will close done
		if !d.started {
			d.state = StateStopped
			close(d.done)
		}
	})
}

// Done is closed once the driver loop has exited
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

func (d *Driver) Status() DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	return DriverStatus{
		State:     d.state,
		NextRun:   d.target,
		LastDrift: d.lastDrift,
		Ticks:     d.ticks,
	}
}

func (d *Driver) loop(ctx context.Context) {
	defer close(d.done)
	defer d.setState(StateStopped)

	d.run(ctx)

	d.mu.Lock()
	d.target = d.clock.Now().Add(d.interval)
	d.mu.Unlock()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		d.setState(StateScheduled)
		timer := d.clock.NewTimer(d.delay())

		select {
		case <-d.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		d.tick(ctx)
	}
}

// tick runs exactly one cycle and advances the target by one interval
func (d *Driver) tick(ctx context.Context) {
	d.mu.Lock()
	target := d.target
	d.mu.Unlock()

	drift := d.clock.Now().Sub(target)
	kind := ClassifyDrift(drift, d.sleepGap, d.clockJump)

	switch kind {
	case DriftResume:
		log.WithFields(log.Fields{
			"drift": drift,
		}).Warn("Resume detected, running catch-up update")
	case DriftClockChange:
		log.WithFields(log.Fields{
			"drift": drift,
		}).Warn("Clock change detected, running update")
	}

	driverTicks.WithLabelValues(kind.String()).Inc()
	driverDrift.Set(drift.Seconds())

	d.mu.Lock()
	d.lastDrift = drift
	d.ticks++
	d.mu.Unlock()

	d.run(ctx)

	d.mu.Lock()
	d.target = target.Add(d.interval)
	d.mu.Unlock()
}

func (d *Driver) delay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	return max(0, d.target.Sub(d.clock.Now()))
}

func (d *Driver) run(ctx context.Context) {
	d.setState(StateRunning)

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"panic": r,
			}).Error("Update cycle panicked")
		}
	}()

	d.cycle(ctx)
}

func (d *Driver) setState(state State) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}
