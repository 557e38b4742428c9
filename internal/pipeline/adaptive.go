package pipeline

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dipatid/cpp-client-telemetry/internal/logging"
)

// AdaptiveConcurrency dynamically adjusts the upload concurrency budget and
// the idle poll interval based on observed storage queue depth and upload
// throughput, using the same additive-increase/multiplicative-decrease
// shape a TCP congestion window uses: a growing backlog raises the budget
// and shortens the poll interval, an empty or draining backlog lowers the
// budget and lengthens the poll interval.
//
// Output feeds maybeProduce as the optional maxCount argument to
// batch.Batcher.ProduceBatches, underneath the batcher's own static
// MaxConcurrentUploads ceiling — this only ever narrows the budget further,
// never widens past the configured hard cap.
type AdaptiveConcurrency struct {
	cfg AdaptiveConfig

	currentBudget atomic.Int32
	currentPollNs atomic.Int64

	completedCount atomic.Int64
	queueDepth     atomic.Int64

	mu           sync.Mutex
	prevDepth    int64
	stableRounds int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// AdaptiveConfig bounds the controller's output.
type AdaptiveConfig struct {
	Enabled bool

	ProbeInterval time.Duration // default 2s

	MinBudget int // default 1
	MaxBudget int // default matches batch.Config.MaxConcurrentUploads

	MinPollInterval time.Duration // default 20ms
	MaxPollInterval time.Duration // default 500ms

	ScaleUpStep   int     // default 2
	ScaleDownRate float64 // default 0.75

	StableRoundsBeforeScaleDown int // default 3
}

func defaultAdaptiveConfig(maxBudget int) AdaptiveConfig {
	if maxBudget <= 0 {
		maxBudget = 4
	}
	return AdaptiveConfig{
		Enabled:                     false,
		ProbeInterval:               2 * time.Second,
		MinBudget:                   1,
		MaxBudget:                   maxBudget,
		MinPollInterval:             20 * time.Millisecond,
		MaxPollInterval:             500 * time.Millisecond,
		ScaleUpStep:                 2,
		ScaleDownRate:               0.75,
		StableRoundsBeforeScaleDown: 3,
	}
}

func (cfg AdaptiveConfig) withDefaults(maxBudget int) AdaptiveConfig {
	d := defaultAdaptiveConfig(maxBudget)
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = d.ProbeInterval
	}
	if cfg.MinBudget <= 0 {
		cfg.MinBudget = d.MinBudget
	}
	if cfg.MaxBudget <= 0 {
		cfg.MaxBudget = d.MaxBudget
	}
	if cfg.MaxBudget < cfg.MinBudget {
		cfg.MaxBudget = cfg.MinBudget
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = d.MinPollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = d.MaxPollInterval
	}
	if cfg.MaxPollInterval < cfg.MinPollInterval {
		cfg.MaxPollInterval = cfg.MinPollInterval
	}
	if cfg.ScaleUpStep <= 0 {
		cfg.ScaleUpStep = d.ScaleUpStep
	}
	if cfg.ScaleDownRate <= 0 || cfg.ScaleDownRate >= 1 {
		cfg.ScaleDownRate = d.ScaleDownRate
	}
	if cfg.StableRoundsBeforeScaleDown <= 0 {
		cfg.StableRoundsBeforeScaleDown = d.StableRoundsBeforeScaleDown
	}
	return cfg
}

// newAdaptiveConcurrency constructs a controller starting at maxBudget
// concurrency and the slowest configured poll interval.
func newAdaptiveConcurrency(cfg AdaptiveConfig, maxBudget int) *AdaptiveConcurrency {
	cfg = cfg.withDefaults(maxBudget)
	ac := &AdaptiveConcurrency{cfg: cfg, stopCh: make(chan struct{})}
	ac.currentBudget.Store(int32(cfg.MaxBudget))
	ac.currentPollNs.Store(int64(cfg.MaxPollInterval))
	return ac
}

func (ac *AdaptiveConcurrency) Start() {
	ac.wg.Add(1)
	go ac.loop()
}

func (ac *AdaptiveConcurrency) Stop() {
	close(ac.stopCh)
	ac.wg.Wait()
}

// RecordCompleted increments the completed-upload counter (called once per
// handleCompletion).
func (ac *AdaptiveConcurrency) RecordCompleted(n int64) {
	ac.completedCount.Add(n)
}

// SetQueueDepth records the latest pending-record count (called once per
// maybeProduce, from storage.GetRecordCount).
func (ac *AdaptiveConcurrency) SetQueueDepth(depth int64) {
	ac.queueDepth.Store(depth)
}

// Budget returns the current concurrent-upload budget to pass as
// ProduceBatches' maxCount argument.
func (ac *AdaptiveConcurrency) Budget() int {
	return int(ac.currentBudget.Load())
}

// PollInterval returns the current idle poll interval.
func (ac *AdaptiveConcurrency) PollInterval() time.Duration {
	return time.Duration(ac.currentPollNs.Load())
}

func (ac *AdaptiveConcurrency) loop() {
	defer ac.wg.Done()
	ticker := time.NewTicker(ac.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ac.stopCh:
			return
		case <-ticker.C:
			ac.probe()
		}
	}
}

func (ac *AdaptiveConcurrency) probe() {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	completed := ac.completedCount.Swap(0)
	depth := ac.queueDepth.Load()

	budget := int(ac.currentBudget.Load())
	pollNs := ac.currentPollNs.Load()

	growing := depth > 0 && depth > ac.prevDepth
	idle := depth == 0 && completed == 0
	draining := depth == 0 && completed > 0

	switch {
	case growing:
		ac.stableRounds = 0
		budget = minInt(budget+ac.cfg.ScaleUpStep, ac.cfg.MaxBudget)
		pollNs = int64(clampDuration(time.Duration(float64(pollNs)*0.75), ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))

	case idle:
		ac.stableRounds++
		if ac.stableRounds >= ac.cfg.StableRoundsBeforeScaleDown {
			budget = maxInt(int(math.Ceil(float64(budget)*ac.cfg.ScaleDownRate)), ac.cfg.MinBudget)
			pollNs = int64(clampDuration(time.Duration(float64(pollNs)*1.5), ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))
		}

	case draining:
		ac.stableRounds++
		if ac.stableRounds >= ac.cfg.StableRoundsBeforeScaleDown {
			budget = maxInt(int(math.Ceil(float64(budget)*ac.cfg.ScaleDownRate)), ac.cfg.MinBudget)
			pollNs = int64(clampDuration(time.Duration(float64(pollNs)*1.25), ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))
		}

	default:
		ac.stableRounds = 0
		if depth > int64(budget) {
			budget = minInt(budget+1, ac.cfg.MaxBudget)
		}
	}

	ac.currentBudget.Store(int32(budget))
	ac.currentPollNs.Store(pollNs)
	ac.prevDepth = depth

	logging.Op().Debug("adaptive concurrency probe",
		"depth", depth, "completed", completed, "budget", budget, "poll_interval", time.Duration(pollNs))
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
