package common

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	weightWarnPct  = 80
	weightDelayPct = 90
	weightCritPct  = 95
)

// WeightTracker follows the request weight a venue reports in its response
// headers for one base URL. A reading is trusted for one window after it was
// observed.
type WeightTracker struct {
	mu       sync.RWMutex
	limit    int
	window   time.Duration
	used     int
	observed time.Time
	logger   *zap.Logger
	now      func() time.Time
}

func NewWeightTracker(limit int, window time.Duration, logger *zap.Logger) *WeightTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeightTracker{limit: limit, window: window, logger: logger, now: time.Now}
}

// UpdateFromHeader records a used-weight header value. Empty or malformed
// values are ignored.
func (wt *WeightTracker) UpdateFromHeader(value string) {
	if value == "" || wt.limit <= 0 {
		return
	}
	used, err := strconv.Atoi(value)
	if err != nil || used < 0 {
		return
	}

	wt.mu.Lock()
	wt.used = used
	wt.observed = wt.now()
	wt.mu.Unlock()

	pct := percentOf(used, wt.limit)
	switch {
	case pct >= weightCritPct:
		wt.logger.Error("request weight critical", zap.Int("used", used), zap.Int("limit", wt.limit))
	case pct >= weightWarnPct:
		wt.logger.Warn("request weight high", zap.Int("used", used), zap.Int("limit", wt.limit))
	}
}

// Usage reports the last observed weight. A stale reading counts as zero.
func (wt *WeightTracker) Usage() (used, limit int, pct float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	if wt.limit <= 0 || wt.observed.IsZero() || wt.now().Sub(wt.observed) >= wt.window {
		return 0, wt.limit, 0
	}
	return wt.used, wt.limit, percentOf(wt.used, wt.limit)
}

// ShouldDelay reports whether the URL is close enough to its limit that
// callers should prefer another.
func (wt *WeightTracker) ShouldDelay() bool {
	_, _, pct := wt.Usage()
	return pct >= weightDelayPct
}

func percentOf(used, limit int) float64 {
	return float64(used) / float64(limit) * 100
}
