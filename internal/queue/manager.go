// Package queue holds pending operations in priority lanes, each with its own
// concurrency budget.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"order-core/internal/monitor"
)

var (
	ErrDuplicate     = errors.New("operation already queued")
	ErrUnknownHandle = errors.New("unknown queue handle")
	ErrNotQueued     = errors.New("operation is not queued")
	ErrNotActive     = errors.New("operation is not active")
	ErrUnknownLane   = errors.New("unknown lane")
)

// Lane names a priority class.
type Lane string

const (
	LaneCritical Lane = "critical"
	LaneHigh     Lane = "high"
	LaneLow      Lane = "low"
)

// State of a queued item.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateWithdrawn State = "withdrawn"
)

// LaneConfig places scores >= MinScore into the lane.
type LaneConfig struct {
	Name     Lane    `yaml:"name"`
	MinScore float64 `yaml:"min_score"`
	Budget   int     `yaml:"budget"`
}

// Config holds lane layout and the aging rule.
type Config struct {
	Lanes          []LaneConfig  `yaml:"lanes"`
	AgingThreshold time.Duration `yaml:"aging_threshold"`
	AgingFactor    float64       `yaml:"aging_factor"`
	AgingFloor     float64       `yaml:"aging_floor"`
}

// DefaultConfig returns the default three-lane layout.
func DefaultConfig() Config {
	return Config{
		Lanes: []LaneConfig{
			{Name: LaneCritical, MinScore: 150, Budget: 4},
			{Name: LaneHigh, MinScore: 50, Budget: 2},
			{Name: LaneLow, MinScore: math.Inf(-1), Budget: 1},
		},
		AgingThreshold: 30 * time.Second,
		AgingFactor:    0.5,
		AgingFloor:     1,
	}
}

// Entry is what callers enqueue.
type Entry struct {
	ID      string
	Score   float64
	Payload any
}

// Item is an entry as held by the queue.
type Item struct {
	ID            string
	Score         float64 // effective score, changed only by aging
	OriginalScore float64
	Lane          Lane
	Seq           uint64
	EnqueuedAt    time.Time
	DequeuedAt    time.Time
	Aged          bool
	State         State
	Payload       any

	index int
}

// Handle identifies an enqueued operation.
type Handle struct {
	ID   string
	Lane Lane
	Seq  uint64
}

// LaneStatus is a point-in-time view of one lane.
type LaneStatus struct {
	Queued int                  `json:"queued"`
	Active int                  `json:"active"`
	Budget int                  `json:"budget"`
	Wait   monitor.LatencyStats `json:"wait_ms"`
}

// Manager is safe for concurrent use. Each lane has its own mutex; no
// operation holds two lane locks.
type Manager struct {
	cfg    Config
	lanes  map[Lane]*lane
	order  []Lane // by MinScore desc
	seq    atomic.Uint64
	now    func() time.Time
	logger *zap.Logger

	sigMu sync.Mutex
	sig   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for aging.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager validates cfg and builds the lanes.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if len(cfg.Lanes) == 0 {
		cfg.Lanes = DefaultConfig().Lanes
	}
	if cfg.AgingFactor <= 0 || cfg.AgingFactor > 1 {
		return nil, fmt.Errorf("aging factor must be in (0,1], got %v", cfg.AgingFactor)
	}
	m := &Manager{
		cfg:    cfg,
		lanes:  make(map[Lane]*lane, len(cfg.Lanes)),
		now:    time.Now,
		logger: zap.NewNop(),
		sig:    make(chan struct{}),
	}
	lanes := append([]LaneConfig(nil), cfg.Lanes...)
	sort.SliceStable(lanes, func(i, j int) bool { return lanes[i].MinScore > lanes[j].MinScore })
	for _, lc := range lanes {
		if lc.Name == "" {
			return nil, errors.New("lane name required")
		}
		if lc.Budget <= 0 {
			return nil, fmt.Errorf("lane %s: budget must be positive", lc.Name)
		}
		if _, dup := m.lanes[lc.Name]; dup {
			return nil, fmt.Errorf("lane %s declared twice", lc.Name)
		}
		m.lanes[lc.Name] = newLane(lc)
		m.order = append(m.order, lc.Name)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Lanes returns lane names from highest to lowest band.
func (m *Manager) Lanes() []Lane {
	return append([]Lane(nil), m.order...)
}

// LaneFor returns the lane whose band contains score.
func (m *Manager) LaneFor(score float64) Lane {
	for _, name := range m.order {
		if score >= m.lanes[name].minScore {
			return name
		}
	}
	return m.order[len(m.order)-1]
}

// Enqueue places the entry in the lane for its score. It never blocks.
func (m *Manager) Enqueue(e Entry) (Handle, error) {
	if e.ID == "" {
		return Handle{}, errors.New("entry id required")
	}
	name := m.LaneFor(e.Score)
	l := m.lanes[name]

	l.mu.Lock()
	if _, exists := l.items[e.ID]; exists {
		l.mu.Unlock()
		return Handle{}, ErrDuplicate
	}
	it := &Item{
		ID:            e.ID,
		Score:         e.Score,
		OriginalScore: e.Score,
		Lane:          name,
		Seq:           m.seq.Add(1),
		EnqueuedAt:    m.now(),
		State:         StateQueued,
		Payload:       e.Payload,
	}
	l.push(it)
	l.mu.Unlock()

	m.signal()
	return Handle{ID: it.ID, Lane: name, Seq: it.Seq}, nil
}

// DequeueNext claims the best queued item of the lane if the lane is under
// budget. The returned item is already active.
func (m *Manager) DequeueNext(name Lane) (*Item, bool) {
	l, ok := m.lanes[name]
	if !ok {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active >= l.budget || l.queued.Len() == 0 {
		return nil, false
	}
	now := m.now()
	m.ageLocked(l, now)

	it := heap.Pop(&l.queued).(*Item)
	it.State = StateActive
	it.DequeuedAt = now
	l.active++
	l.wait.RecordDuration(now.Sub(it.EnqueuedAt))
	return it, true
}

// ageLocked applies the aging penalty once to every item past the threshold.
func (m *Manager) ageLocked(l *lane, now time.Time) {
	if m.cfg.AgingThreshold <= 0 {
		return
	}
	var due []*Item
	for _, it := range l.queued {
		if !it.Aged && now.Sub(it.EnqueuedAt) >= m.cfg.AgingThreshold {
			due = append(due, it)
		}
	}
	for _, it := range due {
		it.Aged = true
		aged := math.Max(it.Score*m.cfg.AgingFactor, m.cfg.AgingFloor)
		if aged < it.Score {
			it.Score = aged
		}
		heap.Fix(&l.queued, it.index)
		m.logger.Debug("operation aged",
			zap.String("operation_id", it.ID),
			zap.String("lane", string(l.name)),
			zap.Float64("from", it.OriginalScore),
			zap.Float64("to", it.Score))
	}
}

// MarkActive confirms an item claimed by DequeueNext. It is idempotent.
func (m *Manager) MarkActive(h Handle) error {
	l, it, err := m.lookup(h)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()
	if it.State != StateActive {
		return ErrNotActive
	}
	return nil
}

// MarkCompleted frees the item's concurrency slot.
func (m *Manager) MarkCompleted(h Handle) error {
	return m.finish(h, StateCompleted)
}

// MarkFailed frees the item's concurrency slot.
func (m *Manager) MarkFailed(h Handle) error {
	return m.finish(h, StateFailed)
}

func (m *Manager) finish(h Handle, state State) error {
	l, it, err := m.lookup(h)
	if err != nil {
		return err
	}
	if it.State != StateActive {
		l.mu.Unlock()
		return ErrNotActive
	}
	it.State = state
	delete(l.items, it.ID)
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()

	m.signal()
	return nil
}

// Withdraw removes a still-queued item. Active items cannot be withdrawn.
func (m *Manager) Withdraw(h Handle) error {
	l, it, err := m.lookup(h)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()
	if it.State != StateQueued {
		return ErrNotQueued
	}
	it.State = StateWithdrawn
	l.remove(it)
	return nil
}

// lookup returns the item with its lane locked on success.
func (m *Manager) lookup(h Handle) (*lane, *Item, error) {
	l, ok := m.lanes[h.Lane]
	if !ok {
		return nil, nil, ErrUnknownLane
	}
	l.mu.Lock()
	it, ok := l.items[h.ID]
	if !ok || it.Seq != h.Seq {
		l.mu.Unlock()
		return nil, nil, ErrUnknownHandle
	}
	return l, it, nil
}

// Status returns per-lane counters.
func (m *Manager) Status() map[Lane]LaneStatus {
	out := make(map[Lane]LaneStatus, len(m.lanes))
	for name, l := range m.lanes {
		l.mu.Lock()
		st := LaneStatus{Queued: l.queued.Len(), Active: l.active, Budget: l.budget}
		l.mu.Unlock()
		st.Wait = l.wait.Stats()
		out[name] = st
	}
	return out
}

// Ready returns a channel closed at the next state change that may make an
// item dequeueable. Take it before trying DequeueNext to avoid lost wakeups.
func (m *Manager) Ready() <-chan struct{} {
	m.sigMu.Lock()
	defer m.sigMu.Unlock()
	return m.sig
}

func (m *Manager) signal() {
	m.sigMu.Lock()
	close(m.sig)
	m.sig = make(chan struct{})
	m.sigMu.Unlock()
}
