// Package reconciliation periodically compares the tracked-position ledger
// with what each exchange reports and repairs positions closed outside the
// system.
package reconciliation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"order-core/internal/credentials"
	"order-core/internal/events"
	"order-core/internal/monitor"
	"order-core/pkg/db"
	"order-core/pkg/exchanges/common"
)

// PositionStore is the ledger side of reconciliation.
type PositionStore interface {
	UsersWithOpenPositions(ctx context.Context) ([]string, error)
	OpenPositionsByUser(ctx context.Context, userID string) ([]db.TrackedPosition, error)
	CloseTrackedPosition(ctx context.Context, req db.CloseRequest) (bool, error)
	InsertReconciliationRun(ctx context.Context, r db.ReconciliationRun) error
}

// AccountSource lists accounts and lends their credentials.
type AccountSource interface {
	TradingAccounts(ctx context.Context) (map[string][]credentials.Account, error)
	AccountsByUser(ctx context.Context, userID string) ([]credentials.Account, error)
	GetCredential(ctx context.Context, userID, exchange string, env common.Environment) (common.Credential, error)
}

// PositionFetcher reads live positions from an exchange.
type PositionFetcher interface {
	FetchPositions(ctx context.Context, exchange string, env common.Environment, cred common.Credential) ([]common.LivePosition, *common.Error)
}

// Broadcaster notifies a user's connected clients. Fire-and-forget.
type Broadcaster interface {
	BroadcastOperationClosed(userID string, payload any)
}

// Invalidator drops cached views of a user's positions.
type Invalidator interface {
	Invalidate(userID string)
}

// Phase of the reconciliation state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseFetchingDB   Phase = "fetching_db"
	PhaseFetchingLive Phase = "fetching_live"
	PhaseDiffing      Phase = "diffing"
	PhaseApplying     Phase = "applying"
)

// Config configures a Service.
type Config struct {
	Interval    time.Duration
	UserTimeout time.Duration
	// FetchConcurrency bounds parallel live fetches for one user.
	FetchConcurrency int
}

// UserReport is the outcome of reconciling one user.
type UserReport struct {
	UserID           string        `json:"user_id"`
	OpenTracked      int           `json:"open_tracked"`
	LivePositions    int           `json:"live_positions"`
	Accounts         int           `json:"accounts"`
	AccountsFailed   int           `json:"accounts_failed"`
	Discrepancies    []Discrepancy `json:"discrepancies,omitempty"`
	ClosedExternally int           `json:"closed_externally"`
	OpenedExternally int           `json:"opened_externally"`
	Duration         time.Duration `json:"duration_ns"`
	Error            *common.Error `json:"error,omitempty"`

	// failedCloses holds every failed correction; Error keeps only the first.
	failedCloses []failedClose
}

type failedClose struct {
	operationID string
	err         *common.Error
}

// Failed reports whether the user could not be fully reconciled.
func (r UserReport) Failed() bool { return r.Error != nil }

// PassReport summarizes one pass over every user.
type PassReport struct {
	RunID            string        `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	UsersChecked     int           `json:"users_checked"`
	UsersFailed      int           `json:"users_failed"`
	ClosedExternally int           `json:"closed_externally"`
	OpenedExternally int           `json:"opened_externally"`
	Skipped          bool          `json:"skipped,omitempty"`
	Users            []UserReport  `json:"users,omitempty"`
	Error            *common.Error `json:"error,omitempty"`
}

// maxRecentErrors bounds Stats.Errors.
const maxRecentErrors = 50

// Stats is a point-in-time view of the service. DiscrepanciesFixed counts
// positions this service closed; a discrepancy whose correction failed is
// found but not fixed and leaves an entry in Errors.
type Stats struct {
	Phase                 Phase       `json:"phase"`
	Passes                uint64      `json:"passes"`
	UserFailures          uint64      `json:"user_failures"`
	DiscrepanciesFound    uint64      `json:"discrepancies_found"`
	DiscrepanciesFixed    uint64      `json:"discrepancies_fixed"`
	TotalClosedExternally uint64      `json:"total_closed_externally"`
	TotalOpenedExternally uint64      `json:"total_opened_externally"`
	LastRunAt             time.Time   `json:"last_run_at"`
	Errors                []string    `json:"errors"`
	LastPass              *PassReport `json:"last_pass,omitempty"`
	Interval              string      `json:"interval"`
}

// ClosedNotification is broadcast once per position closed externally.
type ClosedNotification struct {
	Type            string    `json:"type"`
	OperationID     string    `json:"operation_id"`
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Quantity        float64   `json:"quantity"`
	EntryPrice      float64   `json:"entry_price"`
	CloseReason     string    `json:"close_reason"`
	ExitTime        time.Time `json:"exit_time"`
	DurationMinutes int64     `json:"duration_minutes"`
}

// Service is safe for concurrent use. Passes never overlap; ReconcileUser
// may run alongside a pass because every correction is idempotent.
type Service struct {
	cfg      Config
	store    PositionStore
	accounts AccountSource
	fetcher  PositionFetcher
	bcast    Broadcaster
	cache    Invalidator
	bus      *events.Bus
	metrics  *monitor.DispatchMetrics
	logger   *zap.Logger
	now      func() time.Time

	passMu sync.Mutex

	mu    sync.RWMutex
	phase Phase
	stats Stats
}

// Option configures a Service.
type Option func(*Service)

// WithBroadcaster sets the close notifier.
func WithBroadcaster(b Broadcaster) Option { return func(s *Service) { s.bcast = b } }

// WithCache sets the position cache to invalidate after corrections.
func WithCache(c Invalidator) Option { return func(s *Service) { s.cache = c } }

// WithBus publishes discrepancy and pass events.
func WithBus(b *events.Bus) Option { return func(s *Service) { s.bus = b } }

// WithMetrics records pass latency and corrections.
func WithMetrics(m *monitor.DispatchMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a Service.
func NewService(cfg Config, store PositionStore, accounts AccountSource, fetcher PositionFetcher, opts ...Option) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = 30 * time.Second
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		accounts: accounts,
		fetcher:  fetcher,
		logger:   zap.NewNop(),
		now:      time.Now,
		phase:    PhaseIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reconciles every Interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation service started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation service stopped")
			return
		case <-ticker.C:
			report := s.RunPass(ctx)
			if report.Skipped {
				s.logger.Warn("reconciliation pass skipped, previous pass still running")
			}
		}
	}
}

// RunPass reconciles every user with open positions or trading accounts.
// Per-user failures are recorded in the report and never abort the pass.
func (s *Service) RunPass(ctx context.Context) PassReport {
	if !s.passMu.TryLock() {
		return PassReport{Skipped: true}
	}
	defer s.passMu.Unlock()

	report := PassReport{RunID: uuid.NewString(), StartedAt: s.now().UTC()}
	s.setPhase(PhaseFetchingDB)
	defer s.setPhase(PhaseIdle)

	users, err := s.users(ctx)
	if err != nil {
		report.Error = &common.Error{Kind: common.KindPersistence, Message: err.Error(), Err: err}
		s.logger.Error("reconciliation could not list users", zap.Error(err))
	}

	var userErrs []string
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		ur := s.ReconcileUser(ctx, userID)
		report.UsersChecked++
		report.ClosedExternally += ur.ClosedExternally
		report.OpenedExternally += ur.OpenedExternally
		if ur.Failed() {
			report.UsersFailed++
			userErrs = append(userErrs, userID+": "+ur.Error.Error())
		}
		report.Users = append(report.Users, ur)
	}
	report.FinishedAt = s.now().UTC()
	duration := report.FinishedAt.Sub(report.StartedAt)

	run := db.ReconciliationRun{
		ID:               report.RunID,
		StartedAt:        report.StartedAt,
		FinishedAt:       report.FinishedAt,
		UsersChecked:     report.UsersChecked,
		UsersFailed:      report.UsersFailed,
		ClosedExternally: report.ClosedExternally,
		OpenedExternally: report.OpenedExternally,
		Errors:           strings.Join(userErrs, "; "),
	}
	if report.Error != nil {
		run.Errors = strings.TrimPrefix(run.Errors+"; "+report.Error.Error(), "; ")
	}
	if err := s.store.InsertReconciliationRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("failed to record reconciliation run", zap.String("run_id", run.ID), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordPass(duration, report.ClosedExternally)
	}
	s.publish(events.EventReconciliationPass, events.PassEvent{
		RunID:            report.RunID,
		UsersChecked:     report.UsersChecked,
		UsersFailed:      report.UsersFailed,
		ClosedExternally: report.ClosedExternally,
		OpenedExternally: report.OpenedExternally,
		Duration:         duration,
		Timestamp:        report.FinishedAt,
	})

	s.mu.Lock()
	s.stats.Passes++
	s.stats.UserFailures += uint64(report.UsersFailed)
	s.stats.LastRunAt = report.FinishedAt
	if report.Error != nil {
		s.recordErrorLocked("pass: " + report.Error.Error())
	}
	last := report
	last.Users = nil
	s.stats.LastPass = &last
	s.mu.Unlock()

	s.logger.Info("reconciliation pass finished",
		zap.String("run_id", report.RunID),
		zap.Int("users_checked", report.UsersChecked),
		zap.Int("users_failed", report.UsersFailed),
		zap.Int("closed_externally", report.ClosedExternally),
		zap.Int("opened_externally", report.OpenedExternally),
		zap.Duration("duration", duration))
	return report
}

func (s *Service) users(ctx context.Context) ([]string, error) {
	set := make(map[string]bool)
	var errs error

	holders, err := s.store.UsersWithOpenPositions(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, u := range holders {
		set[u] = true
	}
	accounts, err := s.accounts.TradingAccounts(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for u := range accounts {
		set[u] = true
	}

	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, errs
}

// scope is one exchange account of a user.
type scope struct {
	exchange string
	env      common.Environment
}

func (sc scope) String() string { return sc.exchange + "/" + string(sc.env) }

// ReconcileUser reconciles one user across all of their accounts. Errors and
// panics are contained in the returned report.
func (s *Service) ReconcileUser(ctx context.Context, userID string) (report UserReport) {
	start := s.now()
	report.UserID = userID
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while reconciling user",
				zap.String("user_id", userID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			report.Error = common.Errorf(common.KindInternal, "panic: %v", r)
		}
		report.Duration = s.now().Sub(start)
		s.mu.Lock()
		s.stats.DiscrepanciesFound += uint64(len(report.Discrepancies))
		s.stats.DiscrepanciesFixed += uint64(report.ClosedExternally)
		s.stats.TotalClosedExternally += uint64(report.ClosedExternally)
		s.stats.TotalOpenedExternally += uint64(report.OpenedExternally)
		if report.Error != nil {
			s.recordErrorLocked(userID + ": " + report.Error.Error())
		}
		for _, fc := range report.failedCloses {
			if fc.err != report.Error {
				s.recordErrorLocked(userID + ": close " + fc.operationID + ": " + fc.err.Error())
			}
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.UserTimeout)
	defer cancel()

	// FetchingDB
	s.setPhase(PhaseFetchingDB)
	tracked, err := s.store.OpenPositionsByUser(ctx, userID)
	if err != nil {
		report.Error = &common.Error{Kind: common.KindPersistence, Message: err.Error(), Err: err}
		return report
	}
	report.OpenTracked = len(tracked)

	scopes := make(map[scope]bool)
	accounts, err := s.accounts.AccountsByUser(ctx, userID)
	if err != nil {
		s.logger.Warn("could not list user accounts", zap.String("user_id", userID), zap.Error(err))
	}
	for _, a := range accounts {
		scopes[scope{exchange: a.Exchange, env: a.Environment}] = true
	}
	trackedBy := make(map[scope][]db.TrackedPosition)
	for _, p := range tracked {
		sc := scope{exchange: p.Exchange, env: common.Environment(p.Environment)}
		scopes[sc] = true
		trackedBy[sc] = append(trackedBy[sc], p)
	}
	report.Accounts = len(scopes)
	if len(scopes) == 0 {
		return report
	}

	// FetchingLive
	s.setPhase(PhaseFetchingLive)
	live, fetchErr := s.fetchLive(ctx, userID, scopes)
	if fetchErr != nil {
		report.AccountsFailed = len(scopes) - len(live)
		report.Error = &common.Error{Kind: common.KindReconciliationFetch, Message: fetchErr.Error(), Err: fetchErr}
		s.logger.Warn("live position fetch failed",
			zap.String("user_id", userID), zap.Int("accounts_failed", report.AccountsFailed), zap.Error(fetchErr))
	}

	// Diffing: only accounts whose fetch succeeded.
	s.setPhase(PhaseDiffing)
	for sc, positions := range live {
		report.LivePositions += len(positions)
		report.Discrepancies = append(report.Discrepancies, Diff(trackedBy[sc], positions)...)
	}

	// Applying
	s.setPhase(PhaseApplying)
	s.apply(ctx, userID, &report)
	return report
}

func (s *Service) fetchLive(ctx context.Context, userID string, scopes map[scope]bool) (map[scope][]common.LivePosition, error) {
	var (
		mu   sync.Mutex
		out  = make(map[scope][]common.LivePosition, len(scopes))
		errs error
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.FetchConcurrency)
	for sc := range scopes {
		g.Go(func() error {
			positions, err := s.fetchScope(ctx, userID, sc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", sc, err))
				return nil
			}
			out[sc] = positions
			return nil
		})
	}
	_ = g.Wait()
	return out, errs
}

func (s *Service) fetchScope(ctx context.Context, userID string, sc scope) (positions []common.LivePosition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if !sc.env.Valid() {
		return nil, fmt.Errorf("unknown environment %q", sc.env)
	}
	cred, err := s.accounts.GetCredential(ctx, userID, sc.exchange, sc.env)
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	positions, xerr := s.fetcher.FetchPositions(ctx, sc.exchange, sc.env, cred)
	if xerr != nil {
		return nil, xerr
	}
	return positions, nil
}

func (s *Service) apply(ctx context.Context, userID string, report *UserReport) {
	changed := false
	for _, d := range report.Discrepancies {
		switch d.Type {
		case ClosedExternally:
			p := d.Tracked
			exit := s.now().UTC()
			closed, err := s.store.CloseTrackedPosition(ctx, db.CloseRequest{
				OperationID: p.OperationID,
				ExitTime:    exit,
				Reason:      db.ReasonClosedExternally,
			})
			if err != nil {
				s.logger.Error("failed to close externally closed position",
					zap.String("user_id", userID), zap.String("operation_id", p.OperationID), zap.Error(err))
				perr := &common.Error{Kind: common.KindPersistence, Message: err.Error(), Err: err}
				if report.Error == nil {
					report.Error = perr
				}
				report.failedCloses = append(report.failedCloses, failedClose{operationID: p.OperationID, err: perr})
				continue
			}
			if !closed {
				// Closed concurrently; whoever closed it already notified.
				continue
			}
			changed = true
			report.ClosedExternally++
			minutes := int64(exit.Sub(p.EntryTime).Minutes())
			if minutes < 0 {
				minutes = 0
			}
			s.logger.Info("position closed externally",
				zap.String("user_id", userID),
				zap.String("operation_id", p.OperationID),
				zap.String("exchange", p.Exchange),
				zap.String("symbol", p.Symbol),
				zap.String("side", p.Side))
			if s.bcast != nil {
				s.bcast.BroadcastOperationClosed(userID, ClosedNotification{
					Type:            "operation_closed",
					OperationID:     p.OperationID,
					Exchange:        p.Exchange,
					Symbol:          p.Symbol,
					Side:            p.Side,
					Quantity:        p.Quantity,
					EntryPrice:      p.EntryPrice,
					CloseReason:     db.ReasonClosedExternally,
					ExitTime:        exit,
					DurationMinutes: minutes,
				})
			}
			s.publish(events.EventPositionClosedExternally, events.PositionEvent{
				UserID: userID, OperationID: p.OperationID, Exchange: p.Exchange, Symbol: p.Symbol,
				Side: p.Side, Quantity: p.Quantity, EntryPrice: p.EntryPrice,
				Reason: db.ReasonClosedExternally, Timestamp: exit,
			})

		case OpenedExternally:
			lp := d.Live
			report.OpenedExternally++
			s.logger.Warn("untracked live position",
				zap.String("user_id", userID),
				zap.String("exchange", lp.Exchange),
				zap.String("symbol", lp.Symbol),
				zap.String("side", string(lp.Side)),
				zap.Float64("size", lp.Size))
			s.publish(events.EventPositionOpenedExternally, events.PositionEvent{
				UserID: userID, Exchange: lp.Exchange, Symbol: lp.Symbol, Side: string(lp.Side),
				Quantity: lp.Size, EntryPrice: lp.EntryPrice, Reason: string(OpenedExternally), Timestamp: s.now().UTC(),
			})
		}
	}
	if changed && s.cache != nil {
		s.cache.Invalidate(userID)
	}
}

// Stats returns a snapshot of service counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Phase = s.phase
	st.Interval = s.cfg.Interval.String()
	st.Errors = append([]string{}, s.stats.Errors...)
	if st.LastPass != nil {
		last := *st.LastPass
		st.LastPass = &last
	}
	return st
}

// recordErrorLocked keeps the most recent errors, oldest first.
func (s *Service) recordErrorLocked(msg string) {
	s.stats.Errors = append(s.stats.Errors, msg)
	if n := len(s.stats.Errors) - maxRecentErrors; n > 0 {
		s.stats.Errors = append([]string(nil), s.stats.Errors[n:]...)
	}
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Service) publish(topic events.Event, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
