// Package order turns submitted orders into prioritized operations, dispatches
// them through the queue lanes and keeps the tracked-position ledger in step
// with filled orders.
package order

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-core/internal/credentials"
	"order-core/internal/events"
	"order-core/internal/monitor"
	"order-core/internal/queue"
	"order-core/pkg/db"
	"order-core/pkg/exchanges/common"
)

// Placer sends one order to an exchange.
type Placer interface {
	SubmitOrder(ctx context.Context, exchange string, env common.Environment, cred common.Credential, req common.OrderRequest) (common.OrderAck, *common.Error)
}

// CredentialSource lends per-account key sets and account flags.
type CredentialSource interface {
	GetCredential(ctx context.Context, userID, exchange string, env common.Environment) (common.Credential, error)
	AccountHints(ctx context.Context, userID, exchange string) (credentials.AccountHints, error)
}

// Ledger is the tracked-position store.
type Ledger interface {
	CreateTrackedPosition(ctx context.Context, p db.TrackedPosition) (int64, error)
	FindOpenPosition(ctx context.Context, userID, exchange, environment, symbol, side string) (*db.TrackedPosition, error)
	CloseTrackedPosition(ctx context.Context, req db.CloseRequest) (bool, error)
}

// Invalidator drops cached views of a user's positions.
type Invalidator interface {
	Invalidate(userID string)
}

// Config configures an Engine.
type Config struct {
	Workers int
	// DispatchTimeout bounds one dispatch, endpoint failover included.
	DispatchTimeout time.Duration
	// Exchanges lists accepted venue names; empty accepts any.
	Exchanges []string
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg        Config
	queue      *queue.Manager
	placer     Placer
	creds      CredentialSource
	scorer     *Scorer
	classifier Classifier
	ledger     Ledger
	journal    *Journal
	bus        *events.Bus
	metrics    *monitor.DispatchMetrics
	cache      Invalidator
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
	exchanges  map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger enables tracked-position bookkeeping on filled orders.
func WithLedger(l Ledger) Option { return func(e *Engine) { e.ledger = l } }

// WithJournal records every state change to j.
func WithJournal(j *Journal) Option { return func(e *Engine) { e.journal = j } }

// WithBus publishes lifecycle events to b.
func WithBus(b *events.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *monitor.DispatchMetrics) Option { return func(e *Engine) { e.metrics = m } }

// WithCache invalidates c after ledger writes.
func WithCache(c Invalidator) Option { return func(e *Engine) { e.cache = c } }

// WithClassifier replaces the environment rules.
func WithClassifier(c Classifier) Option { return func(e *Engine) { e.classifier = c } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine. Call Run to start dispatching.
func NewEngine(cfg Config, q *queue.Manager, placer Placer, creds CredentialSource, scorer *Scorer, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		queue:     q,
		placer:    placer,
		creds:     creds,
		scorer:    scorer,
		metrics:   monitor.NewDispatchMetrics(),
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
		exchanges: make(map[string]bool, len(cfg.Exchanges)),
	}
	for _, name := range cfg.Exchanges {
		e.exchanges[strings.ToLower(name)] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// task is the queue payload of one operation.
type task struct {
	op     *Operation
	info   PriorityInfo
	handle queue.Handle
	done   chan Result
	once   sync.Once
}

func (t *task) finish(r Result) {
	t.once.Do(func() {
		t.done <- r
		close(t.done)
	})
}

// ExecuteOrder submits o and waits for its terminal outcome. If ctx ends
// while the operation is still queued it is withdrawn; an active operation
// runs to completion. It never panics and never returns a Go error.
func (e *Engine) ExecuteOrder(ctx context.Context, o Order) Result {
	ticket, verr := e.Submit(ctx, o)
	if verr != nil {
		return Result{Error: verr}
	}
	select {
	case res := <-ticket.Done:
		return res
	case <-ctx.Done():
		if res, ok := e.Withdraw(ticket, ctx.Err()); ok {
			return res
		}
		return <-ticket.Done
	}
}

// Submit validates, classifies and scores o, then enqueues it. Validation
// failures return synchronously and nothing is enqueued.
func (e *Engine) Submit(ctx context.Context, o Order) (*Ticket, *common.Error) {
	op, verr := newOperation(e.newID(), o, e.now())
	if verr != nil {
		e.metrics.IncFailed(string(verr.Kind))
		return nil, verr
	}
	if len(e.exchanges) > 0 && !e.exchanges[op.Exchange] {
		verr = common.Errorf(common.KindValidation, "unsupported exchange %q", o.Exchange)
		e.metrics.IncFailed(string(verr.Kind))
		return nil, verr
	}

	hints, err := e.creds.AccountHints(ctx, op.UserID, op.Exchange)
	if err != nil {
		e.logger.Warn("account lookup failed, classifying without account flags",
			zap.String("user_id", op.UserID), zap.String("exchange", op.Exchange), zap.Error(err))
		hints = credentials.AccountHints{}
	}
	env, rule := e.classifier.Classify(Signals{
		Explicit:     o.Environment,
		ExchangeHint: op.ExchangeHint,
		Account:      hints,
	})
	op.Environment = env
	if op.AccountTier == "" {
		op.AccountTier = normalizeTier(hints.Tier)
	}

	info := e.scorer.Score(op)
	info.EnvironmentRule = rule
	op.PriorityScore = info.Score
	op.EffectiveScore = info.Score

	return e.enqueue(op, info)
}

func (e *Engine) enqueue(op *Operation, info PriorityInfo) (*Ticket, *common.Error) {
	op.Lane = e.queue.LaneFor(op.PriorityScore)
	op.State = StateQueued
	info.Lane = op.Lane

	if e.journal != nil {
		if err := e.journal.Record(ActionQueued, op); err != nil {
			cerr := common.Wrap(common.KindPersistence, err)
			e.metrics.IncFailed(string(cerr.Kind))
			return nil, cerr
		}
	}

	t := &task{op: op, info: info, done: make(chan Result, 1)}
	h, err := e.queue.Enqueue(queue.Entry{ID: op.ID, Score: op.PriorityScore, Payload: t})
	if err != nil {
		e.record(ActionFailed, op)
		kind := common.KindInternal
		if errors.Is(err, queue.ErrDuplicate) {
			kind = common.KindValidation
		}
		cerr := common.Wrap(kind, err)
		e.metrics.IncFailed(string(cerr.Kind))
		return nil, cerr
	}
	t.handle = h

	e.metrics.IncSubmitted()
	e.publishOperation(events.EventOperationQueued, op, nil, "")
	e.logger.Debug("operation queued",
		zap.String("operation_id", op.ID),
		zap.String("user_id", op.UserID),
		zap.String("environment", string(op.Environment)),
		zap.String("environment_rule", info.EnvironmentRule),
		zap.String("lane", string(op.Lane)),
		zap.Float64("priority_score", op.PriorityScore))

	return &Ticket{OperationID: op.ID, Handle: h, Priority: info, Done: t.done, task: t}, nil
}

// Withdraw cancels a still-queued operation. It reports false when the
// operation already left the queue.
func (e *Engine) Withdraw(ticket *Ticket, cause error) (Result, bool) {
	if ticket == nil || ticket.task == nil {
		return Result{}, false
	}
	if err := e.queue.Withdraw(ticket.Handle); err != nil {
		return Result{}, false
	}
	t := ticket.task
	op := t.op
	op.State = StateWithdrawn

	msg := "withdrawn while queued"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	res := Result{
		OperationID: op.ID,
		Priority:    t.info,
		Error:       &common.Error{Kind: common.KindCancelled, Exchange: op.Exchange, Message: msg, Err: cause},
		Latency:     e.now().Sub(op.SubmittedAt),
	}
	e.record(ActionWithdrawn, op)
	e.metrics.IncWithdrawn()
	e.publishOperation(events.EventOperationWithdrawn, op, res.Error, "")
	t.finish(res)
	return res, true
}

// Recover replays the journal: still-queued operations are enqueued again,
// operations that were active at shutdown are reported as outcome unknown
// and never resubmitted.
func (e *Engine) Recover(ctx context.Context) (requeued, unknown int, err error) {
	if e.journal == nil {
		return 0, 0, nil
	}
	rec, err := e.journal.Recover()
	if err != nil {
		return 0, 0, err
	}
	for i := range rec.Queued {
		op := rec.Queued[i]
		info := e.scorer.Score(&op)
		info.EnvironmentRule = "recovered"
		info.Score = op.PriorityScore
		if _, cerr := e.enqueue(&op, info); cerr != nil {
			e.logger.Error("failed to re-enqueue recovered operation",
				zap.String("operation_id", op.ID), zap.Error(cerr))
			continue
		}
		requeued++
	}
	for i := range rec.Unknown {
		op := rec.Unknown[i]
		e.logger.Error("operation outcome unknown after restart",
			zap.String("operation_id", op.ID),
			zap.String("user_id", op.UserID),
			zap.String("exchange", op.Exchange),
			zap.String("symbol", op.Symbol))
		e.publishOperation(events.EventOperationOutcomeUnknown, &op,
			&common.Error{Kind: common.KindOutcomeUnknown, Exchange: op.Exchange, Message: "operation was active at shutdown"}, "")
		unknown++
	}
	return requeued, unknown, nil
}

// Run starts the dispatch workers and blocks until ctx ends and every
// in-flight dispatch has finished.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id)
		}(i)
	}
	e.logger.Info("order engine started", zap.Int("workers", e.cfg.Workers))
	wg.Wait()
	e.logger.Info("order engine stopped")
}

func (e *Engine) worker(ctx context.Context, id int) {
	for {
		// Take the signal before scanning so a wakeup between scan and wait
		// is not lost.
		ready := e.queue.Ready()
		if ctx.Err() != nil {
			return
		}
		if it, ok := e.next(); ok {
			e.dispatch(ctx, it)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ready:
		}
	}
}

// next scans lanes from most to least urgent.
func (e *Engine) next() (*queue.Item, bool) {
	for _, lane := range e.queue.Lanes() {
		if it, ok := e.queue.DequeueNext(lane); ok {
			return it, true
		}
	}
	return nil, false
}

func (e *Engine) dispatch(ctx context.Context, it *queue.Item) {
	h := queue.Handle{ID: it.ID, Lane: it.Lane, Seq: it.Seq}
	t, ok := it.Payload.(*task)
	if !ok {
		e.logger.Error("queue item without operation payload", zap.String("operation_id", it.ID))
		_ = e.queue.MarkFailed(h)
		return
	}
	op := t.op
	op.State = StateActive
	op.EffectiveScore = it.Score
	if err := e.queue.MarkActive(h); err != nil {
		e.logger.Warn("mark active failed", zap.String("operation_id", op.ID), zap.Error(err))
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DispatchTimeout)
	defer cancel()

	var res Result
	if err := e.recordErr(ActionActive, op); err != nil {
		res = Result{OperationID: op.ID, Priority: t.info, Error: common.Wrap(common.KindPersistence, err)}
	} else {
		e.publishOperation(events.EventOperationActive, op, nil, "")
		res = e.execute(dctx, op, t.info)
	}
	res.Latency = e.now().Sub(op.SubmittedAt)

	if res.Success {
		op.State = StateCompleted
		_ = e.queue.MarkCompleted(h)
		e.metrics.IncCompleted()
		e.record(ActionCompleted, op)
		e.publishOperation(events.EventOperationCompleted, op, nil, res.ExchangeOrderID)
		e.logger.Info("operation completed",
			zap.String("operation_id", op.ID),
			zap.String("exchange_order_id", res.ExchangeOrderID),
			zap.Duration("latency", res.Latency))
	} else {
		op.State = StateFailed
		_ = e.queue.MarkFailed(h)
		e.metrics.IncFailed(string(res.Error.Kind))
		e.record(ActionFailed, op)
		e.publishOperation(events.EventOperationFailed, op, res.Error, "")
		e.logger.Warn("operation failed",
			zap.String("operation_id", op.ID),
			zap.String("error_kind", string(res.Error.Kind)),
			zap.String("error_code", res.Error.Code),
			zap.String("error", res.Error.Message))
	}
	e.metrics.OrderLatency.RecordDuration(res.Latency)
	t.finish(res)
}

// execute borrows the credential, places the order and updates the ledger.
// A panic anywhere below is reported as an INTERNAL failure.
func (e *Engine) execute(ctx context.Context, op *Operation, info PriorityInfo) (res Result) {
	res = Result{OperationID: op.ID, Priority: info}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during dispatch",
				zap.String("operation_id", op.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res.Success = false
			res.ExchangeOrderID = ""
			res.Error = common.Errorf(common.KindInternal, "panic: %v", r)
		}
	}()

	cred, err := e.creds.GetCredential(ctx, op.UserID, op.Exchange, op.Environment)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			res.Error = &common.Error{Kind: common.KindAuth, Exchange: op.Exchange,
				Message: fmt.Sprintf("no active %s credential", op.Environment), Err: err}
		} else {
			res.Error = &common.Error{Kind: common.KindPersistence, Exchange: op.Exchange, Message: err.Error(), Err: err}
		}
		return res
	}

	ack, xerr := e.placer.SubmitOrder(ctx, op.Exchange, op.Environment, cred, op.orderRequest())
	if xerr != nil {
		res.Error = xerr
		return res
	}
	res.Success = true
	res.ExchangeOrderID = ack.ExchangeOrderID
	e.applyLedger(ctx, op, ack)
	return res
}

// applyLedger records the fill. Ledger failures are logged only: the order
// is on the exchange and reconciliation will surface the drift.
func (e *Engine) applyLedger(ctx context.Context, op *Operation, ack common.OrderAck) {
	if e.ledger == nil {
		return
	}
	now := e.now().UTC()
	side := string(op.PositionSide())

	switch op.Intent {
	case IntentOpen:
		price := ack.AvgPrice
		if price <= 0 {
			price = op.Price
		}
		_, err := e.ledger.CreateTrackedPosition(ctx, db.TrackedPosition{
			UserID:      op.UserID,
			Exchange:    op.Exchange,
			Environment: string(op.Environment),
			Symbol:      op.Symbol,
			Side:        side,
			Quantity:    op.Quantity,
			EntryPrice:  price,
			EntryTime:   now,
			OperationID: op.ID,
			Status:      db.StatusOpen,
		})
		if err != nil {
			e.logger.Error("failed to record tracked position",
				zap.String("operation_id", op.ID), zap.Error(err))
			return
		}
		e.invalidate(op.UserID)
		e.publishPosition(events.EventPositionOpened, events.PositionEvent{
			UserID: op.UserID, OperationID: op.ID, Exchange: op.Exchange, Symbol: op.Symbol,
			Side: side, Quantity: op.Quantity, EntryPrice: price, Timestamp: now,
		})

	case IntentClose:
		tracked, err := e.ledger.FindOpenPosition(ctx, op.UserID, op.Exchange, string(op.Environment), op.Symbol, side)
		if errors.Is(err, db.ErrNotFound) {
			e.logger.Warn("close filled without an open tracked position",
				zap.String("operation_id", op.ID), zap.String("symbol", op.Symbol), zap.String("side", side))
			return
		}
		if err != nil {
			e.logger.Error("failed to look up tracked position", zap.String("operation_id", op.ID), zap.Error(err))
			return
		}
		closed, err := e.ledger.CloseTrackedPosition(ctx, db.CloseRequest{
			OperationID: tracked.OperationID,
			ExitTime:    now,
			Reason:      db.ReasonSignalClose,
		})
		if err != nil {
			e.logger.Error("failed to close tracked position", zap.String("operation_id", op.ID), zap.Error(err))
			return
		}
		if !closed {
			return
		}
		e.invalidate(op.UserID)
		e.publishPosition(events.EventPositionClosed, events.PositionEvent{
			UserID: op.UserID, OperationID: tracked.OperationID, Exchange: op.Exchange, Symbol: op.Symbol,
			Side: side, Quantity: tracked.Quantity, EntryPrice: tracked.EntryPrice,
			Reason: db.ReasonSignalClose, Timestamp: now,
		})
	}
}

// QueueStatus returns per-lane counters.
func (e *Engine) QueueStatus() map[queue.Lane]queue.LaneStatus {
	return e.queue.Status()
}

// Metrics returns the dispatch metrics.
func (e *Engine) Metrics() *monitor.DispatchMetrics { return e.metrics }

// Subscribe returns a channel of lifecycle events for observers. With no
// topics every operation and position event is delivered.
func (e *Engine) Subscribe(buffer int, topics ...events.Event) (<-chan any, func()) {
	if e.bus == nil {
		ch := make(chan any)
		close(ch)
		return ch, func() {}
	}
	if len(topics) == 0 {
		topics = []events.Event{
			events.EventOperationQueued, events.EventOperationActive, events.EventOperationCompleted,
			events.EventOperationFailed, events.EventOperationWithdrawn, events.EventOperationOutcomeUnknown,
			events.EventPositionOpened, events.EventPositionClosed,
		}
	}
	return e.bus.Subscribe(buffer, topics...)
}

func (e *Engine) record(action string, op *Operation) {
	if err := e.recordErr(action, op); err != nil {
		e.logger.Warn("journal write failed",
			zap.String("operation_id", op.ID), zap.String("action", action), zap.Error(err))
	}
}

func (e *Engine) recordErr(action string, op *Operation) error {
	if e.journal == nil {
		return nil
	}
	return e.journal.Record(action, op)
}

func (e *Engine) invalidate(userID string) {
	if e.cache != nil {
		e.cache.Invalidate(userID)
	}
}

func (e *Engine) publishOperation(topic events.Event, op *Operation, cerr *common.Error, exchangeOrderID string) {
	if e.bus == nil {
		return
	}
	ev := events.OperationEvent{
		OperationID:     op.ID,
		UserID:          op.UserID,
		Exchange:        op.Exchange,
		Environment:     string(op.Environment),
		Symbol:          op.Symbol,
		Side:            string(op.Side),
		Lane:            string(op.Lane),
		PriorityScore:   op.PriorityScore,
		ExchangeOrderID: exchangeOrderID,
		Timestamp:       e.now().UTC(),
	}
	if cerr != nil {
		ev.ErrorKind = string(cerr.Kind)
		ev.ErrorCode = cerr.Code
		ev.ErrorMessage = cerr.Message
	}
	e.bus.Publish(topic, ev)
}

func (e *Engine) publishPosition(topic events.Event, ev events.PositionEvent) {
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}
