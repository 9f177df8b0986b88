package order

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Journal actions.
const (
	ActionQueued    = "QUEUED"
	ActionActive    = "ACTIVE"
	ActionCompleted = "COMPLETED"
	ActionFailed    = "FAILED"
	ActionWithdrawn = "WITHDRAWN"
)

var errJournalClosed = errors.New("journal closed")

// defaultCompactBytes is the journal size past which finished entries are
// dropped by rewriting the file.
const defaultCompactBytes = 4 << 20

// Journal is a JSON-lines write-ahead log of operation state. QUEUED and
// ACTIVE entries are synced before the state change takes effect, so after a
// crash an operation is either safe to resubmit or known to have reached the
// exchange.
type Journal struct {
	path      string
	file      *os.File
	mu        sync.Mutex
	pending   map[string]*pendingOp
	size      int64
	compactAt int64
	metrics   journalCounters
	closed    bool
	logger    *zap.Logger
}

// pendingOp is an operation with no terminal entry yet.
type pendingOp struct {
	op     Operation
	active bool
}

type journalCounters struct {
	written   atomic.Uint64
	recovered atomic.Uint64
	finished  atomic.Uint64
	failed    atomic.Uint64
	compacted atomic.Uint64
}

// JournalMetrics tracks journal statistics.
type JournalMetrics struct {
	Written     uint64 `json:"written"`
	Recovered   uint64 `json:"recovered"`
	Finished    uint64 `json:"finished"`
	Failed      uint64 `json:"write_failures"`
	Compactions uint64 `json:"compactions"`
}

// Recovery is the journal state found at startup.
type Recovery struct {
	// Queued operations never reached a worker and can be enqueued again.
	Queued []Operation
	// Unknown operations were handed to the exchange; their outcome is lost.
	Unknown []Operation
}

type journalEntry struct {
	Action      string     `json:"action"`
	OperationID string     `json:"operation_id"`
	Operation   *Operation `json:"operation,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// OpenJournal opens (or creates) the journal file at path.
func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	var size int64
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}
	return &Journal{
		path:      path,
		file:      file,
		pending:   make(map[string]*pendingOp),
		size:      size,
		compactAt: defaultCompactBytes,
		logger:    logger,
	}, nil
}

// Recover replays the journal and compacts it down to the still-queued
// operations.
func (j *Journal) Recover() (Recovery, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Recovery{}, nil
		}
		return Recovery{}, fmt.Errorf("open journal for recovery: %w", err)
	}
	defer file.Close()

	ops := make(map[string]Operation)
	last := make(map[string]string)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			j.logger.Warn("journal parse error, skipping line", zap.Error(err))
			continue
		}
		if entry.Operation != nil {
			ops[entry.OperationID] = *entry.Operation
		}
		last[entry.OperationID] = entry.Action
	}
	if err := scanner.Err(); err != nil {
		return Recovery{}, fmt.Errorf("journal scan: %w", err)
	}

	var rec Recovery
	for id, action := range last {
		op, ok := ops[id]
		if !ok {
			continue
		}
		switch action {
		case ActionQueued:
			rec.Queued = append(rec.Queued, op)
		case ActionActive:
			rec.Unknown = append(rec.Unknown, op)
		}
	}
	bySubmission := func(ops []Operation) {
		sort.Slice(ops, func(a, b int) bool { return ops[a].SubmittedAt.Before(ops[b].SubmittedAt) })
	}
	bySubmission(rec.Queued)
	bySubmission(rec.Unknown)

	j.metrics.recovered.Add(uint64(len(rec.Queued)))
	for _, op := range rec.Queued {
		j.pending[op.ID] = &pendingOp{op: op}
	}
	if len(last) > 0 {
		if err := j.compactLocked(); err != nil {
			j.logger.Warn("journal compaction failed", zap.Error(err))
		}
	}
	if len(rec.Queued) > 0 || len(rec.Unknown) > 0 {
		j.logger.Info("journal recovered",
			zap.Int("queued", len(rec.Queued)), zap.Int("outcome_unknown", len(rec.Unknown)))
	}
	return rec, nil
}

// compactLocked rewrites the journal with only the pending operations: a
// QUEUED entry for each, followed by ACTIVE for those already dispatched.
func (j *Journal) compactLocked() error {
	ops := make([]*pendingOp, 0, len(j.pending))
	for _, p := range j.pending {
		ops = append(ops, p)
	}
	sort.Slice(ops, func(a, b int) bool { return ops[a].op.SubmittedAt.Before(ops[b].op.SubmittedAt) })

	tempPath := j.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}

	w := &countingWriter{w: tempFile}
	encoder := json.NewEncoder(w)
	for _, p := range ops {
		op := p.op
		if err := encoder.Encode(journalEntry{Action: ActionQueued, OperationID: op.ID, Operation: &op, Timestamp: op.SubmittedAt}); err != nil {
			return fail(err)
		}
		if p.active {
			if err := encoder.Encode(journalEntry{Action: ActionActive, OperationID: op.ID, Timestamp: time.Now().UTC()}); err != nil {
				return fail(err)
			}
		}
	}
	if err := tempFile.Sync(); err != nil {
		return fail(err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, j.path); err != nil {
		os.Remove(tempPath)
		return err
	}

	// The old handle still points at the replaced file.
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	j.file.Close()
	j.file = file
	j.size = w.n
	j.metrics.compacted.Add(1)
	j.logger.Debug("journal compacted", zap.Int("kept", len(ops)), zap.Int64("bytes", w.n))
	return nil
}

type countingWriter struct {
	w *os.File
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Record appends one state change. QUEUED and ACTIVE entries are synced to disk.
func (j *Journal) Record(action string, op *Operation) error {
	entry := journalEntry{Action: action, OperationID: op.ID, Timestamp: time.Now().UTC()}
	if action == ActionQueued {
		entry.Operation = op
	}
	data, err := json.Marshal(entry)
	if err != nil {
		j.metrics.failed.Add(1)
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errJournalClosed
	}

	terminal := action != ActionQueued && action != ActionActive
	p := j.pending[op.ID]
	if terminal && p == nil {
		return nil
	}
	n, err := j.file.Write(append(data, '\n'))
	j.size += int64(n)
	if err != nil {
		j.metrics.failed.Add(1)
		return fmt.Errorf("write journal: %w", err)
	}
	if !terminal {
		if err := j.file.Sync(); err != nil {
			j.metrics.failed.Add(1)
			return fmt.Errorf("sync journal: %w", err)
		}
		switch {
		case p == nil:
			j.pending[op.ID] = &pendingOp{op: *op, active: action == ActionActive}
		case action == ActionActive:
			p.active = true
		}
		j.metrics.written.Add(1)
		return nil
	}
	// Terminal entries are not synced; a lost one only repeats an
	// outcome-unknown report after a crash.
	delete(j.pending, op.ID)
	j.metrics.finished.Add(1)
	if j.compactAt > 0 && j.size >= j.compactAt {
		if err := j.compactLocked(); err != nil {
			j.logger.Warn("journal compaction failed", zap.Error(err))
		}
	}
	return nil
}

// Metrics returns journal statistics.
func (j *Journal) Metrics() JournalMetrics {
	return JournalMetrics{
		Written:     j.metrics.written.Load(),
		Recovered:   j.metrics.recovered.Load(),
		Finished:    j.metrics.finished.Load(),
		Failed:      j.metrics.failed.Load(),
		Compactions: j.metrics.compacted.Load(),
	}
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	_ = j.file.Sync()
	return j.file.Close()
}
