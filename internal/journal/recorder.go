package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
)

// RecorderConfig tunes a per-session Recorder.
type RecorderConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	RedactPII    bool
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

type opKind int

const (
	opCreate opKind = iota
	opAppend
)

type op struct {
	kind       opKind
	sessionKey string
	call       CallMetadata
	turn       TurnRecord
}

// Recorder journals one session off the call path. Operations are applied
// in submission order by a single worker; callers never block on storage.
// Appends submitted before the create resolves are applied after it, and
// are skipped if the create failed.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	metrics      *observability.Metrics
	writeTimeout time.Duration
	redact       bool

	ops  chan op
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	endPairs  int
	endWanted bool
	handle    string
}

// NewRecorder starts the worker. A nil store yields a recorder that accepts
// and discards everything.
func NewRecorder(store Store, cfg RecorderConfig) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Recorder{
		store:        store,
		logger:       logger,
		metrics:      cfg.Metrics,
		writeTimeout: cfg.WriteTimeout,
		redact:       cfg.RedactPII,
		ops:          make(chan op, cfg.QueueSize),
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

// Begin requests creation of the durable session record.
func (r *Recorder) Begin(sessionKey string, call CallMetadata) bool {
	return r.enqueue(op{kind: opCreate, sessionKey: sessionKey, call: cloneCall(call)})
}

// Append queues a transcript turn. It reports false when the turn was dropped.
func (r *Recorder) Append(turn TurnRecord) bool {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	return r.enqueue(op{kind: opAppend, turn: turn})
}

// End queues the session close with its final pair count and stops accepting
// work. The close is never dropped; it runs after everything queued before it.
func (r *Recorder) End(turnPairs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.endWanted = true
	r.endPairs = turnPairs
	close(r.ops)
}

// Handle returns the durable session id once creation has completed.
func (r *Recorder) Handle() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Done is closed after the worker has applied every queued operation.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) enqueue(o op) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.observe(o.name(), "rejected")
		return false
	}
	select {
	case r.ops <- o:
		return true
	default:
		r.observe(o.name(), "dropped")
		r.logger.Warn("journal queue full, dropping operation", "op", o.name(), "turn", o.turn.Number)
		return false
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for o := range r.ops {
		switch o.kind {
		case opCreate:
			r.create(o)
		case opAppend:
			r.append(o.turn)
		}
	}

	r.mu.Lock()
	wanted, pairs := r.endWanted, r.endPairs
	r.mu.Unlock()
	if wanted {
		r.end(pairs)
	}
}

func (r *Recorder) create(o op) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	id, err := r.store.CreateSession(ctx, o.sessionKey, o.call)
	r.observeErr("create", err)
	if err != nil {
		r.logger.Error("journal create session failed", "err", err)
		return
	}
	r.mu.Lock()
	r.handle = id
	r.mu.Unlock()
	r.logger.Debug("journal session created", "journal_id", id)
}

func (r *Recorder) append(turn TurnRecord) {
	if r.store == nil {
		return
	}
	handle := r.Handle()
	if handle == "" {
		r.observe("append", "skipped")
		return
	}
	turn.SessionID = handle
	if r.redact {
		redacted, changed := policy.RedactPII(turn.Content)
		turn.Content = redacted
		turn.PIIRedacted = turn.PIIRedacted || changed
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	err := r.store.AppendTurn(ctx, turn)
	r.observeErr("append", err)
	if err != nil {
		r.logger.Error("journal append failed", "journal_id", handle, "turn", turn.Number, "err", err)
	}
}

func (r *Recorder) end(turnPairs int) {
	if r.store == nil {
		return
	}
	handle := r.Handle()
	if handle == "" {
		r.observe("end", "skipped")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	err := r.store.EndSession(ctx, handle, turnPairs)
	r.observeErr("end", err)
	if err != nil {
		r.logger.Error("journal end session failed", "journal_id", handle, "err", err)
	}
}

func (r *Recorder) observe(opName, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.JournalOps.WithLabelValues(opName, result).Inc()
}

func (r *Recorder) observeErr(opName string, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveJournalOp(opName, err)
}

func (o op) name() string {
	if o.kind == opCreate {
		return "create"
	}
	return "append"
}
