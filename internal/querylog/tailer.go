package querylog

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxPending bounds queries awaiting their answer line.
const maxPending = 4096

// LineSource produces daemon log lines. Run calls emit for every line until
// ctx ends or the source fails.
type LineSource interface {
	Run(ctx context.Context, emit func(line string)) error
}

// Recorder receives tailer counters, normally the Prometheus collector.
type Recorder interface {
	IncQueryRecord(status string)
	IncQueryMalformed()
	AddQueryDropped(n int)
}

// Options configures a Tailer.
type Options struct {
	Buffer           int           // history capacity, default 500
	SubscriberBuffer int           // per-subscriber live queue, default 256
	PendingTTL       time.Duration // how long a query waits for its answer, default 5s
	Recorder         Recorder
	Now              func() time.Time
}

type pendingQuery struct {
	rec         LogRecord
	seenAt      time.Time
	forwardedAt time.Time
}

// Tailer parses daemon log lines into LogRecords.
type Tailer struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex // guards everything below
	history   *ring[LogRecord]
	subs      map[uint64]*Subscription
	nextSubID uint64
	pending   map[string]*pendingQuery
	stats     *statsWindow

	malformed atomic.Uint64
}

// New creates a tailer.
func New(opts Options, logger *slog.Logger) *Tailer {
	if opts.Buffer <= 0 {
		opts.Buffer = 500
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 256
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tailer{
		opts:    opts,
		logger:  logger,
		history: newRing[LogRecord](opts.Buffer),
		subs:    make(map[uint64]*Subscription),
		pending: make(map[string]*pendingQuery),
		stats:   newStatsWindow(),
	}
}

// Run reads src until ctx is cancelled, flushing unanswered queries
// periodically. It returns src's error if the source fails on its own.
func (t *Tailer) Run(ctx context.Context, src LineSource) error {
	errc := make(chan error, 1)
	go func() {
		errc <- src.Run(ctx, func(line string) { t.Ingest(line, t.opts.Now()) })
	}()

	ticker := time.NewTicker(t.opts.PendingTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-errc
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ticker.C:
			t.mu.Lock()
			t.flushLocked(t.opts.Now().Add(-t.opts.PendingTTL))
			t.mu.Unlock()
		}
	}
}

// Ingest parses one line observed at at. Malformed lines are counted and
// dropped.
func (t *Tailer) Ingest(line string, at time.Time) {
	if strings.TrimSpace(line) == "" {
		return
	}
	e, err := parseLine(line, at)
	if err != nil {
		n := t.malformed.Add(1)
		if n == 1 || n%1000 == 0 {
			t.logger.Debug("dropping malformed log line", "line", line, "malformed_total", n)
		}
		if t.opts.Recorder != nil {
			t.opts.Recorder.IncQueryMalformed()
		}
		return
	}
	if e.Kind == eventOther {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.correlateLocked(e, at)
}

func pendingKey(e entry) string {
	if e.Serial != 0 {
		return "#" + strconv.FormatUint(e.Serial, 10)
	}
	return strings.ToLower(e.Name)
}

func (t *Tailer) correlateLocked(e entry, at time.Time) {
	key := pendingKey(e)

	if e.Kind == eventQuery {
		if len(t.pending) >= maxPending {
			t.flushLocked(at)
		}
		if old, ok := t.pending[key]; ok {
			t.emitLocked(old.rec)
		}
		t.pending[key] = &pendingQuery{
			seenAt: at,
			rec: LogRecord{
				Timestamp:     e.At,
				ClientAddress: e.Client,
				Domain:        e.Name,
				QueryType:     e.QType,
				Status:        StatusForwarded,
			},
		}
		return
	}

	p, ok := t.pending[key]
	if !ok {
		// Further answer lines for a query already emitted.
		return
	}

	switch e.Kind {
	case eventForwarded:
		p.rec.Status = StatusForwarded
		p.rec.Upstream = e.Target
		p.forwardedAt = at
		return
	case eventReply:
		p.rec.Status = StatusForwarded
		p.rec.Answer = e.Target
		if !p.forwardedAt.IsZero() {
			p.rec.ReplyLatency = at.Sub(p.forwardedAt)
		}
	case eventCached:
		p.rec.Status = StatusCached
		p.rec.Answer = e.Target
	case eventConfig:
		p.rec.Status = StatusLocal
		if isBlockedAnswer(e.Target) {
			p.rec.Status = StatusBlocked
		}
		p.rec.Answer = e.Target
	case eventHosts:
		p.rec.Status = StatusLocal
		p.rec.Answer = e.Target
	}
	delete(t.pending, key)
	t.emitLocked(p.rec)
}

// flushLocked emits queries seen before cutoff, oldest first, without a
// reply latency.
func (t *Tailer) flushLocked(cutoff time.Time) {
	var expired []string
	for k, p := range t.pending {
		if !p.seenAt.After(cutoff) {
			expired = append(expired, k)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return t.pending[expired[i]].seenAt.Before(t.pending[expired[j]].seenAt)
	})
	for _, k := range expired {
		t.emitLocked(t.pending[k].rec)
		delete(t.pending, k)
	}
}

// emitLocked appends r to the history and every subscriber queue.
func (t *Tailer) emitLocked(r LogRecord) {
	t.history.Push(r)
	t.stats.add(r, t.opts.Now())

	dropped := 0
	for _, s := range t.subs {
		if s.push(r) {
			dropped++
		}
	}
	if t.opts.Recorder != nil {
		t.opts.Recorder.IncQueryRecord(string(r.Status))
		if dropped > 0 {
			t.opts.Recorder.AddQueryDropped(dropped)
		}
	}
}

// Subscribe registers a subscriber. Its queue starts with the current
// history, oldest first, followed by every later record.
func (t *Tailer) Subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	backlog := t.history.Items()
	t.nextSubID++
	s := newSubscription(t, t.nextSubID, t.opts.SubscriberBuffer+len(backlog))
	for _, r := range backlog {
		s.queue.Push(r)
	}
	t.subs[s.id] = s
	return s
}

func (t *Tailer) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

// Subscribers returns the number of active subscriptions.
func (t *Tailer) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Recent returns up to limit records, newest first. A non-positive limit
// returns the whole history.
func (t *Tailer) Recent(limit int) []LogRecord {
	t.mu.Lock()
	items := t.history.Items()
	t.mu.Unlock()

	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]LogRecord, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}

// Stats returns query totals and the per-minute history for the last hour.
func (t *Tailer) Stats() QueryStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.snapshot(t.opts.Now())
}

// Malformed returns the number of lines dropped as unparseable.
func (t *Tailer) Malformed() uint64 {
	return t.malformed.Load()
}
