package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

const (
	defaultBufferSize   = 512
	defaultDropWarning  = 5 * time.Second
	maxSinkBackoffShift = 5
)

// Router fans events out to sinks. Publish never blocks: when the queue is
// full the event is dropped and counted. Each sink drains its own backlog,
// so a slow or failing sink only loses its own events.
type Router struct {
	cfg         Config
	queue       chan Event
	workers     []*sinkWorker
	clock       Clock
	fallback    *log.Logger
	minSeverity Severity
	fields      map[string]any

	stop    chan struct{}
	closed  atomic.Bool
	running sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	// nextDropWarning is the unix-nano time before which queue drops are
	// counted but not reported on the fallback logger.
	nextDropWarning atomic.Int64
}

// RouterStats is a point-in-time view of the router and its sinks.
type RouterStats struct {
	EventsTotal  uint64      `json:"eventsTotal"`
	DroppedTotal uint64      `json:"droppedTotal"`
	Sinks        []SinkStats `json:"sinks,omitempty"`
}

// SinkStats counts what happened to events routed to one sink.
type SinkStats struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) *Router {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.DropWarnInterval <= 0 {
		cfg.DropWarnInterval = defaultDropWarning
	}
	r := &Router{
		cfg:         cfg,
		queue:       make(chan Event, cfg.BufferSize),
		clock:       clock,
		fallback:    log.New(os.Stderr, "[logging] ", log.LstdFlags),
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.cloneFields(),
		stop:        make(chan struct{}),
	}
	backlog := min(max(cfg.BufferSize, 32), 1024)
	for _, named := range namedSinks {
		if named.Sink != nil {
			r.workers = append(r.workers, newSinkWorker(named, backlog, r.fallback, r.stop))
		}
	}

	r.running.Add(1 + len(r.workers))
	go r.dispatch()
	for _, worker := range r.workers {
		go func(w *sinkWorker) {
			defer r.running.Done()
			w.run()
		}(worker)
	}
	return r
}

// dispatch moves queued events to the sink backlogs until Close, then
// flushes what is left and closes the backlogs.
func (r *Router) dispatch() {
	defer r.running.Done()
	defer func() {
		for _, worker := range r.workers {
			close(worker.backlog)
		}
	}()
	for {
		select {
		case event := <-r.queue:
			r.route(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.route(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) route(event Event) {
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	r.published.Add(1)
	for _, worker := range r.workers {
		worker.offer(event)
	}
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.warnDrop(event)
	}
}

func (r *Router) warnDrop(event Event) {
	now := r.clock.Now().UnixNano()
	next := r.nextDropWarning.Load()
	if now < next {
		return
	}
	if r.nextDropWarning.CompareAndSwap(next, now+r.cfg.DropWarnInterval.Nanoseconds()) {
		r.fallback.Printf("queue full, dropping events (latest type=%s tick=%d, %d dropped so far)", event.Type, event.Tick, r.dropped.Load())
	}
}

// Close flushes queued events and closes every sink. Sinks that are backing
// off after a failure get one last attempt per event, without waiting.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.published.Load(),
		DroppedTotal: r.dropped.Load(),
	}
	for _, worker := range r.workers {
		stats.Sinks = append(stats.Sinks, worker.stats())
	}
	return stats
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name     string
	sink     Sink
	backlog  chan Event
	fallback *log.Logger
	stop     <-chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func newSinkWorker(named NamedSink, backlog int, fallback *log.Logger, stop <-chan struct{}) *sinkWorker {
	return &sinkWorker{
		name:     named.Name,
		sink:     named.Sink,
		backlog:  make(chan Event, backlog),
		fallback: fallback,
		stop:     stop,
	}
}

func (w *sinkWorker) offer(event Event) {
	select {
	case w.backlog <- Clone(event):
	default:
		if w.dropped.Add(1) == 1 {
			w.fallback.Printf("sink %s backlog full, dropping events", w.name)
		}
	}
}

// run writes the backlog in order. After consecutive failures it waits
// 2^n seconds (capped) before the next write, unless the router is closing.
func (w *sinkWorker) run() {
	var failures int
	for event := range w.backlog {
		if failures > 0 {
			w.backoff(time.Duration(1<<min(failures, maxSinkBackoffShift)) * time.Second)
		}
		if err := w.sink.Write(event); err != nil {
			failures++
			w.failed.Add(1)
			w.fallback.Printf("sink %s failed %d time(s): %v", w.name, failures, err)
			continue
		}
		failures = 0
		w.written.Add(1)
	}
}

func (w *sinkWorker) backoff(delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.stop:
	}
}

func (w *sinkWorker) stats() SinkStats {
	return SinkStats{
		Name:    w.name,
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}
