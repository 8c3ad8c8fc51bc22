// Package prefetch runs ranked, cancellable fetch tasks for manifests and
// media segments under a concurrency budget and a soft bandwidth cap.
package prefetch

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"feed-engine/internal/bandwidth"
	"feed-engine/internal/cache"
	"feed-engine/internal/domain"
	"feed-engine/internal/fetch"
	"feed-engine/internal/platform/metrics"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultMaxConcurrent = 3
	DefaultRetryCount    = 2
	DefaultRetryBackoff  = 500 * time.Millisecond
	DefaultFetchTimeout  = 10 * time.Second
	DefaultPrefetchShare = 0.5

	resultBuffer = 64
)

// Resolver builds an item's manifest. Implemented by *manifest.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, item domain.VideoItem) (*domain.Manifest, error)
}

// Request asks for one manifest or segment.
type Request struct {
	Item domain.VideoItem
	Kind domain.ResourceKind

	// Segment fields.
	Fingerprint    string
	Representation string
	Segment        domain.SegmentRef

	// Priority is the feed distance from the active item; 0 is the active item.
	Priority int

	// Owner identifies the requester (a session binding). Echoed in Result.
	Owner uint64

	// Refresh bypasses the cache for a manifest (live playlist reload).
	Refresh bool
}

func (r Request) key() taskKey {
	k := taskKey{item: r.Item.ID, kind: r.Kind}
	if r.Kind == domain.KindSegment {
		k.rep = r.Representation
		k.index = r.Segment.Index
		k.fingerprint = r.Fingerprint
	}
	return k
}

func (r Request) String() string {
	if r.Kind == domain.KindManifest {
		return fmt.Sprintf("manifest %s", r.Item.ID)
	}
	return fmt.Sprintf("segment %s/%s/%d", r.Item.ID, r.Representation, r.Segment.Index)
}

// taskKey enforces at most one task per (item, resource).
type taskKey struct {
	item        domain.ItemID
	kind        domain.ResourceKind
	fingerprint string
	rep         string
	index       int
}

// Result reports a finished task back to the owner.
type Result struct {
	Request  Request
	Manifest *domain.Manifest
	Data     []byte
	// FromCache is true when no network request was made.
	FromCache bool
	Attempts  int
	Elapsed   time.Duration
	Err       error
}

// Config holds the scheduler budgets.
type Config struct {
	MaxConcurrent int
	RetryCount    int
	RetryBackoff  time.Duration
	FetchTimeout  time.Duration
	// PrefetchShare is the fraction of the bandwidth estimate non-active
	// transfers may use. Zero disables pacing.
	PrefetchShare float64
}

func (c *Config) withDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

type task struct {
	req      Request // immutable after Schedule
	priority int // guarded by Scheduler.mu
	seq      uint64
	index    int // heap index, -1 when not queued

	active    atomic.Bool // priority == 0, read by the pacer
	cancelled atomic.Bool
	cancel    context.CancelFunc // set when running, guarded by Scheduler.mu
}

// Handle is a cancellable reference to a scheduled task.
type Handle struct {
	s *Scheduler
	t *task
}

// Cancel drops the task if queued or cancels its transfer if running.
// Cancelling twice is harmless.
func (h *Handle) Cancel() {
	if h == nil || h.t == nil {
		return
	}
	h.s.cancelTask(h.t)
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	return h != nil && h.t != nil && h.t.cancelled.Load()
}

// Scheduler dispatches tasks to a bounded worker pool in priority order.
type Scheduler struct {
	cfg      Config
	fetcher  fetch.Fetcher
	resolver Resolver
	cache    *cache.Cache
	bw       *bandwidth.Estimator
	pacer    *pacer
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	queue   taskQueue
	seq     uint64
	running int
	ctx     context.Context

	tasks   *xsync.MapOf[taskKey, *task]
	pool    *ants.Pool
	wake    chan struct{}
	results chan Result
	wg      sync.WaitGroup
	stop    context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New returns a Scheduler. Tasks may be scheduled before Start; nothing is
// dispatched until then.
func New(cfg Config, f fetch.Fetcher, r Resolver, c *cache.Cache, bw *bandwidth.Estimator, opts ...Option) (*Scheduler, error) {
	cfg.withDefaults()
	pool, err := ants.NewPool(cfg.MaxConcurrent, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	s := &Scheduler{
		cfg:      cfg,
		fetcher:  f,
		resolver: r,
		cache:    c,
		bw:       bw,
		log:      slog.Default(),
		tasks:    xsync.NewMapOf[taskKey, *task](),
		pool:     pool,
		wake:     make(chan struct{}, 1),
		results:  make(chan Result, resultBuffer),
	}
	if bw != nil {
		s.pacer = newPacer(cfg.PrefetchShare, bw.Estimate)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "prefetch")
	return s, nil
}

// Results delivers one Result per task that ran. Tasks cancelled while
// queued produce none.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Start begins dispatching until ctx is done or Close is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.stop = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatch(ctx)
	s.signal()
}

// Close stops dispatching, cancels running transfers and waits for workers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.tasks.Range(func(_ taskKey, t *task) bool {
		s.cancelTask(t)
		return true
	})
	s.wg.Wait()
	s.pool.Release()
}

// Schedule queues req. If a task for the same resource is already queued or
// running, its handle is returned and its priority raised if req is nearer.
func (s *Scheduler) Schedule(req Request) *Handle {
	key := req.key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks.Load(key); ok && !t.cancelled.Load() {
		if req.Priority < t.priority {
			s.setPriorityLocked(t, req.Priority)
		}
		return &Handle{s: s, t: t}
	}

	s.seq++
	t := &task{req: req, priority: req.Priority, seq: s.seq, index: -1}
	t.active.Store(req.Priority == 0)
	heap.Push(&s.queue, t)
	s.tasks.Store(key, t)
	s.signal()
	return &Handle{s: s, t: t}
}

// CancelAll cancels every queued or running task of item.
func (s *Scheduler) CancelAll(item domain.ItemID) int {
	var victims []*task
	s.tasks.Range(func(k taskKey, t *task) bool {
		if k.item == item {
			victims = append(victims, t)
		}
		return true
	})
	for _, t := range victims {
		s.cancelTask(t)
	}
	return len(victims)
}

// Reprioritize recomputes the priority of every queued or running task.
// fn returns the new priority, or false to cancel the task.
func (s *Scheduler) Reprioritize(fn func(Request) (int, bool)) {
	var drop []*task
	s.mu.Lock()
	s.tasks.Range(func(_ taskKey, t *task) bool {
		if t.cancelled.Load() {
			return true
		}
		p, keep := fn(t.req)
		if !keep {
			drop = append(drop, t)
			return true
		}
		t.priority = p
		t.active.Store(p == 0)
		return true
	})
	heap.Init(&s.queue)
	s.mu.Unlock()

	for _, t := range drop {
		s.cancelTask(t)
	}
}

// Pending returns the number of queued and running tasks.
func (s *Scheduler) Pending() (queued, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len(), s.running
}

func (s *Scheduler) setPriorityLocked(t *task, p int) {
	t.priority = p
	t.active.Store(p == 0)
	if t.index >= 0 {
		heap.Fix(&s.queue, t.index)
	}
}

func (s *Scheduler) cancelTask(t *task) {
	s.mu.Lock()
	if t.cancelled.Swap(true) {
		s.mu.Unlock()
		return
	}
	queued := t.index >= 0
	if queued {
		heap.Remove(&s.queue, t.index)
	}
	cancel := t.cancel
	s.mu.Unlock()

	if queued {
		s.forget(t)
		s.metrics.IncPrefetchTasks(t.req.Kind.String(), "cancelled")
		return
	}
	if cancel != nil {
		cancel()
	}
}

// forget removes t from the registry unless a newer task took its key.
func (s *Scheduler) forget(t *task) {
	s.tasks.Compute(t.req.key(), func(cur *task, loaded bool) (*task, bool) {
		return cur, !loaded || cur == t
	})
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for s.dispatchOne(ctx) {
		}
	}
}

// dispatchOne starts the best queued task if a worker slot is free.
func (s *Scheduler) dispatchOne(ctx context.Context) bool {
	s.mu.Lock()
	if ctx.Err() != nil || s.running >= s.cfg.MaxConcurrent || s.queue.Len() == 0 {
		s.mu.Unlock()
		return false
	}
	t := heap.Pop(&s.queue).(*task)
	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	s.running++
	running := s.running
	s.mu.Unlock()

	s.metrics.SetPrefetchInflight(running)
	s.wg.Add(1)
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		res := s.run(tctx, t)
		cancel()
		s.finish(t, res)
	})
	if err != nil {
		s.wg.Done()
		cancel()
		s.finish(t, Result{Request: t.req, Err: fmt.Errorf("%w: submit: %v", domain.ErrCancelled, err)})
		return false
	}
	return true
}

func (s *Scheduler) finish(t *task, res Result) {
	s.forget(t)

	s.mu.Lock()
	s.running--
	running := s.running
	ctx := s.ctx
	s.mu.Unlock()

	s.metrics.SetPrefetchInflight(running)
	s.metrics.IncPrefetchTasks(t.req.Kind.String(), outcome(res))
	s.signal()

	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}

func outcome(res Result) string {
	switch {
	case res.Err == nil && res.FromCache:
		return "hit"
	case res.Err == nil:
		return "ok"
	case domain.IsCancelled(res.Err):
		return "cancelled"
	default:
		return "failed"
	}
}

// run executes one task: cache lookup, then fetch with retries.
func (s *Scheduler) run(ctx context.Context, t *task) Result {
	req := t.req
	res := Result{Request: req}
	start := time.Now()

	if req.Kind == domain.KindManifest {
		s.runManifest(ctx, t, &res)
	} else {
		s.runSegment(ctx, t, &res)
	}
	res.Elapsed = time.Since(start)
	return res
}

func (s *Scheduler) runManifest(ctx context.Context, t *task, res *Result) {
	req := t.req
	if !req.Refresh && s.cache != nil {
		if m, ok := s.cache.Manifest(req.Item.ID); ok {
			res.Manifest, res.FromCache = m, true
			return
		}
	}

	err := s.retry(ctx, req, res, func(actx context.Context) error {
		m, err := s.resolver.Resolve(actx, req.Item)
		if err != nil {
			return err
		}
		res.Manifest = m
		return nil
	})
	if err != nil {
		res.Err = err
		return
	}
	if s.cache != nil {
		if err := s.cache.PutManifest(res.Manifest); err != nil {
			s.log.Debug("manifest not cached", slog.String("item", string(req.Item.ID)), slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) runSegment(ctx context.Context, t *task, res *Result) {
	req := t.req
	key := cache.SegmentKey(req.Item.ID, req.Fingerprint, req.Representation, req.Segment.Index)
	if s.cache != nil {
		if data, ok := s.cache.Segment(key); ok {
			res.Data, res.FromCache = data, true
			return
		}
	}

	var (
		partial []byte
		paced   atomic.Bool
		last    *fetch.Response
	)
	pace := func(ctx context.Context, n int) error {
		if t.active.Load() || !s.pacer.enabled() {
			return nil
		}
		paced.Store(true)
		return s.pacer.pace(ctx, n)
	}

	err := s.retry(ctx, req, res, func(actx context.Context) error {
		resp, err := s.fetcher.Fetch(actx, fetch.Request{
			URL:    req.Segment.URI,
			Range:  req.Segment.ByteRange,
			Offset: int64(len(partial)),
			Pace:   pace,
		})
		if resp != nil {
			if len(partial) > 0 && resp.Partial {
				partial = append(partial, resp.Body...)
			} else {
				// Fresh body, or the server ignored the resume range.
				partial = resp.Body
			}
			last = resp
		}
		return err
	})
	if err != nil {
		// Bytes of an incomplete segment are never committed.
		res.Err = err
		return
	}

	res.Data = partial
	if s.cache != nil {
		// Fully received: commit even if the task was cancelled meanwhile.
		if err := s.cache.PutSegment(key, partial); err != nil {
			s.log.Debug("segment not cached", slog.String("key", key.String()), slog.String("error", err.Error()))
		}
	}
	if s.bw != nil && last != nil && !paced.Load() {
		if s.bw.Observe(bandwidth.Sample{Bytes: int64(len(last.Body)), Duration: last.Elapsed}) {
			s.metrics.SetBandwidthEstimate(s.bw.Estimate())
		}
	}
}

// retry runs attempt under FetchTimeout, retrying transient failures with
// exponential backoff up to RetryCount times.
func (s *Scheduler) retry(ctx context.Context, req Request, res *Result, attempt func(context.Context) error) error {
	backoff := s.cfg.RetryBackoff
	for i := 0; ; i++ {
		res.Attempts = i + 1
		actx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		err := attempt(actx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", domain.ErrCancelled, req)
		}
		if !domain.IsTransient(err) || i >= s.cfg.RetryCount {
			return err
		}

		s.log.Debug("fetch failed, retrying",
			slog.String("task", req.String()),
			slog.Int("attempt", i+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s", domain.ErrCancelled, req)
		case <-timer.C:
		}
		backoff *= 2
	}
}
