// Package feed hosts the feed controller: it maps scroll events to an active
// item and a retained window, drives the session pool and the prefetch
// scheduler, and tells the UI what to play.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"feed-engine/internal/domain"
	"feed-engine/internal/manifest"
	"feed-engine/internal/platform/metrics"
	"feed-engine/internal/prefetch"
	"feed-engine/internal/session"
)

const (
	commandBuffer    = 16
	internalBuffer   = 64
	sourceRetryDelay = 2 * time.Second
)

var (
	// ErrStopped is returned by commands once Run has returned.
	ErrStopped = errors.New("feed controller stopped")

	// ErrNoActiveItem is returned by commands that need an active item.
	ErrNoActiveItem = errors.New("no active item")

	// ErrNotBound is returned when an item has no session.
	ErrNotBound = errors.New("item not bound to a session")
)

// Prefetcher is the subset of *prefetch.Scheduler the controller drives.
type Prefetcher interface {
	Schedule(req prefetch.Request) *prefetch.Handle
	CancelAll(item domain.ItemID) int
	Reprioritize(fn func(prefetch.Request) (int, bool))
	Results() <-chan prefetch.Result
}

// Estimator supplies the bandwidth estimate in bits per second.
type Estimator interface {
	Estimate() float64
}

// Controller owns the feed state. All state is confined to the goroutine
// running Run; the exported methods post commands to it.
type Controller struct {
	cfg       Config
	source    Source
	sched     Prefetcher
	bw        Estimator
	pipelines session.PipelineFactory
	pool      *session.Pool
	hub       *Hub
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	cmds     chan func()
	internal chan func()
	started  atomic.Bool
	quit     chan struct{}
	stopped  chan struct{}
	workers  sync.WaitGroup

	// Control goroutine state.
	runCtx     context.Context
	items      []domain.VideoItem
	known      map[domain.ItemID]bool
	failed     map[domain.ItemID]error
	window     Window
	offset     float64
	userPaused bool
	background bool
	paging     bool
	exhausted  bool
	retryPage  time.Time
	timed      map[uint64]bool
}

// Option configures a Controller.
type Option func(*controllerOptions)

type controllerOptions struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	pins    session.Pinner
	now     func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *controllerOptions) { o.log = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *controllerOptions) { o.metrics = m }
}

// WithPinner pins the cached data of bound items, normally the *cache.Cache.
func WithPinner(p session.Pinner) Option {
	return func(o *controllerOptions) { o.pins = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *controllerOptions) { o.now = now }
}

// New validates cfg and builds a controller with its session pool.
func New(cfg Config, src Source, sched Prefetcher, bw Estimator, pipelines session.PipelineFactory, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := controllerOptions{log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if pipelines == nil {
		pipelines = session.NewNullPipeline
	}

	c := &Controller{
		cfg:       cfg,
		source:    src,
		sched:     sched,
		bw:        bw,
		pipelines: pipelines,
		hub:       NewHub(),
		log:       o.log.With("component", "feed"),
		metrics:   o.metrics,
		now:       o.now,
		cmds:      make(chan func(), commandBuffer),
		internal:  make(chan func(), internalBuffer),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		known:     make(map[domain.ItemID]bool),
		failed:    make(map[domain.ItemID]error),
		window:    emptyWindow(),
		timed:     make(map[uint64]bool),
	}

	pool, err := session.NewPool(cfg.PoolCapacity,
		session.Config{MinBuffer: cfg.MinBuffer, ABRSafety: cfg.ABRSafety},
		session.WithPinner(o.pins),
		session.WithReleaseHook(c.releasePipeline),
		session.WithTransitionHook(c.onTransition),
		session.WithPoolLogger(o.log),
		session.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	c.pool = pool
	return c, nil
}

// Run processes commands, worker results and playback ticks until ctx is
// done. Sessions are released before it returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("feed controller already running")
	}
	defer close(c.stopped)

	c.runCtx = ctx
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.log.Info("feed controller started",
		slog.Int("pool_capacity", c.pool.Capacity()),
		slog.Int("look_behind", c.cfg.LookBehind),
		slog.Int("lookahead", c.cfg.Lookahead))

	c.requestMore()
	last := c.now()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case fn := <-c.cmds:
			fn()
		case fn := <-c.internal:
			fn()
		case res := <-c.sched.Results():
			c.onResult(res)
		case <-ticker.C:
			now := c.now()
			c.tick(now.Sub(last))
			last = now
		}
		c.settle()
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

// Subscribe returns a stream of events for the UI collaborator.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.hub.Subscribe()
}

// OnScroll moves the viewport to offset, measured in item heights.
func (c *Controller) OnScroll(ctx context.Context, offset float64) (Window, error) {
	var w Window
	err := c.do(ctx, func() { w = c.scroll(offset) })
	return w, err
}

// OnUserPlayPause toggles playback of the active item. On an item that
// failed it retries the item once.
func (c *Controller) OnUserPlayPause(ctx context.Context) error {
	var err error
	if derr := c.do(ctx, func() { err = c.toggle() }); derr != nil {
		return derr
	}
	return err
}

// OnAppBackground pauses every session and stops non-active prefetching.
func (c *Controller) OnAppBackground(ctx context.Context) error {
	return c.do(ctx, c.enterBackground)
}

// OnAppForeground resumes prefetching and replays the active item if it is
// still playable and the user had not paused it.
func (c *Controller) OnAppForeground(ctx context.Context) error {
	return c.do(ctx, c.enterForeground)
}

// Seek moves the playhead of the active item.
func (c *Controller) Seek(ctx context.Context, position time.Duration) error {
	var err error
	if derr := c.do(ctx, func() { err = c.seek(position) }); derr != nil {
		return derr
	}
	return err
}

// Snapshot is a read-only view of the controller for the UI and tests.
type Snapshot struct {
	Window     Window             `json:"window"`
	Offset     float64            `json:"offset"`
	Items      int                `json:"items"`
	Exhausted  bool               `json:"exhausted"`
	Background bool               `json:"background"`
	UserPaused bool               `json:"user_paused"`
	Bandwidth  float64            `json:"bandwidth_bps"`
	Sessions   []session.Snapshot `json:"sessions"`
	Failed     map[string]string  `json:"failed,omitempty"`
}

// Snapshot returns the current state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() {
		snap = Snapshot{
			Window:     c.window,
			Offset:     c.offset,
			Items:      len(c.items),
			Exhausted:  c.exhausted,
			Background: c.background,
			UserPaused: c.userPaused,
			Bandwidth:  c.bw.Estimate(),
			Sessions:   c.pool.Snapshots(),
		}
		if len(c.failed) > 0 {
			snap.Failed = make(map[string]string, len(c.failed))
			for id, err := range c.failed {
				snap.Failed[string(id)] = err.Error()
			}
		}
	})
	return snap, err
}

// Playlist renders the representation a bound item is playing as a media
// playlist.
func (c *Controller) Playlist(ctx context.Context, item domain.ItemID) (string, error) {
	var (
		out string
		err error
	)
	derr := c.do(ctx, func() {
		s, ok := c.pool.Lookup(item)
		if !ok || s.Manifest() == nil {
			err = fmt.Errorf("%w: %s", ErrNotBound, item)
			return
		}
		out = manifest.BuildMediaPlaylist(s.Representation().Segments, !s.Manifest().Live)
	})
	if derr != nil {
		return "", derr
	}
	return out, err
}

// do runs fn on the control goroutine and waits for it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// post hands a worker completion back to the control goroutine.
func (c *Controller) post(fn func()) {
	select {
	case c.internal <- fn:
	case <-c.quit:
	}
}

func (c *Controller) publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	c.hub.Publish(e)
}

func (c *Controller) intent(item domain.ItemID, in Intent) {
	c.publish(Event{Type: EventIntent, Item: item, Intent: in})
}

// scroll recomputes the active item and the window, then reconciles.
func (c *Controller) scroll(offset float64) Window {
	c.offset = offset
	prev := c.window
	active := activeIndex(offset, len(c.items))
	c.window = slideWindow(c.items, active, c.cfg.LookBehind, c.cfg.Lookahead, prev)

	if c.window.Active != prev.Active {
		c.activate(prev)
		w := c.window
		c.publish(Event{Type: EventWindow, Item: w.ActiveItem, Window: &w})
	}
	c.reconcile()
	return c.window
}

// activate hands playback from the previous active item to the new one.
func (c *Controller) activate(prev Window) {
	c.userPaused = false
	for _, s := range c.pool.Sessions() {
		if !s.State().Bound() || s.Item().Position == c.window.Active {
			continue
		}
		wasActive := prev.Active >= 0 && s.Item().Position == prev.Active
		if s.State() == session.Playing || (wasActive && s.State() == session.Buffering) {
			c.pause(s)
		}
	}
	if s := c.activeSession(); s != nil && s.Completed() {
		c.play(s)
	}
	c.log.Debug("active item changed",
		slog.Int("from", prev.Active),
		slog.Int("to", c.window.Active),
		slog.String("item", string(c.window.ActiveItem)))
}

// reconcile releases sessions outside the window, binds the window and
// schedules fetches.
func (c *Controller) reconcile() {
	for _, s := range c.pool.Sessions() {
		if !s.State().Bound() {
			continue
		}
		pos := s.Item().Position
		switch {
		case !c.window.Contains(pos):
			c.sched.CancelAll(s.Item().ID)
			c.pool.Release(s.Item().ID)
		case c.background && pos != c.window.Active:
			c.stopPrefetch(s)
		}
	}

	c.sched.Reprioritize(func(req prefetch.Request) (int, bool) {
		pos := req.Item.Position
		if !c.window.Contains(pos) {
			return 0, false
		}
		return c.window.Distance(pos), true
	})

	view := c.window.view()
	for _, pos := range c.window.order() {
		item := c.items[pos]
		if _, failed := c.failed[item.ID]; failed {
			continue
		}
		if _, bound := c.pool.Lookup(item.ID); bound {
			continue
		}
		if c.background && pos != c.window.Active {
			continue
		}
		s, err := c.pool.Acquire(item, view)
		if errors.Is(err, session.ErrReleasePending) {
			// Retried when the pending release completes.
			break
		}
		if err != nil {
			c.log.Warn("cannot bind item", slog.String("item", string(item.ID)), slog.String("error", err.Error()))
			break
		}
		c.startBinding(s)
	}

	for _, s := range c.pool.Sessions() {
		c.pump(s)
	}
	c.maybeFetchMore()
}

// startBinding attaches a fresh pipeline and prepares it off the control
// goroutine. The manifest request is issued by pump.
func (c *Controller) startBinding(s *session.Session) {
	gen := s.Gen()
	p := c.pipelines(func(err error) {
		c.post(func() {
			if s.Gen() == gen {
				c.failItem(s, fmt.Errorf("%w: %v", domain.ErrDecode, err))
			}
		})
	})
	s.Attach(p)

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.PrepareTimeout)
		defer cancel()
		err := p.Prepare(ctx)
		c.post(func() {
			if s.Gen() != gen || !s.State().Bound() {
				return
			}
			if err != nil {
				c.failItem(s, fmt.Errorf("%w: prepare: %v", domain.ErrDecode, err))
				return
			}
			s.OnPrepared()
		})
	}()
}

// releasePipeline is the pool's release hook. The pipeline is released off
// the control goroutine and abandoned after ReleaseTimeout.
func (c *Controller) releasePipeline(s *session.Session, p session.Pipeline) {
	gen := s.Gen()
	item := s.Item().ID
	c.sched.CancelAll(item)
	delete(c.timed, gen)

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- p.Release(ctx) }()
		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			c.log.Warn("pipeline release abandoned", slog.String("item", string(item)), slog.String("error", err.Error()))
		}
		c.post(func() {
			c.pool.ReleaseDone(s, gen)
			c.reconcile()
		})
	}()
}

// pump schedules the next fetch a session needs.
func (c *Controller) pump(s *session.Session) {
	if !s.State().Bound() {
		return
	}
	item := s.Item()
	if !c.window.Contains(item.Position) {
		return
	}
	d := c.window.Distance(item.Position)
	if c.background && d != 0 {
		return
	}
	target := c.cfg.PrefetchBuffer
	if d == 0 {
		target = c.cfg.MaxBuffer
	}
	want, ok := s.NextFetch(c.bw.Estimate(), target, c.now())
	if !ok {
		return
	}
	c.sched.Schedule(prefetch.Request{
		Item:           item,
		Kind:           want.Kind,
		Fingerprint:    want.Fingerprint,
		Representation: want.Representation,
		Segment:        want.Segment,
		Priority:       d,
		Owner:          s.Gen(),
		Refresh:        want.Kind == domain.KindManifest && s.Manifest() != nil,
	})
}

// onResult applies a finished fetch to the session that asked for it.
// Results for an older binding are dropped.
func (c *Controller) onResult(res prefetch.Result) {
	req := res.Request
	s, ok := c.pool.Lookup(req.Item.ID)
	if !ok || s.Gen() != req.Owner {
		return
	}

	if res.Err != nil {
		if domain.IsCancelled(res.Err) {
			s.Abandon(req.Kind, req.Segment.Index)
			return
		}
		c.failItem(s, res.Err)
		return
	}

	var err error
	switch req.Kind {
	case domain.KindManifest:
		err = s.OnManifest(res.Manifest, c.bw.Estimate())
	case domain.KindSegment:
		_, err = s.OnSegment(req.Segment.Index, req.Segment.Duration, res.Data)
	}
	if err != nil {
		c.failItem(s, err)
		return
	}
	c.pump(s)
}

// failItem marks the item not playable, tells the UI and releases its
// session. Other sessions are untouched.
func (c *Controller) failItem(s *session.Session, err error) {
	item := s.Item()
	c.failed[item.ID] = err
	c.metrics.IncItemFailures(domain.Kind(err))
	c.log.Warn("item failed",
		slog.String("item", string(item.ID)),
		slog.Int("position", item.Position),
		slog.String("kind", domain.Kind(err)),
		slog.String("error", err.Error()))

	_ = s.Fail(err)
	c.publish(Event{Type: EventIntent, Item: item.ID, Intent: IntentShowError, Error: err.Error()})
	c.sched.CancelAll(item.ID)
	c.pool.Release(item.ID)
}

// onTransition is the pool's transition hook.
func (c *Controller) onTransition(s *session.Session, from, to session.State) {
	c.metrics.ObserveTransition(to.String())
	if to == session.Ready && !c.timed[s.Gen()] {
		c.timed[s.Gen()] = true
		c.metrics.ObserveTimeToReady(c.now().Sub(s.BoundAt()))
	}
	c.log.Debug("session transition",
		slog.Int("slot", s.Slot()),
		slog.String("item", string(s.Item().ID)),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	c.publish(Event{Type: EventState, Item: s.Item().ID, From: from.String(), State: to.String()})
}

// settle plays the active item once it can: a queued play after Ready, or a
// paused item that has buffered enough again.
func (c *Controller) settle() {
	if c.background || c.userPaused {
		return
	}
	s := c.activeSession()
	if s == nil {
		return
	}
	if s.State() == session.Ready || (s.State() == session.Paused && s.Playable()) {
		c.play(s)
	}
}

func (c *Controller) play(s *session.Session) {
	started, err := s.Play()
	if err != nil {
		if errors.Is(err, domain.ErrDecode) {
			c.failItem(s, err)
			return
		}
		c.log.Debug("play ignored", slog.String("item", string(s.Item().ID)), slog.String("error", err.Error()))
		return
	}
	if started {
		c.intent(s.Item().ID, IntentPlay)
	}
}

func (c *Controller) pause(s *session.Session) {
	was := s.State()
	if err := s.Pause(); err != nil {
		c.failItem(s, err)
		return
	}
	if was != s.State() {
		c.intent(s.Item().ID, IntentPause)
	}
}

func (c *Controller) activeSession() *session.Session {
	if c.window.Active < 0 {
		return nil
	}
	s, ok := c.pool.Lookup(c.window.ActiveItem)
	if !ok {
		return nil
	}
	return s
}

func (c *Controller) toggle() error {
	if c.window.Active < 0 {
		return ErrNoActiveItem
	}
	id := c.window.ActiveItem
	if _, failed := c.failed[id]; failed {
		delete(c.failed, id)
		c.userPaused = false
		c.log.Info("retrying failed item", slog.String("item", string(id)))
		c.reconcile()
		return nil
	}

	s := c.activeSession()
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotBound, id)
	}
	switch s.State() {
	case session.Playing, session.Buffering:
		if !c.userPaused {
			c.userPaused = true
			c.pause(s)
			return nil
		}
	}
	c.userPaused = false
	if s.State() == session.Paused {
		c.play(s)
	}
	return nil
}

func (c *Controller) enterBackground() {
	if c.background {
		return
	}
	c.background = true
	for _, s := range c.pool.Sessions() {
		if !s.State().Bound() {
			continue
		}
		c.pause(s)
		if s.Item().Position != c.window.Active {
			c.stopPrefetch(s)
		}
	}
	c.log.Info("app backgrounded")
}

// stopPrefetch cancels a session's outstanding fetches; pump requests them
// again later.
func (c *Controller) stopPrefetch(s *session.Session) {
	if c.sched.CancelAll(s.Item().ID) > 0 {
		s.CancelFetches()
	}
}

func (c *Controller) enterForeground() {
	if !c.background {
		return
	}
	c.background = false
	c.log.Info("app foregrounded")
	c.reconcile()
}

func (c *Controller) seek(position time.Duration) error {
	s := c.activeSession()
	if s == nil {
		return ErrNoActiveItem
	}
	if err := s.Seek(position); err != nil {
		if errors.Is(err, domain.ErrDecode) {
			c.failItem(s, err)
		}
		return err
	}
	c.sched.CancelAll(s.Item().ID)
	s.CancelFetches()
	c.pump(s)
	return nil
}

// tick advances the playhead of playing sessions and keeps fetches flowing.
func (c *Controller) tick(dt time.Duration) {
	var completedActive bool
	for _, s := range c.pool.Sessions() {
		if s.State() != session.Playing {
			continue
		}
		stalled, completed := s.Advance(dt)
		if stalled {
			c.metrics.IncStalls()
			c.publish(Event{Type: EventStall, Item: s.Item().ID})
			c.log.Debug("stall", slog.String("item", string(s.Item().ID)))
		}
		if completed && s.Item().Position == c.window.Active {
			completedActive = true
		}
	}
	for _, s := range c.pool.Sessions() {
		c.pump(s)
	}
	c.maybeFetchMore()
	c.metrics.SetSessionStates(c.pool.StateCounts())

	if completedActive && c.cfg.AutoAdvance {
		c.advance()
	}
}

// advance moves to the next playable item after the active one.
func (c *Controller) advance() {
	for pos := c.window.Active + 1; pos < len(c.items); pos++ {
		if _, failed := c.failed[c.items[pos].ID]; failed {
			continue
		}
		c.intent(c.items[pos].ID, IntentAdvance)
		c.scroll(float64(pos))
		return
	}
}

func (c *Controller) maybeFetchMore() {
	if len(c.items) > 0 && c.window.Active < len(c.items)-1-c.cfg.FetchMoreThreshold {
		return
	}
	c.requestMore()
}

// requestMore asks the source for the next page on a worker goroutine.
func (c *Controller) requestMore() {
	if c.source == nil || c.paging || c.exhausted || c.now().Before(c.retryPage) {
		return
	}
	c.paging = true
	after := len(c.items) - 1

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		items, err := c.source.FetchMore(c.runCtx, after)
		c.post(func() { c.appendItems(after, items, err) })
	}()
}

func (c *Controller) appendItems(after int, items []domain.VideoItem, err error) {
	c.paging = false
	if err != nil {
		c.retryPage = c.now().Add(sourceRetryDelay)
		c.log.Warn("feed source failed", slog.Int("after", after), slog.String("error", err.Error()))
		return
	}
	if after != len(c.items)-1 {
		return
	}
	if len(items) == 0 {
		c.exhausted = true
		c.log.Info("feed exhausted", slog.Int("items", len(c.items)))
		return
	}
	added := 0
	for _, it := range items {
		if c.known[it.ID] {
			continue
		}
		it.Position = len(c.items)
		c.items = append(c.items, it)
		c.known[it.ID] = true
		added++
	}
	c.log.Debug("feed page appended", slog.Int("added", added), slog.Int("items", len(c.items)))
	c.scroll(c.offset)
}

// shutdown releases every session and waits for worker goroutines.
func (c *Controller) shutdown() {
	close(c.quit)
	for _, s := range c.pool.Sessions() {
		if s.State().Bound() {
			c.sched.CancelAll(s.Item().ID)
			c.pool.Release(s.Item().ID)
		}
	}
	c.workers.Wait()
	c.log.Info("feed controller stopped")
}
