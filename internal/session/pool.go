package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"feed-engine/internal/domain"
)

// ErrReleasePending is returned by Acquire while an evicted session's pipeline
// is still being released. The caller retries once the release completes.
var ErrReleasePending = errors.New("session release pending")

// Pinner protects an item's cached data while a session is bound to it.
// Implemented by *cache.Cache.
type Pinner interface {
	Pin(item domain.ItemID)
	Unpin(item domain.ItemID)
}

// View is the feed geometry eviction decisions are made against.
type View struct {
	// Active is the feed position of the active item.
	Active int
	// Direction is +1 when scrolling forward, -1 backward, 0 when unknown.
	Direction int
	// Lo and Hi bound the retained window, inclusive.
	Lo, Hi int
}

// Distance returns the feed distance of pos from the active item.
func (v View) Distance(pos int) int {
	if d := pos - v.Active; d >= 0 {
		return d
	}
	return v.Active - pos
}

// InWindow reports whether pos lies in the retained window.
func (v View) InWindow(pos int) bool {
	return pos >= v.Lo && pos <= v.Hi
}

// behind reports whether pos is on the side the user is scrolling away from.
func (v View) behind(pos int) bool {
	if v.Direction < 0 {
		return pos > v.Active
	}
	return pos < v.Active
}

// Pool is a fixed set of sessions with an item -> session assignment map.
type Pool struct {
	sessions []*Session
	assigned map[domain.ItemID]*Session
	gen      uint64

	pins      Pinner
	onRelease func(s *Session, p Pipeline)
	log       *slog.Logger
	now       func() time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	pins       Pinner
	onRelease  func(*Session, Pipeline)
	transition func(*Session, State, State)
	log        *slog.Logger
	now        func() time.Time
}

// WithPinner pins the items of bound sessions.
func WithPinner(p Pinner) PoolOption {
	return func(o *poolOptions) { o.pins = p }
}

// WithReleaseHook is called whenever a session is released with the pipeline
// that must be torn down. The hook must call ReleaseDone when it finishes.
func WithReleaseHook(fn func(s *Session, p Pipeline)) PoolOption {
	return func(o *poolOptions) { o.onRelease = fn }
}

// WithTransitionHook observes every session state transition.
func WithTransitionHook(fn func(s *Session, from, to State)) PoolOption {
	return func(o *poolOptions) { o.transition = fn }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(o *poolOptions) { o.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) PoolOption {
	return func(o *poolOptions) { o.now = now }
}

// NewPool creates capacity Idle sessions.
func NewPool(capacity int, cfg Config, opts ...PoolOption) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: pool capacity %d", domain.ErrCapacity, capacity)
	}
	o := poolOptions{log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.withDefaults()

	p := &Pool{
		sessions:  make([]*Session, capacity),
		assigned:  make(map[domain.ItemID]*Session, capacity),
		pins:      o.pins,
		onRelease: o.onRelease,
		log:       o.log.With("component", "pool"),
		now:       o.now,
	}
	for i := range p.sessions {
		p.sessions[i] = newSession(i, cfg, o.transition)
	}
	return p, nil
}

// Capacity returns the number of sessions.
func (p *Pool) Capacity() int { return len(p.sessions) }

// Sessions returns every session in slot order.
func (p *Pool) Sessions() []*Session { return p.sessions }

// Lookup returns the session bound to item.
func (p *Pool) Lookup(item domain.ItemID) (*Session, bool) {
	s, ok := p.assigned[item]
	return s, ok
}

// Bound returns the number of bound sessions.
func (p *Pool) Bound() int { return len(p.assigned) }

// Acquire returns the session bound to item, binding a free one if needed.
// When none is free the least relevant binding is evicted; its release runs
// asynchronously and Acquire returns ErrReleasePending until it completes.
// If every bound session is protected, the error wraps domain.ErrCapacity.
func (p *Pool) Acquire(item domain.VideoItem, view View) (*Session, error) {
	if s, ok := p.assigned[item.ID]; ok {
		return s, nil
	}

	s := p.free()
	if s == nil {
		if p.releasePending() {
			return nil, ErrReleasePending
		}
		if _, ok := p.EvictLeastRelevant(view); !ok {
			return nil, fmt.Errorf("%w: all %d sessions protected", domain.ErrCapacity, len(p.sessions))
		}
		if s = p.free(); s == nil {
			return nil, ErrReleasePending
		}
	}

	p.gen++
	if err := s.bind(item, p.gen, p.now()); err != nil {
		return nil, err
	}
	p.assigned[item.ID] = s
	if p.pins != nil {
		p.pins.Pin(item.ID)
	}
	p.log.Debug("session bound",
		slog.Int("slot", s.slot),
		slog.String("item", string(item.ID)),
		slog.Uint64("gen", s.gen))
	return s, nil
}

// Release releases the session bound to item. It reports whether one was bound.
func (p *Pool) Release(item domain.ItemID) bool {
	s, ok := p.assigned[item]
	if !ok {
		return false
	}
	p.releaseSession(s)
	return true
}

func (p *Pool) releaseSession(s *Session) {
	delete(p.assigned, s.item.ID)
	if p.pins != nil {
		p.pins.Unpin(s.item.ID)
	}
	pl := s.release()
	if pl != nil && p.onRelease != nil {
		p.onRelease(s, pl)
	} else {
		s.releasing = false
	}
	p.log.Debug("session released",
		slog.Int("slot", s.slot),
		slog.String("item", string(s.item.ID)),
		slog.Bool("async", s.releasing))
}

// ReleaseDone marks the pipeline release of binding gen as finished, or
// abandoned after a timeout. A late report for an older binding is ignored.
func (p *Pool) ReleaseDone(s *Session, gen uint64) {
	if s.gen == gen && s.state == Released {
		s.releasing = false
	}
}

// EvictLeastRelevant releases the bound session furthest from the active
// item. The active item and bound neighbours inside the window are never
// evicted; items outside the window go first; equal distances evict the side
// the user is scrolling away from.
func (p *Pool) EvictLeastRelevant(view View) (*Session, bool) {
	candidates := make([]*Session, 0, len(p.assigned))
	for _, s := range p.sessions {
		if !s.state.Bound() {
			continue
		}
		pos := s.item.Position
		d := view.Distance(pos)
		if d == 0 || (d == 1 && view.InWindow(pos)) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].item.Position, candidates[j].item.Position
		if ao, bo := !view.InWindow(a), !view.InWindow(b); ao != bo {
			return ao
		}
		if da, db := view.Distance(a), view.Distance(b); da != db {
			return da > db
		}
		return view.behind(a) && !view.behind(b)
	})

	victim := candidates[0]
	p.log.Debug("evicting session",
		slog.Int("slot", victim.slot),
		slog.String("item", string(victim.item.ID)),
		slog.Int("distance", view.Distance(victim.item.Position)))
	p.releaseSession(victim)
	return victim, true
}

// StateCounts returns how many sessions are in each state.
func (p *Pool) StateCounts() map[string]int {
	out := make(map[string]int, len(stateNames))
	for _, s := range p.sessions {
		out[s.state.String()]++
	}
	return out
}

// Snapshots returns a view of every session.
func (p *Pool) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

func (p *Pool) free() *Session {
	for _, s := range p.sessions {
		if s.state == Idle {
			return s
		}
	}
	for _, s := range p.sessions {
		if s.state == Released && !s.releasing {
			return s
		}
	}
	return nil
}

func (p *Pool) releasePending() bool {
	for _, s := range p.sessions {
		if s.state == Released && s.releasing {
			return true
		}
	}
	return false
}
