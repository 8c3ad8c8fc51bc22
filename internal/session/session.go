// Package session implements the stream session state machine and the
// bounded pool that recycles sessions across feed items. Everything here is
// driven from the feed controller's goroutine and is not safe for concurrent
// use.
package session

import (
	"errors"
	"fmt"
	"time"

	"feed-engine/internal/domain"
	"feed-engine/internal/manifest"

	"github.com/google/uuid"
)

const (
	DefaultMinBuffer = time.Second
	DefaultABRSafety = 0.8
)

// ErrSeekRange is returned when a seek target lies outside the known segments.
var ErrSeekRange = errors.New("seek position out of range")

// Config tunes every session of a pool.
type Config struct {
	// MinBuffer is the buffered duration that makes a session Ready.
	MinBuffer time.Duration
	// ABRSafety is the fraction of the bandwidth estimate a representation's
	// bitrate may use.
	ABRSafety float64
}

func (c *Config) withDefaults() {
	if c.MinBuffer <= 0 {
		c.MinBuffer = DefaultMinBuffer
	}
	if c.ABRSafety <= 0 {
		c.ABRSafety = DefaultABRSafety
	}
}

// Want is the next resource a session needs fetched.
type Want struct {
	Kind           domain.ResourceKind
	Fingerprint    string
	Representation string
	Segment        domain.SegmentRef
}

// Session drives one decode/render pipeline for at most one item at a time.
type Session struct {
	id   string
	slot int
	cfg  Config

	state State
	gen   uint64
	item  domain.VideoItem

	manifest  *domain.Manifest
	rep       domain.Representation
	switches  int
	pipeline  Pipeline
	prepared  bool
	releasing bool

	nextIndex   int
	inflight    int  // index of the segment being fetched, -1 when none
	refreshing  bool // a manifest request is outstanding
	lastRefresh time.Time

	buffered  time.Duration
	position  time.Duration
	eos       bool // every segment through the end is buffered
	completed bool
	lastErr   error
	boundAt   time.Time

	onTransition func(s *Session, from, to State)
}

func newSession(slot int, cfg Config, hook func(*Session, State, State)) *Session {
	return &Session{
		id:           uuid.NewString(),
		slot:         slot,
		cfg:          cfg,
		state:        Idle,
		inflight:     -1,
		onTransition: hook,
	}
}

func (s *Session) ID() string                            { return s.id }
func (s *Session) Slot() int                             { return s.slot }
func (s *Session) State() State                          { return s.state }
func (s *Session) Gen() uint64                           { return s.gen }
func (s *Session) Item() domain.VideoItem                { return s.item }
func (s *Session) Manifest() *domain.Manifest            { return s.manifest }
func (s *Session) Representation() domain.Representation { return s.rep }
func (s *Session) Buffered() time.Duration               { return s.buffered }
func (s *Session) Position() time.Duration               { return s.position }
func (s *Session) Completed() bool                       { return s.completed }
func (s *Session) Prepared() bool                        { return s.prepared }
func (s *Session) Releasing() bool                       { return s.releasing }
func (s *Session) BoundAt() time.Time                    { return s.boundAt }
func (s *Session) Err() error                            { return s.lastErr }

// Playable reports whether Play would start playback right away.
func (s *Session) Playable() bool {
	switch s.state {
	case Ready, Playing:
		return true
	case Paused:
		return s.ready() && !s.completed
	default:
		return false
	}
}

func (s *Session) transition(to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
	}
	from := s.state
	s.state = to
	if s.onTransition != nil {
		s.onTransition(s, from, to)
	}
	return nil
}

// bind attaches item to an Idle (or fully released) session and starts
// preparing it.
func (s *Session) bind(item domain.VideoItem, gen uint64, now time.Time) error {
	if s.state == Released {
		if s.releasing {
			return fmt.Errorf("%w: session %d still releasing", ErrIllegalTransition, s.slot)
		}
		if err := s.transition(Idle); err != nil {
			return err
		}
	}
	if s.state != Idle {
		return fmt.Errorf("%w: bind in %s", ErrIllegalTransition, s.state)
	}

	*s = Session{
		id:           s.id,
		slot:         s.slot,
		cfg:          s.cfg,
		state:        Idle,
		gen:          gen,
		item:         item,
		inflight:     -1,
		boundAt:      now,
		onTransition: s.onTransition,
	}
	return s.transition(Preparing)
}

// Attach sets the pipeline of the current binding.
func (s *Session) Attach(p Pipeline) {
	s.pipeline = p
}

// OnPrepared records that the pipeline finished preparing.
func (s *Session) OnPrepared() {
	if !s.state.Bound() {
		return
	}
	s.prepared = true
	s.checkReady()
}

// OnManifest installs m. While Preparing it picks the starting representation
// and moves to Buffering; later calls are live refreshes that extend the
// segment list.
func (s *Session) OnManifest(m *domain.Manifest, estimate float64) error {
	switch s.state {
	case Preparing:
		rep, ok := m.SelectRepresentation(estimate, s.cfg.ABRSafety)
		if !ok || (len(rep.Segments) == 0 && !m.Live) {
			return fmt.Errorf("%w: item %s has no playable representation", domain.ErrManifestParse, s.item.ID)
		}
		s.refreshing = false
		s.manifest, s.rep = m, rep
		s.nextIndex = manifest.StartIndex(rep, m.Live)
		s.position = s.offsetOf(s.nextIndex)
		return s.transition(Buffering)

	case Buffering, Ready, Playing, Paused:
		s.refreshing = false
		s.manifest = m
		if rep, ok := m.Representation(s.rep.ID); ok {
			s.rep = rep
		} else if rep, ok := m.SelectRepresentation(estimate, s.cfg.ABRSafety); ok {
			s.rep = rep
		}
		if first := s.rep.FirstIndex(); s.nextIndex < first {
			// Fell out of the live window.
			s.nextIndex = first
		}
		if !m.Live && s.nextIndex > s.rep.LastIndex() {
			s.eos = true
			s.checkReady()
		}
		return nil

	default:
		return fmt.Errorf("%w: manifest in %s", ErrIllegalTransition, s.state)
	}
}

// NextFetch returns the next resource to fetch, if any: the manifest while
// Preparing, the next segment while below target, or a manifest reload when a
// live session ran out of segments.
// The representation is re-evaluated here, at each segment boundary.
func (s *Session) NextFetch(estimate float64, target time.Duration, now time.Time) (Want, bool) {
	if s.state == Preparing && !s.refreshing {
		s.refreshing = true
		return Want{Kind: domain.KindManifest}, true
	}
	if !s.fetching() || s.inflight >= 0 || s.refreshing || s.eos || s.buffered >= target {
		return Want{}, false
	}
	s.adapt(estimate)

	seg, ok := s.rep.Segment(s.nextIndex)
	if !ok {
		if !s.manifest.Live {
			return Want{}, false
		}
		if !s.lastRefresh.IsZero() && now.Sub(s.lastRefresh) < s.manifest.TargetDuration/2 {
			return Want{}, false
		}
		s.refreshing = true
		s.lastRefresh = now
		return Want{Kind: domain.KindManifest}, true
	}

	s.inflight = seg.Index
	return Want{
		Kind:           domain.KindSegment,
		Fingerprint:    s.manifest.Fingerprint,
		Representation: s.rep.ID,
		Segment:        seg,
	}, true
}

func (s *Session) adapt(estimate float64) {
	rep, ok := s.manifest.SelectRepresentation(estimate, s.cfg.ABRSafety)
	if !ok || rep.ID == s.rep.ID {
		return
	}
	if _, has := rep.Segment(s.nextIndex); !has {
		return
	}
	s.rep = rep
	s.switches++
}

// OnSegment accepts the segment in flight and reports whether it was taken.
// Results for any other index, superseded by a seek, are ignored.
func (s *Session) OnSegment(index int, duration time.Duration, data []byte) (bool, error) {
	if !s.fetching() || index != s.inflight {
		return false, nil
	}
	s.inflight = -1
	if s.pipeline != nil {
		if err := s.pipeline.Enqueue(data); err != nil {
			return false, fmt.Errorf("%w: enqueue segment %d: %v", domain.ErrDecode, index, err)
		}
	}
	s.buffered += duration
	s.nextIndex = index + 1
	if !s.manifest.Live && s.nextIndex > s.rep.LastIndex() {
		s.eos = true
	}
	s.checkReady()
	return true, nil
}

// Abandon clears an outstanding fetch that will not complete (cancelled), so
// it can be requested again later.
func (s *Session) Abandon(kind domain.ResourceKind, index int) {
	if kind == domain.KindManifest {
		s.refreshing = false
		return
	}
	if s.inflight == index {
		s.inflight = -1
	}
}

// CancelFetches forgets every outstanding fetch after the caller cancelled
// them, so they are requested again by the next NextFetch.
func (s *Session) CancelFetches() {
	s.inflight = -1
	s.refreshing = false
}

func (s *Session) fetching() bool {
	switch s.state {
	case Buffering, Ready, Playing, Paused:
		return true
	default:
		return false
	}
}

func (s *Session) ready() bool {
	return s.prepared && (s.buffered >= s.cfg.MinBuffer || (s.eos && s.buffered > 0))
}

func (s *Session) checkReady() {
	if s.state == Buffering && s.ready() {
		_ = s.transition(Ready)
	}
}

// Play starts playback from Ready or Paused and reports whether it started.
// A Paused session without enough buffer goes back to Buffering instead; a
// completed one restarts from its first segment. Either way the caller plays
// it again once it reaches Ready.
func (s *Session) Play() (bool, error) {
	switch s.state {
	case Playing:
		return true, nil
	case Ready:
	case Paused:
		if s.completed {
			s.rewind(s.rep.FirstIndex())
			return false, s.transition(Buffering)
		}
		if !s.ready() {
			return false, s.transition(Buffering)
		}
	default:
		return false, fmt.Errorf("%w: play in %s", ErrIllegalTransition, s.state)
	}
	if s.pipeline != nil {
		if err := s.pipeline.Play(); err != nil {
			return false, fmt.Errorf("%w: play: %v", domain.ErrDecode, err)
		}
	}
	return true, s.transition(Playing)
}

// Pause stops playback. Playing and Buffering sessions move to Paused with
// their buffer kept; in other states it is a no-op (Ready has not started).
func (s *Session) Pause() error {
	switch s.state {
	case Playing, Buffering:
		if s.pipeline != nil {
			if err := s.pipeline.Pause(); err != nil {
				return fmt.Errorf("%w: pause: %v", domain.ErrDecode, err)
			}
		}
		return s.transition(Paused)
	default:
		return nil
	}
}

// Advance moves the playhead of a Playing session by dt, draining the buffer.
// It reports a stall (buffer empty, more to come) or completion (end of stream).
func (s *Session) Advance(dt time.Duration) (stalled, completed bool) {
	if s.state != Playing || dt <= 0 {
		return false, false
	}
	step := min(dt, s.buffered)
	s.position += step
	s.buffered -= step
	if s.buffered > 0 {
		return false, false
	}
	if s.eos {
		s.completed = true
		if s.pipeline != nil {
			_ = s.pipeline.Pause()
		}
		_ = s.transition(Paused)
		return false, true
	}
	_ = s.transition(Buffering)
	return true, false
}

// Seek restarts buffering from the segment containing pos. A Paused session
// stays Paused; Ready and Playing sessions go back to Buffering.
func (s *Session) Seek(pos time.Duration) error {
	if !s.fetching() {
		return fmt.Errorf("%w: seek in %s", ErrIllegalTransition, s.state)
	}
	index, ok := s.locate(pos)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSeekRange, pos)
	}
	if s.pipeline != nil {
		if err := s.pipeline.Flush(); err != nil {
			return fmt.Errorf("%w: flush: %v", domain.ErrDecode, err)
		}
	}
	s.rewind(index)
	if s.state == Ready || s.state == Playing {
		return s.transition(Buffering)
	}
	return nil
}

func (s *Session) rewind(index int) {
	s.nextIndex = index
	s.position = s.offsetOf(index)
	s.buffered = 0
	s.inflight = -1
	s.eos = false
	s.completed = false
}

// locate returns the index of the segment containing pos, measured from the
// first listed segment.
func (s *Session) locate(pos time.Duration) (int, bool) {
	if pos < 0 {
		return 0, false
	}
	var at time.Duration
	for _, seg := range s.rep.Segments {
		if pos < at+seg.Duration {
			return seg.Index, true
		}
		at += seg.Duration
	}
	return 0, false
}

func (s *Session) offsetOf(index int) time.Duration {
	var at time.Duration
	for _, seg := range s.rep.Segments {
		if seg.Index >= index {
			break
		}
		at += seg.Duration
	}
	return at
}

// Fail moves a bound session to Error. Error is terminal for the binding.
func (s *Session) Fail(err error) error {
	if !s.state.Bound() || s.state == Error {
		return nil
	}
	s.lastErr = err
	s.inflight = -1
	return s.transition(Error)
}

// release moves the session to Released and hands back the pipeline the
// caller must release.
func (s *Session) release() Pipeline {
	if !s.state.Bound() {
		return nil
	}
	_ = s.transition(Released)
	pl := s.pipeline
	s.pipeline = nil
	s.releasing = pl != nil
	return pl
}

// Snapshot is a read-only view of a session for the UI collaborator.
type Snapshot struct {
	ID             string        `json:"id"`
	Slot           int           `json:"slot"`
	State          State         `json:"state"`
	Item           domain.ItemID `json:"item,omitempty"`
	Position       int           `json:"position"`
	Representation string        `json:"representation,omitempty"`
	Bandwidth      int           `json:"bandwidth,omitempty"`
	BufferedMS     int64         `json:"buffered_ms"`
	PlayheadMS     int64         `json:"playhead_ms"`
	Switches       int           `json:"switches"`
	Completed      bool          `json:"completed,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Snapshot returns the current view of s.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:         s.id,
		Slot:       s.slot,
		State:      s.state,
		BufferedMS: s.buffered.Milliseconds(),
		PlayheadMS: s.position.Milliseconds(),
		Switches:   s.switches,
		Completed:  s.completed,
	}
	if s.state.Bound() {
		snap.Item = s.item.ID
		snap.Position = s.item.Position
		snap.Representation = s.rep.ID
		snap.Bandwidth = s.rep.Bandwidth
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}
