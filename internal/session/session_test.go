package session

import (
	"errors"
	"testing"
	"time"

	"feed-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func segments(first, n int, d time.Duration) []domain.SegmentRef {
	out := make([]domain.SegmentRef, n)
	for i := range out {
		out[i] = domain.SegmentRef{Index: first + i, URI: "seg.ts", Duration: d}
	}
	return out
}

func vodManifest() *domain.Manifest {
	return &domain.Manifest{
		Item:           "a",
		Fingerprint:    "fp",
		TargetDuration: time.Second,
		Representations: []domain.Representation{
			{ID: "low", Bandwidth: 500_000, Segments: segments(0, 3, time.Second)},
			{ID: "high", Bandwidth: 2_000_000, Segments: segments(0, 3, time.Second)},
		},
	}
}

type recorder struct {
	edges [][2]State
}

func (r *recorder) hook(_ *Session, from, to State) {
	r.edges = append(r.edges, [2]State{from, to})
}

func newTestSession(t *testing.T, rec *recorder) *Session {
	t.Helper()
	cfg := Config{MinBuffer: time.Second}
	cfg.withDefaults()
	var hook func(*Session, State, State)
	if rec != nil {
		hook = rec.hook
	}
	s := newSession(0, cfg, hook)
	require.NoError(t, s.bind(domain.VideoItem{ID: "a", Position: 0}, 1, t0))
	return s
}

// buffering returns a prepared session in Buffering on the low representation.
func buffering(t *testing.T, m *domain.Manifest) *Session {
	t.Helper()
	s := newTestSession(t, nil)
	s.Attach(&NullPipeline{})
	require.NoError(t, s.OnManifest(m, 1_000_000))
	s.OnPrepared()
	return s
}

// feedOne fetches and delivers the next segment.
func feedOne(t *testing.T, s *Session, estimate float64) domain.SegmentRef {
	t.Helper()
	want, ok := s.NextFetch(estimate, 10*time.Second, t0)
	require.True(t, ok, "expected a fetch")
	require.Equal(t, domain.KindSegment, want.Kind)
	taken, err := s.OnSegment(want.Segment.Index, want.Segment.Duration, []byte("data"))
	require.NoError(t, err)
	require.True(t, taken)
	return want.Segment
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Idle, Preparing, true},
		{Idle, Playing, false},
		{Preparing, Buffering, true},
		{Preparing, Ready, false},
		{Buffering, Ready, true},
		{Ready, Playing, true},
		{Playing, Buffering, true},
		{Playing, Ready, false},
		{Paused, Playing, true},
		{Error, Playing, false},
		{Error, Released, true},
		{Released, Idle, true},
		{Released, Preparing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestState_String_and_bound(t *testing.T) {
	assert.Equal(t, "buffering", Buffering.String())
	assert.Equal(t, "state(42)", State(42).String())
	text, err := Playing.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "playing", string(text))
	assert.False(t, Idle.Bound())
	assert.False(t, Released.Bound())
	assert.True(t, Error.Bound())
}

func TestSession_ready_needs_prepared_and_min_buffer(t *testing.T) {
	rec := &recorder{}
	s := newTestSession(t, rec)
	require.NoError(t, s.OnManifest(vodManifest(), 1_000_000))
	assert.Equal(t, Buffering, s.State())
	assert.Equal(t, "low", s.Representation().ID)

	feedOne(t, s, 1_000_000)
	assert.Equal(t, Buffering, s.State(), "not prepared yet")

	s.OnPrepared()
	assert.Equal(t, Ready, s.State())
	assert.True(t, s.Playable())

	assert.Equal(t, [][2]State{
		{Idle, Preparing},
		{Preparing, Buffering},
		{Buffering, Ready},
	}, rec.edges)
}

func TestSession_short_stream_ready_at_end(t *testing.T) {
	m := vodManifest()
	m.Representations = []domain.Representation{
		{ID: "only", Segments: segments(0, 1, 400*time.Millisecond)},
	}
	s := buffering(t, m)
	feedOne(t, s, 1_000_000)
	assert.Equal(t, Ready, s.State())

	_, ok := s.NextFetch(1_000_000, 10*time.Second, t0)
	assert.False(t, ok, "nothing left to fetch")
}

func TestSession_OnManifest_without_segments(t *testing.T) {
	s := newTestSession(t, nil)
	m := vodManifest()
	m.Representations = []domain.Representation{{ID: "empty"}}

	err := s.OnManifest(m, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrManifestParse)
	assert.Equal(t, Preparing, s.State())
}

func TestSession_one_fetch_in_flight(t *testing.T) {
	s := buffering(t, vodManifest())

	want, ok := s.NextFetch(1_000_000, 10*time.Second, t0)
	require.True(t, ok)
	assert.Equal(t, 0, want.Segment.Index)
	assert.Equal(t, "fp", want.Fingerprint)

	_, ok = s.NextFetch(1_000_000, 10*time.Second, t0)
	assert.False(t, ok)

	taken, err := s.OnSegment(1, time.Second, nil)
	require.NoError(t, err)
	assert.False(t, taken, "result for another index is ignored")

	s.Abandon(domain.KindSegment, 0)
	want, ok = s.NextFetch(1_000_000, 10*time.Second, t0)
	require.True(t, ok)
	assert.Equal(t, 0, want.Segment.Index, "abandoned segment is requested again")
}

func TestSession_stops_at_buffer_target(t *testing.T) {
	s := buffering(t, vodManifest())
	feedOne(t, s, 1_000_000)

	_, ok := s.NextFetch(1_000_000, time.Second, t0)
	assert.False(t, ok)
}

func TestSession_switches_at_segment_boundary(t *testing.T) {
	s := buffering(t, vodManifest())

	seg := feedOne(t, s, 1_000_000)
	assert.Equal(t, 0, seg.Index)
	assert.Equal(t, "low", s.Representation().ID)

	want, ok := s.NextFetch(5_000_000, 10*time.Second, t0)
	require.True(t, ok)
	assert.Equal(t, "high", want.Representation)
	assert.Equal(t, 1, want.Segment.Index, "switch continues at the next boundary")
	assert.Equal(t, 1, s.Snapshot().Switches)
}

func TestSession_stall_and_recover(t *testing.T) {
	s := buffering(t, vodManifest())
	feedOne(t, s, 1_000_000)

	started, err := s.Play()
	require.NoError(t, err)
	require.True(t, started)

	stalled, completed := s.Advance(1500 * time.Millisecond)
	assert.True(t, stalled)
	assert.False(t, completed)
	assert.Equal(t, Buffering, s.State())
	assert.Equal(t, time.Second, s.Position())

	feedOne(t, s, 1_000_000)
	assert.Equal(t, Ready, s.State())
}

func TestSession_completion_and_replay(t *testing.T) {
	s := buffering(t, vodManifest())
	for range 3 {
		feedOne(t, s, 1_000_000)
	}
	_, err := s.Play()
	require.NoError(t, err)

	stalled, completed := s.Advance(3 * time.Second)
	assert.False(t, stalled)
	assert.True(t, completed)
	assert.Equal(t, Paused, s.State())
	assert.True(t, s.Completed())
	assert.False(t, s.Playable())

	started, err := s.Play()
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, Buffering, s.State())
	assert.Zero(t, s.Position())
	assert.False(t, s.Completed())

	seg := feedOne(t, s, 1_000_000)
	assert.Equal(t, 0, seg.Index)
	assert.Equal(t, Ready, s.State())
}

func TestSession_pause_and_resume(t *testing.T) {
	s := buffering(t, vodManifest())
	feedOne(t, s, 1_000_000)

	require.NoError(t, s.Pause())
	assert.Equal(t, Ready, s.State(), "pause before playback is a no-op")

	_, err := s.Play()
	require.NoError(t, err)
	require.NoError(t, s.Pause())
	assert.Equal(t, Paused, s.State())
	assert.True(t, s.Playable())

	started, err := s.Play()
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, Playing, s.State())
}

func TestSession_Play_illegal_while_preparing(t *testing.T) {
	s := newTestSession(t, nil)
	_, err := s.Play()
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, Preparing, s.State())
}

func TestSession_Seek(t *testing.T) {
	s := buffering(t, vodManifest())
	feedOne(t, s, 1_000_000)
	_, err := s.Play()
	require.NoError(t, err)

	require.NoError(t, s.Seek(2500*time.Millisecond))
	assert.Equal(t, Buffering, s.State())
	assert.Equal(t, 2*time.Second, s.Position())
	assert.Zero(t, s.Buffered())

	want, ok := s.NextFetch(1_000_000, 10*time.Second, t0)
	require.True(t, ok)
	assert.Equal(t, 2, want.Segment.Index)

	assert.ErrorIs(t, s.Seek(10*time.Second), ErrSeekRange)
	assert.ErrorIs(t, s.Seek(-time.Second), ErrSeekRange)
}

func TestSession_Seek_while_paused_stays_paused(t *testing.T) {
	s := buffering(t, vodManifest())
	feedOne(t, s, 1_000_000)
	_, err := s.Play()
	require.NoError(t, err)
	require.NoError(t, s.Pause())

	require.NoError(t, s.Seek(time.Second))
	assert.Equal(t, Paused, s.State())
	assert.Equal(t, time.Second, s.Position())
}

func TestSession_live_refresh(t *testing.T) {
	m := &domain.Manifest{
		Item:           "a",
		Fingerprint:    "v1",
		Live:           true,
		TargetDuration: 2 * time.Second,
		Representations: []domain.Representation{
			{ID: "main", Segments: segments(10, 2, 2*time.Second)},
		},
	}
	s := buffering(t, m)
	feedOne(t, s, 1_000_000)
	feedOne(t, s, 1_000_000)

	want, ok := s.NextFetch(1_000_000, 30*time.Second, t0)
	require.True(t, ok)
	assert.Equal(t, domain.KindManifest, want.Kind)

	_, ok = s.NextFetch(1_000_000, 30*time.Second, t0)
	assert.False(t, ok, "refresh already outstanding")

	refreshed := *m
	refreshed.Fingerprint = "v2"
	refreshed.Representations = []domain.Representation{
		{ID: "main", Segments: segments(11, 3, 2*time.Second)},
	}
	require.NoError(t, s.OnManifest(&refreshed, 1_000_000))

	assert.Equal(t, 12, feedOne(t, s, 1_000_000).Index)
	assert.Equal(t, 13, feedOne(t, s, 1_000_000).Index)

	_, ok = s.NextFetch(1_000_000, 30*time.Second, t0)
	assert.False(t, ok, "refresh gated by half the target duration")

	want, ok = s.NextFetch(1_000_000, 30*time.Second, t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, domain.KindManifest, want.Kind)
}

type failingPipeline struct {
	NullPipeline
}

func (*failingPipeline) Enqueue([]byte) error { return errors.New("corrupt sample") }

func TestSession_enqueue_failure_is_decode_error(t *testing.T) {
	s := newTestSession(t, nil)
	s.Attach(&failingPipeline{})
	require.NoError(t, s.OnManifest(vodManifest(), 1_000_000))

	want, ok := s.NextFetch(1_000_000, 10*time.Second, t0)
	require.True(t, ok)
	_, err := s.OnSegment(want.Segment.Index, want.Segment.Duration, []byte("x"))
	assert.ErrorIs(t, err, domain.ErrDecode)
}

func TestSession_Fail_and_release(t *testing.T) {
	s := buffering(t, vodManifest())
	cause := errors.New("boom")

	require.NoError(t, s.Fail(cause))
	assert.Equal(t, Error, s.State())
	assert.Equal(t, cause, s.Err())
	assert.Equal(t, "boom", s.Snapshot().Error)

	pl := s.release()
	assert.NotNil(t, pl)
	assert.Equal(t, Released, s.State())
	assert.True(t, s.Releasing())

	err := s.bind(domain.VideoItem{ID: "b"}, 2, t0)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	s.releasing = false
	require.NoError(t, s.bind(domain.VideoItem{ID: "b"}, 2, t0))
	assert.Equal(t, Preparing, s.State())
	assert.Nil(t, s.Err())
	assert.Equal(t, domain.ItemID("b"), s.Item().ID)
}

func TestSession_Snapshot(t *testing.T) {
	s := buffering(t, vodManifest())
	feedOne(t, s, 1_000_000)

	snap := s.Snapshot()
	assert.Equal(t, Ready, snap.State)
	assert.Equal(t, domain.ItemID("a"), snap.Item)
	assert.Equal(t, "low", snap.Representation)
	assert.Equal(t, 500_000, snap.Bandwidth)
	assert.Equal(t, int64(1000), snap.BufferedMS)
	assert.NotEmpty(t, snap.ID)
}

func TestSession_preparing_requests_manifest_once(t *testing.T) {
	s := newTestSession(t, nil)

	want, ok := s.NextFetch(1_000_000, 10*time.Second, t0)
	require.True(t, ok)
	assert.Equal(t, domain.KindManifest, want.Kind)

	_, ok = s.NextFetch(1_000_000, 10*time.Second, t0)
	assert.False(t, ok)

	s.CancelFetches()
	want, ok = s.NextFetch(1_000_000, 10*time.Second, t0)
	require.True(t, ok, "cancelled manifest request is issued again")
	assert.Equal(t, domain.KindManifest, want.Kind)

	require.NoError(t, s.OnManifest(vodManifest(), 1_000_000))
	want, ok = s.NextFetch(1_000_000, 10*time.Second, t0)
	require.True(t, ok)
	assert.Equal(t, domain.KindSegment, want.Kind)
}
