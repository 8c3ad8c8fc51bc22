package session

import (
	"fmt"
	"testing"
	"time"

	"feed-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPinner struct {
	pins map[domain.ItemID]int
}

func (p *countingPinner) Pin(item domain.ItemID)   { p.pins[item]++ }
func (p *countingPinner) Unpin(item domain.ItemID) { p.pins[item]-- }

type released struct {
	s   *Session
	gen uint64
}

func item(pos int) domain.VideoItem {
	return domain.VideoItem{ID: domain.ItemID(fmt.Sprintf("item-%d", pos)), Position: pos}
}

func newTestPool(t *testing.T, capacity int) (*Pool, *countingPinner, *[]released) {
	t.Helper()
	pins := &countingPinner{pins: map[domain.ItemID]int{}}
	var rel []released
	p, err := NewPool(capacity, Config{},
		WithPinner(pins),
		WithReleaseHook(func(s *Session, _ Pipeline) {
			rel = append(rel, released{s: s, gen: s.Gen()})
		}),
		WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return p, pins, &rel
}

// acquireAll binds every position and attaches a pipeline so releases are
// asynchronous.
func acquireAll(t *testing.T, p *Pool, view View, positions ...int) {
	t.Helper()
	for _, pos := range positions {
		s, err := p.Acquire(item(pos), view)
		require.NoError(t, err)
		s.Attach(&NullPipeline{})
	}
}

func TestNewPool_rejects_zero_capacity(t *testing.T) {
	_, err := NewPool(0, Config{})
	assert.ErrorIs(t, err, domain.ErrCapacity)
}

func TestPool_Acquire_is_idempotent(t *testing.T) {
	p, pins, _ := newTestPool(t, 3)
	view := View{Active: 0, Lo: 0, Hi: 2}

	a, err := p.Acquire(item(0), view)
	require.NoError(t, err)
	b, err := p.Acquire(item(0), view)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, Preparing, a.State())
	assert.Equal(t, 1, p.Bound())
	assert.Equal(t, 1, pins.pins["item-0"])
	assert.Equal(t, t0, a.BoundAt())
}

func TestPool_Acquire_bindings_get_increasing_generations(t *testing.T) {
	p, _, _ := newTestPool(t, 3)
	view := View{Active: 0, Lo: 0, Hi: 2}

	a, err := p.Acquire(item(0), view)
	require.NoError(t, err)
	b, err := p.Acquire(item(1), view)
	require.NoError(t, err)
	assert.Less(t, a.Gen(), b.Gen())
	assert.NotEqual(t, a.Slot(), b.Slot())
}

func TestPool_Acquire_evicts_furthest_and_waits_for_release(t *testing.T) {
	p, pins, rel := newTestPool(t, 3)
	acquireAll(t, p, View{Active: 1, Lo: 0, Hi: 2}, 0, 1, 2)

	// The user scrolled forward to item 2; item 3 enters the window.
	view := View{Active: 2, Direction: 1, Lo: 1, Hi: 3}
	_, err := p.Acquire(item(3), view)
	require.ErrorIs(t, err, ErrReleasePending)

	require.Len(t, *rel, 1)
	victim := (*rel)[0]
	assert.Equal(t, domain.ItemID("item-0"), victim.s.Item().ID)
	assert.Equal(t, Released, victim.s.State())
	assert.Equal(t, 0, pins.pins["item-0"])
	_, bound := p.Lookup("item-0")
	assert.False(t, bound)

	_, err = p.Acquire(item(3), view)
	assert.ErrorIs(t, err, ErrReleasePending, "still waiting for the pipeline")
	assert.Len(t, *rel, 1, "no second eviction while one is pending")

	p.ReleaseDone(victim.s, victim.gen+1)
	_, err = p.Acquire(item(3), view)
	assert.ErrorIs(t, err, ErrReleasePending, "report for another binding is ignored")

	p.ReleaseDone(victim.s, victim.gen)
	s, err := p.Acquire(item(3), view)
	require.NoError(t, err)
	assert.Same(t, victim.s, s)
	assert.Equal(t, Preparing, s.State())
	assert.Equal(t, 1, pins.pins["item-3"])
}

func TestPool_Release_without_pipeline_is_immediate(t *testing.T) {
	p, _, rel := newTestPool(t, 2)
	view := View{Active: 0, Lo: 0, Hi: 3}
	_, err := p.Acquire(item(0), view)
	require.NoError(t, err)
	_, err = p.Acquire(item(3), view)
	require.NoError(t, err)

	s, err := p.Acquire(item(1), view)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemID("item-1"), s.Item().ID)
	assert.Empty(t, *rel)
	_, bound := p.Lookup("item-3")
	assert.False(t, bound)
}

func TestPool_Acquire_all_protected(t *testing.T) {
	p, _, _ := newTestPool(t, 2)
	view := View{Active: 0, Lo: 0, Hi: 1}
	acquireAll(t, p, view, 0, 1)

	_, err := p.Acquire(item(5), view)
	assert.ErrorIs(t, err, domain.ErrCapacity)
	assert.Equal(t, 2, p.Bound())
}

func TestPool_Acquire_eviction_tie_breaks_on_direction(t *testing.T) {
	tests := []struct {
		name      string
		direction int
		want      domain.ItemID
	}{
		{"forward evicts behind", 1, "item-3"},
		{"unknown evicts behind", 0, "item-3"},
		{"backward evicts ahead", -1, "item-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestPool(t, 3)
			view := View{Active: 5, Direction: tt.direction, Lo: 3, Hi: 7}
			acquireAll(t, p, view, 3, 5, 7)

			victim, ok := p.EvictLeastRelevant(view)
			require.True(t, ok)
			assert.Equal(t, tt.want, victim.Item().ID)
		})
	}
}

func TestPool_Acquire_outside_window_evicted_first(t *testing.T) {
	p, _, _ := newTestPool(t, 3)
	acquireAll(t, p, View{Active: 4, Lo: 0, Hi: 10}, 0, 4, 6)

	// Item 6 is nearer than item 0 but has left the window.
	view := View{Active: 4, Direction: -1, Lo: 0, Hi: 5}
	victim, ok := p.EvictLeastRelevant(view)
	require.True(t, ok)
	assert.Equal(t, domain.ItemID("item-6"), victim.Item().ID)
}

func TestPool_Release(t *testing.T) {
	p, pins, rel := newTestPool(t, 2)
	acquireAll(t, p, View{Active: 0, Lo: 0, Hi: 1}, 0)

	assert.True(t, p.Release("item-0"))
	assert.False(t, p.Release("item-0"))
	assert.Len(t, *rel, 1)
	assert.Equal(t, 0, pins.pins["item-0"])

	counts := p.StateCounts()
	assert.Equal(t, 1, counts["released"])
	assert.Equal(t, 1, counts["idle"])
	assert.Len(t, p.Snapshots(), 2)
}
