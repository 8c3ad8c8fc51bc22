package feed

import (
	"math"

	"feed-engine/internal/domain"
	"feed-engine/internal/session"
)

// Window is the retained slice of the feed around the active item.
type Window struct {
	// Active is the active position, -1 when the feed is empty.
	Active     int           `json:"active"`
	ActiveItem domain.ItemID `json:"active_item,omitempty"`
	Lo         int           `json:"lo"`
	Hi         int           `json:"hi"`
	// Direction is +1 after a forward scroll, -1 after a backward one.
	Direction int             `json:"direction"`
	Items     []domain.ItemID `json:"items"`
}

func emptyWindow() Window {
	return Window{Active: -1, Lo: 0, Hi: -1}
}

// Contains reports whether pos is retained.
func (w Window) Contains(pos int) bool {
	return w.Active >= 0 && pos >= w.Lo && pos <= w.Hi
}

// Distance returns the feed distance of pos from the active item.
func (w Window) Distance(pos int) int {
	if pos >= w.Active {
		return pos - w.Active
	}
	return w.Active - pos
}

func (w Window) view() session.View {
	return session.View{Active: w.Active, Direction: w.Direction, Lo: w.Lo, Hi: w.Hi}
}

// order returns the retained positions nearest first; at equal distance the
// item in the scroll direction comes first.
func (w Window) order() []int {
	if w.Active < 0 {
		return nil
	}
	ahead := 1
	if w.Direction < 0 {
		ahead = -1
	}
	out := make([]int, 0, w.Hi-w.Lo+1)
	out = append(out, w.Active)
	for d := 1; len(out) < w.Hi-w.Lo+1; d++ {
		for _, pos := range []int{w.Active + ahead*d, w.Active - ahead*d} {
			if pos >= w.Lo && pos <= w.Hi {
				out = append(out, pos)
			}
		}
	}
	return out
}

// activeIndex maps a scroll offset (in item heights) to the nearest item.
func activeIndex(offset float64, n int) int {
	if n == 0 {
		return -1
	}
	i := int(math.Round(offset))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// slideWindow computes the window for the active index over items, keeping
// at most behind items before it and ahead items after it. The previous
// window supplies the scroll direction when the active item did not move.
func slideWindow(items []domain.VideoItem, active, behind, ahead int, prev Window) Window {
	if active < 0 || len(items) == 0 {
		return emptyWindow()
	}
	w := Window{
		Active:     active,
		ActiveItem: items[active].ID,
		Lo:         max(0, active-behind),
		Hi:         min(len(items)-1, active+ahead),
		Direction:  prev.Direction,
	}
	switch {
	case prev.Active < 0:
		w.Direction = 1
	case active > prev.Active:
		w.Direction = 1
	case active < prev.Active:
		w.Direction = -1
	}
	w.Items = make([]domain.ItemID, 0, w.Hi-w.Lo+1)
	for _, it := range items[w.Lo : w.Hi+1] {
		w.Items = append(w.Items, it.ID)
	}
	return w
}
