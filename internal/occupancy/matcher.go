package occupancy

import (
	"strings"

	"findmyspot-backend/internal/spot"
)

// Threshold is the minimum overlap ratio for a box to occupy a spot. The
// comparison is inclusive.
const Threshold = 0.5

// DetectionBox is one object reported by the detector for the current frame.
type DetectionBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
}

// Rect returns the box as a normalized rectangle.
func (b DetectionBox) Rect() spot.Rect {
	return spot.Rect{
		X1: min(b.X1, b.X2), Y1: min(b.Y1, b.Y2),
		X2: max(b.X1, b.X2), Y2: max(b.Y1, b.Y2),
	}
}

// OverlapRatio returns the intersection area divided by the smaller of the two areas.
func OverlapRatio(box, envelope spot.Rect) float64 {
	ix1 := max(box.X1, envelope.X1)
	iy1 := max(box.Y1, envelope.Y1)
	ix2 := min(box.X2, envelope.X2)
	iy2 := min(box.Y2, envelope.Y2)
	if ix1 >= ix2 || iy1 >= iy2 {
		return 0
	}

	smaller := min(box.Area(), envelope.Area())
	if smaller <= 0 {
		return 0
	}
	return (ix2 - ix1) * (iy2 - iy1) / smaller
}

// Match reports, per spot id, whether at least one box overlaps the spot's
// envelope by Threshold or more. It has no side effects.
func Match(spots []spot.Spot, boxes []DetectionBox) map[int]bool {
	states := make(map[int]bool, len(spots))
	envelopes := make([]spot.Rect, len(spots))
	for i, s := range spots {
		states[s.ID] = false
		envelopes[i] = s.Envelope()
	}

	for _, b := range boxes {
		r := b.Rect()
		for i, s := range spots {
			if states[s.ID] {
				continue
			}
			if OverlapRatio(r, envelopes[i]) >= Threshold {
				states[s.ID] = true
			}
		}
	}
	return states
}

// Count returns the number of occupied and free spots in states.
func Count(states map[int]bool) (occupied, free int) {
	for _, o := range states {
		if o {
			occupied++
		} else {
			free++
		}
	}
	return occupied, free
}

// Filter drops boxes that are not vehicles or fall below a confidence floor.
type Filter struct {
	Labels        []string
	MinConfidence float64
}

// Apply returns the boxes that pass the filter. An empty label list accepts any label.
func (f Filter) Apply(boxes []DetectionBox) []DetectionBox {
	out := make([]DetectionBox, 0, len(boxes))
	for _, b := range boxes {
		if b.Confidence < f.MinConfidence {
			continue
		}
		if len(f.Labels) > 0 && !f.accepts(b.Label) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (f Filter) accepts(label string) bool {
	for _, l := range f.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
