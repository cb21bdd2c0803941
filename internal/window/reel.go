package window

import "github.com/loqalabs/loqa-radio/internal/fault"

// Reel walks a finite sequence as an endless loop of windows.
//
// Each Roll returns width consecutive points from the cursor and then moves the
// cursor forward by exactly one, so every element of the sequence, the last one
// included, leads a window once per cycle.
type Reel struct {
	seq    []Point
	cursor int
}

func NewReel(seq []Point) (*Reel, error) {
	if len(seq) == 0 {
		return nil, fault.InvalidConfig("reel needs a non-empty sequence")
	}
	return &Reel{seq: append([]Point(nil), seq...)}, nil
}

// Roll returns the next window of width points, wrapping around the sequence.
func (r *Reel) Roll(width int) []Point {
	out := make([]Point, width)
	for i := range out {
		out[i] = r.seq[(r.cursor+i)%len(r.seq)]
	}
	r.cursor = (r.cursor + 1) % len(r.seq)
	return out
}

// Cursor is the index of the element that leads the next window.
func (r *Reel) Cursor() int { return r.cursor }
