// Package window provides the fixed-width rolling buffer behind a channel view.
package window

import (
	"sync"

	"github.com/loqalabs/loqa-radio/internal/fault"
)

// Point is one windowed sample tagged with a synthetic index.
type Point struct {
	Index int64
	Value float64
}

// Window always holds exactly Width points. Pushing evicts the oldest one.
//
// A single writer pushes while renderers take snapshots; both are safe to call
// concurrently and a snapshot never observes a partially applied push.
type Window struct {
	mu    sync.RWMutex
	buf   []Point
	head  int // position of the oldest point
	width int
}

// New creates a window seeded with Placeholders(width, 0).
func New(width int) (*Window, error) {
	if width < 1 {
		return nil, fault.InvalidConfig("window width must be >= 1, got %d", width)
	}
	return &Window{buf: Placeholders(width, 0), width: width}, nil
}

// Placeholders returns width zero-amplitude points indexed from start.
func Placeholders(width int, start int64) []Point {
	points := make([]Point, width)
	for i := range points {
		points[i] = Point{Index: start + int64(i)}
	}
	return points
}

// Push appends p and returns the evicted oldest point.
func (w *Window) Push(p Point) Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	evicted := w.buf[w.head]
	w.buf[w.head] = p
	w.head = (w.head + 1) % w.width
	return evicted
}

// Snapshot returns the points from oldest to newest.
func (w *Window) Snapshot() []Point {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Point, 0, w.width)
	out = append(out, w.buf[w.head:]...)
	return append(out, w.buf[:w.head]...)
}

// Values returns the amplitudes from oldest to newest.
func (w *Window) Values() []float64 {
	snap := w.Snapshot()
	values := make([]float64, len(snap))
	for i, p := range snap {
		values[i] = p.Value
	}
	return values
}

// Reset replaces the contents in place. points must hold exactly Width entries.
func (w *Window) Reset(points []Point) error {
	if len(points) != w.width {
		return fault.InvalidConfig("reset needs %d points, got %d", w.width, len(points))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	copy(w.buf, points)
	w.head = 0
	return nil
}

func (w *Window) Width() int { return w.width }
