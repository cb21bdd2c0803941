// Package render turns window snapshots into renderer-neutral frames.
package render

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-radio/internal/channel"
	"github.com/loqalabs/loqa-radio/internal/window"
)

// silenceThreshold separates voiced samples from background noise in captions.
const silenceThreshold = 60

type Bar struct {
	Index  int64
	Value  float64
	Height float64 // Value minus the frame minimum, never negative
	Color  string
}

type Frame struct {
	Caption string
	Bars    []Bar
	Peak    float64
}

// Compose builds a frame for ch. A zero Channel renders as "No Channel".
func Compose(points []window.Point, ch channel.Channel, theme channel.Theme) Frame {
	frame := Frame{Caption: Caption(ch), Bars: make([]Bar, len(points))}
	if len(points) == 0 {
		return frame
	}
	low := points[0].Value
	for _, p := range points[1:] {
		low = math.Min(low, p.Value)
	}
	for i, p := range points {
		h := p.Value - low
		frame.Bars[i] = Bar{Index: p.Index, Value: p.Value, Height: h}
		frame.Peak = math.Max(frame.Peak, h)
	}
	for i := range frame.Bars {
		level := 0.0
		if frame.Peak > 0 {
			level = 255 * frame.Bars[i].Height / frame.Peak
		}
		frame.Bars[i].Color = theme.Color(level)
	}
	return frame
}

func Caption(ch channel.Channel) string {
	if ch.Topic == "" {
		return "No Channel"
	}
	return ch.Title() + " is playing..."
}

// Describe captions a locally rolled signal by its newest value.
func Describe(value float64, voice string) string {
	who := "woman"
	if voice == "M" {
		who = "man"
	}
	v := int(math.Round(value))
	if v > silenceThreshold {
		return fmt.Sprintf("The %s is talking. Pitch: %d", who, v)
	}
	return fmt.Sprintf("The %s is in silence. Noise: %d", who, v)
}

var cubeLevels = [6]int{0, 95, 135, 175, 215, 255}

// Xterm256 maps a #rrggbb colour to the nearest entry of the xterm 256-colour
// palette, considering the 6x6x6 cube and the grey ramp.
func Xterm256(hex string) (int, error) {
	c, err := channel.ParseRGB(hex)
	if err != nil {
		return 0, err
	}
	var cube channel.RGB
	var idx [3]int
	for i, v := range c {
		idx[i] = nearestCube(v)
		cube[i] = cubeLevels[idx[i]]
	}
	best := 16 + 36*idx[0] + 6*idx[1] + idx[2]
	bestDist := distance(c, cube)

	avg := (c[0] + c[1] + c[2]) / 3
	step := max(0, min(23, int(math.Round(float64(avg-8)/10))))
	grey := 8 + 10*step
	if d := distance(c, channel.RGB{grey, grey, grey}); d < bestDist {
		best = 232 + step
	}
	return best, nil
}

func nearestCube(v int) int {
	best, bestDist := 0, math.MaxInt
	for i, level := range cubeLevels {
		d := abs(v - level)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func distance(a, b channel.RGB) int {
	dr, dg, db := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return dr*dr + dg*dg + db*db
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
