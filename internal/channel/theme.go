package channel

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-radio/internal/fault"
)

// RGB is a colour with components in [0,255].
type RGB [3]int

// Hex renders the colour as #rrggbb, clamping each component.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", clamp(c[0]), clamp(c[1]), clamp(c[2]))
}

// Theme is the two-colour gradient a renderer uses for a channel.
type Theme struct {
	From RGB
	To   RGB
}

// DefaultTheme is used when a channel configures no gradient.
var DefaultTheme = Theme{From: RGB{255, 113, 205}, To: RGB{87, 85, 254}}

// Color interpolates the gradient at level, where 0 is From and 255 is To.
func (t Theme) Color(level float64) string {
	var out RGB
	for i := range out {
		a, b := float64(t.From[i]), float64(t.To[i])
		out[i] = int(a + (b-a)*level/255)
	}
	return out.Hex()
}

// LuckyTheme picks a random gradient.
func LuckyTheme(rng *rand.Rand) Theme {
	pick := func() RGB { return RGB{rng.Intn(256), rng.Intn(256), rng.Intn(256)} }
	return Theme{From: pick(), To: pick()}
}

// ParseTheme reads a ["#rrggbb", "#rrggbb"] gradient. An empty list yields DefaultTheme.
func ParseTheme(gradient []string) (Theme, error) {
	if len(gradient) == 0 {
		return DefaultTheme, nil
	}
	if len(gradient) != 2 {
		return Theme{}, fault.InvalidConfig("gradient needs exactly 2 colours, got %d", len(gradient))
	}
	from, err := ParseRGB(gradient[0])
	if err != nil {
		return Theme{}, err
	}
	to, err := ParseRGB(gradient[1])
	if err != nil {
		return Theme{}, err
	}
	return Theme{From: from, To: to}, nil
}

// ParseRGB reads a #rrggbb colour.
func ParseRGB(s string) (RGB, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return RGB{}, fault.InvalidConfig("colour %q is not #rrggbb", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return RGB{}, fault.InvalidConfig("colour %q is not #rrggbb", s)
	}
	return RGB{int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)}, nil
}

func clamp(v int) int {
	return max(0, min(v, 255))
}
