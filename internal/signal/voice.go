package signal

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/mjibson/go-dsp/window"

	"github.com/loqalabs/loqa-radio/internal/channel"
)

// Register multipliers for the two supported voices.
const (
	maleRegister   = 1.0
	femaleRegister = 1.4
	noiseLevel     = 2.0
)

// Voice synthesizes speech-like amplitude contours: voiced syllables shaped by a
// Hann window, separated by short noisy pauses. Output is deterministic per seed.
type Voice struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewVoice(seed int64) *Voice {
	return &Voice{rng: rand.New(rand.NewSource(seed))}
}

func (v *Voice) Generate(ctx context.Context, params channel.Parameters) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	register := maleRegister
	if params.Voice == "F" {
		register = femaleRegister
	}
	low := math.Min(params.PitchLow, params.PitchHigh)
	high := math.Max(params.PitchLow, params.PitchHigh)

	samples := make([]Sample, 0, params.Duration)
	for len(samples) < params.Duration {
		remaining := params.Duration - len(samples)
		if v.rng.Float64() < 0.25 {
			n := min(2+v.rng.Intn(5), remaining)
			for i := 0; i < n; i++ {
				samples = append(samples, Sample{Index: len(samples), Amplitude: v.rng.NormFloat64() * noiseLevel})
			}
			continue
		}
		n := min(4+v.rng.Intn(9), remaining)
		peak := params.PitchBase*register + low + v.rng.Float64()*(high-low)
		envelope := window.Hann(max(n, 4))
		for i := 0; i < n; i++ {
			amp := envelope[i]*peak + v.rng.NormFloat64()*noiseLevel/2
			samples = append(samples, Sample{Index: len(samples), Amplitude: round1(amp)})
		}
	}
	return samples, nil
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
