package pacing

import "math/rand/v2"

// Random is the source of non-cryptographic randomness the policy draws from.
type Random interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
	// IntN returns a value in [0, n). n must be positive.
	IntN(n int) int
}

type systemRandom struct{}

// SystemRandom returns the process-wide, automatically seeded generator.
func SystemRandom() Random { return systemRandom{} }

func (systemRandom) Float64() float64 { return rand.Float64() }

func (systemRandom) IntN(n int) int { return rand.IntN(n) }

// Fixed is a deterministic Random that replays scripted values. Floats and
// ints are consumed in order and the last value repeats once a script runs
// out. IntN results are reduced modulo n.
type Fixed struct {
	Floats []float64
	Ints   []int

	fi, ii int
}

// NewFixed returns a Fixed source that always yields f and i.
func NewFixed(f float64, i int) *Fixed {
	return &Fixed{Floats: []float64{f}, Ints: []int{i}}
}

// Float64 returns the next scripted float, or 0 when none are scripted.
func (f *Fixed) Float64() float64 {
	if len(f.Floats) == 0 {
		return 0
	}
	v := f.Floats[min(f.fi, len(f.Floats)-1)]
	f.fi++
	return v
}

// IntN returns the next scripted int modulo n, or 0 when none are scripted.
func (f *Fixed) IntN(n int) int {
	if len(f.Ints) == 0 || n <= 0 {
		return 0
	}
	v := f.Ints[min(f.ii, len(f.Ints)-1)]
	f.ii++
	if v < 0 {
		v = -v
	}
	return v % n
}
