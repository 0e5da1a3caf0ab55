package voting

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"umd.ai/internal/sim/objective"
)

var (
	ErrNoPreferences   = errors.New("no preferences")
	ErrPreferenceRange = errors.New("preference out of range [0,1]")
)

// Preferences holds one scalar per agent: 1 is fully egalitarian, 0 fully utilitarian.
type Preferences []float64

func (p Preferences) Mean() float64 {
	if len(p) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	return sum / float64(len(p))
}

func (p Preferences) Validate() error {
	if len(p) == 0 {
		return ErrNoPreferences
	}
	for i, v := range p {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: index %d = %v", ErrPreferenceRange, i, v)
		}
	}
	return nil
}

type Tally struct {
	Population int                 `json:"population"`
	Mean       float64             `json:"mean"`
	Selected   objective.Objective `json:"selected"`
}

// Vote selects egalitarian when the population mean strictly exceeds 0.5.
// Individual ballots are not visible in the result, only the mean.
func Vote(prefs Preferences) (Tally, error) {
	if err := prefs.Validate(); err != nil {
		return Tally{}, err
	}
	t := Tally{Population: len(prefs), Mean: prefs.Mean(), Selected: objective.Utilitarian}
	if t.Mean > 0.5 {
		t.Selected = objective.Egalitarian
	}
	return t, nil
}

// SamplePreferences draws n uniform preferences in [0,1).
func SamplePreferences(rng *rand.Rand, n int) Preferences {
	out := make(Preferences, n)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out
}
