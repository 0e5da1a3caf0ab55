// Package objective defines the social welfare objectives a population can vote for.
package objective

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownObjective        = errors.New("unknown objective")
	ErrMissingPopulationMember = errors.New("missing population member")
	ErrEmptyPopulation         = errors.New("empty population")
)

// Objective is a closed set; the zero value is not a valid objective.
type Objective uint8

const (
	Utilitarian Objective = iota + 1
	Egalitarian
)

// All lists every known objective in a stable order.
var All = []Objective{Utilitarian, Egalitarian}

func (o Objective) String() string {
	switch o {
	case Utilitarian:
		return "utilitarian"
	case Egalitarian:
		return "egalitarian"
	default:
		return fmt.Sprintf("objective(%d)", uint8(o))
	}
}

func (o Objective) Valid() bool {
	return o == Utilitarian || o == Egalitarian
}

// Parse maps a name (case-insensitive) back to its objective.
func Parse(name string) (Objective, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "utilitarian":
		return Utilitarian, nil
	case "egalitarian":
		return Egalitarian, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownObjective, name)
	}
}

func (o Objective) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownObjective, uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *Objective) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Welfare aggregates per-agent cumulative counts into a single scalar.
// Every member of population must be present in counts; keys outside the
// population are ignored.
func (o Objective) Welfare(counts map[string]int, population []string) (float64, error) {
	switch o {
	case Utilitarian:
		return utilitarian(counts, population)
	case Egalitarian:
		return egalitarian(counts, population)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownObjective, uint8(o))
	}
}

// utilitarian divides by the population size, not len(counts).
func utilitarian(counts map[string]int, population []string) (float64, error) {
	if len(population) == 0 {
		return 0, ErrEmptyPopulation
	}
	sum := 0
	for _, id := range population {
		c, ok := counts[id]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingPopulationMember, id)
		}
		sum += c
	}
	return float64(sum) / float64(len(population)), nil
}

func egalitarian(counts map[string]int, population []string) (float64, error) {
	if len(population) == 0 {
		return 0, ErrEmptyPopulation
	}
	min := 0
	for i, id := range population {
		c, ok := counts[id]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingPopulationMember, id)
		}
		if i == 0 || c < min {
			min = c
		}
	}
	return float64(min), nil
}
