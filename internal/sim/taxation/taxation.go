// Package taxation rewrites per-agent reward observations with the Principal's tax
// before any downstream consumer sees them.
package taxation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"umd.ai/internal/sim/env"
)

var (
	ErrInvariantViolation = errors.New("reward invariant violated")
	ErrMalformedKey       = errors.New("malformed observation key")
)

// RewardError reports a reward field that is not a binary harvest signal.
type RewardError struct {
	Key   string
	Value float64
}

func (e *RewardError) Error() string {
	return fmt.Sprintf("%v: %s=%v (want 0 or 1)", ErrInvariantViolation, e.Key, e.Value)
}

func (e *RewardError) Unwrap() error { return ErrInvariantViolation }

// SplitKey splits on the last occurrence of sep. It fails when sep is absent.
func SplitKey(key, sep string) (prefix, suffix string, err error) {
	if sep == "" {
		return "", "", fmt.Errorf("%w: empty separator", ErrMalformedKey)
	}
	i := strings.LastIndex(key, sep)
	if i < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return key[:i], key[i+len(sep):], nil
}

// Rater is satisfied by *principal.Principal.
type Rater interface {
	Evaluate(cumulative int) (float64, error)
}

type Config struct {
	RewardField string
	Separator   string
}

func DefaultConfig() Config {
	return Config{RewardField: "REWARD", Separator: "."}
}

// Assessment is one taxed harvest event.
type Assessment struct {
	Agent      string  `json:"agent"`
	Raw        float64 `json:"raw"`
	Cumulative int     `json:"cumulative"`
	Rate       float64 `json:"rate"`
	Net        float64 `json:"net"`
}

// Wrapper owns the ledger and the collected tax for one environment instance.
// It is not safe for concurrent use; a rebuilt environment gets a new Wrapper.
type Wrapper struct {
	env   env.Environment
	rater Rater
	cfg   Config

	ledger    map[string]int
	collected float64
	steps     uint64
	last      []Assessment
}

func New(e env.Environment, rater Rater, cfg Config) *Wrapper {
	if cfg.RewardField == "" {
		cfg.RewardField = DefaultConfig().RewardField
	}
	if cfg.Separator == "" {
		cfg.Separator = DefaultConfig().Separator
	}
	w := &Wrapper{
		env:    e,
		rater:  rater,
		cfg:    cfg,
		ledger: map[string]int{},
	}
	for _, id := range e.Agents() {
		w.ledger[id] = 0
	}
	return w
}

func (w *Wrapper) Agents() []string { return w.env.Agents() }

// Reset delegates to the wrapped environment. The ledger survives a reset; it is
// only discarded with the wrapper.
func (w *Wrapper) Reset() env.TimeStep { return w.env.Reset() }

type harvest struct {
	key   string
	agent string
	raw   float64
	cum   int
	rate  float64
}

// Step validates every reward field before mutating anything, so a failed step
// leaves the ledger and collected tax untouched and returns no observation.
func (w *Wrapper) Step(action env.Action) (env.TimeStep, error) {
	ts, err := w.env.Step(action)
	if err != nil {
		return env.TimeStep{}, fmt.Errorf("env step: %w", err)
	}

	keys := make([]string, 0, len(ts.Observation))
	for k := range ts.Observation {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var zeros []string
	var events []harvest
	for _, key := range keys {
		if !strings.HasSuffix(key, w.cfg.Separator+w.cfg.RewardField) {
			continue
		}
		prefix, suffix, err := SplitKey(key, w.cfg.Separator)
		if err != nil {
			return env.TimeStep{}, err
		}
		if suffix != w.cfg.RewardField {
			continue
		}
		if prefix == "" {
			return env.TimeStep{}, fmt.Errorf("%w: %q has no agent prefix", ErrMalformedKey, key)
		}
		raw := ts.Observation[key]
		if math.IsNaN(raw) || raw < 0 || (raw > 0 && raw != 1) {
			return env.TimeStep{}, &RewardError{Key: key, Value: raw}
		}
		if raw == 0 {
			zeros = append(zeros, prefix)
			continue
		}
		cum := w.ledger[prefix] + 1
		rate, err := w.rater.Evaluate(cum)
		if err != nil {
			return env.TimeStep{}, fmt.Errorf("tax %s: %w", prefix, err)
		}
		events = append(events, harvest{key: key, agent: prefix, raw: raw, cum: cum, rate: rate})
	}

	for _, id := range zeros {
		if _, ok := w.ledger[id]; !ok {
			w.ledger[id] = 0
		}
	}
	w.last = w.last[:0]
	for _, h := range events {
		w.ledger[h.agent] = h.cum
		net := 1 - h.rate
		ts.Observation[h.key] = net
		w.collected += h.rate
		w.last = append(w.last, Assessment{Agent: h.agent, Raw: h.raw, Cumulative: h.cum, Rate: h.rate, Net: net})
	}
	w.steps++
	return ts, nil
}

func (w *Wrapper) CollectedTax() float64 { return w.collected }

func (w *Wrapper) Steps() uint64 { return w.steps }

func (w *Wrapper) Ledger() map[string]int {
	out := make(map[string]int, len(w.ledger))
	for k, v := range w.ledger {
		out[k] = v
	}
	return out
}

// LastAssessments returns the harvests taxed by the most recent successful Step.
func (w *Wrapper) LastAssessments() []Assessment {
	out := make([]Assessment, len(w.last))
	copy(out, w.last)
	return out
}
