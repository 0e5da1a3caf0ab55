// Package episode drives voting rounds: each round votes an objective into the
// Principal and plays one taxed episode to completion.
package episode

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"umd.ai/internal/sim/env"
	"umd.ai/internal/sim/objective"
	"umd.ai/internal/sim/principal"
	"umd.ai/internal/sim/taxation"
	"umd.ai/internal/sim/voting"
)

var ErrNoRounds = errors.New("no voting rounds configured")

type Config struct {
	RunID          string
	Rounds         int
	TickRateHz     int // 0 runs unpaced
	PopulationSize int
	// Preferences, when set, are used for every round instead of sampling.
	Preferences []float64
	Resample    bool
	// PreferenceSeed 0 seeds from the clock.
	PreferenceSeed int64
	WorldSeed      int64
	Tax            taxation.Config
	Verbose        bool
}

type Options struct {
	Controller Controller
	Publisher  Publisher
	StepLog    StepSink
	RoundLog   RoundSink
	Index      Index
	Logger     *log.Logger
}

type Runner struct {
	cfg       Config
	build     env.Builder
	principal *principal.Principal
	opts      Options
	logger    *log.Logger

	mu      sync.Mutex
	metrics Metrics
}

func New(cfg Config, build env.Builder, p *principal.Principal, opts Options) (*Runner, error) {
	if cfg.Rounds <= 0 {
		return nil, ErrNoRounds
	}
	if build == nil || p == nil {
		return nil, errors.New("episode: builder and principal are required")
	}
	if len(cfg.Preferences) > 0 {
		if err := voting.Preferences(cfg.Preferences).Validate(); err != nil {
			return nil, err
		}
		if cfg.PopulationSize == 0 {
			cfg.PopulationSize = len(cfg.Preferences)
		}
	}
	if cfg.PopulationSize <= 0 {
		return nil, voting.ErrNoPreferences
	}
	if cfg.TickRateHz < 0 {
		return nil, fmt.Errorf("episode: tick rate %d", cfg.TickRateHz)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		cfg:       cfg,
		build:     build,
		principal: p,
		opts:      opts,
		logger:    logger,
		metrics:   Metrics{RunID: cfg.RunID},
	}, nil
}

// Metrics returns a copy of the live counters.
func (r *Runner) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	m.Ledger = make(map[string]int, len(r.metrics.Ledger))
	for k, v := range r.metrics.Ledger {
		m.Ledger[k] = v
	}
	return m
}

// Run plays every configured round. A taxation failure aborts the run; the
// results of completed rounds are returned alongside the error.
func (r *Runner) Run(ctx context.Context) ([]RoundResult, error) {
	r.setRunning(true)
	defer r.setRunning(false)

	seed := r.cfg.PreferenceSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	var prefs voting.Preferences
	var results []RoundResult
	for round := 0; round < r.cfg.Rounds; round++ {
		switch {
		case len(r.cfg.Preferences) > 0:
			prefs = voting.Preferences(r.cfg.Preferences)
		case prefs == nil || r.cfg.Resample:
			prefs = voting.SamplePreferences(rng, r.cfg.PopulationSize)
		}
		res, err := r.playRound(ctx, round, prefs)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) playRound(ctx context.Context, round int, prefs voting.Preferences) (RoundResult, error) {
	started := time.Now()
	tally, err := voting.Vote(prefs)
	if err != nil {
		return RoundResult{}, fmt.Errorf("round %d: vote: %w", round, err)
	}
	if err := r.principal.SetObjective(tally.Selected); err != nil {
		return RoundResult{}, fmt.Errorf("round %d: %w", round, err)
	}
	obj := r.principal.Objective()

	e, err := r.build(r.cfg.WorldSeed + int64(round))
	if err != nil {
		return RoundResult{}, fmt.Errorf("round %d: build env: %w", round, err)
	}
	w := taxation.New(e, r.principal, r.cfg.Tax)
	agents := w.Agents()

	r.logger.Printf("round %d: population=%d mean=%.3f objective=%s", round, tally.Population, tally.Mean, obj)
	r.mu.Lock()
	r.metrics.Round = round
	r.metrics.Tick = 0
	r.metrics.Objective = obj
	r.metrics.PreferenceMean = tally.Mean
	r.metrics.CollectedTax = 0
	r.metrics.Ledger = w.Ledger()
	r.mu.Unlock()

	if r.opts.Publisher != nil {
		r.opts.Publisher.PublishRound(RoundInfo{Round: round, Agents: agents, Tally: tally, Objective: obj})
	}

	ts := w.Reset()
	r.publish(round, 0, obj, ts, 0)

	var tick <-chan time.Time
	if r.cfg.TickRateHz > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(r.cfg.TickRateHz))
		defer ticker.Stop()
		tick = ticker.C
	}

	var n uint64
	for !ts.Last() {
		if tick != nil {
			select {
			case <-ctx.Done():
				return RoundResult{}, ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return RoundResult{}, err
		}

		var act env.Action
		if r.opts.Controller != nil {
			act = r.opts.Controller.Actions(ts)
		}
		before := w.CollectedTax()
		next, err := w.Step(act)
		if err != nil {
			return RoundResult{}, fmt.Errorf("round %d tick %d: %w", round, n+1, err)
		}
		ts = next
		n++

		entry := StepLogEntry{
			RunID:        r.cfg.RunID,
			Round:        round,
			Tick:         n,
			Objective:    obj,
			Assessments:  w.LastAssessments(),
			StepTax:      w.CollectedTax() - before,
			CollectedTax: w.CollectedTax(),
			Last:         ts.Last(),
		}
		r.record(entry, w.Ledger())
		r.publish(round, n, obj, ts, w.CollectedTax())
	}

	ledger := w.Ledger()
	welfare := make(map[string]float64, len(objective.All))
	for _, o := range objective.All {
		v, err := o.Welfare(ledger, agents)
		if err != nil {
			return RoundResult{}, fmt.Errorf("round %d: welfare: %w", round, err)
		}
		welfare[o.String()] = v
	}
	res := RoundResult{
		Round:        round,
		Tally:        tally,
		Steps:        n,
		CollectedTax: w.CollectedTax(),
		Ledger:       ledger,
		Welfare:      welfare,
	}

	entry := RoundLogEntry{
		RunID:        r.cfg.RunID,
		Round:        round,
		Preferences:  append([]float64(nil), prefs...),
		Tally:        tally,
		Steps:        n,
		CollectedTax: res.CollectedTax,
		Ledger:       ledger,
		Welfare:      welfare,
		StartedAt:    started.UnixMilli(),
		EndedAt:      time.Now().UnixMilli(),
	}
	if r.opts.RoundLog != nil {
		if err := r.opts.RoundLog.WriteRound(entry); err != nil {
			r.logger.Printf("round log: %v", err)
		}
	}
	if r.opts.Index != nil {
		r.opts.Index.RecordRound(entry)
	}

	r.mu.Lock()
	r.metrics.RoundsCompleted++
	r.mu.Unlock()
	r.logger.Printf("round %d done: steps=%d tax=%.2f utilitarian=%.3f egalitarian=%.3f",
		round, n, res.CollectedTax, welfare[objective.Utilitarian.String()], welfare[objective.Egalitarian.String()])
	return res, nil
}

func (r *Runner) record(entry StepLogEntry, ledger map[string]int) {
	if r.opts.StepLog != nil {
		if err := r.opts.StepLog.WriteStep(entry); err != nil {
			r.logger.Printf("step log: %v", err)
		}
	}
	if r.opts.Index != nil {
		r.opts.Index.RecordStep(entry)
	}
	if r.cfg.Verbose {
		for _, a := range entry.Assessments {
			r.logger.Printf("round %d tick %d: %s cumulative=%d rate=%.2f net=%.2f",
				entry.Round, entry.Tick, a.Agent, a.Cumulative, a.Rate, a.Net)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.Tick = entry.Tick
	r.metrics.TotalSteps++
	r.metrics.CollectedTax = entry.CollectedTax
	r.metrics.TotalTax += entry.StepTax
	r.metrics.Harvests += uint64(len(entry.Assessments))
	for _, a := range entry.Assessments {
		if a.Rate > 0 {
			r.metrics.TaxedHarvests++
		}
	}
	r.metrics.Ledger = ledger
}

func (r *Runner) publish(round int, tick uint64, obj objective.Objective, ts env.TimeStep, collected float64) {
	if r.opts.Publisher == nil {
		return
	}
	r.opts.Publisher.PublishStep(StepInfo{
		Round:        round,
		Tick:         tick,
		Objective:    obj,
		TimeStep:     ts.Clone(),
		CollectedTax: collected,
	})
}

func (r *Runner) setRunning(v bool) {
	r.mu.Lock()
	r.metrics.Running = v
	r.mu.Unlock()
}
