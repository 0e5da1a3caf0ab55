package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"umd.ai/internal/persistence/archive"
	persistlog "umd.ai/internal/persistence/log"
	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/principal"
	"umd.ai/internal/sim/tuning"
)

const epsilon = 1e-9

func main() {
	var (
		runDir     = flag.String("run", "", "run directory (data/runs/<run_id>)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "tuning.yaml for runs without a <run>/tuning.yaml copy (default: <configs>/tuning.yaml)")
		toRound    = flag.Int("to_round", -1, "stop after this round (inclusive, optional)")
	)
	flag.Parse()

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}

	policy, source, err := loadPolicy(*runDir, *tuningPath, *configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	fmt.Printf("tax policy from %s: ceiling=%v greed_threshold=%d\n", source, policy.Ceiling, policy.GreedThreshold)

	if m, bad, err := archive.VerifyRun(*runDir); err == nil {
		if len(bad) > 0 {
			fmt.Fprintln(os.Stderr, "manifest digest mismatch:", strings.Join(bad, ", "))
			os.Exit(1)
		}
		fmt.Printf("manifest ok: run=%s files=%d\n", m.RunID, len(m.Files))
	} else if !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "read manifest:", err)
		os.Exit(1)
	}

	v := newVerifier(policy, *toRound)
	stepFiles, err := persistlog.ListFiles(filepath.Join(*runDir, "steps"), "steps")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list steps:", err)
		os.Exit(1)
	}
	if len(stepFiles) == 0 {
		fmt.Fprintln(os.Stderr, "no step files found in", *runDir)
		os.Exit(1)
	}
	for _, path := range stepFiles {
		err := persistlog.ReadEntries(path, v.step)
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	roundFiles, err := persistlog.ListFiles(filepath.Join(*runDir, "rounds"), "rounds")
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "list rounds:", err)
		os.Exit(1)
	}
	for _, path := range roundFiles {
		err := persistlog.ReadEntries(path, v.round)
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("replay ok: rounds=%d steps=%d assessments=%d summaries=%d\n", len(v.rounds), v.steps, v.assessments, v.summaries)
	ids := make([]int, 0, len(v.rounds))
	for id := range v.rounds {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		rs := v.rounds[id]
		fmt.Printf("  round %d objective=%s steps=%d collected=%.4f\n", id, rs.objective, rs.tick, rs.collected)
	}
}

// loadPolicy prefers the tuning copy the server wrote into the run directory.
// Older runs fall back to -tuning, then <configs>/tuning.yaml, then defaults.
func loadPolicy(runDir, tuningPath, configDir string) (principal.Policy, string, error) {
	candidates := []string{filepath.Join(runDir, "tuning.yaml")}
	if tuningPath != "" {
		candidates = append(candidates, tuningPath)
	} else {
		candidates = append(candidates, filepath.Join(configDir, "tuning.yaml"))
	}
	for _, path := range candidates {
		tune, err := tuning.Load(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return principal.Policy{}, path, err
		}
		return principal.Policy{Ceiling: tune.Tax.Ceiling, GreedThreshold: tune.Tax.GreedThreshold}, path, nil
	}
	d := tuning.Defaults()
	return principal.Policy{Ceiling: d.Tax.Ceiling, GreedThreshold: d.Tax.GreedThreshold}, "defaults", nil
}

var errStop = errors.New("stop")

type roundState struct {
	objective string
	tick      uint64
	collected float64
	ledger    map[string]int
	done      bool
}

// verifier recomputes every logged assessment from the ledger it rebuilds.
type verifier struct {
	policy  principal.Policy
	toRound int

	rounds      map[int]*roundState
	current     int
	steps       uint64
	assessments uint64
	summaries   int
}

func newVerifier(policy principal.Policy, toRound int) *verifier {
	return &verifier{policy: policy, toRound: toRound, rounds: map[int]*roundState{}, current: -1}
}

func (v *verifier) step(e episode.StepLogEntry) error {
	if v.toRound >= 0 && e.Round > v.toRound {
		return errStop
	}
	if e.Round < v.current {
		return fmt.Errorf("round %d logged after round %d", e.Round, v.current)
	}
	rs := v.rounds[e.Round]
	if rs == nil {
		rs = &roundState{objective: e.Objective.String(), ledger: map[string]int{}}
		v.rounds[e.Round] = rs
		v.current = e.Round
	}
	if rs.done {
		return fmt.Errorf("round %d tick %d: step after the last step", e.Round, e.Tick)
	}
	if e.Objective.String() != rs.objective {
		return fmt.Errorf("round %d tick %d: objective changed mid-episode (%s -> %s)", e.Round, e.Tick, rs.objective, e.Objective)
	}
	if e.Tick != rs.tick+1 {
		return fmt.Errorf("round %d: tick gap want=%d got=%d", e.Round, rs.tick+1, e.Tick)
	}
	rs.tick = e.Tick

	var stepTax float64
	for _, a := range e.Assessments {
		want := rs.ledger[a.Agent] + 1
		if a.Cumulative != want {
			return fmt.Errorf("round %d tick %d agent %s: cumulative want=%d got=%d", e.Round, e.Tick, a.Agent, want, a.Cumulative)
		}
		rate, err := principal.Rate(e.Objective, v.policy, a.Cumulative)
		if err != nil {
			return fmt.Errorf("round %d tick %d: %w", e.Round, e.Tick, err)
		}
		if !near(rate, a.Rate) {
			return fmt.Errorf("round %d tick %d agent %s: rate want=%v got=%v", e.Round, e.Tick, a.Agent, rate, a.Rate)
		}
		if !near(a.Raw-a.Rate, a.Net) {
			return fmt.Errorf("round %d tick %d agent %s: net %v != raw %v - rate %v", e.Round, e.Tick, a.Agent, a.Net, a.Raw, a.Rate)
		}
		rs.ledger[a.Agent] = a.Cumulative
		stepTax += a.Rate
		v.assessments++
	}
	if !near(stepTax, e.StepTax) {
		return fmt.Errorf("round %d tick %d: step tax want=%v got=%v", e.Round, e.Tick, stepTax, e.StepTax)
	}
	rs.collected += stepTax
	if !near(rs.collected, e.CollectedTax) {
		return fmt.Errorf("round %d tick %d: collected tax want=%v got=%v", e.Round, e.Tick, rs.collected, e.CollectedTax)
	}
	rs.done = e.Last
	v.steps++
	return nil
}

func (v *verifier) round(e episode.RoundLogEntry) error {
	if v.toRound >= 0 && e.Round > v.toRound {
		return errStop
	}
	rs := v.rounds[e.Round]
	if rs == nil {
		return fmt.Errorf("round %d summarized but has no steps", e.Round)
	}
	if e.Tally.Selected.String() != rs.objective {
		return fmt.Errorf("round %d: tally selected %s, steps ran %s", e.Round, e.Tally.Selected, rs.objective)
	}
	if e.Steps != rs.tick {
		return fmt.Errorf("round %d: summary steps=%d replayed=%d", e.Round, e.Steps, rs.tick)
	}
	if !near(e.CollectedTax, rs.collected) {
		return fmt.Errorf("round %d: summary collected=%v replayed=%v", e.Round, e.CollectedTax, rs.collected)
	}
	for agent, n := range e.Ledger {
		if rs.ledger[agent] != n {
			return fmt.Errorf("round %d agent %s: summary ledger=%d replayed=%d", e.Round, agent, n, rs.ledger[agent])
		}
	}
	v.summaries++
	return nil
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= epsilon*math.Max(1, math.Abs(a))
}
