package harvest

import (
	"errors"
	"io"
	"log"
	"reflect"
	"testing"

	"umd.ai/internal/sim/env"
	"umd.ai/internal/sim/objective"
	"umd.ai/internal/sim/principal"
	"umd.ai/internal/sim/taxation"
)

func testConfig() Config {
	return Config{
		Width:          5,
		Height:         5,
		Agents:         2,
		EpisodeSteps:   3,
		InitialApples:  0,
		RegrowthRadius: 1,
		RegrowthProbs:  []float64{0},
	}
}

func newWorld(t *testing.T, cfg Config) *World {
	t.Helper()
	w, err := New(cfg, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

// place puts p0 at (x,y) facing north and parks the other agents in the far corner row.
func place(w *World, x, y int) {
	w.agents[0].x, w.agents[0].y, w.agents[0].facing = x, y, North
	for i, a := range w.agents[1:] {
		a.x, a.y = w.cfg.Width-1-i, w.cfg.Height-1
	}
	for i := range w.apples {
		w.apples[i] = false
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	for i, mutate := range []func(*Config){
		func(c *Config) { c.Width = 0 },
		func(c *Config) { c.Agents = 0 },
		func(c *Config) { c.Agents = 26 },
		func(c *Config) { c.EpisodeSteps = 0 },
		func(c *Config) { c.Separator = "p" },
		func(c *Config) { c.RewardField, c.Separator = "A/B", "/" },
	} {
		cfg := testConfig()
		mutate(&cfg)
		if _, err := New(cfg, 1); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestReset_IsDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.InitialApples = 6
	a := newWorld(t, cfg)
	b := newWorld(t, cfg)
	if !reflect.DeepEqual(a.Reset().Observation, b.Reset().Observation) {
		t.Fatalf("same seed produced different layouts")
	}
	if a.Apples() != 6 {
		t.Fatalf("apples=%d want 6", a.Apples())
	}
	first := a.Reset()
	if first.Type != env.StepFirst {
		t.Fatalf("reset type=%v", first.Type)
	}
	for _, id := range a.Agents() {
		if _, ok := first.Observation[id+".REWARD"]; !ok {
			t.Fatalf("missing %s.REWARD", id)
		}
	}
}

func TestStep_CollectsAppleAndReportsReward(t *testing.T) {
	w := newWorld(t, testConfig())
	w.Reset()
	place(w, 2, 2)
	w.apples[w.idx(2, 1)] = true

	ts, err := w.Step(env.Action{"p0": {Move: env.MoveForward}})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if ts.Observation["p0.REWARD"] != 1 {
		t.Fatalf("p0.REWARD=%v want 1", ts.Observation["p0.REWARD"])
	}
	if ts.Observation["p1.REWARD"] != 0 {
		t.Fatalf("p1.REWARD=%v want 0", ts.Observation["p1.REWARD"])
	}
	if ts.Observation["p0.POSITION_X"] != 2 || ts.Observation["p0.POSITION_Y"] != 1 {
		t.Fatalf("p0 at (%v,%v) want (2,1)", ts.Observation["p0.POSITION_X"], ts.Observation["p0.POSITION_Y"])
	}
	if w.Apples() != 0 {
		t.Fatalf("apple should be consumed")
	}
}

func TestStep_MovesRelativeToFacing(t *testing.T) {
	w := newWorld(t, testConfig())
	w.Reset()
	place(w, 2, 2)
	w.agents[0].facing = East

	if _, err := w.Step(env.Action{"p0": {Move: env.MoveRight}}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if w.agents[0].x != 2 || w.agents[0].y != 3 {
		t.Fatalf("right of east should be south, at (%d,%d)", w.agents[0].x, w.agents[0].y)
	}

	if _, err := w.Step(env.Action{"p0": {Turn: -1, Move: env.MoveForward}}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if w.agents[0].facing != North || w.agents[0].y != 2 {
		t.Fatalf("turn left then forward: facing=%d y=%d", w.agents[0].facing, w.agents[0].y)
	}
}

func TestStep_BlockedByWallsAndAgents(t *testing.T) {
	w := newWorld(t, testConfig())
	w.Reset()
	place(w, 0, 0)
	if _, err := w.Step(env.Action{"p0": {Move: env.MoveForward}}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if w.agents[0].x != 0 || w.agents[0].y != 0 {
		t.Fatalf("moved through wall")
	}

	w.agents[1].x, w.agents[1].y = 0, 1
	if _, err := w.Step(env.Action{"p0": {Move: env.MoveBackward}}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if w.agents[0].y != 0 {
		t.Fatalf("moved onto another agent")
	}
}

func TestStep_IgnoresInvalidInput(t *testing.T) {
	w := newWorld(t, testConfig())
	w.Reset()
	place(w, 2, 2)
	if _, err := w.Step(env.Action{"p0": {Move: 9, Turn: 5}, "ghost": {Move: env.MoveForward}}); err != nil {
		t.Fatalf("step: %v", err)
	}
	a := w.agents[0]
	if a.x != 2 || a.y != 2 || a.facing != North {
		t.Fatalf("invalid input changed state: %+v", *a)
	}
}

func TestStep_EpisodeEnds(t *testing.T) {
	w := newWorld(t, testConfig())
	w.Reset()
	var ts env.TimeStep
	var err error
	for i := 0; i < 3; i++ {
		ts, err = w.Step(nil)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if i < 2 && ts.Last() {
			t.Fatalf("step %d ended early", i)
		}
	}
	if !ts.Last() {
		t.Fatalf("final step type=%v want LAST", ts.Type)
	}
	if ts.Observation["WORLD.STEP"] != 3 {
		t.Fatalf("WORLD.STEP=%v want 3", ts.Observation["WORLD.STEP"])
	}
	if _, err := w.Step(nil); !errors.Is(err, ErrEpisodeOver) {
		t.Fatalf("expected ErrEpisodeOver, got %v", err)
	}
	w.Reset()
	if _, err := w.Step(nil); err != nil {
		t.Fatalf("step after reset: %v", err)
	}
}

func TestRegrow_UsesNeighbourDensity(t *testing.T) {
	cfg := testConfig()
	cfg.RegrowthProbs = []float64{0, 1}
	w := newWorld(t, cfg)
	w.Reset()
	place(w, 0, 0)
	w.apples[w.idx(2, 2)] = true

	w.regrow()
	for _, c := range [][2]int{{2, 1}, {1, 2}, {3, 2}, {2, 3}} {
		if !w.apples[w.idx(c[0], c[1])] {
			t.Fatalf("cell %v next to an apple should regrow", c)
		}
	}
	if w.apples[w.idx(1, 1)] {
		t.Fatalf("diagonal cell is outside radius 1")
	}
	if w.apples[w.idx(4, 0)] {
		t.Fatalf("isolated cell should not regrow at p=0")
	}
}

func TestStep_UsesConfiguredKeys(t *testing.T) {
	cfg := testConfig()
	cfg.RewardField = "HARVEST"
	cfg.Separator = "/"
	w := newWorld(t, cfg)
	ts := w.Reset()
	for _, key := range []string{"p0/HARVEST", "p1/POSITION_X", "WORLD/APPLES", "WORLD/STEP"} {
		if _, ok := ts.Observation[key]; !ok {
			t.Fatalf("missing %s in %v", key, ts.Observation)
		}
	}
	if _, ok := ts.Observation["p0.REWARD"]; ok {
		t.Fatalf("default reward key written under a custom config")
	}
}

func TestWrappedWorld_CustomKeysAreTaxed(t *testing.T) {
	cfg := testConfig()
	cfg.RewardField = "HARVEST"
	cfg.Separator = "/"
	w := newWorld(t, cfg)

	p, err := principal.New(objective.Egalitarian, principal.Policy{Ceiling: 1.5, GreedThreshold: 0}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("principal.New: %v", err)
	}
	taxed := taxation.New(w, p, taxation.Config{RewardField: cfg.RewardField, Separator: cfg.Separator})
	taxed.Reset()
	place(w, 2, 2)
	w.apples[w.idx(2, 1)] = true

	ts, err := taxed.Step(env.Action{"p0": {Move: env.MoveForward}})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := ts.Observation["p0/HARVEST"]; got != -0.5 {
		t.Fatalf("p0/HARVEST=%v want -0.5", got)
	}
	if taxed.CollectedTax() != 1.5 || taxed.Ledger()["p0"] != 1 {
		t.Fatalf("collected=%v ledger=%v", taxed.CollectedTax(), taxed.Ledger())
	}
}
