package control

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"umd.ai/internal/protocol"
	"umd.ai/internal/sim/env"
	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/objective"
	"umd.ai/internal/sim/voting"
)

func newHub(agents ...string) *Hub {
	return NewHub(Config{Agents: agents, Seed: 1}, log.New(io.Discard, "", 0))
}

func TestJoin_AssignsLowestFreeSeat(t *testing.T) {
	h := newHub("p0", "p1")
	a, err := h.Join("alice", "")
	if err != nil || a.Seat != "p0" {
		t.Fatalf("first join: seat=%v err=%v", a, err)
	}
	b, err := h.Join("bob", "")
	if err != nil || b.Seat != "p1" {
		t.Fatalf("second join: seat=%v err=%v", b, err)
	}
	if _, err := h.Join("carol", ""); !errors.Is(err, ErrNoSeat) {
		t.Fatalf("expected ErrNoSeat, got %v", err)
	}
	h.Leave(a)
	c, err := h.Join("carol", "")
	if err != nil || c.Seat != "p0" {
		t.Fatalf("rejoin: seat=%v err=%v", c, err)
	}
	if got := h.Seated(); len(got) != 2 || got[0] != "p0" || got[1] != "p1" {
		t.Fatalf("seated=%v", got)
	}
}

func TestJoin_RequestedSeat(t *testing.T) {
	h := newHub("p0", "p1")
	c, err := h.Join("alice", "p1")
	if err != nil || c.Seat != "p1" {
		t.Fatalf("join p1: %v %v", c, err)
	}
	if _, err := h.Join("bob", "p1"); !errors.Is(err, ErrSeatTaken) {
		t.Fatalf("expected ErrSeatTaken, got %v", err)
	}
	if _, err := h.Join("bob", "p9"); !errors.Is(err, ErrNoSeat) {
		t.Fatalf("expected ErrNoSeat for unknown seat, got %v", err)
	}
}

func TestLeave_IgnoresStaleClient(t *testing.T) {
	h := newHub("p0")
	a, _ := h.Join("alice", "")
	h.Leave(a)
	b, _ := h.Join("bob", "")
	h.Leave(a)
	if got := h.Seated(); len(got) != 1 {
		t.Fatalf("stale leave evicted the new occupant: %v", got)
	}
	if err := h.Submit(a, 0, env.Input{}); !errors.Is(err, ErrNotSeated) {
		t.Fatalf("expected ErrNotSeated, got %v", err)
	}
	if err := h.Submit(b, 0, env.Input{Move: env.MoveForward}); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestActions_ConsumesSubmittedInputOnce(t *testing.T) {
	h := newHub("p0", "p1")
	c, _ := h.Join("alice", "p0")
	if err := h.Submit(c, 0, env.Input{Move: env.MoveLeft, Turn: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.Submit(c, 0, env.Input{Move: env.MoveForward}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	act := h.Actions(env.TimeStep{})
	if act["p0"] != (env.Input{Move: env.MoveForward}) {
		t.Fatalf("p0 input=%+v want latest submission", act["p0"])
	}
	if in, ok := act["p1"]; !ok || in.Move < env.MoveNone || in.Move > env.MoveLeft || in.Turn < -1 || in.Turn > 1 {
		t.Fatalf("unseated p1 should random walk, got %+v ok=%v", in, ok)
	}

	act = h.Actions(env.TimeStep{})
	if _, ok := act["p0"]; ok {
		t.Fatalf("seated agent without new input should idle")
	}
}

func TestSubmit_RejectsStaleTick(t *testing.T) {
	h := newHub("p0")
	c, _ := h.Join("alice", "")
	h.PublishStep(episode.StepInfo{Tick: 10, TimeStep: env.TimeStep{Observation: map[string]float64{}}})
	<-c.Out
	if err := h.Submit(c, 8, env.Input{}); !errors.Is(err, ErrStaleTick) {
		t.Fatalf("expected ErrStaleTick, got %v", err)
	}
	if err := h.Submit(c, 9, env.Input{}); err != nil {
		t.Fatalf("previous tick should be accepted: %v", err)
	}
}

func TestSubmit_RejectsFutureTick(t *testing.T) {
	h := newHub("p0")
	c, _ := h.Join("alice", "")
	h.PublishStep(episode.StepInfo{Tick: 10, TimeStep: env.TimeStep{Observation: map[string]float64{}}})
	<-c.Out
	for _, tick := range []uint64{11, 1 << 40} {
		if err := h.Submit(c, tick, env.Input{Move: env.MoveForward}); !errors.Is(err, ErrFutureTick) {
			t.Fatalf("tick %d: expected ErrFutureTick, got %v", tick, err)
		}
	}
	if got := h.Actions(env.TimeStep{}); got["p0"] != (env.Input{}) {
		t.Fatalf("future input should not be stored, got %+v", got["p0"])
	}
	if err := h.Submit(c, 10, env.Input{}); err != nil {
		t.Fatalf("current tick should be accepted: %v", err)
	}
}

func TestSubmit_RateLimitResetsEachStep(t *testing.T) {
	h := NewHub(Config{Agents: []string{"p0"}, Seed: 1, MaxActsPerTick: 2}, log.New(io.Discard, "", 0))
	c, _ := h.Join("alice", "")
	for i := 0; i < 2; i++ {
		if err := h.Submit(c, 0, env.Input{}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := h.Submit(c, 0, env.Input{}); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
	h.PublishStep(episode.StepInfo{Tick: 1, TimeStep: env.TimeStep{Observation: map[string]float64{}}})
	<-c.Out
	if err := h.Submit(c, 1, env.Input{}); err != nil {
		t.Fatalf("budget should reset after a step: %v", err)
	}
}

func TestPublishStep_SendsOwnSlice(t *testing.T) {
	h := newHub("p0", "p1")
	c, _ := h.Join("alice", "p1")
	h.PublishStep(episode.StepInfo{
		Round:        2,
		Tick:         7,
		Objective:    objective.Egalitarian,
		CollectedTax: 1.5,
		TimeStep: env.TimeStep{Type: env.StepMid, Observation: map[string]float64{
			"p0.REWARD":     1,
			"p1.REWARD":     -0.5,
			"p1.POSITION_X": 3,
			"WORLD.APPLES":  40,
		}},
	})

	var msg protocol.ObsMsg
	if err := json.Unmarshal(<-c.Out, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != protocol.TypeObs || msg.AgentID != "p1" || msg.Round != 2 || msg.Tick != 7 {
		t.Fatalf("header=%+v", msg)
	}
	if msg.Reward != -0.5 || msg.Objective != "egalitarian" || msg.CollectedTax != 1.5 || msg.StepType != "MID" {
		t.Fatalf("payload=%+v", msg)
	}
	if _, leaked := msg.Observation["p0.REWARD"]; leaked {
		t.Fatalf("observation leaked another agent's keys: %v", msg.Observation)
	}
	if msg.Observation["WORLD.APPLES"] != 40 || msg.Observation["p1.POSITION_X"] != 3 {
		t.Fatalf("observation=%v", msg.Observation)
	}
}

func TestPublish_LatestWins(t *testing.T) {
	h := NewHub(Config{Agents: []string{"p0"}, OutSize: 1}, log.New(io.Discard, "", 0))
	c, _ := h.Join("alice", "")
	for tick := uint64(1); tick <= 3; tick++ {
		h.PublishStep(episode.StepInfo{Tick: tick, TimeStep: env.TimeStep{Observation: map[string]float64{}}})
	}
	if len(c.Out) != 1 {
		t.Fatalf("queue len=%d want 1", len(c.Out))
	}
	var msg protocol.ObsMsg
	if err := json.Unmarshal(<-c.Out, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Tick != 3 {
		t.Fatalf("tick=%d want latest 3", msg.Tick)
	}
}

func TestPublishRound_ResetsInputs(t *testing.T) {
	h := newHub("p0")
	c, _ := h.Join("alice", "")
	_ = h.Submit(c, 0, env.Input{Move: env.MoveForward})
	h.PublishRound(episode.RoundInfo{
		Round:     1,
		Agents:    []string{"p0"},
		Tally:     voting.Tally{Population: 5, Mean: 0.7, Selected: objective.Egalitarian},
		Objective: objective.Egalitarian,
	})
	var msg protocol.RoundMsg
	if err := json.Unmarshal(<-c.Out, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != protocol.TypeRound || msg.Round != 1 || msg.Objective != "egalitarian" || msg.Population != 5 {
		t.Fatalf("round msg=%+v", msg)
	}
	if _, ok := h.Actions(env.TimeStep{})["p0"]; ok {
		t.Fatalf("inputs from the previous round must be discarded")
	}
}
