package principal

import (
	"bytes"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"umd.ai/internal/sim/objective"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestUtilitarianNeverTaxes(t *testing.T) {
	p, err := New(objective.Utilitarian, DefaultPolicy(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, n := range []int{0, 1, 10, 11, 1000} {
		got, err := p.Evaluate(n)
		if err != nil {
			t.Fatalf("evaluate(%d): %v", n, err)
		}
		if got != 0 {
			t.Fatalf("evaluate(%d)=%f want 0", n, got)
		}
	}
}

func TestEgalitarianThresholdIsExclusive(t *testing.T) {
	p, err := New(objective.Egalitarian, DefaultPolicy(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, _ := p.Evaluate(10); got != 0 {
		t.Fatalf("evaluate(10)=%f want 0", got)
	}
	if got, _ := p.Evaluate(11); got != 1.5 {
		t.Fatalf("evaluate(11)=%f want 1.5", got)
	}
	if got, _ := p.Evaluate(0); got != 0 {
		t.Fatalf("evaluate(0)=%f want 0", got)
	}
}

func TestCustomPolicy(t *testing.T) {
	p, err := New(objective.Egalitarian, Policy{Ceiling: 0.75, GreedThreshold: 2}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, _ := p.Evaluate(2); got != 0 {
		t.Fatalf("evaluate(2)=%f want 0", got)
	}
	if got, _ := p.Evaluate(3); got != 0.75 {
		t.Fatalf("evaluate(3)=%f want 0.75", got)
	}
}

func TestSetObjectiveLogsAndSwitches(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(objective.Utilitarian, DefaultPolicy(), log.New(&buf, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.SetObjective(objective.Egalitarian); err != nil {
		t.Fatalf("SetObjective: %v", err)
	}
	if p.Objective() != objective.Egalitarian {
		t.Fatalf("objective=%s want egalitarian", p.Objective())
	}
	if !strings.Contains(buf.String(), "objective=egalitarian") {
		t.Fatalf("expected log line naming the objective, got %q", buf.String())
	}
}

func TestUnknownObjectiveFailsFast(t *testing.T) {
	p, err := New(objective.Utilitarian, DefaultPolicy(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.SetObjective(objective.Objective(9)); !errors.Is(err, objective.ErrUnknownObjective) {
		t.Fatalf("expected ErrUnknownObjective, got %v", err)
	}
	if p.Objective() != objective.Utilitarian {
		t.Fatalf("rejected objective must not replace the active one")
	}
	if _, err := Rate(objective.Objective(9), DefaultPolicy(), 20); !errors.Is(err, objective.ErrUnknownObjective) {
		t.Fatalf("expected ErrUnknownObjective from Rate, got %v", err)
	}
	if _, err := New(0, DefaultPolicy(), quietLogger()); !errors.Is(err, objective.ErrUnknownObjective) {
		t.Fatalf("expected New to reject zero objective, got %v", err)
	}
}

func TestConcurrentReadersDuringSwitch(t *testing.T) {
	p, err := New(objective.Egalitarian, DefaultPolicy(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r, err := p.Evaluate(11)
				if err != nil {
					t.Errorf("evaluate: %v", err)
					return
				}
				if r != 0 && r != 1.5 {
					t.Errorf("unexpected rate %f", r)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		_ = p.SetObjective(objective.All[j%2])
	}
	wg.Wait()
}
