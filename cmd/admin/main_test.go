package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"umd.ai/internal/persistence/indexdb"
	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/objective"
	"umd.ai/internal/sim/taxation"
	"umd.ai/internal/sim/tuning"
	"umd.ai/internal/sim/voting"
)

func seedIndex(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "umd.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.UpsertTuning("run-a", tuning.Defaults()); err != nil {
		t.Fatalf("upsert tuning: %v", err)
	}
	idx.RecordStep(episode.StepLogEntry{
		RunID: "run-a", Round: 0, Tick: 4, Objective: objective.Egalitarian,
		Assessments: []taxation.Assessment{
			{Agent: "p0", Raw: 1, Cumulative: 11, Rate: 1.5, Net: -0.5},
			{Agent: "p1", Raw: 1, Cumulative: 1, Rate: 0, Net: 1},
		},
		StepTax: 1.5, CollectedTax: 1.5,
	})
	idx.RecordStep(episode.StepLogEntry{
		RunID: "run-a", Round: 0, Tick: 5, Objective: objective.Egalitarian,
		Assessments: []taxation.Assessment{{Agent: "p0", Raw: 1, Cumulative: 12, Rate: 1.5, Net: -0.5}},
		StepTax: 1.5, CollectedTax: 3,
	})
	idx.RecordRound(episode.RoundLogEntry{
		RunID:        "run-a",
		Round:        0,
		Tally:        voting.Tally{Population: 2, Mean: 0.8, Selected: objective.Egalitarian},
		Steps:        5,
		CollectedTax: 3,
		Ledger:       map[string]int{"p0": 12, "p1": 1},
		Welfare:      map[string]float64{"utilitarian": 13, "egalitarian": 1},
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestQueries(t *testing.T) {
	db, err := sql.Open("sqlite", seedIndex(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	id, err := latestRunID(db)
	if err != nil || id != "run-a" {
		t.Fatalf("latest run=%q err=%v", id, err)
	}

	runs, err := queryRuns(db, 10)
	if err != nil || len(runs) != 1 || runs[0].Rounds != 1 || runs[0].Digest == "" {
		t.Fatalf("runs=%+v err=%v", runs, err)
	}

	rounds, err := queryRounds(db, "run-a")
	if err != nil || len(rounds) != 1 {
		t.Fatalf("rounds=%+v err=%v", rounds, err)
	}
	if r := rounds[0]; r.Objective != "egalitarian" || r.CollectedTax != 3 || r.WelfareEgalitarian != 1 {
		t.Fatalf("round=%+v", r)
	}

	as, err := queryAssessments(db, "run-a", 0, "p0", 10)
	if err != nil || len(as) != 2 || as[0].Tick != 4 || as[1].Cumulative != 12 {
		t.Fatalf("assessments=%+v err=%v", as, err)
	}

	agents, err := queryAgentTax(db, "run-a", -1)
	if err != nil || len(agents) != 2 {
		t.Fatalf("agents=%+v err=%v", agents, err)
	}
	if a := agents[0]; a.Agent != "p0" || a.Harvests != 2 || a.Taxed != 2 || a.TotalTax != 3 || a.NetReward != -1 {
		t.Fatalf("top agent=%+v", a)
	}
	if a := agents[1]; a.Agent != "p1" || a.Taxed != 0 || a.NetReward != 1 {
		t.Fatalf("second agent=%+v", a)
	}
}

func TestListRuns(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "r1", "steps"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "r1", "steps", "steps-2026-01-01T00.jsonl.zst"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "stray.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := listRuns(&buf, base); err != nil {
		t.Fatalf("listRuns: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"run_id":"r1"`) || !strings.Contains(out, `"step_files":1`) {
		t.Fatalf("out=%s", out)
	}
	if strings.Contains(out, "stray") {
		t.Fatalf("files should not be listed as runs: %s", out)
	}
}
