package log

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/objective"
	"umd.ai/internal/sim/taxation"
)

func TestStepLogger_RoundTripsEntries(t *testing.T) {
	dir := t.TempDir()
	l := NewStepLogger(dir)
	want := []episode.StepLogEntry{
		{RunID: "r", Round: 0, Tick: 1, Objective: objective.Utilitarian},
		{RunID: "r", Round: 0, Tick: 2, Objective: objective.Egalitarian, StepTax: 1.5, CollectedTax: 1.5,
			Assessments: []taxation.Assessment{{Agent: "p0", Raw: 1, Cumulative: 11, Rate: 1.5, Net: -0.5}}},
	}
	for _, e := range want {
		if err := l.WriteStep(e); err != nil {
			t.Fatalf("WriteStep: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "steps"), "steps")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("files=%v want 1", files)
	}
	var got []episode.StepLogEntry
	if err := ReadEntries(files[0], func(e episode.StepLogEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries=%d want 2", len(got))
	}
	if got[1].Objective != objective.Egalitarian || len(got[1].Assessments) != 1 || got[1].Assessments[0].Net != -0.5 {
		t.Fatalf("second entry=%+v", got[1])
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "rounds")
	base := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	now := base
	w.now = func() time.Time { return now }

	if err := w.Write(episode.RoundLogEntry{Round: 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = base.Add(2 * time.Minute)
	if err := w.Write(episode.RoundLogEntry{Round: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListFiles(dir, "rounds")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v want 2", files)
	}
	if filepath.Base(files[0]) != "rounds-2026-03-01-10.jsonl.zst" {
		t.Fatalf("first file=%s", filepath.Base(files[0]))
	}
	var rounds []int
	for _, f := range files {
		if err := ReadEntries(f, func(e episode.RoundLogEntry) error {
			rounds = append(rounds, e.Round)
			return nil
		}); err != nil {
			t.Fatalf("ReadEntries: %v", err)
		}
	}
	if len(rounds) != 2 || rounds[0] != 0 || rounds[1] != 1 {
		t.Fatalf("rounds=%v", rounds)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		l := NewRoundLogger(dir)
		if err := l.WriteRound(episode.RoundLogEntry{Round: i}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	files, err := ListFiles(filepath.Join(dir, "rounds"), "rounds")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	n := 0
	for _, f := range files {
		if err := ReadEntries(f, func(episode.RoundLogEntry) error { n++; return nil }); err != nil {
			t.Fatalf("ReadEntries: %v", err)
		}
	}
	if n != 2 {
		t.Fatalf("entries=%d want 2", n)
	}
}

func TestReadEntries_StopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "steps")
	for i := 0; i < 3; i++ {
		if err := w.Write(episode.StepLogEntry{Tick: uint64(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = w.Close()
	files, _ := ListFiles(dir, "steps")
	stop := errors.New("stop")
	seen := 0
	err := ReadEntries(files[0], func(episode.StepLogEntry) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) || seen != 1 {
		t.Fatalf("err=%v seen=%d", err, seen)
	}
}
