package indexdb

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/taxation"
	"umd.ai/internal/sim/tuning"
)

func TestIngestIndex_BatchesAndRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var kinds []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("x-umd-index-token") != "secret" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		var body struct {
			Events []struct {
				Kind  string `json:"kind"`
				RunID string `json:"run_id"`
			} `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, ev := range body.Events {
			kinds = append(kinds, ev.Kind+":"+ev.RunID)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	idx, err := OpenIngest(IngestConfig{
		Endpoint:      srv.URL,
		Token:         "secret",
		RunID:         "run-1",
		BatchSize:     16,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("OpenIngest: %v", err)
	}
	if err := idx.UpsertTuning("run-1", tuning.Defaults()); err != nil {
		t.Fatalf("UpsertTuning: %v", err)
	}
	idx.RecordStep(episode.StepLogEntry{Tick: 1})
	idx.RecordStep(episode.StepLogEntry{Tick: 2, Assessments: []taxation.Assessment{{Agent: "p0", Raw: 1, Cumulative: 1}}})
	idx.RecordRound(episode.RoundLogEntry{Round: 0})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls=%d want 2 (one retry)", calls)
	}
	want := []string{"tuning:run-1", "step:run-1", "round:run-1"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds=%v want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v want %v", kinds, want)
		}
	}
}

func TestOpenIngest_Validates(t *testing.T) {
	if _, err := OpenIngest(IngestConfig{RunID: "r"}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := OpenIngest(IngestConfig{Endpoint: "http://127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}
