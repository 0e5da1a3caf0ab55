package episode

import (
	"umd.ai/internal/sim/env"
	"umd.ai/internal/sim/objective"
	"umd.ai/internal/sim/taxation"
	"umd.ai/internal/sim/voting"
)

// StepLogEntry is one line of the step audit log.
type StepLogEntry struct {
	RunID        string                `json:"run_id"`
	Round        int                   `json:"round"`
	Tick         uint64                `json:"tick"`
	Objective    objective.Objective   `json:"objective"`
	Assessments  []taxation.Assessment `json:"assessments,omitempty"`
	StepTax      float64               `json:"step_tax"`
	CollectedTax float64               `json:"collected_tax"`
	Last         bool                  `json:"last,omitempty"`
}

// RoundLogEntry summarizes one voting round and the episode it drove.
type RoundLogEntry struct {
	RunID        string             `json:"run_id"`
	Round        int                `json:"round"`
	Preferences  []float64          `json:"preferences"`
	Tally        voting.Tally       `json:"tally"`
	Steps        uint64             `json:"steps"`
	CollectedTax float64            `json:"collected_tax"`
	Ledger       map[string]int     `json:"ledger"`
	Welfare      map[string]float64 `json:"welfare"`
	StartedAt    int64              `json:"started_at_unix_ms"`
	EndedAt      int64              `json:"ended_at_unix_ms"`
}

// RoundInfo is announced to the publisher before the first observation of a round.
type RoundInfo struct {
	Round     int
	Agents    []string
	Tally     voting.Tally
	Objective objective.Objective
}

// StepInfo carries a post-tax timestep to the publisher.
type StepInfo struct {
	Round        int
	Tick         uint64
	Objective    objective.Objective
	TimeStep     env.TimeStep
	CollectedTax float64
}

// Controller chooses the next action from the latest post-tax timestep.
type Controller interface {
	Actions(ts env.TimeStep) env.Action
}

type Publisher interface {
	PublishRound(RoundInfo)
	PublishStep(StepInfo)
}

// Publishers fans every notice out in order. Publishers must treat the
// timestep as read-only.
type Publishers []Publisher

func (ps Publishers) PublishRound(ri RoundInfo) {
	for _, p := range ps {
		p.PublishRound(ri)
	}
}

func (ps Publishers) PublishStep(si StepInfo) {
	for _, p := range ps {
		p.PublishStep(si)
	}
}

type StepSink interface {
	WriteStep(StepLogEntry) error
}

type RoundSink interface {
	WriteRound(RoundLogEntry) error
}

// Index receives the same records as the logs. Implementations must not block.
type Index interface {
	RecordStep(StepLogEntry)
	RecordRound(RoundLogEntry)
}

type Metrics struct {
	RunID           string              `json:"run_id"`
	Running         bool                `json:"running"`
	Round           int                 `json:"round"`
	RoundsCompleted int                 `json:"rounds_completed"`
	Tick            uint64              `json:"tick"`
	TotalSteps      uint64              `json:"total_steps"`
	Objective       objective.Objective `json:"objective"`
	PreferenceMean  float64             `json:"preference_mean"`
	CollectedTax    float64             `json:"collected_tax"`
	TotalTax        float64             `json:"total_tax"`
	TaxedHarvests   uint64              `json:"taxed_harvests"`
	Harvests        uint64              `json:"harvests"`
	Ledger          map[string]int      `json:"ledger"`
}

type RoundResult struct {
	Round        int
	Tally        voting.Tally
	Steps        uint64
	CollectedTax float64
	Ledger       map[string]int
	Welfare      map[string]float64
}
