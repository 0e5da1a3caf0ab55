package observerproto

import "umd.ai/internal/protocol"

// Version is the observer protocol version (separate from the agent WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeRound     = "ROUND"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryTicks thins the TICK stream; 1 sends every step.
	EveryTicks int `json:"every_ticks"`
	// HarvestsOnly skips ticks in which nobody harvested.
	HarvestsOnly bool `json:"harvests_only,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string             `json:"protocol_version"`
	RunID           string             `json:"run_id"`
	Params          protocol.RunParams `json:"params"`
	Round           *RoundMsg          `json:"round,omitempty"`
	Tick            uint64             `json:"tick"`
}

// Server -> Client. Sent when a voting round closes and its episode starts.
type RoundMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Round           int      `json:"round"`
	Objective       string   `json:"objective"`
	Population      int      `json:"population"`
	PreferenceMean  float64  `json:"preference_mean"`
	Agents          []string `json:"agents"`
}

// Server -> Client. Sent every EveryTicks steps.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Round           int    `json:"round"`
	Tick            uint64 `json:"tick"`
	StepType        string `json:"step_type"`
	Objective       string `json:"objective"`

	CollectedTax float64        `json:"collected_tax"`
	Harvests     []HarvestEvent `json:"harvests,omitempty"`
	// World holds observation entries not owned by any agent.
	World map[string]float64 `json:"world,omitempty"`
}

// HarvestEvent is one agent's post-tax reward in a tick.
type HarvestEvent struct {
	AgentID string  `json:"agent_id"`
	Net     float64 `json:"net"`
}
