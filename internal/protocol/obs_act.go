package protocol

// OBS (server -> client): one agent's post-tax view of a step.
type ObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Round           int    `json:"round"`
	Tick            uint64 `json:"tick"`
	AgentID         string `json:"agent_id"`
	StepType        string `json:"step_type"`
	Objective       string `json:"objective"`

	// Reward is the agent's reward field after tax.
	Reward       float64            `json:"reward"`
	CollectedTax float64            `json:"collected_tax"`
	Observation  map[string]float64 `json:"observation"`
}

// ACT (client -> server). Tick is the OBS tick the action answers.
type ActMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Move            int    `json:"move"`
	Turn            int    `json:"turn"`
}
