package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentName       string `json:"agent_name"`
	// Seat optionally asks for a specific agent prefix; the lowest free seat is used otherwise.
	Seat string `json:"seat,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	RunID           string    `json:"run_id"`
	AgentID         string    `json:"agent_id"`
	Params          RunParams `json:"params"`
}

type RunParams struct {
	TickRateHz     int     `json:"tick_rate_hz"`
	PopulationSize int     `json:"population_size"`
	VotingRounds   int     `json:"voting_rounds"`
	EpisodeSteps   int     `json:"episode_steps"`
	RewardField    string  `json:"reward_field"`
	KeySeparator   string  `json:"key_separator"`
	GreedThreshold int     `json:"greed_threshold"`
	TaxCeiling     float64 `json:"tax_ceiling"`
}

// ROUND (server -> client): a voting round closed and a new episode is starting.
type RoundMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Round           int      `json:"round"`
	Objective       string   `json:"objective"`
	Population      int      `json:"population"`
	PreferenceMean  float64  `json:"preference_mean"`
	Agents          []string `json:"agents"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
