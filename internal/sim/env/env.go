// Package env is the step interface between a simulation engine and the control loop.
package env

import "strings"

type StepType uint8

const (
	StepFirst StepType = iota
	StepMid
	StepLast
)

func (s StepType) String() string {
	switch s {
	case StepFirst:
		return "FIRST"
	case StepMid:
		return "MID"
	case StepLast:
		return "LAST"
	default:
		return "UNKNOWN"
	}
}

// TimeStep observation keys follow "<agent>.<FIELD>".
type TimeStep struct {
	Type        StepType
	Observation map[string]float64
}

func (t TimeStep) Last() bool { return t.Type == StepLast }

// Clone copies the observation map so later mutation does not leak.
func (t TimeStep) Clone() TimeStep {
	obs := make(map[string]float64, len(t.Observation))
	for k, v := range t.Observation {
		obs[k] = v
	}
	return TimeStep{Type: t.Type, Observation: obs}
}

// Move values are relative to the agent's facing.
const (
	MoveNone = iota
	MoveForward
	MoveRight
	MoveBackward
	MoveLeft
)

// Input is one agent's command for one step. Turn is -1, 0 or 1.
type Input struct {
	Move int `json:"move"`
	Turn int `json:"turn"`
}

// Action carries the input for each agent; missing agents idle.
type Action map[string]Input

type Environment interface {
	// Agents returns the agent prefixes in a stable order.
	Agents() []string
	Reset() TimeStep
	Step(action Action) (TimeStep, error)
}

type Builder func(seed int64) (Environment, error)

// AgentKeys returns the observation entries owned by agent plus any entries
// belonging to no agent in agents (world-level observations).
func AgentKeys(obs map[string]float64, agent string, agents []string, sep string) map[string]float64 {
	owned := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		owned[a] = struct{}{}
	}
	out := map[string]float64{}
	for k, v := range obs {
		i := strings.LastIndex(k, sep)
		if i < 0 {
			out[k] = v
			continue
		}
		prefix := k[:i]
		if prefix == agent {
			out[k] = v
			continue
		}
		if _, ok := owned[prefix]; !ok {
			out[k] = v
		}
	}
	return out
}
