// Package principal maps an agent's cumulative harvest to a tax rate under the
// objective the population voted for.
package principal

import (
	"fmt"
	"log"
	"sync"

	"umd.ai/internal/sim/objective"
)

type Policy struct {
	// Ceiling is the rate charged once an agent is over the greed threshold.
	Ceiling float64
	// GreedThreshold is exclusive: counts strictly above it are taxed.
	GreedThreshold int
}

func DefaultPolicy() Policy {
	return Policy{Ceiling: 1.5, GreedThreshold: 10}
}

// Principal is shared by every wrapper in the process. Writers are expected only
// between voting rounds; readers are the per-step tax queries.
type Principal struct {
	policy Policy
	log    *log.Logger

	mu  sync.RWMutex
	obj objective.Objective
}

func New(obj objective.Objective, policy Policy, logger *log.Logger) (*Principal, error) {
	if logger == nil {
		logger = log.Default()
	}
	if policy.Ceiling < 0 {
		return nil, fmt.Errorf("tax ceiling must be >= 0, got %v", policy.Ceiling)
	}
	if policy.GreedThreshold < 0 {
		return nil, fmt.Errorf("greed threshold must be >= 0, got %d", policy.GreedThreshold)
	}
	p := &Principal{policy: policy, log: logger}
	if err := p.SetObjective(obj); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Principal) Policy() Policy { return p.policy }

func (p *Principal) Objective() objective.Objective {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.obj
}

func (p *Principal) SetObjective(obj objective.Objective) error {
	if !obj.Valid() {
		return fmt.Errorf("set objective: %w: %d", objective.ErrUnknownObjective, uint8(obj))
	}
	p.mu.Lock()
	p.obj = obj
	p.mu.Unlock()
	p.log.Printf("principal: objective=%s", obj)
	return nil
}

// Evaluate returns the tax rate in [0, Ceiling] for one agent's cumulative count.
func (p *Principal) Evaluate(cumulative int) (float64, error) {
	return Rate(p.Objective(), p.policy, cumulative)
}

// Rate is the pure form of Evaluate; replay uses it to re-check logged steps.
func Rate(obj objective.Objective, policy Policy, cumulative int) (float64, error) {
	switch obj {
	case objective.Utilitarian:
		return 0, nil
	case objective.Egalitarian:
		if cumulative > policy.GreedThreshold {
			return policy.Ceiling, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("evaluate: %w: %d", objective.ErrUnknownObjective, uint8(obj))
	}
}
