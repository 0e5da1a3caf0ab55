// Package control seats remote clients on agents and bridges them to the episode runner.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"umd.ai/internal/protocol"
	"umd.ai/internal/sim/env"
	"umd.ai/internal/sim/episode"
)

var (
	ErrNoSeat    = errors.New("no free seat")
	ErrSeatTaken = errors.New("seat taken")
	ErrNotSeated = errors.New("not seated")
	ErrStaleTick  = errors.New("action answers a stale tick")
	ErrFutureTick = errors.New("action answers a tick not yet published")
	ErrRateLimit  = errors.New("too many actions for one tick")
)

type Config struct {
	Agents      []string
	RewardField string
	Separator   string
	// Seed drives the fallback random walk of unseated agents.
	Seed    int64
	OutSize int
	// MaxActsPerTick caps submissions per seat between two published steps.
	MaxActsPerTick int
}

// Client is one seated connection. Out carries encoded server messages; the hub
// never blocks on it and keeps only the latest ones when the reader lags.
type Client struct {
	Seat string
	Name string
	Out  chan []byte
}

type Hub struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	agents  []string
	clients map[string]*Client
	inputs  map[string]env.Input
	submits map[string]int
	rng     *rand.Rand
	round   int
	tick    uint64
}

func NewHub(cfg Config, logger *log.Logger) *Hub {
	if cfg.RewardField == "" {
		cfg.RewardField = "REWARD"
	}
	if cfg.Separator == "" {
		cfg.Separator = "."
	}
	if cfg.OutSize <= 0 {
		cfg.OutSize = 8
	}
	if cfg.MaxActsPerTick <= 0 {
		cfg.MaxActsPerTick = 4
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		agents:  append([]string(nil), cfg.Agents...),
		clients: map[string]*Client{},
		inputs:  map[string]env.Input{},
		submits: map[string]int{},
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Join seats a client on want, or on the lowest free seat when want is empty.
func (h *Hub) Join(name, want string) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seat := strings.TrimSpace(want)
	if seat != "" {
		if !h.isAgentLocked(seat) {
			return nil, fmt.Errorf("%w: unknown seat %q", ErrNoSeat, seat)
		}
		if _, ok := h.clients[seat]; ok {
			return nil, fmt.Errorf("%w: %s", ErrSeatTaken, seat)
		}
	} else {
		for _, a := range h.agents {
			if _, ok := h.clients[a]; !ok {
				seat = a
				break
			}
		}
		if seat == "" {
			return nil, ErrNoSeat
		}
	}
	c := &Client{Seat: seat, Name: name, Out: make(chan []byte, h.cfg.OutSize)}
	h.clients[seat] = c
	delete(h.inputs, seat)
	delete(h.submits, seat)
	h.logger.Printf("join: seat=%s name=%s", seat, name)
	return c, nil
}

// Leave frees the seat held by c. The agent falls back to the random walk.
func (h *Hub) Leave(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.Seat]; ok && cur == c {
		delete(h.clients, c.Seat)
		delete(h.inputs, c.Seat)
		delete(h.submits, c.Seat)
		h.logger.Printf("leave: seat=%s name=%s", c.Seat, c.Name)
	}
}

// Submit stores the latest input for c's seat. Only the newest input per seat
// is kept and it is consumed by the next step. tick must be the current tick or
// the one before it.
func (h *Hub) Submit(c *Client, tick uint64, in env.Input) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.Seat]; !ok || cur != c {
		return ErrNotSeated
	}
	if tick > h.tick {
		return fmt.Errorf("%w: %d (now %d)", ErrFutureTick, tick, h.tick)
	}
	if tick+1 < h.tick {
		return fmt.Errorf("%w: %d (now %d)", ErrStaleTick, tick, h.tick)
	}
	if h.submits[c.Seat] >= h.cfg.MaxActsPerTick {
		return fmt.Errorf("%w: seat %s", ErrRateLimit, c.Seat)
	}
	h.submits[c.Seat]++
	h.inputs[c.Seat] = in
	return nil
}

func (h *Hub) Seated() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.clients))
	for s := range h.clients {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Actions implements episode.Controller.
func (h *Hub) Actions(env.TimeStep) env.Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	act := make(env.Action, len(h.agents))
	for _, a := range h.agents {
		if _, seated := h.clients[a]; seated {
			if in, ok := h.inputs[a]; ok {
				act[a] = in
				delete(h.inputs, a)
			}
			continue
		}
		act[a] = env.Input{Move: h.rng.Intn(env.MoveLeft + 1), Turn: h.rng.Intn(3) - 1}
	}
	return act
}

// PublishRound implements episode.Publisher.
func (h *Hub) PublishRound(ri episode.RoundInfo) {
	msg := protocol.RoundMsg{
		Type:            protocol.TypeRound,
		ProtocolVersion: protocol.Version,
		Round:           ri.Round,
		Objective:       ri.Objective.String(),
		Population:      ri.Tally.Population,
		PreferenceMean:  ri.Tally.Mean,
		Agents:          ri.Agents,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("round marshal: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.round = ri.Round
	h.tick = 0
	h.inputs = map[string]env.Input{}
	h.submits = map[string]int{}
	if len(ri.Agents) > 0 {
		h.agents = append(h.agents[:0], ri.Agents...)
	}
	for _, c := range h.clients {
		sendLatest(c.Out, b)
	}
}

// PublishStep implements episode.Publisher. Each seated client receives its own
// observation slice plus world-level entries.
func (h *Hub) PublishStep(si episode.StepInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tick = si.Tick
	clear(h.submits)
	for seat, c := range h.clients {
		msg := protocol.ObsMsg{
			Type:            protocol.TypeObs,
			ProtocolVersion: protocol.Version,
			Round:           si.Round,
			Tick:            si.Tick,
			AgentID:         seat,
			StepType:        si.TimeStep.Type.String(),
			Objective:       si.Objective.String(),
			Reward:          si.TimeStep.Observation[seat+h.cfg.Separator+h.cfg.RewardField],
			CollectedTax:    si.CollectedTax,
			Observation:     env.AgentKeys(si.TimeStep.Observation, seat, h.agents, h.cfg.Separator),
		}
		b, err := json.Marshal(msg)
		if err != nil {
			h.logger.Printf("obs marshal: %v", err)
			continue
		}
		sendLatest(c.Out, b)
	}
}

func (h *Hub) isAgentLocked(id string) bool {
	for _, a := range h.agents {
		if a == id {
			return true
		}
	}
	return false
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
