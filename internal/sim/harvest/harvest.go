// Package harvest is a small deterministic apple-harvest grid. It stands in for the
// external simulation engine so the taxation layer can be driven end to end.
package harvest

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"umd.ai/internal/sim/env"
)

var ErrEpisodeOver = errors.New("episode over; reset required")

const (
	FieldReward      = "REWARD"
	FieldPositionX   = "POSITION_X"
	FieldPositionY   = "POSITION_Y"
	FieldOrientation = "ORIENTATION"

	WorldPrefix = "WORLD"
	FieldApples = "APPLES"
	FieldStep   = "STEP"

	DefaultSeparator = "."
)

type Config struct {
	Width          int
	Height         int
	Agents         int
	EpisodeSteps   int
	InitialApples  int
	RegrowthRadius int
	// RegrowthProbs[i] is the chance an empty cell grows an apple when i apples
	// are within RegrowthRadius; the last entry covers all larger counts.
	RegrowthProbs []float64

	// Observation keys are <prefix><Separator><field>. RewardField names the
	// per-agent harvest signal. Empty values mean REWARD and ".".
	RewardField string
	Separator   string
}

// Facing is clockwise from north.
const (
	North = iota
	East
	South
	West
)

var dirs = [4][2]int{{0, -1}, {1, 0}, {0, 1}, {-1, 0}}

type avatar struct {
	id     string
	x, y   int
	facing int
}

// World is single-threaded; the control loop owns it.
type World struct {
	cfg  Config
	seed int64
	rng  *rand.Rand

	ids    []string
	agents []*avatar
	apples []bool
	step   int
}

func AgentID(i int) string { return fmt.Sprintf("p%d", i) }

func New(cfg Config, seed int64) (*World, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("harvest: bad grid %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Agents <= 0 || cfg.Agents > cfg.Width*cfg.Height {
		return nil, fmt.Errorf("harvest: bad agent count %d", cfg.Agents)
	}
	if cfg.EpisodeSteps <= 0 {
		return nil, fmt.Errorf("harvest: episode_steps must be > 0")
	}
	if cfg.RewardField == "" {
		cfg.RewardField = FieldReward
	}
	if cfg.Separator == "" {
		cfg.Separator = DefaultSeparator
	}
	if strings.Contains(cfg.RewardField, cfg.Separator) {
		return nil, fmt.Errorf("harvest: reward field %q contains separator %q", cfg.RewardField, cfg.Separator)
	}
	w := &World{cfg: cfg, seed: seed}
	for i := 0; i < cfg.Agents; i++ {
		id := AgentID(i)
		if strings.Contains(id, cfg.Separator) {
			return nil, fmt.Errorf("harvest: agent id %q contains separator %q", id, cfg.Separator)
		}
		w.ids = append(w.ids, id)
	}
	w.layout()
	return w, nil
}

func NewBuilder(cfg Config) env.Builder {
	return func(seed int64) (env.Environment, error) {
		return New(cfg, seed)
	}
}

func (w *World) Agents() []string {
	out := make([]string, len(w.ids))
	copy(out, w.ids)
	return out
}

// Reset restores the seeded initial layout.
func (w *World) Reset() env.TimeStep {
	w.layout()
	return env.TimeStep{Type: env.StepFirst, Observation: w.observe(nil)}
}

func (w *World) Step(action env.Action) (env.TimeStep, error) {
	if w.step >= w.cfg.EpisodeSteps {
		return env.TimeStep{}, ErrEpisodeOver
	}
	collected := map[string]bool{}
	for _, a := range w.agents {
		in, ok := action[a.id]
		if !ok {
			continue
		}
		if in.Turn >= -1 && in.Turn <= 1 {
			a.facing = (a.facing + in.Turn + 4) % 4
		}
		if in.Move <= env.MoveNone || in.Move > env.MoveLeft {
			continue
		}
		d := dirs[(a.facing+in.Move-env.MoveForward)%4]
		nx, ny := a.x+d[0], a.y+d[1]
		if !w.inBounds(nx, ny) || w.occupied(nx, ny) {
			continue
		}
		a.x, a.y = nx, ny
		if i := w.idx(nx, ny); w.apples[i] {
			w.apples[i] = false
			collected[a.id] = true
		}
	}
	w.regrow()
	w.step++

	typ := env.StepMid
	if w.step >= w.cfg.EpisodeSteps {
		typ = env.StepLast
	}
	return env.TimeStep{Type: typ, Observation: w.observe(collected)}, nil
}

// Key joins an observation prefix and field with the configured separator.
func (w *World) Key(prefix, field string) string {
	return prefix + w.cfg.Separator + field
}

func (w *World) Apples() int {
	n := 0
	for _, a := range w.apples {
		if a {
			n++
		}
	}
	return n
}

func (w *World) layout() {
	w.rng = rand.New(rand.NewSource(w.seed))
	w.step = 0
	w.apples = make([]bool, w.cfg.Width*w.cfg.Height)

	cells := w.rng.Perm(len(w.apples))
	w.agents = w.agents[:0]
	for i, id := range w.ids {
		c := cells[i]
		w.agents = append(w.agents, &avatar{
			id:     id,
			x:      c % w.cfg.Width,
			y:      c / w.cfg.Width,
			facing: w.rng.Intn(4),
		})
	}
	rest := cells[len(w.ids):]
	n := w.cfg.InitialApples
	if n > len(rest) {
		n = len(rest)
	}
	for _, c := range rest[:n] {
		w.apples[c] = true
	}
}

func (w *World) regrow() {
	probs := w.cfg.RegrowthProbs
	if len(probs) == 0 {
		return
	}
	r := w.cfg.RegrowthRadius
	var grow []int
	for y := 0; y < w.cfg.Height; y++ {
		for x := 0; x < w.cfg.Width; x++ {
			i := w.idx(x, y)
			if w.apples[i] || w.occupied(x, y) {
				continue
			}
			n := w.applesNear(x, y, r)
			if n >= len(probs) {
				n = len(probs) - 1
			}
			// Draw for every candidate cell so the stream stays aligned across runs.
			if w.rng.Float64() < probs[n] {
				grow = append(grow, i)
			}
		}
	}
	for _, i := range grow {
		w.apples[i] = true
	}
}

func (w *World) applesNear(x, y, r int) int {
	n := 0
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx == 0 && dy == 0 || dx*dx+dy*dy > r*r {
				continue
			}
			if w.inBounds(x+dx, y+dy) && w.apples[w.idx(x+dx, y+dy)] {
				n++
			}
		}
	}
	return n
}

func (w *World) observe(collected map[string]bool) map[string]float64 {
	obs := make(map[string]float64, len(w.agents)*4+2)
	for _, a := range w.agents {
		reward := 0.0
		if collected[a.id] {
			reward = 1
		}
		obs[w.Key(a.id, w.cfg.RewardField)] = reward
		obs[w.Key(a.id, FieldPositionX)] = float64(a.x)
		obs[w.Key(a.id, FieldPositionY)] = float64(a.y)
		obs[w.Key(a.id, FieldOrientation)] = float64(a.facing)
	}
	obs[w.Key(WorldPrefix, FieldApples)] = float64(w.Apples())
	obs[w.Key(WorldPrefix, FieldStep)] = float64(w.step)
	return obs
}

func (w *World) idx(x, y int) int { return y*w.cfg.Width + x }

func (w *World) inBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < w.cfg.Width && y < w.cfg.Height
}

func (w *World) occupied(x, y int) bool {
	for _, a := range w.agents {
		if a.x == x && a.y == y {
			return true
		}
	}
	return false
}
