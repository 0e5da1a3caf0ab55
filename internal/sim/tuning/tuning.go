package tuning

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	TickRateHz          int       `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	PopulationSize      int       `yaml:"population_size" json:"population_size"`
	VotingRounds        int       `yaml:"voting_rounds" json:"voting_rounds"`
	ResamplePreferences bool      `yaml:"resample_preferences" json:"resample_preferences"`
	PreferenceSeed      int64     `yaml:"preference_seed" json:"preference_seed"`
	Preferences         []float64 `yaml:"preferences,omitempty" json:"preferences,omitempty"`

	Tax   Tax   `yaml:"tax" json:"tax"`
	World World `yaml:"world" json:"world"`
}

type Tax struct {
	Ceiling        float64 `yaml:"ceiling" json:"ceiling"`
	GreedThreshold int     `yaml:"greed_threshold" json:"greed_threshold"`
	RewardField    string  `yaml:"reward_field" json:"reward_field"`
	KeySeparator   string  `yaml:"key_separator" json:"key_separator"`
}

type World struct {
	Width          int       `yaml:"width" json:"width"`
	Height         int       `yaml:"height" json:"height"`
	EpisodeSteps   int       `yaml:"episode_steps" json:"episode_steps"`
	InitialApples  int       `yaml:"initial_apples" json:"initial_apples"`
	RegrowthRadius int       `yaml:"regrowth_radius" json:"regrowth_radius"`
	RegrowthProbs  []float64 `yaml:"regrowth_probs" json:"regrowth_probs"`
	Seed           int64     `yaml:"seed" json:"seed"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      8,
		PopulationSize:  5,
		VotingRounds:    1,
		Tax: Tax{
			Ceiling:        1.5,
			GreedThreshold: 10,
			RewardField:    "REWARD",
			KeySeparator:   ".",
		},
		World: World{
			Width:          25,
			Height:         15,
			EpisodeSteps:   1000,
			InitialApples:  60,
			RegrowthRadius: 2,
			RegrowthProbs:  []float64{0, 0.0025, 0.005, 0.025},
			Seed:           1337,
		},
	}
}

// Load reads path on top of Defaults. Keys absent from the file keep their defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Save writes t as YAML. Runs keep a copy so offline tools see the values the run used.
func (t Tuning) Save(path string) error {
	b, err := yaml.Marshal(t)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (t *Tuning) Normalize() {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.VotingRounds <= 0 {
		t.VotingRounds = 1
	}
	if t.Tax.RewardField == "" {
		t.Tax.RewardField = d.Tax.RewardField
	}
	if t.Tax.KeySeparator == "" {
		t.Tax.KeySeparator = d.Tax.KeySeparator
	}
	if len(t.World.RegrowthProbs) == 0 {
		t.World.RegrowthProbs = d.World.RegrowthProbs
	}
	if len(t.Preferences) > 0 && t.PopulationSize == 0 {
		t.PopulationSize = len(t.Preferences)
	}
}

func (t Tuning) Validate() error {
	if t.PopulationSize <= 0 {
		return errors.New("population_size must be > 0")
	}
	if len(t.Preferences) > 0 && len(t.Preferences) != t.PopulationSize {
		return fmt.Errorf("preferences has %d entries, population_size is %d", len(t.Preferences), t.PopulationSize)
	}
	for i, p := range t.Preferences {
		if p < 0 || p > 1 {
			return fmt.Errorf("preferences[%d]=%v outside [0,1]", i, p)
		}
	}
	if t.TickRateHz < 0 {
		return errors.New("tick_rate_hz must be >= 0")
	}
	if t.Tax.Ceiling < 0 {
		return errors.New("tax.ceiling must be >= 0")
	}
	if t.Tax.GreedThreshold < 0 {
		return errors.New("tax.greed_threshold must be >= 0")
	}
	if strings.Contains(t.Tax.RewardField, t.Tax.KeySeparator) {
		return fmt.Errorf("tax.reward_field %q contains tax.key_separator %q", t.Tax.RewardField, t.Tax.KeySeparator)
	}
	if t.World.Width <= 0 || t.World.Height <= 0 {
		return errors.New("world.width and world.height must be > 0")
	}
	if t.PopulationSize > t.World.Width*t.World.Height {
		return errors.New("population does not fit on the world grid")
	}
	if t.World.EpisodeSteps <= 0 {
		return errors.New("world.episode_steps must be > 0")
	}
	if t.World.InitialApples < 0 {
		return errors.New("world.initial_apples must be >= 0")
	}
	if t.World.RegrowthRadius < 0 {
		return errors.New("world.regrowth_radius must be >= 0")
	}
	for i, p := range t.World.RegrowthProbs {
		if p < 0 || p > 1 {
			return fmt.Errorf("world.regrowth_probs[%d]=%v outside [0,1]", i, p)
		}
	}
	return nil
}
