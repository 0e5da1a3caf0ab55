package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"umd.ai/internal/protocol"
	"umd.ai/internal/sim/env"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "agent name")
		seat     = flag.String("seat", "", "requested agent id (default: lowest free)")
		restrain = flag.Int("restrain", 0, "stop moving after this many harvests per episode (0 = never)")
		seed     = flag.Int64("seed", 0, "rng seed (0 = clock)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       *name,
		Seat:            *seat,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	b := &bot{rng: rand.New(rand.NewSource(*seed)), restrain: *restrain, round: -1}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME run=%s agent_id=%s population=%d threshold=%d ceiling=%.2f",
				w.RunID, w.AgentID, w.Params.PopulationSize, w.Params.GreedThreshold, w.Params.TaxCeiling)

		case protocol.TypeRound:
			var r protocol.RoundMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			if b.round >= 0 {
				logger.Printf("round %d done: harvests=%d net_reward=%.2f", b.round, b.harvests, b.reward)
			}
			b.startRound(r.Round)
			logger.Printf("ROUND %d objective=%s mean_preference=%.3f", r.Round, r.Objective, r.PreferenceMean)

		case protocol.TypeObs:
			var obs protocol.ObsMsg
			if err := json.Unmarshal(msg, &obs); err != nil {
				continue
			}
			if obs.StepType == "LAST" {
				continue
			}
			if err := conn.WriteJSON(b.act(&obs)); err != nil {
				return
			}

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR %s: %s", e.Code, e.Message)
			if e.Code == protocol.ErrNoSeat || e.Code == protocol.ErrProtoVersion {
				return
			}
		}
	}
}

// bot wanders the grid, mostly walking forward.
type bot struct {
	rng      *rand.Rand
	restrain int

	round    int
	harvests int
	reward   float64
}

func (b *bot) startRound(round int) {
	b.round = round
	b.harvests = 0
	b.reward = 0
}

func (b *bot) act(obs *protocol.ObsMsg) protocol.ActMsg {
	// Any nonzero reward marks a harvest; taxed ones can be negative.
	if obs.Reward != 0 {
		b.harvests++
		b.reward += obs.Reward
	}
	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            obs.Tick,
	}
	if b.restrain > 0 && b.harvests >= b.restrain {
		return act
	}
	switch n := b.rng.Intn(10); {
	case n < 6:
		act.Move = env.MoveForward
	case n < 8:
		act.Turn = b.rng.Intn(3) - 1
	default:
		act.Move = env.MoveRight + b.rng.Intn(3)
	}
	return act
}
