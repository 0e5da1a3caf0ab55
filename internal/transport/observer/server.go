package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"umd.ai/internal/observerproto"
	"umd.ai/internal/protocol"
	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/taxation"
)

// Config names the observation keys the feed picks apart.
type Config struct {
	RewardField string
	Separator   string
}

// Server streams a read-only view of the run to spectators. It implements
// episode.Publisher.
type Server struct {
	runID  string
	params protocol.RunParams
	cfg    Config
	log    *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu     sync.Mutex
	subs   map[string]*subscriber
	agents map[string]bool
	round  *observerproto.RoundMsg
	tick   uint64
}

type subscriber struct {
	roundOut chan []byte
	tickOut  chan []byte

	everyTicks   int
	harvestsOnly bool
}

func NewServer(runID string, params protocol.RunParams, cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.RewardField == "" {
		cfg.RewardField = taxation.DefaultConfig().RewardField
	}
	if cfg.Separator == "" {
		cfg.Separator = taxation.DefaultConfig().Separator
	}
	return &Server{
		runID:  runID,
		params: params,
		cfg:    cfg,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs:   map[string]*subscriber{},
		agents: map[string]bool{},
	}
}

func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// PublishRound records the round for bootstrap and forwards it to every subscriber.
func (s *Server) PublishRound(ri episode.RoundInfo) {
	msg := &observerproto.RoundMsg{
		Type:            observerproto.TypeRound,
		ProtocolVersion: observerproto.Version,
		Round:           ri.Round,
		Objective:       ri.Objective.String(),
		Population:      ri.Tally.Population,
		PreferenceMean:  ri.Tally.Mean,
		Agents:          append([]string(nil), ri.Agents...),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.round = msg
	s.tick = 0
	s.agents = make(map[string]bool, len(ri.Agents))
	for _, a := range ri.Agents {
		s.agents[a] = true
	}
	for id, sub := range s.subs {
		select {
		case sub.roundOut <- b:
		default:
			s.log.Printf("observer %s: round notice dropped", id)
		}
	}
}

// PublishStep sends a TICK summary to subscribers whose cadence includes this step.
// The final step of an episode is always sent.
func (s *Server) PublishStep(si episode.StepInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = si.Tick
	if len(s.subs) == 0 {
		return
	}

	msg := s.tickMsgLocked(si)
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	last := si.TimeStep.Last()
	for _, sub := range s.subs {
		if !last {
			if sub.everyTicks > 1 && si.Tick%uint64(sub.everyTicks) != 0 {
				continue
			}
			if sub.harvestsOnly && len(msg.Harvests) == 0 {
				continue
			}
		}
		sendLatest(sub.tickOut, b)
	}
}

func (s *Server) tickMsgLocked(si episode.StepInfo) observerproto.TickMsg {
	msg := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Round:           si.Round,
		Tick:            si.Tick,
		StepType:        si.TimeStep.Type.String(),
		Objective:       si.Objective.String(),
		CollectedTax:    si.CollectedTax,
	}
	for key, v := range si.TimeStep.Observation {
		prefix, suffix, err := taxation.SplitKey(key, s.cfg.Separator)
		if err == nil && s.agents[prefix] {
			if suffix == s.cfg.RewardField && v != 0 {
				msg.Harvests = append(msg.Harvests, observerproto.HarvestEvent{AgentID: prefix, Net: v})
			}
			continue
		}
		if msg.World == nil {
			msg.World = map[string]float64{}
		}
		msg.World[key] = v
	}
	sort.Slice(msg.Harvests, func(i, j int) bool { return msg.Harvests[i].AgentID < msg.Harvests[j].AgentID })
	return msg
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		s.mu.Lock()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           s.runID,
			Params:          s.params,
			Round:           s.round,
			Tick:            s.tick,
		}
		s.mu.Unlock()

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		client := &subscriber{
			roundOut:     make(chan []byte, 16),
			tickOut:      make(chan []byte, 8),
			everyTicks:   sub.EveryTicks,
			harvestsOnly: sub.HarvestsOnly,
		}
		s.mu.Lock()
		// Late joiners get the round in progress first.
		if s.round != nil {
			if b, err := json.Marshal(s.round); err == nil {
				client.roundOut <- b
			}
		}
		s.subs[sid] = client
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. Round notices go out before pending ticks.
		writeErr := make(chan error, 1)
		go func() {
			write := func(b []byte) error {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				return conn.WriteMessage(websocket.TextMessage, b)
			}
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-client.roundOut:
					if err := write(b); err != nil {
						writeErr <- err
						return
					}
				case b := <-client.tickOut:
					select {
					case rb := <-client.roundOut:
						if err := write(rb); err != nil {
							writeErr <- err
							return
						}
					default:
					}
					if err := write(b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := decodeSubscribe(msg)
			if !ok {
				continue
			}
			s.mu.Lock()
			client.everyTicks = sub.EveryTicks
			client.harvestsOnly = sub.HarvestsOnly
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.EveryTicks <= 0 {
		sub.EveryTicks = 1
	}
	if sub.EveryTicks > 10000 {
		sub.EveryTicks = 10000
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
