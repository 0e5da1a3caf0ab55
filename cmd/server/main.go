package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"umd.ai/internal/persistence/archive"
	"umd.ai/internal/persistence/indexdb"
	persistlog "umd.ai/internal/persistence/log"
	"umd.ai/internal/protocol"
	"umd.ai/internal/sim/control"
	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/harvest"
	"umd.ai/internal/sim/objective"
	"umd.ai/internal/sim/principal"
	"umd.ai/internal/sim/taxation"
	"umd.ai/internal/sim/tuning"
	"umd.ai/internal/transport/observer"
	"umd.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		runID      = flag.String("run", "", "run id (default: random uuid)")
		disableDB  = flag.Bool("disable_db", false, "disable the read-model index")
		verbose    = flag.Bool("verbose", false, "log every taxed harvest")
		stayUp     = flag.Bool("stay_up", false, "keep serving after the last round finishes")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	id := strings.TrimSpace(*runID)
	if id == "" {
		id = uuid.NewString()
	}
	runDir := filepath.Join(*dataDir, "runs", id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		logger.Fatalf("run dir: %v", err)
	}
	if err := tune.Save(filepath.Join(runDir, "tuning.yaml")); err != nil {
		logger.Fatalf("run tuning: %v", err)
	}

	// Optional read-model index (JSONL logs stay the source of truth).
	idx, err := openRuntimeIndex(*dataDir, id, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(id, tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
	}

	stepLog := persistlog.NewStepLogger(runDir)
	roundLog := persistlog.NewRoundLogger(runDir)
	defer stepLog.Close()
	defer roundLog.Close()

	p, err := principal.New(objective.Utilitarian, principal.Policy{
		Ceiling:        tune.Tax.Ceiling,
		GreedThreshold: tune.Tax.GreedThreshold,
	}, logger)
	if err != nil {
		logger.Fatalf("principal: %v", err)
	}

	worldCfg := harvest.Config{
		Width:          tune.World.Width,
		Height:         tune.World.Height,
		Agents:         tune.PopulationSize,
		EpisodeSteps:   tune.World.EpisodeSteps,
		InitialApples:  tune.World.InitialApples,
		RegrowthRadius: tune.World.RegrowthRadius,
		RegrowthProbs:  tune.World.RegrowthProbs,
		RewardField:    tune.Tax.RewardField,
		Separator:      tune.Tax.KeySeparator,
	}
	agents := make([]string, tune.PopulationSize)
	for i := range agents {
		agents[i] = harvest.AgentID(i)
	}
	hub := control.NewHub(control.Config{
		Agents:      agents,
		RewardField: tune.Tax.RewardField,
		Separator:   tune.Tax.KeySeparator,
		Seed:        tune.World.Seed,
	}, logger)
	params := protocol.RunParams{
		TickRateHz:     tune.TickRateHz,
		PopulationSize: tune.PopulationSize,
		VotingRounds:   tune.VotingRounds,
		EpisodeSteps:   tune.World.EpisodeSteps,
		RewardField:    tune.Tax.RewardField,
		KeySeparator:   tune.Tax.KeySeparator,
		GreedThreshold: tune.Tax.GreedThreshold,
		TaxCeiling:     tune.Tax.Ceiling,
	}
	spectators := observer.NewServer(id, params, observer.Config{
		RewardField: tune.Tax.RewardField,
		Separator:   tune.Tax.KeySeparator,
	}, logger)

	runner, err := episode.New(episode.Config{
		RunID:          id,
		Rounds:         tune.VotingRounds,
		TickRateHz:     tune.TickRateHz,
		PopulationSize: tune.PopulationSize,
		Preferences:    tune.Preferences,
		Resample:       tune.ResamplePreferences,
		PreferenceSeed: tune.PreferenceSeed,
		WorldSeed:      tune.World.Seed,
		Tax: taxation.Config{
			RewardField: tune.Tax.RewardField,
			Separator:   tune.Tax.KeySeparator,
		},
		Verbose: *verbose,
	}, harvest.NewBuilder(worldCfg), p, episode.Options{
		Controller: hub,
		Publisher:  episode.Publishers{hub, spectators},
		StepLog:    stepLog,
		RoundLog:   roundLog,
		Index:      indexSink(idx),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("runner: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		results, err := runner.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatalf("run %s aborted after %d rounds: %v", id, len(results), err)
		}
		logger.Printf("run %s finished %d rounds", id, len(results))
		if err == nil {
			_ = stepLog.Close()
			_ = roundLog.Close()
			if path, m, err := archive.ArchiveRun(runDir, id, results); err != nil {
				logger.Printf("archive run: %v", err)
			} else {
				logger.Printf("run manifest %s total_tax=%.4f files=%d", path, m.TotalTax, len(m.Files))
			}
		}
		if !*stayUp {
			cancel()
		}
	}()

	state := stateSource{runner: runner, hub: hub, spectators: spectators, idx: idx}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", state.metricsHandler())

	if envBool("UMD_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", state.adminStateHandler())
		mux.HandleFunc("/admin/v1/observer/bootstrap", spectators.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", spectators.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (UMD_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("UMD_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	mux.HandleFunc("/v1/ws", ws.NewServer(hub, id, params, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("run=%s population=%d rounds=%d listening on %s", id, tune.PopulationSize, tune.VotingRounds, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	// The logs and index are closed by deferred calls; let the runner stop first.
	<-runDone
}

type stateSource struct {
	runner     *episode.Runner
	hub        *control.Hub
	spectators *observer.Server
	idx        runtimeIndex
}

func (s stateSource) metricsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var st *indexdb.Stats
		if s.idx != nil {
			v := s.idx.Stats()
			st = &v
		}
		writeMetrics(rw, s.runner.Metrics(), len(s.hub.Seated()), s.spectators.Subscribers(), st)
	}
}

func (s stateSource) adminStateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Metrics episode.Metrics `json:"metrics"`
			Seated  []string        `json:"seated"`
		}{
			Metrics: s.runner.Metrics(),
			Seated:  s.hub.Seated(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// writeMetrics renders a minimal Prometheus exposition.
func writeMetrics(w io.Writer, m episode.Metrics, clients, observers int, idx *indexdb.Stats) {
	run := m.RunID
	fmt.Fprintf(w, "# HELP umd_round Current voting round.\n")
	fmt.Fprintf(w, "# TYPE umd_round gauge\n")
	fmt.Fprintf(w, "umd_round{run=%q} %d\n", run, m.Round)
	fmt.Fprintf(w, "# HELP umd_rounds_completed Finished voting rounds.\n")
	fmt.Fprintf(w, "# TYPE umd_rounds_completed counter\n")
	fmt.Fprintf(w, "umd_rounds_completed{run=%q} %d\n", run, m.RoundsCompleted)
	fmt.Fprintf(w, "# HELP umd_tick Step within the current episode.\n")
	fmt.Fprintf(w, "# TYPE umd_tick gauge\n")
	fmt.Fprintf(w, "umd_tick{run=%q} %d\n", run, m.Tick)
	fmt.Fprintf(w, "# HELP umd_steps_total Environment steps across all rounds.\n")
	fmt.Fprintf(w, "# TYPE umd_steps_total counter\n")
	fmt.Fprintf(w, "umd_steps_total{run=%q} %d\n", run, m.TotalSteps)
	fmt.Fprintf(w, "# HELP umd_objective Objective installed in the principal (1 = active).\n")
	fmt.Fprintf(w, "# TYPE umd_objective gauge\n")
	for _, o := range objective.All {
		v := 0
		if o == m.Objective {
			v = 1
		}
		fmt.Fprintf(w, "umd_objective{run=%q,objective=%q} %d\n", run, o.String(), v)
	}
	fmt.Fprintf(w, "# HELP umd_preference_mean Mean ballot of the current round.\n")
	fmt.Fprintf(w, "# TYPE umd_preference_mean gauge\n")
	fmt.Fprintf(w, "umd_preference_mean{run=%q} %.6f\n", run, m.PreferenceMean)
	fmt.Fprintf(w, "# HELP umd_collected_tax Tax collected in the current episode.\n")
	fmt.Fprintf(w, "# TYPE umd_collected_tax gauge\n")
	fmt.Fprintf(w, "umd_collected_tax{run=%q} %.6f\n", run, m.CollectedTax)
	fmt.Fprintf(w, "# HELP umd_tax_total Tax collected across all rounds.\n")
	fmt.Fprintf(w, "# TYPE umd_tax_total counter\n")
	fmt.Fprintf(w, "umd_tax_total{run=%q} %.6f\n", run, m.TotalTax)
	fmt.Fprintf(w, "# HELP umd_harvests_total Harvest events seen by the taxation layer.\n")
	fmt.Fprintf(w, "# TYPE umd_harvests_total counter\n")
	fmt.Fprintf(w, "umd_harvests_total{run=%q,taxed=%q} %d\n", run, "true", m.TaxedHarvests)
	fmt.Fprintf(w, "umd_harvests_total{run=%q,taxed=%q} %d\n", run, "false", m.Harvests-m.TaxedHarvests)
	fmt.Fprintf(w, "# HELP umd_ledger Cumulative harvests per agent in the current episode.\n")
	fmt.Fprintf(w, "# TYPE umd_ledger gauge\n")
	agents := make([]string, 0, len(m.Ledger))
	for a := range m.Ledger {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	for _, a := range agents {
		fmt.Fprintf(w, "umd_ledger{run=%q,agent=%q} %d\n", run, a, m.Ledger[a])
	}
	fmt.Fprintf(w, "# HELP umd_clients Connected websocket clients.\n")
	fmt.Fprintf(w, "# TYPE umd_clients gauge\n")
	fmt.Fprintf(w, "umd_clients{run=%q} %d\n", run, clients)
	fmt.Fprintf(w, "# HELP umd_observers Connected spectator streams.\n")
	fmt.Fprintf(w, "# TYPE umd_observers gauge\n")
	fmt.Fprintf(w, "umd_observers{run=%q} %d\n", run, observers)
	if idx == nil {
		return
	}
	fmt.Fprintf(w, "# HELP umd_index_queue_depth Pending index records.\n")
	fmt.Fprintf(w, "# TYPE umd_index_queue_depth gauge\n")
	fmt.Fprintf(w, "umd_index_queue_depth{run=%q} %d\n", run, idx.QueueDepth)
	fmt.Fprintf(w, "# HELP umd_index_dropped_total Index records dropped under backpressure.\n")
	fmt.Fprintf(w, "# TYPE umd_index_dropped_total counter\n")
	fmt.Fprintf(w, "umd_index_dropped_total{run=%q} %d\n", run, idx.Dropped)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
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

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
