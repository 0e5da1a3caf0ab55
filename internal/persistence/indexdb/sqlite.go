package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/objective"
	"umd.ai/internal/sim/tuning"
)

// Stats reports queue pressure. Dropped counts records discarded because the
// writer fell behind.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Dropped       uint64 `json:"dropped"`
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqStep reqKind = iota + 1
	reqRound
)

type req struct {
	kind reqKind

	step  episode.StepLogEntry
	round episode.RoundLogEntry
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tuning (
			run_id TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rounds (
			run_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			objective TEXT NOT NULL,
			population INTEGER NOT NULL,
			preference_mean REAL NOT NULL,
			steps INTEGER NOT NULL,
			collected_tax REAL NOT NULL,
			welfare_utilitarian REAL NOT NULL,
			welfare_egalitarian REAL NOT NULL,
			ledger_json TEXT NOT NULL,
			preferences_json TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, round)
		);`,
		`CREATE TABLE IF NOT EXISTS assessments (
			run_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			agent TEXT NOT NULL,
			objective TEXT NOT NULL,
			cumulative INTEGER NOT NULL,
			rate REAL NOT NULL,
			net REAL NOT NULL,
			PRIMARY KEY (run_id, round, tick, agent)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_assessments_agent ON assessments(agent, run_id, round);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordStep queues the step's harvest assessments. Steps without harvests are skipped.
func (s *SQLiteIndex) RecordStep(entry episode.StepLogEntry) {
	if s == nil || s.closed.Load() || len(entry.Assessments) == 0 {
		return
	}
	s.enqueue(req{kind: reqStep, step: entry})
}

func (s *SQLiteIndex) RecordRound(entry episode.RoundLogEntry) {
	if s == nil || s.closed.Load() {
		return
	}
	s.enqueue(req{kind: reqRound, round: entry})
}

func (s *SQLiteIndex) enqueue(r req) {
	select {
	case s.ch <- r:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{QueueDepth: len(s.ch), QueueCapacity: cap(s.ch), Dropped: s.dropped.Load()}
}

// UpsertTuning stores the tuning actually applied to runID, synchronously.
func (s *SQLiteIndex) UpsertTuning(runID string, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO tuning(run_id,digest,json,recorded_at) VALUES(?,?,?,?)`,
		runID, hex.EncodeToString(sum[:]), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRound, _ := s.db.Prepare(`INSERT OR REPLACE INTO rounds(run_id,round,objective,population,preference_mean,steps,collected_tax,welfare_utilitarian,welfare_egalitarian,ledger_json,preferences_json,started_at,ended_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertAssessment, _ := s.db.Prepare(`INSERT OR REPLACE INTO assessments(run_id,round,tick,agent,objective,cumulative,rate,net) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertRound != nil {
			_ = insertRound.Close()
		}
		if insertAssessment != nil {
			_ = insertAssessment.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}

		switch r.kind {
		case reqStep:
			if insertAssessment == nil {
				break
			}
			st := r.step
			for _, a := range st.Assessments {
				if _, err := tx.Stmt(insertAssessment).Exec(
					st.RunID,
					st.Round,
					int64(st.Tick),
					a.Agent,
					st.Objective.String(),
					a.Cumulative,
					a.Rate,
					a.Net,
				); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqRound:
			if insertRound == nil {
				break
			}
			ro := r.round
			ledger, _ := json.Marshal(ro.Ledger)
			prefs, _ := json.Marshal(ro.Preferences)
			if _, err := tx.Stmt(insertRound).Exec(
				ro.RunID,
				ro.Round,
				ro.Tally.Selected.String(),
				ro.Tally.Population,
				ro.Tally.Mean,
				int64(ro.Steps),
				ro.CollectedTax,
				ro.Welfare[objective.Utilitarian.String()],
				ro.Welfare[objective.Egalitarian.String()],
				string(ledger),
				string(prefs),
				ro.StartedAt,
				ro.EndedAt,
			); err != nil {
				rollback()
				continue
			}
			opCount++
			// Round boundaries are rare; make them visible to readers right away.
			commit()
		}
		flushIfNeeded()
	}

	commit()
}
