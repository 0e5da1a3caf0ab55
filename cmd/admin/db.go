package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type runRow struct {
	RunID      string `json:"run_id"`
	RecordedAt string `json:"recorded_at"`
	Digest     string `json:"tuning_digest"`
	Rounds     int    `json:"rounds"`
}

type roundRow struct {
	RunID              string  `json:"run_id"`
	Round              int     `json:"round"`
	Objective          string  `json:"objective"`
	Population         int     `json:"population"`
	PreferenceMean     float64 `json:"preference_mean"`
	Steps              int64   `json:"steps"`
	CollectedTax       float64 `json:"collected_tax"`
	WelfareUtilitarian float64 `json:"welfare_utilitarian"`
	WelfareEgalitarian float64 `json:"welfare_egalitarian"`
	LedgerJSON         string  `json:"ledger_json"`
}

type assessmentRow struct {
	Round      int     `json:"round"`
	Tick       int64   `json:"tick"`
	Agent      string  `json:"agent"`
	Objective  string  `json:"objective"`
	Cumulative int     `json:"cumulative"`
	Rate       float64 `json:"rate"`
	Net        float64 `json:"net"`
}

type agentTaxRow struct {
	Agent     string  `json:"agent"`
	Harvests  int     `json:"harvests"`
	Taxed     int     `json:"taxed"`
	TotalTax  float64 `json:"total_tax"`
	NetReward float64 `json:"net_reward"`
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	runID := fs.String("run", "", "run id (defaults to the most recent run)")
	round := fs.Int("round", -1, "round filter (assessments, agents)")
	agent := fs.String("agent", "", "agent filter (assessments)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "umd.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}
	if q != "runs" && strings.TrimSpace(*runID) == "" {
		id, err := latestRunID(db)
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest run:", err)
			os.Exit(1)
		}
		if id == "" {
			fmt.Fprintln(os.Stderr, "no runs found")
			os.Exit(2)
		}
		*runID = id
	}

	switch q {
	case "runs":
		rows, err := queryRuns(db, *limit)
		exitOn(err)
		for _, r := range rows {
			printJSON(os.Stdout, r)
		}

	case "tuning":
		var raw string
		err := db.QueryRow(`SELECT json FROM tuning WHERE run_id=?`, *runID).Scan(&raw)
		exitOn(err)
		fmt.Println(raw)

	case "rounds":
		rows, err := queryRounds(db, *runID)
		exitOn(err)
		for _, r := range rows {
			printJSON(os.Stdout, r)
		}

	case "assessments":
		rows, err := queryAssessments(db, *runID, *round, *agent, *limit)
		exitOn(err)
		for _, r := range rows {
			printJSON(os.Stdout, r)
		}

	case "agents":
		rows, err := queryAgentTax(db, *runID, *round)
		exitOn(err)
		for _, r := range rows {
			printJSON(os.Stdout, r)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-run ID] [-round N] [-agent ID] runs|tuning|rounds|assessments|agents")
		os.Exit(2)
	}
}

func latestRunID(db *sql.DB) (string, error) {
	var id sql.NullString
	if err := db.QueryRow(`SELECT run_id FROM tuning ORDER BY recorded_at DESC LIMIT 1`).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return id.String, nil
}

func queryRuns(db *sql.DB, limit int) ([]runRow, error) {
	rows, err := db.Query(`SELECT t.run_id, t.recorded_at, t.digest, COUNT(r.round)
		FROM tuning t LEFT JOIN rounds r ON r.run_id = t.run_id
		GROUP BY t.run_id ORDER BY t.recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runRow
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.RunID, &r.RecordedAt, &r.Digest, &r.Rounds); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryRounds(db *sql.DB, runID string) ([]roundRow, error) {
	rows, err := db.Query(`SELECT run_id, round, objective, population, preference_mean, steps, collected_tax,
		welfare_utilitarian, welfare_egalitarian, ledger_json
		FROM rounds WHERE run_id=? ORDER BY round`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []roundRow
	for rows.Next() {
		var r roundRow
		if err := rows.Scan(&r.RunID, &r.Round, &r.Objective, &r.Population, &r.PreferenceMean, &r.Steps, &r.CollectedTax,
			&r.WelfareUtilitarian, &r.WelfareEgalitarian, &r.LedgerJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryAssessments(db *sql.DB, runID string, round int, agent string, limit int) ([]assessmentRow, error) {
	q := `SELECT round, tick, agent, objective, cumulative, rate, net FROM assessments WHERE run_id=?`
	args := []any{runID}
	if round >= 0 {
		q += ` AND round=?`
		args = append(args, round)
	}
	if agent != "" {
		q += ` AND agent=?`
		args = append(args, agent)
	}
	q += ` ORDER BY round, tick, agent LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []assessmentRow
	for rows.Next() {
		var r assessmentRow
		if err := rows.Scan(&r.Round, &r.Tick, &r.Agent, &r.Objective, &r.Cumulative, &r.Rate, &r.Net); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// queryAgentTax totals the harvests and tax per agent, most taxed first.
func queryAgentTax(db *sql.DB, runID string, round int) ([]agentTaxRow, error) {
	q := `SELECT agent, COUNT(*), SUM(CASE WHEN rate > 0 THEN 1 ELSE 0 END), SUM(rate), SUM(net)
		FROM assessments WHERE run_id=?`
	args := []any{runID}
	if round >= 0 {
		q += ` AND round=?`
		args = append(args, round)
	}
	q += ` GROUP BY agent ORDER BY SUM(rate) DESC, agent`

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []agentTaxRow
	for rows.Next() {
		var r agentTaxRow
		if err := rows.Scan(&r.Agent, &r.Harvests, &r.Taxed, &r.TotalTax, &r.NetReward); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func exitOn(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "query:", err)
	os.Exit(1)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
