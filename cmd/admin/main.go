package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	persistlog "umd.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "metrics":
			metricsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

type runDirInfo struct {
	RunID      string `json:"run_id"`
	StepFiles  int    `json:"step_files"`
	RoundFiles int    `json:"round_files"`
	ModTime    string `json:"mod_time"`
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	if err := listRuns(os.Stdout, filepath.Join(*dataDir, "runs")); err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
}

// listRuns prints one line per run directory, newest first.
func listRuns(w io.Writer, base string) error {
	entries, err := os.ReadDir(base)
	if err != nil {
		return err
	}
	var runs []runDirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		dir := filepath.Join(base, e.Name())
		steps, _ := persistlog.ListFiles(filepath.Join(dir, "steps"), "steps")
		rounds, _ := persistlog.ListFiles(filepath.Join(dir, "rounds"), "rounds")
		runs = append(runs, runDirInfo{
			RunID:      e.Name(),
			StepFiles:  len(steps),
			RoundFiles: len(rounds),
			ModTime:    info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].ModTime != runs[j].ModTime {
			return runs[i].ModTime > runs[j].ModTime
		}
		return runs[i].RunID < runs[j].RunID
	})
	for _, r := range runs {
		printJSON(w, r)
	}
	return nil
}
