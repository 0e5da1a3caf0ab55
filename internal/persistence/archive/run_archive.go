package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"umd.ai/internal/sim/episode"
)

type FileDigest struct {
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

type RoundSummary struct {
	Round          int                `json:"round"`
	Objective      string             `json:"objective"`
	PreferenceMean float64            `json:"preference_mean"`
	Steps          uint64             `json:"steps"`
	CollectedTax   float64            `json:"collected_tax"`
	Welfare        map[string]float64 `json:"welfare"`
}

type RunManifest struct {
	RunID     string         `json:"run_id"`
	CreatedAt string         `json:"created_at"`
	Rounds    []RoundSummary `json:"rounds"`
	TotalTax  float64        `json:"total_tax"`
	Files     []FileDigest   `json:"files"`
}

// ArchiveRun writes `runDir/archive/manifest.json` describing a finished run: one
// summary per round and a digest of every audit log file. Logs must be closed first.
func ArchiveRun(runDir, runID string, results []episode.RoundResult) (string, RunManifest, error) {
	m := RunManifest{
		RunID:     runID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Rounds:    make([]RoundSummary, 0, len(results)),
	}
	for _, r := range results {
		m.Rounds = append(m.Rounds, RoundSummary{
			Round:          r.Round,
			Objective:      r.Tally.Selected.String(),
			PreferenceMean: r.Tally.Mean,
			Steps:          r.Steps,
			CollectedTax:   r.CollectedTax,
			Welfare:        r.Welfare,
		})
		m.TotalTax += r.CollectedTax
	}

	if d, err := digestFile(filepath.Join(runDir, "tuning.yaml")); err == nil {
		d.Path = "tuning.yaml"
		m.Files = append(m.Files, d)
	} else if !os.IsNotExist(err) {
		return "", RunManifest{}, err
	}
	for _, sub := range []string{"steps", "rounds"} {
		paths, err := filepath.Glob(filepath.Join(runDir, sub, "*.jsonl.zst"))
		if err != nil {
			return "", RunManifest{}, err
		}
		sort.Strings(paths)
		for _, p := range paths {
			d, err := digestFile(p)
			if err != nil {
				return "", RunManifest{}, err
			}
			d.Path = filepath.ToSlash(filepath.Join(sub, filepath.Base(p)))
			m.Files = append(m.Files, d)
		}
	}

	archiveDir := filepath.Join(runDir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", RunManifest{}, err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", RunManifest{}, err
	}
	dst := filepath.Join(archiveDir, "manifest.json")
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", RunManifest{}, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", RunManifest{}, err
	}
	return dst, m, nil
}

// VerifyRun re-hashes every file listed in a manifest.
func VerifyRun(runDir string) (RunManifest, []string, error) {
	var m RunManifest
	b, err := os.ReadFile(filepath.Join(runDir, "archive", "manifest.json"))
	if err != nil {
		return m, nil, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, nil, err
	}
	var bad []string
	for _, f := range m.Files {
		d, err := digestFile(filepath.Join(runDir, filepath.FromSlash(f.Path)))
		if err != nil || d.SHA256 != f.SHA256 || d.Bytes != f.Bytes {
			bad = append(bad, f.Path)
		}
	}
	return m, bad, nil
}

func digestFile(path string) (FileDigest, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileDigest{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileDigest{}, err
	}
	return FileDigest{Bytes: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}
