package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"umd.ai/internal/persistence/indexdb"
	"umd.ai/internal/sim/episode"
	"umd.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	episode.Index
	Close() error
	UpsertTuning(runID string, tune tuning.Tuning) error
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir, runID string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("UMD_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		// One database across runs; rows are keyed by run_id.
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "umd.sqlite"))
	case "http":
		endpoint := strings.TrimSpace(os.Getenv("UMD_INDEX_HTTP_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("UMD_INDEX_BACKEND=http but UMD_INDEX_HTTP_URL is empty")
		}
		return indexdb.OpenIngest(indexdb.IngestConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("UMD_INDEX_HTTP_TOKEN")),
			RunID:         runID,
			BatchSize:     envInt("UMD_INDEX_HTTP_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("UMD_INDEX_HTTP_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported UMD_INDEX_BACKEND: %s", backend)
	}
}

// indexSink adapts a possibly-nil runtimeIndex to episode.Index.
func indexSink(idx runtimeIndex) episode.Index {
	if idx == nil {
		return nil
	}
	return idx
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
