// Package jobs holds the background maintenance loops.
package jobs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/waverider/broker-server-go/internal/service"
)

const cleanupTimeout = 30 * time.Second

// CleanupJob periodically reaps idle sessions and expires saved
// session files left behind by finished drives.
type CleanupJob struct {
	lifecycle   *service.Lifecycle
	interval    time.Duration
	savedDir    string
	savedMaxAge time.Duration
	done        chan struct{}
}

func NewCleanupJob(lifecycle *service.Lifecycle, interval time.Duration, savedDir string, savedMaxAge time.Duration) *CleanupJob {
	return &CleanupJob{
		lifecycle:   lifecycle,
		interval:    interval,
		savedDir:    savedDir,
		savedMaxAge: savedMaxAge,
		done:        make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	j.lifecycle.ReapIdle(ctx, j.interval)
	j.expireSavedSessions()
}

// expireSavedSessions removes exported script files past their
// retention age. A missing or unconfigured directory is not an error.
func (j *CleanupJob) expireSavedSessions() {
	if j.savedDir == "" || j.savedMaxAge <= 0 {
		return
	}

	entries, err := os.ReadDir(j.savedDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("dir", j.savedDir).Msg("failed to read saved sessions directory")
		}
		return
	}

	cutoff := time.Now().Add(-j.savedMaxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.savedDir, entry.Name())); err != nil {
			log.Error().Err(err).Str("file", entry.Name()).Msg("failed to remove expired saved session")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("expired saved sessions removed")
	}
}
