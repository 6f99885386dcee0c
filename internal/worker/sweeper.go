package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/store"
	"image-upload-pipeline/internal/telemetry"
)

// Sweeper periodically purges failed uploads older than the retention age.
type Sweeper struct {
	repo      store.Repository
	retention time.Duration
	interval  time.Duration
}

func NewSweeper(repo store.Repository, retention, interval time.Duration) *Sweeper {
	return &Sweeper{repo: repo, retention: retention, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Dur("retention", s.retention).Msg("retention sweeper started")
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one purge and returns how many uploads were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	n, err := s.repo.PurgeFailedOlderThan(ctx, s.retention)
	telemetry.UploadsPurged.Add(float64(n))
	if err != nil {
		log.Error().Err(err).Int("purged", n).Int64("duration_ms", time.Since(start).Milliseconds()).Msg("purge failed uploads")
		return n
	}
	if n > 0 {
		log.Info().Int("purged", n).Int64("duration_ms", time.Since(start).Milliseconds()).Msg("purged failed uploads")
	}
	return n
}
