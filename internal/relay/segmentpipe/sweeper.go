package segmentpipe

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepSchedule runs the eviction sweep every 10s, independent of the
// request path, per SPEC_FULL.md §4.14.
const sweepSchedule = "*/10 * * * * *"

// Sweeper periodically prunes TTL-expired segment-cache entries so a quiet
// stream's cache is still reclaimed even with no further requests. Grounded
// on internal/scheduler/scheduler.go's cron.New(cron.WithParser(...),
// cron.WithChain(cron.Recover(...))) construction.
type Sweeper struct {
	cron   *cron.Cron
	cache  *SegmentCache
	logger *slog.Logger
}

// NewSweeper builds a Sweeper bound to cache. Start must be called to begin
// the periodic sweep.
func NewSweeper(cache *SegmentCache, logger *slog.Logger) *Sweeper {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
	))
	return &Sweeper{cron: c, cache: cache, logger: logger}
}

// Start registers the sweep job and starts the cron scheduler in the
// background.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(sweepSchedule, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	removed := s.cache.Sweep(time.Now())
	if removed > 0 && s.logger != nil {
		s.logger.Debug("segment cache sweep evicted expired entries", slog.Int("count", removed), slog.Int("remaining", s.cache.Len()))
	}
}
