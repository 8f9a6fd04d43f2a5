package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicetalk/internal/logging"
)

// Purger hard-deletes echoes created before cutoff.
type Purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper runs the retention purge on a cron schedule.
type Sweeper struct {
	cron      *cron.Cron
	purger    Purger
	retention time.Duration
	now       func() time.Time
	timeout   time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper validates schedule (standard cron or a descriptor such as
// "@hourly") and registers the job. Call Start to begin.
func NewSweeper(purger Purger, schedule string, retention time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		cron:      cron.New(),
		purger:    purger,
		retention: retention,
		now:       time.Now,
		timeout:   5 * time.Minute,
		log:       logging.Component("expiry"),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info().Dur("retention", s.retention).Msg("echo retention sweeper started")
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Error().Err(err).Msg("echo purge failed")
	}
}

// Sweep purges once. Overlapping calls are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.log.Debug().Int("purged", n).Time("cutoff", cutoff).Msg("echo purge complete")
	return n, nil
}
