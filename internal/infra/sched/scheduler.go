package sched

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Scheduler runs Jobs on fixed intervals via gocron. Overlapping runs of the
// same job are rescheduled rather than stacked.
type Scheduler struct {
	s      gocron.Scheduler
	locker Locker
	log    *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(locker Locker, logger *zerolog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	l := logger.With().Str("component", "Scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{s: s, locker: locker, log: &l, ctx: ctx, cancel: cancel}, nil
}

// Every registers job to run each interval. A non-positive interval leaves
// the job disabled.
func (s *Scheduler) Every(interval time.Duration, job Job) error {
	if interval <= 0 {
		s.log.Info().Str("job", job.Name()).Msg("job disabled")
		return nil
	}
	// the lock outlives a normal run but expires if the holder dies
	lockTTL := 2 * interval
	_, err := s.s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			runOnce(s.ctx, job, s.locker, lockTTL, s.log)
		}),
		gocron.WithName(job.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	s.log.Info().Str("job", job.Name()).Dur("interval", interval).Msg("job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.s.Start()
}

// Shutdown cancels in-flight jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.s.Shutdown()
}
