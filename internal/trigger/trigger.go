// Package trigger wakes the sync processor without a page asking: a
// connectivity prober that fires on the offline-to-online transition, and
// a cron schedule for periodic drains.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Syncer requests a drain cycle from the processor.
type Syncer interface {
	Kick()
}

// Pinger checks backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober polls the backend health endpoint and kicks the processor when
// connectivity comes back. Repeated successful probes do not kick again;
// only the offline-to-online edge does.
type Prober struct {
	pinger   Pinger
	syncer   Syncer
	interval time.Duration
	logger   zerolog.Logger

	online bool
}

func NewProber(pinger Pinger, syncer Syncer, interval time.Duration, logger *zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		pinger:   pinger,
		syncer:   syncer,
		interval: interval,
		logger:   logger.With().Str("component", "prober").Logger(),
	}
}

// Run probes until the context is cancelled. The first successful probe
// counts as a transition, so queued entries drain as soon as the agent
// starts with connectivity.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := p.pinger.Ping(probeCtx)
	if err != nil {
		if p.online {
			p.logger.Warn().Err(err).Msg("backend unreachable")
		}
		p.online = false
		return
	}

	if !p.online {
		p.logger.Info().Msg("backend reachable, waking processor")
		p.syncer.Kick()
	}
	p.online = true
}

// Schedule kicks the processor on a cron expression. Standard five-field
// expressions and descriptors like "@every 15m" are accepted.
type Schedule struct {
	schedule cron.Schedule
	syncer   Syncer
	logger   zerolog.Logger
}

func NewSchedule(expr string, syncer Syncer, logger *zerolog.Logger) (*Schedule, error) {
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", expr, err)
	}
	return &Schedule{
		schedule: parsed,
		syncer:   syncer,
		logger:   logger.With().Str("component", "schedule").Logger(),
	}, nil
}

// Run fires kicks until the context is cancelled.
func (s *Schedule) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.logger.Debug().Time("fired_at", next).Msg("periodic sync")
			s.syncer.Kick()
		}
	}
}
