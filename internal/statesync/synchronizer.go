// Package statesync keeps campaign rows in line with the live dispatch loops.
// Loop memory is authoritative: the synchronizer only reads loop state and
// writes the store.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type Store interface {
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
	UpdateCampaign(ctx context.Context, id int64, patch model.CampaignPatch) error
	ListInFlightCampaigns(ctx context.Context) ([]*model.Campaign, error)
}

// Registry exposes the loops currently held in memory.
type Registry interface {
	LiveLoops() []dispatch.State
	// FlushLoop has the live loop for id write its own state to the store.
	// It reports false when no loop is registered for id.
	FlushLoop(ctx context.Context, id int64, now time.Time) (bool, error)
}

type Config struct {
	Interval    time.Duration
	StaleLock   time.Duration
	AutoCorrect bool
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, StaleLock: 10 * time.Minute}
}

type Synchronizer struct {
	store Store
	loops Registry
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
}

func New(store Store, loops Registry, cfg Config, log zerolog.Logger) *Synchronizer {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.StaleLock <= 0 {
		cfg.StaleLock = d.StaleLock
	}
	return &Synchronizer{
		store: store,
		loops: loops,
		cfg:   cfg,
		now:   time.Now,
		log:   log.With().Str("component", "statesync").Logger(),
	}
}

// SetClock replaces the time source.
func (s *Synchronizer) SetClock(now func() time.Time) { s.now = now }

// Run flushes on every interval until ctx ends, then flushes one last time.
func (s *Synchronizer) Run(ctx context.Context) {
	cronLog := s.log.With().Str("component", "cron").Logger()
	logger := cron.PrintfLogger(&cronLog)

	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() { s.tick(ctx) }))
	c.Start()
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("synchronizer started")

	<-ctx.Done()
	<-c.Stop().Done()

	if _, err := s.Flush(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn().Err(err).Msg("final flush")
	}
	s.log.Info().Msg("synchronizer stopped")
}

func (s *Synchronizer) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Flush(ctx); err != nil {
		s.log.Warn().Err(err).Msg("flush")
	}
	if !s.cfg.AutoCorrect {
		return
	}
	if _, err := s.Correct(ctx); err != nil {
		s.log.Warn().Err(err).Msg("auto-correct")
	}
}

// Flush has every live loop write its counters and status to its campaign
// row. Running loops also refresh lock_acquired_at so their lock never looks
// stale. A loop dropped from the registry meanwhile is skipped.
func (s *Synchronizer) Flush(ctx context.Context) (int, error) {
	now := s.now()
	flushed := 0
	for _, st := range s.loops.LiveLoops() {
		ok, err := s.loops.FlushLoop(ctx, st.CampaignID, now)
		if err != nil {
			s.log.Warn().Err(err).Int64("campaign_id", st.CampaignID).Msg("flush campaign state")
			continue
		}
		if ok {
			flushed++
		}
	}
	if flushed > 0 {
		s.log.Debug().Int("campaigns", flushed).Msg("state flushed")
	}
	return flushed, nil
}

// Recover runs once at startup. Campaigns left running, or holding a lock
// while not terminal, are parked as paused with the lock released. They are
// never resumed here.
func (s *Synchronizer) Recover(ctx context.Context) (int, error) {
	campaigns, err := s.store.ListInFlightCampaigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-flight campaigns: %w", err)
	}
	live := s.liveByID()
	now := s.now()

	recovered := 0
	for _, c := range campaigns {
		if _, ok := live[c.ID]; ok {
			continue
		}
		patch, ok := recoveryPatch(c, now)
		if !ok {
			continue
		}
		if err := s.store.UpdateCampaign(ctx, c.ID, patch); err != nil {
			if errors.Is(err, appErrors.ErrStatusChanged) {
				continue
			}
			s.log.Error().Err(err).Int64("campaign_id", c.ID).Msg("recover campaign")
			continue
		}
		recovered++
		s.log.Warn().Int64("campaign_id", c.ID).Str("stored_status", string(c.Status)).
			Int("index", c.CurrentIndex).Msg("interrupted campaign parked as paused")
	}
	return recovered, nil
}

func recoveryPatch(c *model.Campaign, now time.Time) (model.CampaignPatch, bool) {
	locked := c.ProcessingLock != nil
	stored := c.Status
	switch {
	case c.Status == model.CampaignRunning, locked && c.Status != model.CampaignFailed && !c.Status.Terminal():
		paused := model.CampaignPaused
		return model.CampaignPatch{Status: &paused, PausedAt: &now, ClearLock: true, IfStatus: &stored}, true
	case locked:
		// Failed and terminal campaigns keep their status; only the lock goes.
		return model.CampaignPatch{ClearLock: true, IfStatus: &stored}, true
	}
	return model.CampaignPatch{}, false
}

func (s *Synchronizer) liveByID() map[int64]dispatch.State {
	states := s.loops.LiveLoops()
	out := make(map[int64]dispatch.State, len(states))
	for _, st := range states {
		out[st.CampaignID] = st
	}
	return out
}
