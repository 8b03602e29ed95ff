// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// CampaignStore is everything the service needs from persistence.
type CampaignStore interface {
	dispatch.Store
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
}

// CampaignService owns the live dispatch loops, at most one per campaign.
// Loops run on the service's root context, not on the caller's.
type CampaignService struct {
	store CampaignStore
	deps  dispatch.Deps
	ctx   context.Context
	log   zerolog.Logger

	// lifecycle serializes launching loops against evicting them.
	lifecycle sync.Mutex

	mu    sync.Mutex
	loops map[int64]*dispatch.Loop
	wg    sync.WaitGroup
}

// NewCampaignService builds the registry. deps.Store is replaced by store;
// ctx bounds every loop the service launches.
func NewCampaignService(ctx context.Context, store CampaignStore, deps dispatch.Deps) *CampaignService {
	deps.Store = store
	return &CampaignService{
		store: store,
		deps:  deps,
		ctx:   ctx,
		log:   deps.Log.With().Str("component", "campaign_service").Logger(),
		loops: map[int64]*dispatch.Loop{},
	}
}

// ApplyTuning replaces the options used by loops created from now on.
func (s *CampaignService) ApplyTuning(opts dispatch.Options) {
	s.mu.Lock()
	s.deps.Options = opts
	s.mu.Unlock()
	s.log.Info().Dur("retry_base", opts.Retry.Base).Int("max_attempts", opts.Retry.MaxAttempts).Msg("dispatch tuning applied")
}

// Start launches delivery of an initialized campaign and returns once it is
// running.
func (s *CampaignService) Start(ctx context.Context, id int64) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	l, fresh, err := s.loopFor(ctx, id, false)
	if err != nil {
		return err
	}
	done, err := l.StartAsync(s.ctx)
	if err != nil {
		if fresh {
			s.drop(l)
		}
		return err
	}
	s.track(l, done)
	return nil
}

// Resume continues a paused campaign. When no loop is live, for example
// after a restart, one is restored from the stored row.
func (s *CampaignService) Resume(ctx context.Context, id int64) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	l, fresh, err := s.loopFor(ctx, id, true)
	if err != nil {
		return err
	}
	done, err := l.ResumeAsync(s.ctx)
	if err != nil {
		if fresh {
			s.drop(l)
		}
		return err
	}
	s.track(l, done)
	return nil
}

func (s *CampaignService) Pause(ctx context.Context, id int64) error {
	if l := s.live(id); l != nil {
		return l.Pause()
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign %d is %s and not being processed", dispatch.ErrInvalidTransition, id, c.Status)
}

// Cancel requests cancellation of a live loop, or cancels the stored
// campaign directly when nothing is processing it.
func (s *CampaignService) Cancel(ctx context.Context, id int64) error {
	if l := s.live(id); l != nil {
		err := l.Cancel(ctx)
		s.evict(l)
		return err
	}
	l, err := s.detached(ctx, id)
	if err != nil {
		return err
	}
	return l.Cancel(ctx)
}

func (s *CampaignService) UpdateConfig(ctx context.Context, id int64, u dispatch.ConfigUpdate) error {
	if l := s.live(id); l != nil {
		return l.UpdateConfig(ctx, u)
	}
	l, err := s.detached(ctx, id)
	if err != nil {
		return err
	}
	return l.UpdateConfig(ctx, u)
}

func (s *CampaignService) Progress(ctx context.Context, id int64) (dispatch.Progress, error) {
	if l := s.live(id); l != nil {
		return l.Progress(), nil
	}
	l, err := s.detached(ctx, id)
	if err != nil {
		return dispatch.Progress{}, err
	}
	return l.Progress(), nil
}

func (s *CampaignService) EnhancedProgress(ctx context.Context, id int64) (dispatch.EnhancedProgress, error) {
	if l := s.live(id); l != nil {
		return l.EnhancedProgress(), nil
	}
	l, err := s.detached(ctx, id)
	if err != nil {
		return dispatch.EnhancedProgress{}, err
	}
	return l.EnhancedProgress(), nil
}

// LiveLoops snapshots every registered loop.
func (s *CampaignService) LiveLoops() []dispatch.State {
	s.mu.Lock()
	loops := make([]*dispatch.Loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()

	out := make([]dispatch.State, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.State())
	}
	return out
}

// FlushLoop has the registered loop for id write its state to the store.
func (s *CampaignService) FlushLoop(ctx context.Context, id int64, now time.Time) (bool, error) {
	l := s.live(id)
	if l == nil {
		return false, nil
	}
	return true, l.Flush(ctx, now)
}

// Wait blocks until every launched loop has returned.
func (s *CampaignService) Wait() {
	s.wg.Wait()
}

func (s *CampaignService) live(id int64) *dispatch.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[id]
}

// loopFor returns the registered loop for id, or registers a new one built
// from the stored row. restore parks the new loop as paused at the stored
// index.
func (s *CampaignService) loopFor(ctx context.Context, id int64, restore bool) (*dispatch.Loop, bool, error) {
	if l := s.live(id); l != nil {
		return l, false, nil
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, false, err
	}
	l, err := s.newLoop(c)
	if err != nil {
		return nil, false, err
	}
	if restore {
		// The recipient list, not the stored total, bounds the index.
		recipients, err := s.store.ListRecipients(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("list recipients of campaign %d: %w", id, err)
		}
		c.TotalRecipients = len(recipients)
		if err := l.Restore(c); err != nil {
			return nil, false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.loops[id]; existing != nil {
		return existing, false, nil
	}
	s.loops[id] = l
	return l, true, nil
}

// detached builds an unregistered loop over the stored row, used for
// commands and reads on campaigns nothing is processing.
func (s *CampaignService) detached(ctx context.Context, id int64) (*dispatch.Loop, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.newLoop(c)
}

func (s *CampaignService) newLoop(c *model.Campaign) (*dispatch.Loop, error) {
	s.mu.Lock()
	deps := s.deps
	s.mu.Unlock()
	return dispatch.NewLoop(c, deps)
}

func (s *CampaignService) track(l *dispatch.Loop, done <-chan error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := <-done; err != nil {
			s.log.Error().Err(err).Int64("campaign_id", l.ID()).Msg("campaign loop ended with error")
		}
		s.evict(l)
	}()
}

// evict drops a loop once it has stopped and persisted its final state.
// Paused campaigns go too; Resume restores them from the stored row.
func (s *CampaignService) evict(l *dispatch.Loop) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	st := l.State()
	if st.Active || st.Status == model.CampaignRunning {
		return
	}
	s.drop(l)
}

func (s *CampaignService) drop(l *dispatch.Loop) {
	s.mu.Lock()
	if s.loops[l.ID()] == l {
		delete(s.loops, l.ID())
	}
	s.mu.Unlock()
}
