package statesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type FindingKind string

const (
	// FindingOrphanRunning is a row marked running with no live loop behind it.
	FindingOrphanRunning FindingKind = "orphan_running"
	// FindingStatusDrift is a row whose status disagrees with its live loop.
	FindingStatusDrift FindingKind = "status_drift"
	// FindingStaleLock is a lock older than the configured threshold.
	FindingStaleLock FindingKind = "stale_lock"
)

// Finding describes one inconsistency and the patch that corrects it.
type Finding struct {
	CampaignID   int64                `json:"campaign_id"`
	Kind         FindingKind          `json:"kind"`
	StoredStatus model.CampaignStatus `json:"stored_status"`
	LiveStatus   model.CampaignStatus `json:"live_status,omitempty"`
	LockAgeMs    int64                `json:"lock_age_ms,omitempty"`
	Detail       string               `json:"detail"`
	Patch        model.CampaignPatch  `json:"-"`
}

// Detect compares stored campaigns with the live loops.
func (s *Synchronizer) Detect(ctx context.Context) ([]Finding, error) {
	campaigns, err := s.store.ListInFlightCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list in-flight campaigns: %w", err)
	}
	live := s.liveByID()
	now := s.now()

	seen := make(map[int64]bool, len(campaigns))
	var findings []Finding
	for _, c := range campaigns {
		seen[c.ID] = true
		st, isLive := live[c.ID]

		switch {
		case c.Status == model.CampaignRunning && !isLive:
			paused, running := model.CampaignPaused, model.CampaignRunning
			findings = append(findings, Finding{
				CampaignID:   c.ID,
				Kind:         FindingOrphanRunning,
				StoredStatus: c.Status,
				Detail:       "stored as running but no loop is processing it",
				Patch:        model.CampaignPatch{Status: &paused, PausedAt: &now, ClearLock: true, IfStatus: &running},
			})
		case isLive && st.Status != c.Status:
			findings = append(findings, driftFinding(c, st.Status))
		}

		if c.ProcessingLock == nil || (isLive && st.Active) {
			continue
		}
		age := s.cfg.StaleLock
		if c.LockAcquiredAt != nil {
			age = now.Sub(*c.LockAcquiredAt)
		}
		if c.LockAcquiredAt == nil || age > s.cfg.StaleLock {
			stored := c.Status
			findings = append(findings, Finding{
				CampaignID:   c.ID,
				Kind:         FindingStaleLock,
				StoredStatus: c.Status,
				LockAgeMs:    age.Milliseconds(),
				Detail:       fmt.Sprintf("lock held for %s", age.Round(time.Second)),
				Patch:        model.CampaignPatch{ClearLock: true, IfStatus: &stored},
			})
		}
	}

	// Live loops whose rows fell out of the in-flight listing.
	for id, st := range live {
		if seen[id] {
			continue
		}
		c, err := s.store.GetCampaign(ctx, id)
		if err != nil {
			if !appErrors.IsNotFound(err) {
				s.log.Warn().Err(err).Int64("campaign_id", id).Msg("load campaign for drift check")
			}
			continue
		}
		if c.Status != st.Status {
			findings = append(findings, driftFinding(c, st.Status))
		}
	}
	return findings, nil
}

func driftFinding(c *model.Campaign, live model.CampaignStatus) Finding {
	status := live
	return Finding{
		CampaignID:   c.ID,
		Kind:         FindingStatusDrift,
		StoredStatus: c.Status,
		LiveStatus:   live,
		Detail:       fmt.Sprintf("stored %s, loop is %s", c.Status, live),
		Patch:        model.CampaignPatch{Status: &status},
	}
}

// AutoCorrect applies each finding and returns how many succeeded. Status
// drift is corrected by the live loop flushing itself; the other findings
// apply their patch only if the row still has the status that was detected.
// A failed correction is logged and the rest still run.
func (s *Synchronizer) AutoCorrect(ctx context.Context, findings []Finding) int {
	corrected := 0
	for _, f := range findings {
		log := s.log.With().Int64("campaign_id", f.CampaignID).Str("kind", string(f.Kind)).Logger()

		var err error
		if f.Kind == FindingStatusDrift {
			var live bool
			live, err = s.loops.FlushLoop(ctx, f.CampaignID, s.now())
			if err == nil && !live {
				log.Debug().Msg("loop gone before correction, its own write stands")
				continue
			}
		} else {
			err = s.store.UpdateCampaign(ctx, f.CampaignID, f.Patch)
		}
		switch {
		case errors.Is(err, appErrors.ErrStatusChanged):
			log.Debug().Msg("row changed since detection, correction skipped")
			continue
		case err != nil:
			log.Error().Err(err).Msg("correct inconsistency")
			continue
		}
		corrected++
		log.Info().Msg(f.Detail)
	}
	return corrected
}

// Correct detects and corrects in one pass.
func (s *Synchronizer) Correct(ctx context.Context) (int, error) {
	findings, err := s.Detect(ctx)
	if err != nil {
		return 0, err
	}
	return s.AutoCorrect(ctx, findings), nil
}
