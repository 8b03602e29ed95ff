package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// ErrorEntry is one failure kept for the enhanced progress view.
type ErrorEntry struct {
	RecipientID int64     `json:"recipient_id"`
	Address     string    `json:"address"`
	Kind        Kind      `json:"kind"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	AutoPause   bool      `json:"auto_pause,omitempty"`
	At          time.Time `json:"at"`
}

type errorRing struct {
	buf  []ErrorEntry
	next int
	full bool
}

func newErrorRing(size int) *errorRing {
	return &errorRing{buf: make([]ErrorEntry, size)}
}

func (r *errorRing) push(e ErrorEntry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// entries returns the buffered errors oldest first.
func (r *errorRing) entries() []ErrorEntry {
	if !r.full {
		return append([]ErrorEntry(nil), r.buf[:r.next]...)
	}
	out := make([]ErrorEntry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

type Progress struct {
	CampaignID           int64                `json:"campaign_id"`
	Status               model.CampaignStatus `json:"status"`
	Total                int                  `json:"total"`
	CurrentIndex         int                  `json:"current_index"`
	Sent                 int                  `json:"sent"`
	Failed               int                  `json:"failed"`
	Pending              int                  `json:"pending"`
	Percent              float64              `json:"percent"`
	CurrentRecipient     string               `json:"current_recipient,omitempty"`
	EstimatedRemainingMs int64                `json:"estimated_remaining_ms"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	PausedAt             *time.Time           `json:"paused_at,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
}

// EnhancedProgress adds run statistics. The batch fields only advise UI
// pagination of large recipient lists; dispatch order is unaffected.
type EnhancedProgress struct {
	Progress
	ElapsedMs           int64        `json:"elapsed_ms"`
	ThroughputPerMinute float64      `json:"throughput_per_minute"`
	RecentErrors        []ErrorEntry `json:"recent_errors"`
	LargeCampaign       bool         `json:"large_campaign"`
	BatchSize           int          `json:"batch_size"`
	BatchCount          int          `json:"batch_count"`
}

func (l *Loop) Progress() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progressLocked()
}

func (l *Loop) progressLocked() Progress {
	total := l.total
	if len(l.recipients) > 0 {
		total = len(l.recipients)
	}
	p := Progress{
		CampaignID:   l.id,
		Status:       l.status,
		Total:        total,
		CurrentIndex: l.index,
		Sent:         l.sent,
		Failed:       l.failed,
		Pending:      max(total-l.sent-l.failed, 0),
		StartedAt:    copyTime(l.startedAt),
		PausedAt:     copyTime(l.pausedAt),
		CompletedAt:  copyTime(l.completedAt),
	}
	if total > 0 {
		p.Percent = float64(l.sent+l.failed) / float64(total) * 100
	}
	if l.index < len(l.recipients) {
		p.CurrentRecipient = l.recipients[l.index].Address
	}
	avg := time.Duration((l.delayMin+l.delayMax)/2) * time.Millisecond
	p.EstimatedRemainingMs = l.deps.Humanizer.EstimateRemaining(max(total-l.index, 0), avg).Milliseconds()
	return p
}

func (l *Loop) EnhancedProgress() EnhancedProgress {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ep := EnhancedProgress{Progress: l.progressLocked(), RecentErrors: l.recent.entries()}
	if l.startedAt != nil {
		end := now
		if l.completedAt != nil {
			end = *l.completedAt
		}
		if elapsed := end.Sub(*l.startedAt); elapsed > 0 {
			ep.ElapsedMs = elapsed.Milliseconds()
			ep.ThroughputPerMinute = float64(l.sent+l.failed) / elapsed.Minutes()
		}
	}

	total := ep.Total
	switch {
	case total > l.opts.BatchThreshold:
		ep.LargeCampaign = true
		ep.BatchSize = l.opts.BatchSize
		ep.BatchCount = (total + l.opts.BatchSize - 1) / l.opts.BatchSize
	case total > 0:
		ep.BatchSize = total
		ep.BatchCount = 1
	}
	return ep
}

// State is a point-in-time view of a loop, used for health and drift checks.
type State struct {
	CampaignID   int64
	Status       model.CampaignStatus
	Active       bool
	CurrentIndex int
	Sent         int
	Failed       int
	LockToken    string
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		CampaignID:   l.id,
		Status:       l.status,
		Active:       l.active,
		CurrentIndex: l.index,
		Sent:         l.sent,
		Failed:       l.failed,
		LockToken:    l.lockToken,
	}
}

// Flush writes the loop's status and counters to its campaign row. The write
// is ordered with the loop's own status writes, so the row is never taken back
// to an older state. A running loop also refreshes lock_acquired_at.
func (l *Loop) Flush(ctx context.Context, now time.Time) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	status, idx, sent, failed := l.status, l.index, l.sent, l.failed
	heartbeat := l.active && status == model.CampaignRunning && l.lockToken != ""
	l.mu.Unlock()

	patch := model.CampaignPatch{
		Status:       &status,
		CurrentIndex: &idx,
		SentCount:    &sent,
		FailedCount:  &failed,
	}
	if heartbeat {
		patch.LockAcquiredAt = &now
	}
	return l.deps.Store.UpdateCampaign(ctx, l.id, patch)
}

// Restore loads counters and timestamps from a persisted snapshot and leaves
// the loop paused, ready for Resume.
func (l *Loop) Restore(c *model.Campaign) error {
	if c.ID != l.id {
		return fmt.Errorf("%w: snapshot of campaign %d restored into campaign %d", ErrInvalidConfig, c.ID, l.id)
	}
	switch c.Status {
	case model.CampaignCompleted:
		return fmt.Errorf("%w: campaign %d", ErrAlreadyCompleted, c.ID)
	case model.CampaignCancelled:
		return fmt.Errorf("%w: campaign %d is cancelled", ErrInvalidTransition, c.ID)
	}
	if c.CurrentIndex < 0 || c.CurrentIndex >= c.TotalRecipients {
		return fmt.Errorf("%w: index %d of %d recipients", ErrIndexOutOfRange, c.CurrentIndex, c.TotalRecipients)
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		return ErrAlreadyRunning
	}
	l.status = model.CampaignPaused
	l.requested = ""
	l.recipients = nil
	l.total = c.TotalRecipients
	l.index = c.CurrentIndex
	l.sent = c.SentCount
	l.failed = c.FailedCount
	l.delayMin, l.delayMax = c.DelayMin, c.DelayMax
	l.window = nil
	if c.Window != nil {
		w := *c.Window
		l.window = &w
	}
	l.startedAt = copyTime(c.StartedAt)
	l.completedAt = nil
	l.pausedAt = copyTime(c.PausedAt)
	if l.pausedAt == nil {
		l.pausedAt = &now
	}
	l.lockToken = ""

	l.log.Info().Str("stored_status", string(c.Status)).Int("index", c.CurrentIndex).
		Int("sent", c.SentCount).Int("failed", c.FailedCount).Msg("campaign restored as paused")
	return nil
}
