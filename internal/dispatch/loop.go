// Package dispatch runs one campaign's delivery: it walks the recipient list in
// order, renders and sends every message part, classifies failures, retries the
// transient ones and pauses the campaign when the gateway session is unusable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/gateway"
	"github.com/unclebandit/campaign-dispatcher/internal/humanize"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/phone"
)

// Store is the persistence a loop writes through. Every call is an
// independent keyed update.
type Store interface {
	ListRecipients(ctx context.Context, campaignID int64) ([]*model.Recipient, error)
	UpdateRecipient(ctx context.Context, id int64, patch model.RecipientPatch) error
	UpdateCampaign(ctx context.Context, id int64, patch model.CampaignPatch) error
	SetProcessingOrder(ctx context.Context, campaignID int64, order []int64) error
}

type Gateway interface {
	SendText(ctx context.Context, token, to, body string) (*gateway.Receipt, error)
	SendImage(ctx context.Context, token, to, mediaURL, caption string) (*gateway.Receipt, error)
	SendVideo(ctx context.Context, token, to, mediaURL, caption string) (*gateway.Receipt, error)
	SendDocument(ctx context.Context, token, to, mediaURL, caption string) (*gateway.Receipt, error)
	CheckSession(ctx context.Context, token string) (*gateway.SessionStatus, error)
}

type Validator interface {
	Validate(ctx context.Context, address, token string) (*phone.Result, error)
}

type Renderer interface {
	Render(template string, vars map[string]string) model.RenderResult
}

type Humanizer interface {
	Delay(minMs, maxMs int) time.Duration
	Shuffle(recipients []*model.Recipient) []*model.Recipient
	EstimateRemaining(count int, avgDelay time.Duration) time.Duration
}

// EventRecorder receives best-effort side records. Implementations must not
// block the caller.
type EventRecorder interface {
	RecordError(ctx context.Context, rec model.ErrorRecord)
	RecordVariants(ctx context.Context, choice model.VariantChoice)
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type nopRecorder struct{}

func (nopRecorder) RecordError(context.Context, model.ErrorRecord)      {}
func (nopRecorder) RecordVariants(context.Context, model.VariantChoice) {}

// Options tunes pacing and reporting. Zero fields take their defaults.
type Options struct {
	Retry           RetryPolicy
	InterMessageMin time.Duration
	InterMessageMax time.Duration
	WindowPoll      time.Duration
	RecentErrors    int
	BatchThreshold  int
	BatchSize       int
}

func DefaultOptions() Options {
	return Options{
		Retry:           DefaultRetryPolicy(),
		InterMessageMin: 3 * time.Second,
		InterMessageMax: 8 * time.Second,
		WindowPoll:      time.Minute,
		RecentErrors:    5,
		BatchThreshold:  1000,
		BatchSize:       100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Retry.Base == 0 {
		jitter := o.Retry.Jitter
		o.Retry = d.Retry
		o.Retry.Jitter = jitter
	}
	if o.InterMessageMax == 0 {
		o.InterMessageMin, o.InterMessageMax = d.InterMessageMin, d.InterMessageMax
	}
	if o.WindowPoll <= 0 {
		o.WindowPoll = d.WindowPoll
	}
	if o.RecentErrors <= 0 {
		o.RecentErrors = d.RecentErrors
	}
	if o.BatchThreshold <= 0 {
		o.BatchThreshold = d.BatchThreshold
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	return o
}

type Deps struct {
	Store     Store
	Gateway   Gateway
	Validator Validator
	Renderer  Renderer
	Humanizer Humanizer
	Events    EventRecorder
	Clock     Clock
	Options   Options
	Log       zerolog.Logger
}

// Loop is the state machine of a single campaign. Start and Resume block
// until the campaign stops; Pause and Cancel only request a stop, which the
// running loop observes before its next send.
type Loop struct {
	deps   Deps
	opts   Options
	clock  Clock
	events EventRecorder
	log    zerolog.Logger

	id    int64
	token string
	specs []model.MessageSpec

	wake chan struct{}

	// persistMu orders every write of status or counters to the campaign
	// row, the loop's own and Flush's. It is taken before mu.
	persistMu sync.Mutex

	mu          sync.Mutex
	status      model.CampaignStatus
	requested   model.CampaignStatus
	active      bool
	randomize   bool
	delayMin    int
	delayMax    int
	window      *model.SendingWindow
	recipients  []*model.Recipient
	total       int
	index       int
	sent        int
	failed      int
	startedAt   *time.Time
	pausedAt    *time.Time
	completedAt *time.Time
	lockToken   string
	recent      *errorRing
}

// NewLoop builds a loop for c. The campaign row's counters and status are
// taken as the starting point.
func NewLoop(c *model.Campaign, deps Deps) (*Loop, error) {
	if deps.Store == nil || deps.Gateway == nil || deps.Renderer == nil {
		return nil, errors.New("dispatch: store, gateway and renderer are required")
	}
	specs, err := c.MessageSpecs()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.DelayMin < 0 || c.DelayMax < 0 || c.DelayMin > c.DelayMax {
		return nil, fmt.Errorf("%w: delay bounds %d..%d", ErrInvalidConfig, c.DelayMin, c.DelayMax)
	}
	if deps.Humanizer == nil {
		deps.Humanizer = humanize.New()
	}
	opts := deps.Options.withDefaults()

	l := &Loop{
		deps:      deps,
		opts:      opts,
		clock:     deps.Clock,
		events:    deps.Events,
		log:       deps.Log.With().Int64("campaign_id", c.ID).Logger(),
		id:        c.ID,
		token:     c.GatewayToken,
		specs:     specs,
		wake:      make(chan struct{}, 1),
		status:    c.Status,
		randomize: c.RandomizeOrder,
		delayMin:  c.DelayMin,
		delayMax:  c.DelayMax,
		total:     c.TotalRecipients,
		index:     c.CurrentIndex,
		sent:      c.SentCount,
		failed:    c.FailedCount,
		recent:    newErrorRing(opts.RecentErrors),
	}
	if l.clock == nil {
		l.clock = realClock{}
	}
	if l.events == nil {
		l.events = nopRecorder{}
	}
	if l.status == "" {
		l.status = model.CampaignInitialized
	}
	if c.Window != nil {
		w := *c.Window
		l.window = &w
	}
	l.startedAt = copyTime(c.StartedAt)
	l.pausedAt = copyTime(c.PausedAt)
	l.completedAt = copyTime(c.CompletedAt)
	return l, nil
}

func (l *Loop) ID() int64 { return l.id }

// Start runs a fresh campaign to completion or until it is paused, cancelled
// or fails. Recipients are shuffled once here when randomization is enabled.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.beginStart(ctx); err != nil {
		return err
	}
	defer l.release()
	return l.run(ctx)
}

// StartAsync performs Start's checks and the move to running before it
// returns, then delivers in a new goroutine. The goroutine's result is sent
// on the returned channel.
func (l *Loop) StartAsync(ctx context.Context) (<-chan error, error) {
	return l.async(ctx, l.beginStart)
}

func (l *Loop) beginStart(ctx context.Context) (err error) {
	if err := l.claim(model.CampaignInitialized, "start"); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			l.release()
		}
	}()

	if err := l.checkSession(ctx); err != nil {
		return err
	}

	recipients, err := l.deps.Store.ListRecipients(ctx, l.id)
	if err != nil {
		return l.fail(ctx, fmt.Errorf("list recipients: %w", err))
	}
	if l.randomize && len(recipients) > 1 {
		recipients = l.deps.Humanizer.Shuffle(recipients)
		order := make([]int64, len(recipients))
		for i, r := range recipients {
			order[i] = r.ID
			r.ProcessingOrder = i
		}
		if err := l.deps.Store.SetProcessingOrder(ctx, l.id, order); err != nil {
			return l.fail(ctx, fmt.Errorf("persist processing order: %w", err))
		}
	}

	now := l.clock.Now()
	token := uuid.NewString()

	l.persistMu.Lock()
	l.mu.Lock()
	if err := checkTransition(l.status, model.CampaignRunning); err != nil {
		l.mu.Unlock()
		l.persistMu.Unlock()
		return err
	}
	l.status = model.CampaignRunning
	l.recipients = recipients
	l.total = len(recipients)
	if l.index > l.total {
		l.index = l.total
	}
	l.startedAt = &now
	l.lockToken = token
	idx, sent, failed, total := l.index, l.sent, l.failed, l.total
	l.mu.Unlock()

	status := model.CampaignRunning
	err = l.deps.Store.UpdateCampaign(ctx, l.id, model.CampaignPatch{
		Status:          &status,
		TotalRecipients: &total,
		CurrentIndex:    &idx,
		SentCount:       &sent,
		FailedCount:     &failed,
		StartedAt:       &now,
		LockToken:       &token,
		LockAcquiredAt:  &now,
	})
	l.persistMu.Unlock()
	if err != nil {
		return l.fail(ctx, fmt.Errorf("persist running status: %w", err))
	}

	l.log.Info().Int("recipients", total).Bool("randomized", l.randomize).Msg("campaign started")
	return nil
}

// Resume re-enters a paused campaign at its stored index. Recipients before
// the index are never sent again.
func (l *Loop) Resume(ctx context.Context) error {
	if err := l.beginResume(ctx); err != nil {
		return err
	}
	defer l.release()
	return l.run(ctx)
}

// ResumeAsync is the asynchronous form of Resume; see StartAsync.
func (l *Loop) ResumeAsync(ctx context.Context) (<-chan error, error) {
	return l.async(ctx, l.beginResume)
}

func (l *Loop) beginResume(ctx context.Context) (err error) {
	if err := l.claim(model.CampaignPaused, "resume"); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			l.release()
		}
	}()

	if err := l.checkSession(ctx); err != nil {
		return err
	}

	recipients, err := l.deps.Store.ListRecipients(ctx, l.id)
	if err != nil {
		return l.fail(ctx, fmt.Errorf("list recipients: %w", err))
	}

	now := l.clock.Now()
	token := uuid.NewString()

	l.persistMu.Lock()
	l.mu.Lock()
	if err := checkTransition(l.status, model.CampaignRunning); err != nil {
		l.mu.Unlock()
		l.persistMu.Unlock()
		return err
	}
	l.status = model.CampaignRunning
	l.requested = ""
	l.recipients = recipients
	l.total = len(recipients)
	if l.index > l.total {
		l.index = l.total
	}
	if l.startedAt == nil {
		l.startedAt = &now
	}
	l.lockToken = token
	idx, total := l.index, l.total
	l.mu.Unlock()

	status := model.CampaignRunning
	err = l.deps.Store.UpdateCampaign(ctx, l.id, model.CampaignPatch{
		Status:          &status,
		TotalRecipients: &total,
		LockToken:       &token,
		LockAcquiredAt:  &now,
	})
	l.persistMu.Unlock()
	if err != nil {
		return l.fail(ctx, fmt.Errorf("persist running status: %w", err))
	}

	l.log.Info().Int("index", idx).Int("recipients", len(recipients)).Msg("campaign resumed")
	return nil
}

func (l *Loop) async(ctx context.Context, begin func(context.Context) error) (<-chan error, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		err := l.run(ctx)
		l.release()
		done <- err
	}()
	return done, nil
}

// Pause asks the running loop to stop before its next send.
func (l *Loop) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != model.CampaignRunning {
		return fmt.Errorf("%w: cannot pause a %s campaign", ErrInvalidTransition, l.status)
	}
	switch l.requested {
	case model.CampaignPaused:
		return nil
	case model.CampaignCancelled:
		return fmt.Errorf("%w: cancel already requested", ErrInvalidTransition)
	}
	l.requested = model.CampaignPaused
	l.signal()
	l.log.Info().Msg("pause requested")
	return nil
}

// Cancel stops the campaign for good. A running loop is asked to stop; an idle
// one is cancelled and persisted immediately.
func (l *Loop) Cancel(ctx context.Context) error {
	now := l.clock.Now()

	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	if l.status == model.CampaignRunning && l.active {
		if l.requested != model.CampaignCancelled {
			l.requested = model.CampaignCancelled
			l.signal()
		}
		l.mu.Unlock()
		l.log.Info().Msg("cancel requested")
		return nil
	}
	if err := checkTransition(l.status, model.CampaignCancelled); err != nil {
		l.mu.Unlock()
		return err
	}
	l.status = model.CampaignCancelled
	l.completedAt = &now
	l.mu.Unlock()

	status := model.CampaignCancelled
	err := l.deps.Store.UpdateCampaign(ctx, l.id, model.CampaignPatch{
		Status:      &status,
		CompletedAt: &now,
		ClearLock:   true,
	})
	if err != nil {
		return fmt.Errorf("persist cancelled status: %w", err)
	}
	l.log.Info().Msg("campaign cancelled")
	return nil
}

// ConfigUpdate changes pacing on a live campaign. Nil fields are unchanged.
type ConfigUpdate struct {
	DelayMin    *int                 `json:"delay_min,omitempty"`
	DelayMax    *int                 `json:"delay_max,omitempty"`
	Window      *model.SendingWindow `json:"sending_window,omitempty"`
	ClearWindow bool                 `json:"clear_window,omitempty"`
}

// UpdateConfig applies new delay bounds or a new sending window. A running
// loop picks them up at its next delay or window check.
func (l *Loop) UpdateConfig(ctx context.Context, u ConfigUpdate) error {
	if u.Window != nil && !u.ClearWindow {
		if err := ValidateWindow(*u.Window); err != nil {
			return err
		}
	}

	l.mu.Lock()
	if l.status.Terminal() {
		l.mu.Unlock()
		return fmt.Errorf("%w: cannot reconfigure a %s campaign", ErrInvalidTransition, l.status)
	}
	dmin, dmax := l.delayMin, l.delayMax
	if u.DelayMin != nil {
		dmin = *u.DelayMin
	}
	if u.DelayMax != nil {
		dmax = *u.DelayMax
	}
	if dmin < 0 || dmax < 0 || dmin > dmax {
		l.mu.Unlock()
		return fmt.Errorf("%w: delay bounds %d..%d", ErrInvalidConfig, dmin, dmax)
	}
	l.delayMin, l.delayMax = dmin, dmax
	if u.ClearWindow {
		l.window = nil
	} else if u.Window != nil {
		w := *u.Window
		l.window = &w
	}
	l.mu.Unlock()

	patch := model.CampaignPatch{DelayMin: &dmin, DelayMax: &dmax, ClearWindow: u.ClearWindow}
	if !u.ClearWindow {
		patch.Window = u.Window
	}
	if err := l.deps.Store.UpdateCampaign(ctx, l.id, patch); err != nil {
		l.log.Warn().Err(err).Msg("config applied in memory but not persisted")
	}
	l.log.Info().Int("delay_min", dmin).Int("delay_max", dmax).Bool("window", u.Window != nil && !u.ClearWindow).Msg("config updated")
	return nil
}

func (l *Loop) claim(from model.CampaignStatus, verb string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active || l.status == model.CampaignRunning {
		return ErrAlreadyRunning
	}
	if l.status == model.CampaignCompleted {
		return fmt.Errorf("%w: campaign %d", ErrAlreadyCompleted, l.id)
	}
	if l.status != from {
		return fmt.Errorf("%w: cannot %s a %s campaign", ErrInvalidTransition, verb, l.status)
	}
	l.active = true
	select {
	case <-l.wake:
	default:
	}
	return nil
}

func (l *Loop) release() {
	l.mu.Lock()
	l.active = false
	l.requested = ""
	l.mu.Unlock()
}

func (l *Loop) checkSession(ctx context.Context) error {
	st, err := l.deps.Gateway.CheckSession(ctx, l.token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGatewayDisconnected, err)
	}
	if st == nil || !st.Connected {
		return ErrGatewayDisconnected
	}
	return nil
}

func (l *Loop) run(ctx context.Context) error {
	// Store writes outlive a cancelled ctx so shutdown still persists the pause.
	sctx := context.WithoutCancel(ctx)

	for {
		l.mu.Lock()
		idx, total, req := l.index, len(l.recipients), l.requested
		l.mu.Unlock()

		if idx >= total {
			return l.finish(sctx, model.CampaignCompleted)
		}
		if req == "" && ctx.Err() != nil {
			req = model.CampaignPaused
		}
		if req != "" {
			return l.finish(sctx, req)
		}

		if !l.awaitWindow(ctx) {
			continue
		}

		out, err := l.processRecipient(ctx, sctx, idx)
		if err != nil {
			return l.fail(sctx, err)
		}
		if out != outcomeDone {
			continue
		}

		l.persistMu.Lock()
		l.mu.Lock()
		l.index++
		idx, sent, failed := l.index, l.sent, l.failed
		dmin, dmax := l.delayMin, l.delayMax
		l.mu.Unlock()

		err = l.deps.Store.UpdateCampaign(sctx, l.id, model.CampaignPatch{
			CurrentIndex: &idx,
			SentCount:    &sent,
			FailedCount:  &failed,
		})
		l.persistMu.Unlock()
		if err != nil {
			return l.fail(sctx, fmt.Errorf("persist progress: %w", err))
		}

		if idx < total {
			l.sleep(ctx, l.deps.Humanizer.Delay(dmin, dmax), true)
		}
	}
}

// finish moves a running campaign to paused, cancelled or completed and
// releases its lock.
func (l *Loop) finish(ctx context.Context, to model.CampaignStatus) error {
	now := l.clock.Now()

	l.persistMu.Lock()
	l.mu.Lock()
	if err := checkTransition(l.status, to); err != nil {
		l.mu.Unlock()
		l.persistMu.Unlock()
		return err
	}
	l.status = to
	l.requested = ""
	l.lockToken = ""
	idx, sent, failed := l.index, l.sent, l.failed
	patch := model.CampaignPatch{
		Status:       &to,
		CurrentIndex: &idx,
		SentCount:    &sent,
		FailedCount:  &failed,
		ClearLock:    true,
	}
	if to == model.CampaignPaused {
		l.pausedAt = &now
		patch.PausedAt = &now
	} else {
		l.completedAt = &now
		patch.CompletedAt = &now
	}
	l.mu.Unlock()

	err := l.deps.Store.UpdateCampaign(ctx, l.id, patch)
	l.persistMu.Unlock()
	if err != nil {
		return l.fail(ctx, fmt.Errorf("persist %s status: %w", to, err))
	}
	l.log.Info().Str("status", string(to)).Int("index", idx).Int("sent", sent).Int("failed", failed).Msg("campaign stopped")
	return nil
}

// fail marks the campaign failed after a campaign-tier error and returns the
// cause to the caller.
func (l *Loop) fail(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)

	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	from := l.status
	ok := CanTransition(from, model.CampaignFailed)
	if ok {
		l.status = model.CampaignFailed
	}
	l.requested = ""
	l.lockToken = ""
	idx, sent, failed := l.index, l.sent, l.failed
	l.mu.Unlock()

	l.log.Error().Err(cause).Str("from", string(from)).Msg("campaign failed")
	if ok {
		status := model.CampaignFailed
		err := l.deps.Store.UpdateCampaign(ctx, l.id, model.CampaignPatch{
			Status:       &status,
			CurrentIndex: &idx,
			SentCount:    &sent,
			FailedCount:  &failed,
			ClearLock:    true,
		})
		if err != nil {
			l.log.Error().Err(err).Msg("persist failed status")
		}
	}
	return fmt.Errorf("campaign %d: %w", l.id, cause)
}

// awaitWindow blocks while the clock is outside the sending window. It
// returns false when a stop was requested or ctx ended.
func (l *Loop) awaitWindow(ctx context.Context) bool {
	logged := false
	for {
		l.mu.Lock()
		w, req := l.window, l.requested
		l.mu.Unlock()

		if req != "" || ctx.Err() != nil {
			return false
		}
		if w == nil {
			return true
		}
		ok, err := InWindow(*w, l.clock.Now())
		if err != nil {
			l.log.Warn().Err(err).Msg("ignoring invalid sending window")
			return true
		}
		if ok {
			return true
		}
		if !logged {
			l.log.Info().Str("start", w.Start).Str("end", w.End).Ints("days", w.Days).Msg("outside sending window, waiting")
			logged = true
		}
		if !l.sleep(ctx, l.opts.WindowPoll, true) {
			return false
		}
	}
}

// sleep waits d and reports whether the full wait elapsed. An interruptible
// sleep also ends early on Pause or Cancel.
func (l *Loop) sleep(ctx context.Context, d time.Duration, interruptible bool) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	var wake <-chan struct{}
	if interruptible {
		wake = l.wake
	}
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return false
	case <-l.clock.After(d):
		return true
	}
}

// signal must not block; callers may hold l.mu.
func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) pendingRequest() model.CampaignStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requested
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
