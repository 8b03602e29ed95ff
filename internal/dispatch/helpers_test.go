package dispatch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	"github.com/unclebandit/campaign-dispatcher/internal/gateway"
	"github.com/unclebandit/campaign-dispatcher/internal/humanize"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/phone"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

// fakeClock advances instantly and records every wait.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type sentMessage struct {
	Kind  string
	To    string
	Body  string
	Media string
}

// fakeGateway fails sends to an address with the queued errors, in order,
// before it starts accepting them.
type fakeGateway struct {
	mu           sync.Mutex
	disconnected bool
	failures     map[string][]error
	sent         []sentMessage
	attempts     map[string]int
	onSend       func(to string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failures: map[string][]error{}, attempts: map[string]int{}}
}

func (g *fakeGateway) FailNext(to string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[to] = append(g.failures[to], errs...)
}

func (g *fakeGateway) Sent() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

func (g *fakeGateway) Attempts(to string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[to]
}

func (g *fakeGateway) record(kind, to, body, media string) (*gateway.Receipt, error) {
	g.mu.Lock()
	g.attempts[to]++
	hook := g.onSend
	var err error
	if q := g.failures[to]; len(q) > 0 {
		err, g.failures[to] = q[0], q[1:]
	}
	if err == nil {
		g.sent = append(g.sent, sentMessage{Kind: kind, To: to, Body: body, Media: media})
	}
	n := len(g.sent)
	g.mu.Unlock()

	if hook != nil {
		hook(to)
	}
	if err != nil {
		return nil, err
	}
	return &gateway.Receipt{ID: fmt.Sprintf("msg-%d", n), Status: "queued"}, nil
}

func (g *fakeGateway) SendText(_ context.Context, _, to, body string) (*gateway.Receipt, error) {
	return g.record("text", to, body, "")
}

func (g *fakeGateway) SendImage(_ context.Context, _, to, mediaURL, caption string) (*gateway.Receipt, error) {
	return g.record("image", to, caption, mediaURL)
}

func (g *fakeGateway) SendVideo(_ context.Context, _, to, mediaURL, caption string) (*gateway.Receipt, error) {
	return g.record("video", to, caption, mediaURL)
}

func (g *fakeGateway) SendDocument(_ context.Context, _, to, mediaURL, caption string) (*gateway.Receipt, error) {
	return g.record("document", to, caption, mediaURL)
}

func (g *fakeGateway) CheckSession(_ context.Context, _ string) (*gateway.SessionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disconnected {
		return &gateway.SessionStatus{Connected: false, State: "qr"}, nil
	}
	return &gateway.SessionStatus{Connected: true, State: "open"}, nil
}

// CheckNumber treats every number as registered.
func (g *fakeGateway) CheckNumber(_ context.Context, _, p string) (*gateway.NumberCheck, error) {
	return &gateway.NumberCheck{Exists: true, JID: p + "@s.whatsapp.net", Phone: p}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	errors   []model.ErrorRecord
	variants []model.VariantChoice
}

func (r *fakeRecorder) RecordError(_ context.Context, rec model.ErrorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, rec)
}

func (r *fakeRecorder) RecordVariants(_ context.Context, choice model.VariantChoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants = append(r.variants, choice)
}

func (r *fakeRecorder) Errors() []model.ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ErrorRecord(nil), r.errors...)
}

type harness struct {
	t        *testing.T
	store    *repository.MemoryStore
	gw       *fakeGateway
	clock    *fakeClock
	events   *fakeRecorder
	campaign *model.Campaign
	opts     dispatch.Options
}

// newHarness stores a text campaign with zero delays and one recipient per
// address. Callers may edit h.campaign before calling loop.
func newHarness(t *testing.T, addresses ...string) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	c := store.PutCampaign(&model.Campaign{
		Name:         "spring promo",
		Status:       model.CampaignInitialized,
		Message:      "Hi {name}",
		GatewayToken: "tok",
	})
	recs := store.AddRecipients(c.ID, addresses...)
	for i, r := range recs {
		store.SetRecipientVariables(r.ID, map[string]string{"name": fmt.Sprintf("user%d", i+1)})
	}
	stored, err := store.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)

	opts := dispatch.DefaultOptions()
	opts.Retry.Jitter = func(time.Duration) time.Duration { return 0 }

	return &harness{
		t:        t,
		store:    store,
		gw:       newFakeGateway(),
		clock:    newFakeClock(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)),
		events:   &fakeRecorder{},
		campaign: stored,
		opts:     opts,
	}
}

func (h *harness) save() {
	h.store.PutCampaign(h.campaign)
}

func (h *harness) loop() *dispatch.Loop {
	h.t.Helper()
	h.save()
	l, err := dispatch.NewLoop(h.campaign, dispatch.Deps{
		Store:     h.store,
		Gateway:   h.gw,
		Validator: phone.NewValidator(h.gw, "55"),
		Renderer:  service.NewSeededTemplateService(1),
		Humanizer: humanize.NewSeeded(1),
		Events:    h.events,
		Clock:     h.clock,
		Options:   h.opts,
		Log:       zerolog.Nop(),
	})
	require.NoError(h.t, err)
	return l
}

func (h *harness) stored() *model.Campaign {
	h.t.Helper()
	c, err := h.store.GetCampaign(context.Background(), h.campaign.ID)
	require.NoError(h.t, err)
	return c
}

func (h *harness) recipients() []*model.Recipient {
	h.t.Helper()
	rs, err := h.store.ListRecipients(context.Background(), h.campaign.ID)
	require.NoError(h.t, err)
	return rs
}

// statusCounts asserts the sent+failed+pending invariant and returns the counts.
func (h *harness) statusCounts() (sent, failed, pending int) {
	h.t.Helper()
	rs := h.recipients()
	for _, r := range rs {
		switch r.Status {
		case model.RecipientSent:
			sent++
		case model.RecipientFailed:
			failed++
		case model.RecipientPending:
			pending++
		}
	}
	require.Equal(h.t, len(rs), sent+failed+pending)
	return sent, failed, pending
}
