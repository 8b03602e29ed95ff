package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/gateway"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
	"github.com/unclebandit/campaign-dispatcher/internal/statesync"
)

// stubGateway accepts every message. When gate is set, the first send
// signals entered and blocks until gate is closed.
type stubGateway struct {
	mu           sync.Mutex
	sent         []string
	disconnected bool
	gate         chan struct{}
	entered      chan struct{}
}

func (g *stubGateway) send(to string) (*gateway.Receipt, error) {
	g.mu.Lock()
	gate := g.gate
	g.gate = nil
	g.mu.Unlock()
	if gate != nil {
		close(g.entered)
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, to)
	return &gateway.Receipt{ID: to, Status: "queued"}, nil
}

func (g *stubGateway) Sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func (g *stubGateway) SendText(_ context.Context, _, to, _ string) (*gateway.Receipt, error) {
	return g.send(to)
}

func (g *stubGateway) SendImage(_ context.Context, _, to, _, _ string) (*gateway.Receipt, error) {
	return g.send(to)
}

func (g *stubGateway) SendVideo(_ context.Context, _, to, _, _ string) (*gateway.Receipt, error) {
	return g.send(to)
}

func (g *stubGateway) SendDocument(_ context.Context, _, to, _, _ string) (*gateway.Receipt, error) {
	return g.send(to)
}

func (g *stubGateway) CheckSession(context.Context, string) (*gateway.SessionStatus, error) {
	return &gateway.SessionStatus{Connected: !g.disconnected}, nil
}

func seedCampaign(t *testing.T, store *repository.MemoryStore, addresses ...string) int64 {
	t.Helper()
	c := store.PutCampaign(&model.Campaign{
		Name:         "launch",
		Status:       model.CampaignInitialized,
		Message:      "Hello {name}",
		GatewayToken: "tok",
	})
	store.AddRecipients(c.ID, addresses...)
	return c.ID
}

func newService(ctx context.Context, store *repository.MemoryStore, gw *stubGateway) *service.CampaignService {
	opts := dispatch.DefaultOptions()
	opts.InterMessageMax = time.Millisecond
	opts.InterMessageMin = 0
	return service.NewCampaignService(ctx, store, dispatch.Deps{
		Gateway:  gw,
		Renderer: service.NewSeededTemplateService(1),
		Options:  opts,
		Log:      zerolog.Nop(),
	})
}

func stored(t *testing.T, store *repository.MemoryStore, id int64) *model.Campaign {
	t.Helper()
	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestStartRunsInBackgroundAndCompletes(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us", "b@g.us", "c@g.us")
	gw := &stubGateway{}
	svc := newService(context.Background(), store, gw)

	require.NoError(t, svc.Start(context.Background(), id))
	svc.Wait()

	c := stored(t, store, id)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, 3, c.SentCount)
	assert.Nil(t, c.ProcessingLock)
	assert.Equal(t, []string{"a@g.us", "b@g.us", "c@g.us"}, gw.Sent())
	assert.Empty(t, svc.LiveLoops())

	err := svc.Start(context.Background(), id)
	assert.ErrorIs(t, err, dispatch.ErrAlreadyCompleted)
}

func TestStartRejectsDisconnectedGateway(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us")
	svc := newService(context.Background(), store, &stubGateway{disconnected: true})

	err := svc.Start(context.Background(), id)
	assert.ErrorIs(t, err, dispatch.ErrGatewayDisconnected)
	assert.Equal(t, model.CampaignInitialized, stored(t, store, id).Status)
	assert.Empty(t, svc.LiveLoops())
}

func TestPauseThenResumeAfterRestart(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us", "b@g.us", "c@g.us")
	gate := make(chan struct{})
	gw := &stubGateway{gate: gate, entered: make(chan struct{})}
	svc := newService(context.Background(), store, gw)

	require.NoError(t, svc.Start(context.Background(), id))
	<-gw.entered

	live := svc.LiveLoops()
	require.Len(t, live, 1)
	assert.True(t, live[0].Active)
	assert.Equal(t, model.CampaignRunning, live[0].Status)

	require.NoError(t, svc.Pause(context.Background(), id))
	close(gate)
	svc.Wait()

	c := stored(t, store, id)
	assert.Equal(t, model.CampaignPaused, c.Status)
	assert.Equal(t, 1, c.CurrentIndex)
	assert.Empty(t, svc.LiveLoops(), "paused loops are evicted")

	// A fresh service has no loop in memory and restores from the row.
	restarted := newService(context.Background(), store, gw)
	require.NoError(t, restarted.Resume(context.Background(), id))
	restarted.Wait()

	c = stored(t, store, id)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, 3, c.SentCount)
	assert.Equal(t, []string{"a@g.us", "b@g.us", "c@g.us"}, gw.Sent())
}

func TestStartPersistsRecipientTotal(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us", "b@g.us", "c@g.us")
	zero := 0
	require.NoError(t, store.UpdateCampaign(context.Background(), id, model.CampaignPatch{TotalRecipients: &zero}))
	gate := make(chan struct{})
	gw := &stubGateway{gate: gate, entered: make(chan struct{})}
	svc := newService(context.Background(), store, gw)

	require.NoError(t, svc.Start(context.Background(), id))
	<-gw.entered
	assert.Equal(t, 3, stored(t, store, id).TotalRecipients)

	require.NoError(t, svc.Pause(context.Background(), id))
	close(gate)
	svc.Wait()
	require.Empty(t, svc.LiveLoops())

	p, err := svc.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.CurrentIndex)

	// Rows written before the total was persisted still resume.
	require.NoError(t, store.UpdateCampaign(context.Background(), id, model.CampaignPatch{TotalRecipients: &zero}))
	require.NoError(t, svc.Resume(context.Background(), id))
	svc.Wait()

	c := stored(t, store, id)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, 3, c.CurrentIndex)
	assert.Equal(t, 3, c.TotalRecipients)
	assert.Equal(t, []string{"a@g.us", "b@g.us", "c@g.us"}, gw.Sent())
}

func TestResumeRejectsIndexPastRecipientList(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us")
	paused, idx, total := model.CampaignPaused, 1, 5
	require.NoError(t, store.UpdateCampaign(context.Background(), id, model.CampaignPatch{Status: &paused, CurrentIndex: &idx, TotalRecipients: &total}))
	svc := newService(context.Background(), store, &stubGateway{})

	assert.ErrorIs(t, svc.Resume(context.Background(), id), dispatch.ErrIndexOutOfRange)
	assert.Empty(t, svc.LiveLoops())
}

// staleRegistry reports loop states captured earlier, as a synchronizer tick
// holding an old listing would see them.
type staleRegistry struct {
	*service.CampaignService
	states []dispatch.State
}

func (r staleRegistry) LiveLoops() []dispatch.State { return r.states }

func TestStaleFlushCannotReopenFinishedCampaign(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us", "b@g.us")
	gate := make(chan struct{})
	gw := &stubGateway{gate: gate, entered: make(chan struct{})}
	svc := newService(context.Background(), store, gw)

	require.NoError(t, svc.Start(context.Background(), id))
	<-gw.entered
	snapshot := svc.LiveLoops()
	require.Len(t, snapshot, 1)
	require.Equal(t, model.CampaignRunning, snapshot[0].Status)

	close(gate)
	svc.Wait()

	syncer := statesync.New(store, staleRegistry{CampaignService: svc, states: snapshot}, statesync.DefaultConfig(), zerolog.Nop())
	n, err := syncer.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = syncer.Correct(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	c := stored(t, store, id)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, 2, c.CurrentIndex)
	assert.Nil(t, c.ProcessingLock)
	assert.Nil(t, c.PausedAt)

	assert.ErrorIs(t, svc.Resume(context.Background(), id), dispatch.ErrAlreadyCompleted)
	svc.Wait()
	assert.Equal(t, []string{"a@g.us", "b@g.us"}, gw.Sent())
}

func TestFlushIsOrderedWithLoopWrites(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us", "b@g.us")
	gate := make(chan struct{})
	gw := &stubGateway{gate: gate, entered: make(chan struct{})}
	svc := newService(context.Background(), store, gw)

	require.NoError(t, svc.Start(context.Background(), id))
	<-gw.entered

	// Hold the heartbeat write while the loop is released to finish.
	flushing := make(chan struct{}, 1)
	release := make(chan struct{})
	store.UpdateCampaignHook = func(_ int64, patch model.CampaignPatch) error {
		if patch.LockAcquiredAt != nil && patch.StartedAt == nil {
			select {
			case flushing <- struct{}{}:
			default:
			}
			<-release
		}
		return nil
	}

	syncer := statesync.New(store, svc, statesync.DefaultConfig(), zerolog.Nop())
	flushed := make(chan int, 1)
	go func() {
		n, _ := syncer.Flush(context.Background())
		flushed <- n
	}()
	<-flushing
	close(gate)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, model.CampaignRunning, stored(t, store, id).Status, "loop waits for the flush")

	close(release)
	assert.Equal(t, 1, <-flushed)
	svc.Wait()

	c := stored(t, store, id)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, 2, c.CurrentIndex)
	assert.Equal(t, 2, c.SentCount)
	assert.Nil(t, c.ProcessingLock)
	assert.Nil(t, c.LockAcquiredAt)
	assert.Empty(t, svc.LiveLoops())
}

func TestPauseWithoutLiveLoop(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us")
	svc := newService(context.Background(), store, &stubGateway{})

	assert.ErrorIs(t, svc.Pause(context.Background(), id), dispatch.ErrInvalidTransition)
	assert.True(t, appErrors.IsNotFound(svc.Pause(context.Background(), 999)))
}

func TestCancelAndConfigureIdleCampaign(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us")
	svc := newService(context.Background(), store, &stubGateway{})

	lo, hi := 2000, 4000
	require.NoError(t, svc.UpdateConfig(context.Background(), id, dispatch.ConfigUpdate{DelayMin: &lo, DelayMax: &hi}))
	c := stored(t, store, id)
	assert.Equal(t, 2000, c.DelayMin)
	assert.Equal(t, 4000, c.DelayMax)

	require.NoError(t, svc.Cancel(context.Background(), id))
	assert.Equal(t, model.CampaignCancelled, stored(t, store, id).Status)

	err := svc.Resume(context.Background(), id)
	assert.ErrorIs(t, err, dispatch.ErrInvalidTransition)
}

func TestProgressOfStoredCampaign(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us", "b@g.us", "c@g.us", "d@g.us")
	require.NoError(t, store.UpdateCampaign(context.Background(), id, model.CampaignPatch{
		CurrentIndex: ptr(2), SentCount: ptr(1), FailedCount: ptr(1),
	}))
	svc := newService(context.Background(), store, &stubGateway{})

	p, err := svc.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 2, p.CurrentIndex)
	assert.Equal(t, 2, p.Pending)
	assert.InDelta(t, 50.0, p.Percent, 0.001)

	ep, err := svc.EnhancedProgress(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ep.LargeCampaign)

	_, err = svc.Progress(context.Background(), 404)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestWorkerAppliesCommandsFromQueue(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us", "b@g.us")
	gw := &stubGateway{}
	svc := newService(context.Background(), store, gw)

	q := queue.NewInMemoryQueue(zerolog.Nop())
	defer q.Close()
	w := service.NewWorker(svc, store, zerolog.Nop())
	require.NoError(t, w.Subscribe(q))

	require.NoError(t, q.Publish(context.Background(), queue.TopicCommands, service.Command{CampaignID: id, Action: service.ActionStart}))
	require.Eventually(t, func() bool {
		return stored(t, store, id).Status == model.CampaignCompleted
	}, 2*time.Second, 5*time.Millisecond)
	svc.Wait()
	assert.Len(t, gw.Sent(), 2)

	rec := model.ErrorRecord{CampaignID: id, ErrorType: "TIMEOUT", ErrorMessage: "slow", RetryCount: 1}
	require.NoError(t, q.Publish(context.Background(), queue.TopicErrorRecords, rec))
	require.Eventually(t, func() bool {
		recs, _ := store.ListErrorRecords(context.Background(), id, 10)
		return len(recs) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleCommandAcknowledgesRejections(t *testing.T) {
	store := repository.NewMemoryStore()
	id := seedCampaign(t, store, "a@g.us")
	w := service.NewWorker(newService(context.Background(), store, &stubGateway{}), store, zerolog.Nop())

	for _, cmd := range []service.Command{
		{CampaignID: id, Action: "explode"},
		{CampaignID: id, Action: service.ActionPause},
		{CampaignID: 404, Action: service.ActionCancel},
	} {
		body, err := json.Marshal(cmd)
		require.NoError(t, err)
		assert.NoError(t, w.HandleCommand(context.Background(), body), cmd.Action)
	}
	assert.NoError(t, w.HandleCommand(context.Background(), []byte("{not json")))

	lo := 10
	body, err := json.Marshal(service.Command{CampaignID: id, Action: service.ActionUpdateConfig, DelayMin: &lo, DelayMax: &lo})
	require.NoError(t, err)
	require.NoError(t, w.HandleCommand(context.Background(), body))
	assert.Equal(t, 10, stored(t, store, id).DelayMax)
}

func ptr(v int) *int { return &v }
