package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
)

func TestMemoryStoreCampaigns(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemoryStore()

	c := m.PutCampaign(&model.Campaign{Name: "a", Status: model.CampaignInitialized})
	require.NotZero(t, c.ID)

	_, err := m.GetCampaign(ctx, c.ID+100)
	assert.True(t, appErrors.IsNotFound(err))

	running := model.CampaignRunning
	idx := 2
	require.NoError(t, m.UpdateCampaign(ctx, c.ID, model.CampaignPatch{Status: &running, CurrentIndex: &idx}))

	got, err := m.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, got.Status)
	assert.Equal(t, 2, got.CurrentIndex)
	assert.NotNil(t, got.UpdatedAt)

	// callers get copies
	got.Name = "changed"
	again, _ := m.GetCampaign(ctx, c.ID)
	assert.Equal(t, "a", again.Name)
}

func TestMemoryStoreConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemoryStore()
	c := m.PutCampaign(&model.Campaign{Status: model.CampaignCompleted, CurrentIndex: 3})

	running, paused := model.CampaignRunning, model.CampaignPaused
	err := m.UpdateCampaign(ctx, c.ID, model.CampaignPatch{Status: &paused, IfStatus: &running})
	assert.ErrorIs(t, err, appErrors.ErrStatusChanged)

	got, _ := m.GetCampaign(ctx, c.ID)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.Nil(t, got.UpdatedAt)

	done := model.CampaignCompleted
	total := 3
	require.NoError(t, m.UpdateCampaign(ctx, c.ID, model.CampaignPatch{TotalRecipients: &total, IfStatus: &done}))
	got, _ = m.GetCampaign(ctx, c.ID)
	assert.Equal(t, 3, got.TotalRecipients)
}

func TestMemoryStoreInFlight(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemoryStore()
	lock := "tok"
	m.PutCampaign(&model.Campaign{ID: 3, Status: model.CampaignPaused})
	m.PutCampaign(&model.Campaign{ID: 1, Status: model.CampaignCompleted})
	m.PutCampaign(&model.Campaign{ID: 2, Status: model.CampaignCompleted, ProcessingLock: &lock})
	m.PutCampaign(&model.Campaign{ID: 4, Status: model.CampaignRunning})

	list, err := m.ListInFlightCampaigns(ctx)
	require.NoError(t, err)
	ids := []int64{}
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []int64{2, 3, 4}, ids)
}

func TestMemoryStoreRecipients(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemoryStore()
	c := m.PutCampaign(&model.Campaign{Name: "r"})
	recs := m.AddRecipients(c.ID, "a", "b", "c")

	stored, _ := m.GetCampaign(ctx, c.ID)
	assert.Equal(t, 3, stored.TotalRecipients)

	require.NoError(t, m.SetProcessingOrder(ctx, c.ID, []int64{recs[2].ID, recs[0].ID, recs[1].ID}))
	list, err := m.ListRecipients(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].Address, list[1].Address, list[2].Address})

	sent := model.RecipientSent
	require.NoError(t, m.UpdateRecipient(ctx, recs[0].ID, model.RecipientPatch{Status: &sent}))
	assert.True(t, appErrors.IsNotFound(m.UpdateRecipient(ctx, 9999, model.RecipientPatch{Status: &sent})))
}

func TestMemoryStoreErrorRecords(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.InsertErrorRecord(ctx, &model.ErrorRecord{CampaignID: 1, ErrorType: "TIMEOUT", RetryCount: i}))
	}
	require.NoError(t, m.InsertErrorRecord(ctx, &model.ErrorRecord{CampaignID: 2, ErrorType: "UNKNOWN_ERROR"}))

	recs, err := m.ListErrorRecords(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, recs[0].RetryCount, "newest first")
	assert.False(t, recs[0].CreatedAt.IsZero())
}
