package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// MemoryStore keeps campaigns, recipients and error records in process memory.
// It backs tests and the "memory" store driver used for local runs.
type MemoryStore struct {
	mu         sync.Mutex
	campaigns  map[int64]*model.Campaign
	recipients map[int64]*model.Recipient
	errors     []model.ErrorRecord
	nextID     int64

	// UpdateCampaignHook, when set, runs before every campaign update and can
	// veto it by returning an error.
	UpdateCampaignHook func(id int64, patch model.CampaignPatch) error
	// ListRecipientsHook, when set, can fail recipient listing.
	ListRecipientsHook func(campaignID int64) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  map[int64]*model.Campaign{},
		recipients: map[int64]*model.Recipient{},
	}
}

// PutCampaign inserts or replaces a campaign. A zero ID is assigned.
func (m *MemoryStore) PutCampaign(c *model.Campaign) *model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		m.nextID++
		c.ID = m.nextID
	} else if c.ID > m.nextID {
		m.nextID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return c
}

// AddRecipients inserts recipients for a campaign, assigning IDs and
// processing order where missing, and updates the campaign total.
func (m *MemoryStore) AddRecipients(campaignID int64, addresses ...string) []*model.Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Recipient, 0, len(addresses))
	base := 0
	for _, r := range m.recipients {
		if r.CampaignID == campaignID {
			base++
		}
	}
	for i, addr := range addresses {
		m.nextID++
		r := &model.Recipient{
			ID:              m.nextID,
			CampaignID:      campaignID,
			Address:         addr,
			Variables:       map[string]string{},
			Status:          model.RecipientPending,
			ProcessingOrder: base + i,
		}
		m.recipients[r.ID] = r
		cp := *r
		out = append(out, &cp)
	}
	if c := m.campaigns[campaignID]; c != nil {
		c.TotalRecipients = base + len(addresses)
	}
	return out
}

// SetRecipientVariables replaces the variable map of a recipient.
func (m *MemoryStore) SetRecipientVariables(id int64, vars map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.recipients[id]; r != nil {
		r.Variables = vars
	}
}

func (m *MemoryStore) GetCampaign(_ context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c == nil {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateCampaign(_ context.Context, id int64, patch model.CampaignPatch) error {
	if m.UpdateCampaignHook != nil {
		if err := m.UpdateCampaignHook(id, patch); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c == nil {
		return appErrors.NewCampaignNotFound(id)
	}
	if patch.IfStatus != nil && c.Status != *patch.IfStatus {
		return appErrors.ErrStatusChanged
	}
	patch.Apply(c)
	now := time.Now()
	c.UpdatedAt = &now
	return nil
}

func (m *MemoryStore) ListInFlightCampaigns(_ context.Context) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range m.campaigns {
		if c.Status == model.CampaignRunning || c.Status == model.CampaignPaused || c.ProcessingLock != nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListRecipients(_ context.Context, campaignID int64) ([]*model.Recipient, error) {
	if m.ListRecipientsHook != nil {
		if err := m.ListRecipientsHook(campaignID); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Recipient{}
	for _, r := range m.recipients {
		if r.CampaignID == campaignID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessingOrder != out[j].ProcessingOrder {
			return out[i].ProcessingOrder < out[j].ProcessingOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateRecipient(_ context.Context, id int64, patch model.RecipientPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recipients[id]
	if r == nil {
		return appErrors.NewRecipientNotFound(id)
	}
	patch.Apply(r)
	return nil
}

func (m *MemoryStore) SetProcessingOrder(_ context.Context, campaignID int64, order []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pos, id := range order {
		if r := m.recipients[id]; r != nil && r.CampaignID == campaignID {
			r.ProcessingOrder = pos
		}
	}
	return nil
}

func (m *MemoryStore) InsertErrorRecord(_ context.Context, rec *model.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.errors = append(m.errors, *rec)
	return nil
}

func (m *MemoryStore) ListErrorRecords(_ context.Context, campaignID int64, limit int) ([]model.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ErrorRecord{}
	for i := len(m.errors) - 1; i >= 0; i-- {
		if m.errors[i].CampaignID != campaignID {
			continue
		}
		out = append(out, m.errors[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
