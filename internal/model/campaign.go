// internal/model/campaign.go
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type CampaignStatus string

const (
	CampaignInitialized CampaignStatus = "initialized"
	CampaignRunning     CampaignStatus = "running"
	CampaignPaused      CampaignStatus = "paused"
	CampaignCompleted   CampaignStatus = "completed"
	CampaignCancelled   CampaignStatus = "cancelled"
	CampaignFailed      CampaignStatus = "failed"
)

// Terminal reports whether no further transition may leave this status.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageVideo    MessageKind = "video"
	MessageDocument MessageKind = "document"
)

// MessageSpec is one part of a campaign's message sequence.
type MessageSpec struct {
	Kind     MessageKind `json:"type"`
	Body     string      `json:"content"`
	MediaURL string      `json:"media_url,omitempty"`
	FileName string      `json:"file_name,omitempty"`
}

// UnmarshalJSON accepts both the structured form and legacy plain strings,
// which are treated as text messages.
func (m *MessageSpec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var body string
		if err := json.Unmarshal(b, &body); err != nil {
			return err
		}
		*m = MessageSpec{Kind: MessageText, Body: body}
		return nil
	}

	type raw MessageSpec
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if r.Kind == "" {
		r.Kind = MessageText
	}
	*m = MessageSpec(r)
	return nil
}

// SendingWindow restricts sends to a time-of-day range on selected weekdays.
// Start after End denotes a window crossing midnight. Empty Days means every day.
type SendingWindow struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Days     []int  `json:"days,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type Campaign struct {
	ID              int64           `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	Status          CampaignStatus  `db:"status" json:"status"`
	Message         string          `db:"message" json:"message,omitempty"`
	MessageType     MessageKind     `db:"message_type" json:"message_type,omitempty"`
	MediaURL        string          `db:"media_url" json:"media_url,omitempty"`
	Sequence        json.RawMessage `db:"message_sequence" json:"message_sequence,omitempty"`
	DelayMin        int             `db:"delay_min" json:"delay_min"`
	DelayMax        int             `db:"delay_max" json:"delay_max"`
	RandomizeOrder  bool            `db:"randomize_order" json:"randomize_order"`
	Window          *SendingWindow  `db:"sending_window" json:"sending_window,omitempty"`
	GatewayToken    string          `db:"gateway_token" json:"-"`
	TotalRecipients int             `db:"total_recipients" json:"total_recipients"`
	CurrentIndex    int             `db:"current_index" json:"current_index"`
	SentCount       int             `db:"sent_count" json:"sent_count"`
	FailedCount     int             `db:"failed_count" json:"failed_count"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	PausedAt        *time.Time      `db:"paused_at" json:"paused_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	ProcessingLock  *string         `db:"processing_lock" json:"processing_lock,omitempty"`
	LockAcquiredAt  *time.Time      `db:"lock_acquired_at" json:"lock_acquired_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

// MessageSpecs returns the campaign's message sequence, falling back to the
// legacy single message when no sequence is stored.
func (c *Campaign) MessageSpecs() ([]MessageSpec, error) {
	seq := bytes.TrimSpace(c.Sequence)
	if len(seq) > 0 && !bytes.Equal(seq, []byte("null")) {
		var specs []MessageSpec
		if err := json.Unmarshal(seq, &specs); err != nil {
			return nil, fmt.Errorf("decode message sequence: %w", err)
		}
		out := specs[:0]
		for _, s := range specs {
			if strings.TrimSpace(s.Body) == "" && s.MediaURL == "" {
				continue
			}
			out = append(out, s)
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	if strings.TrimSpace(c.Message) == "" && c.MediaURL == "" {
		return nil, fmt.Errorf("campaign %d has no message to send", c.ID)
	}
	kind := c.MessageType
	if kind == "" {
		kind = MessageText
	}
	return []MessageSpec{{Kind: kind, Body: c.Message, MediaURL: c.MediaURL}}, nil
}

// CampaignPatch is a partial update. Nil fields are left unchanged.
type CampaignPatch struct {
	Status          *CampaignStatus
	TotalRecipients *int
	CurrentIndex    *int
	SentCount       *int
	FailedCount     *int
	DelayMin        *int
	DelayMax        *int
	Window          *SendingWindow
	ClearWindow     bool
	StartedAt       *time.Time
	PausedAt        *time.Time
	CompletedAt     *time.Time
	LockToken       *string
	LockAcquiredAt  *time.Time
	ClearLock       bool

	// IfStatus makes the update conditional on the stored status still
	// being this value.
	IfStatus *CampaignStatus
}

// Empty reports whether applying the patch would change nothing.
func (p CampaignPatch) Empty() bool {
	return p.Status == nil && p.TotalRecipients == nil && p.CurrentIndex == nil && p.SentCount == nil && p.FailedCount == nil &&
		p.DelayMin == nil && p.DelayMax == nil && p.Window == nil && !p.ClearWindow &&
		p.StartedAt == nil && p.PausedAt == nil && p.CompletedAt == nil &&
		p.LockToken == nil && p.LockAcquiredAt == nil && !p.ClearLock
}

// Apply copies the patch onto c.
func (p CampaignPatch) Apply(c *Campaign) {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.TotalRecipients != nil {
		c.TotalRecipients = *p.TotalRecipients
	}
	if p.CurrentIndex != nil {
		c.CurrentIndex = *p.CurrentIndex
	}
	if p.SentCount != nil {
		c.SentCount = *p.SentCount
	}
	if p.FailedCount != nil {
		c.FailedCount = *p.FailedCount
	}
	if p.DelayMin != nil {
		c.DelayMin = *p.DelayMin
	}
	if p.DelayMax != nil {
		c.DelayMax = *p.DelayMax
	}
	if p.ClearWindow {
		c.Window = nil
	} else if p.Window != nil {
		w := *p.Window
		c.Window = &w
	}
	if p.StartedAt != nil {
		c.StartedAt = timePtr(*p.StartedAt)
	}
	if p.PausedAt != nil {
		c.PausedAt = timePtr(*p.PausedAt)
	}
	if p.CompletedAt != nil {
		c.CompletedAt = timePtr(*p.CompletedAt)
	}
	if p.ClearLock {
		c.ProcessingLock = nil
		c.LockAcquiredAt = nil
	} else {
		if p.LockToken != nil {
			tok := *p.LockToken
			c.ProcessingLock = &tok
		}
		if p.LockAcquiredAt != nil {
			c.LockAcquiredAt = timePtr(*p.LockAcquiredAt)
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
