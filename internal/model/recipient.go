// internal/model/recipient.go
package model

import "time"

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

type Recipient struct {
	ID              int64             `db:"id" json:"id"`
	CampaignID      int64             `db:"campaign_id" json:"campaign_id"`
	Address         string            `db:"address" json:"address"`
	Variables       map[string]string `db:"variables" json:"variables,omitempty"`
	Status          RecipientStatus   `db:"status" json:"status"` // pending, sent, failed
	ErrorType       string            `db:"error_type" json:"error_type,omitempty"`
	ErrorMessage    string            `db:"error_message" json:"error_message,omitempty"`
	SentAt          *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	ProcessingOrder int               `db:"processing_order" json:"processing_order"`
}

// RecipientPatch is a partial update. Nil fields are left unchanged.
type RecipientPatch struct {
	Status       *RecipientStatus
	ErrorType    *string
	ErrorMessage *string
	SentAt       *time.Time
}

func (p RecipientPatch) Apply(r *Recipient) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ErrorType != nil {
		r.ErrorType = *p.ErrorType
	}
	if p.ErrorMessage != nil {
		r.ErrorMessage = *p.ErrorMessage
	}
	if p.SentAt != nil {
		r.SentAt = timePtr(*p.SentAt)
	}
}

// ErrorRecord is an append-only delivery failure entry.
type ErrorRecord struct {
	ID           int64     `db:"id" json:"id"`
	CampaignID   int64     `db:"campaign_id" json:"campaign_id"`
	RecipientID  *int64    `db:"recipient_id" json:"recipient_id,omitempty"`
	ErrorType    string    `db:"error_type" json:"error_type"`
	ErrorMessage string    `db:"error_message" json:"error_message"`
	RetryCount   int       `db:"retry_count" json:"retry_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// VariantChoice records which template alternatives were rendered for a recipient.
type VariantChoice struct {
	CampaignID  int64     `json:"campaign_id"`
	RecipientID int64     `json:"recipient_id"`
	Part        int       `json:"part"`
	Variants    []string  `json:"variants"`
	CreatedAt   time.Time `json:"created_at"`
}

// RenderResult is the outcome of rendering one message template.
type RenderResult struct {
	Success        bool
	FinalText      string
	ChosenVariants []string
	Missing        []string
	Errors         []string
}
