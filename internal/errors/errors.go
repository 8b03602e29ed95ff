package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when no campaign row matches the ID.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrRecipientNotFound is returned when no recipient row matches the ID.
type ErrRecipientNotFound struct {
	RecipientID int64
}

func (e *ErrRecipientNotFound) Error() string {
	return fmt.Sprintf("recipient with ID %d not found", e.RecipientID)
}

func NewRecipientNotFound(id int64) error {
	return &ErrRecipientNotFound{RecipientID: id}
}

// ErrStatusChanged is returned by a conditional campaign update whose
// expected status no longer matches the stored one.
var ErrStatusChanged = errors.New("campaign status changed since it was read")

// IsNotFound reports whether err is any of the not-found errors above.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var r *ErrRecipientNotFound
	return errors.As(err, &c) || errors.As(err, &r)
}
