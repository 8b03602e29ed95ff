package dispatch

import (
	"fmt"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

var transitions = map[model.CampaignStatus][]model.CampaignStatus{
	model.CampaignInitialized: {model.CampaignRunning, model.CampaignCancelled, model.CampaignFailed},
	model.CampaignRunning:     {model.CampaignPaused, model.CampaignCompleted, model.CampaignCancelled, model.CampaignFailed},
	model.CampaignPaused:      {model.CampaignRunning, model.CampaignCancelled, model.CampaignFailed},
	model.CampaignFailed:      {model.CampaignCancelled},
}

// CanTransition reports whether a campaign may move from one status to another.
func CanTransition(from, to model.CampaignStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to model.CampaignStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
