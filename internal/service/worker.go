package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
)

const (
	ActionStart        = "start"
	ActionPause        = "pause"
	ActionResume       = "resume"
	ActionCancel       = "cancel"
	ActionUpdateConfig = "update_config"
)

// Command is a campaign control message received on the commands topic.
type Command struct {
	CampaignID  int64                `json:"campaign_id"`
	Action      string               `json:"action"`
	DelayMin    *int                 `json:"delay_min,omitempty"`
	DelayMax    *int                 `json:"delay_max,omitempty"`
	Window      *model.SendingWindow `json:"sending_window,omitempty"`
	ClearWindow bool                 `json:"clear_window,omitempty"`
}

// ErrorRecordWriter persists error records published by running loops.
type ErrorRecordWriter interface {
	InsertErrorRecord(ctx context.Context, rec *model.ErrorRecord) error
}

// Worker consumes queued commands and error records.
type Worker struct {
	Campaigns *CampaignService
	Errors    ErrorRecordWriter
	log       zerolog.Logger
}

// Constructor
func NewWorker(campaigns *CampaignService, errs ErrorRecordWriter, log zerolog.Logger) *Worker {
	return &Worker{
		Campaigns: campaigns,
		Errors:    errs,
		log:       log.With().Str("component", "worker").Logger(),
	}
}

// Subscribe registers the command and error-record handlers on q.
func (w *Worker) Subscribe(q queue.Queue) error {
	if err := q.Subscribe(queue.TopicCommands, w.HandleCommand); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicCommands, err)
	}
	if w.Errors == nil {
		return nil
	}
	if err := q.Subscribe(queue.TopicErrorRecords, w.HandleErrorRecord); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicErrorRecords, err)
	}
	return nil
}

// HandleCommand applies one command. Rejected commands are logged and
// acknowledged; only unexpected failures are returned for redelivery.
func (w *Worker) HandleCommand(ctx context.Context, body []byte) error {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		w.log.Warn().Err(err).Msg("discarding malformed command")
		return nil
	}
	log := w.log.With().Int64("campaign_id", cmd.CampaignID).Str("action", cmd.Action).Logger()

	err := w.apply(ctx, cmd)
	switch {
	case err == nil:
		log.Info().Msg("command applied")
		return nil
	case rejected(err):
		log.Warn().Err(err).Msg("command rejected")
		return nil
	default:
		log.Error().Err(err).Msg("command failed")
		return err
	}
}

func (w *Worker) apply(ctx context.Context, cmd Command) error {
	switch cmd.Action {
	case ActionStart:
		return w.Campaigns.Start(ctx, cmd.CampaignID)
	case ActionPause:
		return w.Campaigns.Pause(ctx, cmd.CampaignID)
	case ActionResume:
		return w.Campaigns.Resume(ctx, cmd.CampaignID)
	case ActionCancel:
		return w.Campaigns.Cancel(ctx, cmd.CampaignID)
	case ActionUpdateConfig:
		return w.Campaigns.UpdateConfig(ctx, cmd.CampaignID, dispatch.ConfigUpdate{
			DelayMin:    cmd.DelayMin,
			DelayMax:    cmd.DelayMax,
			Window:      cmd.Window,
			ClearWindow: cmd.ClearWindow,
		})
	}
	return fmt.Errorf("%w: unknown action %q", errUnknownAction, cmd.Action)
}

var errUnknownAction = errors.New("unknown command")

// rejected reports errors caused by the command itself, which a retry
// cannot fix.
func rejected(err error) bool {
	return appErrors.IsNotFound(err) ||
		errors.Is(err, errUnknownAction) ||
		errors.Is(err, dispatch.ErrAlreadyRunning) ||
		errors.Is(err, dispatch.ErrAlreadyCompleted) ||
		errors.Is(err, dispatch.ErrInvalidTransition) ||
		errors.Is(err, dispatch.ErrIndexOutOfRange) ||
		errors.Is(err, dispatch.ErrInvalidConfig) ||
		errors.Is(err, dispatch.ErrGatewayDisconnected)
}

// HandleErrorRecord inserts one published error record.
func (w *Worker) HandleErrorRecord(ctx context.Context, body []byte) error {
	var rec model.ErrorRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		w.log.Warn().Err(err).Msg("discarding malformed error record")
		return nil
	}
	if err := w.Errors.InsertErrorRecord(ctx, &rec); err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}
