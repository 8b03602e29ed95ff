package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type CampaignRepositoryInterface interface {
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
	UpdateCampaign(ctx context.Context, id int64, patch model.CampaignPatch) error
	ListInFlightCampaigns(ctx context.Context) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, status, message, message_type, media_url, message_sequence,
        delay_min, delay_max, randomize_order, sending_window, gateway_token, total_recipients,
        current_index, sent_count, failed_count, started_at, paused_at, completed_at,
        processing_lock, lock_acquired_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c                                  model.Campaign
		message, messageType, media, token sql.NullString
		lock                               sql.NullString
		sequence, window                   []byte
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, &message, &messageType, &media, &sequence,
		&c.DelayMin, &c.DelayMax, &c.RandomizeOrder, &window, &token, &c.TotalRecipients,
		&c.CurrentIndex, &c.SentCount, &c.FailedCount, &c.StartedAt, &c.PausedAt, &c.CompletedAt,
		&lock, &c.LockAcquiredAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Message = message.String
	c.MessageType = model.MessageKind(messageType.String)
	c.MediaURL = media.String
	c.GatewayToken = token.String
	if len(sequence) > 0 {
		c.Sequence = json.RawMessage(sequence)
	}
	if len(window) > 0 && string(window) != "null" {
		var w model.SendingWindow
		if err := json.Unmarshal(window, &w); err != nil {
			return nil, fmt.Errorf("decode sending_window of campaign %d: %w", c.ID, err)
		}
		c.Window = &w
	}
	if lock.Valid {
		l := lock.String
		c.ProcessingLock = &l
	}
	return &c, nil
}

func (r *CampaignRepository) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) UpdateCampaign(ctx context.Context, id int64, patch model.CampaignPatch) error {
	query, args, err := buildCampaignUpdate(id, patch)
	if err != nil {
		return err
	}
	if query == "" {
		return nil
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update campaign %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if patch.IfStatus == nil {
			return appErrors.NewCampaignNotFound(id)
		}
		var exists bool
		if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id=$1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update campaign %d: %w", id, err)
		}
		if !exists {
			return appErrors.NewCampaignNotFound(id)
		}
		return appErrors.ErrStatusChanged
	}
	return nil
}

// ListInFlightCampaigns returns campaigns that are running or paused, or that
// still carry an advisory lock.
func (r *CampaignRepository) ListInFlightCampaigns(ctx context.Context) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
        WHERE status IN ('running', 'paused') OR processing_lock IS NOT NULL
        ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// buildCampaignUpdate turns a patch into a single UPDATE statement.
// An empty patch yields an empty query.
func buildCampaignUpdate(id int64, p model.CampaignPatch) (string, []any, error) {
	if p.Empty() {
		return "", nil, nil
	}

	sets := []string{}
	args := []any{}
	argPos := 1
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s=$%d", col, argPos))
		args = append(args, v)
		argPos++
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.TotalRecipients != nil {
		add("total_recipients", *p.TotalRecipients)
	}
	if p.CurrentIndex != nil {
		add("current_index", *p.CurrentIndex)
	}
	if p.SentCount != nil {
		add("sent_count", *p.SentCount)
	}
	if p.FailedCount != nil {
		add("failed_count", *p.FailedCount)
	}
	if p.DelayMin != nil {
		add("delay_min", *p.DelayMin)
	}
	if p.DelayMax != nil {
		add("delay_max", *p.DelayMax)
	}
	if p.ClearWindow {
		sets = append(sets, "sending_window=NULL")
	} else if p.Window != nil {
		b, err := json.Marshal(p.Window)
		if err != nil {
			return "", nil, fmt.Errorf("encode sending_window: %w", err)
		}
		add("sending_window", string(b))
	}
	if p.StartedAt != nil {
		add("started_at", *p.StartedAt)
	}
	if p.PausedAt != nil {
		add("paused_at", *p.PausedAt)
	}
	if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}
	if p.ClearLock {
		sets = append(sets, "processing_lock=NULL", "lock_acquired_at=NULL")
	} else {
		if p.LockToken != nil {
			add("processing_lock", *p.LockToken)
		}
		if p.LockAcquiredAt != nil {
			add("lock_acquired_at", *p.LockAcquiredAt)
		}
	}
	sets = append(sets, "updated_at=NOW()")

	query := fmt.Sprintf("UPDATE campaigns SET %s WHERE id=$%d", strings.Join(sets, ", "), argPos)
	args = append(args, id)
	if p.IfStatus != nil {
		query += fmt.Sprintf(" AND status=$%d", argPos+1)
		args = append(args, string(*p.IfStatus))
	}
	return query, args, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
