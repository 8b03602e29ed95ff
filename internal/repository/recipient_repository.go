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

// RecipientRepositoryInterface defines methods used by the dispatch loop
type RecipientRepositoryInterface interface {
	ListRecipients(ctx context.Context, campaignID int64) ([]*model.Recipient, error)
	UpdateRecipient(ctx context.Context, id int64, patch model.RecipientPatch) error
	SetProcessingOrder(ctx context.Context, campaignID int64, order []int64) error
}

// RecipientRepository is the concrete implementation
type RecipientRepository struct {
	DB *sql.DB
}

// ListRecipients returns a campaign's recipients in dispatch order.
func (r *RecipientRepository) ListRecipients(ctx context.Context, campaignID int64) ([]*model.Recipient, error) {
	query := `
        SELECT id, campaign_id, address, variables, status, error_type, error_message, sent_at, processing_order
        FROM campaign_recipients
        WHERE campaign_id = $1
        ORDER BY processing_order, id
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []*model.Recipient{}
	for rows.Next() {
		var (
			rc                  model.Recipient
			vars                []byte
			errType, errMessage sql.NullString
		)
		if err := rows.Scan(&rc.ID, &rc.CampaignID, &rc.Address, &vars, &rc.Status, &errType, &errMessage, &rc.SentAt, &rc.ProcessingOrder); err != nil {
			return nil, err
		}
		if len(vars) > 0 && string(vars) != "null" {
			if err := json.Unmarshal(vars, &rc.Variables); err != nil {
				return nil, fmt.Errorf("decode variables of recipient %d: %w", rc.ID, err)
			}
		}
		rc.ErrorType = errType.String
		rc.ErrorMessage = errMessage.String
		recipients = append(recipients, &rc)
	}
	return recipients, rows.Err()
}

func (r *RecipientRepository) UpdateRecipient(ctx context.Context, id int64, patch model.RecipientPatch) error {
	sets := []string{}
	args := []any{}
	argPos := 1

	if patch.Status != nil {
		sets = append(sets, fmt.Sprintf("status=$%d", argPos))
		args = append(args, string(*patch.Status))
		argPos++
	}
	if patch.ErrorType != nil {
		sets = append(sets, fmt.Sprintf("error_type=$%d", argPos))
		args = append(args, *patch.ErrorType)
		argPos++
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, fmt.Sprintf("error_message=$%d", argPos))
		args = append(args, *patch.ErrorMessage)
		argPos++
	}
	if patch.SentAt != nil {
		sets = append(sets, fmt.Sprintf("sent_at=$%d", argPos))
		args = append(args, *patch.SentAt)
		argPos++
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE campaign_recipients SET %s, updated_at=NOW() WHERE id=$%d", strings.Join(sets, ", "), argPos)
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update recipient %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewRecipientNotFound(id)
	}
	return nil
}

// SetProcessingOrder stores the dispatch position of each recipient, in the
// order given.
func (r *RecipientRepository) SetProcessingOrder(ctx context.Context, campaignID int64, order []int64) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE campaign_recipients SET processing_order=$1 WHERE id=$2 AND campaign_id=$3`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for pos, id := range order {
		if _, err := stmt.ExecContext(ctx, pos, id, campaignID); err != nil {
			return fmt.Errorf("set processing order of recipient %d: %w", id, err)
		}
	}
	return tx.Commit()
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
