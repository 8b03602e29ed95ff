package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type ErrorRecordRepository struct {
	DB *sql.DB
}

// InsertErrorRecord appends an error record and fills in its ID.
func (r *ErrorRecordRepository) InsertErrorRecord(ctx context.Context, rec *model.ErrorRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO campaign_error_logs
        (campaign_id, recipient_id, error_type, error_message, retry_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `
	return r.DB.QueryRowContext(
		ctx,
		query,
		rec.CampaignID,
		rec.RecipientID,
		rec.ErrorType,
		rec.ErrorMessage,
		rec.RetryCount,
		rec.CreatedAt,
	).Scan(&rec.ID)
}

// ListErrorRecords returns the most recent error records of a campaign.
func (r *ErrorRecordRepository) ListErrorRecords(ctx context.Context, campaignID int64, limit int) ([]model.ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT id, campaign_id, recipient_id, error_type, error_message, retry_count, created_at
        FROM campaign_error_logs
        WHERE campaign_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []model.ErrorRecord{}
	for rows.Next() {
		var rec model.ErrorRecord
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.RecipientID, &rec.ErrorType, &rec.ErrorMessage, &rec.RetryCount, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
