package repository

import "database/sql"

// Store bundles the Postgres repositories behind the single store contract the
// dispatch loop and the synchronizer consume.
type Store struct {
	*CampaignRepository
	*RecipientRepository
	*ErrorRecordRepository
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		CampaignRepository:    &CampaignRepository{DB: db},
		RecipientRepository:   &RecipientRepository{DB: db},
		ErrorRecordRepository: &ErrorRecordRepository{DB: db},
	}
}
