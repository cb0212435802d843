package core

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// MeetStorer answers whether a meeting room was created through the REST API.
// Meets expire 24 hours after creation.
type MeetStorer interface {
	Exists(ctx context.Context, slug string) (bool, error)
}

type MeetRepository struct {
	db *sqlx.DB
}

func NewMeetRepository(db *sqlx.DB) *MeetRepository {
	return &MeetRepository{
		db: db,
	}
}

func (r *MeetRepository) Exists(ctx context.Context, slug string) (bool, error) {
	var exists bool

	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(
			SELECT 1 FROM meets
			WHERE slug = $1 AND created_at > NOW() - INTERVAL '24 hours'
		)`,
		slug,
	)
	if err != nil {
		return false, err
	}

	return exists, nil
}
