package core

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrPeerNotFound = errors.New("peer not found")

type PeerStorer interface {
	FindByID(ctx context.Context, id string) (*Peer, error)
}

type PeerRepository struct {
	db *sqlx.DB
}

func NewPeerRepository(db *sqlx.DB) *PeerRepository {
	return &PeerRepository{
		db: db,
	}
}

func (r *PeerRepository) FindByID(ctx context.Context, id string) (*Peer, error) {
	peer := &Peer{}

	err := r.db.GetContext(ctx, peer, `SELECT id, first_name, last_name FROM users WHERE id = $1 LIMIT 1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPeerNotFound
		}
		return nil, err
	}

	return peer, nil
}
