package storage

import (
	"context"
	"fmt"

	"kbflow/internal/models"
)

type CollectionRepo struct {
	db *DB
}

func NewCollectionRepo(db *DB) *CollectionRepo {
	return &CollectionRepo{db: db}
}

func (r *CollectionRepo) Create(ctx context.Context, ownerID, name string) (models.Collection, error) {
	c := models.Collection{OwnerID: ownerID, Name: name}
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO kb_collections (owner_id, name) VALUES ($1, $2)
RETURNING id::text, created_at`, ownerID, name).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return models.Collection{}, fmt.Errorf("insert collection: %w", err)
	}
	return c, nil
}

func (r *CollectionRepo) List(ctx context.Context, ownerID string) ([]models.Collection, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT id::text, owner_id, name, created_at
FROM kb_collections
WHERE owner_id=$1
ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	out := make([]models.Collection, 0)
	for rows.Next() {
		var c models.Collection
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return out, nil
}
