package storage

import (
	"context"
	"fmt"
)

type LLMCallRecord struct {
	Operation     string
	OwnerID       string
	ProviderName  string
	Model         string
	ContextChunks int
	Status        string
	ErrorType     string
}

type LLMAuditRepo struct {
	db *DB
}

func NewLLMAuditRepo(db *DB) *LLMAuditRepo {
	return &LLMAuditRepo{db: db}
}

func (r *LLMAuditRepo) Insert(ctx context.Context, rec LLMCallRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO llm_calls(operation, owner_id, provider_name, model, context_chunks, status, error_type)
VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, NULLIF($7,''))`,
		rec.Operation, rec.OwnerID, rec.ProviderName, rec.Model, rec.ContextChunks, rec.Status, rec.ErrorType)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}
