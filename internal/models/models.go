package models

import (
	"encoding/json"
	"time"
)

const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

type JobType string

const (
	JobParse JobType = "parse"
	JobChunk JobType = "chunk"
	JobEmbed JobType = "embed"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type Collection struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Document struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Title        string            `json:"title"`
	CollectionID *string           `json:"collection_id,omitempty"`
	Status       string            `json:"status"`
	Versions     []DocumentVersion `json:"versions,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type DocumentVersion struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Version    int       `json:"version"`
	RawPath    string    `json:"raw_path,omitempty"`
	MDPath     string    `json:"md_path,omitempty"`
	Status     string    `json:"status"`
	Error      *string   `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Chunk struct {
	ID         string    `json:"id"`
	VersionID  string    `json:"version_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedded   bool      `json:"embedded"`
	CreatedAt  time.Time `json:"created_at"`
}

type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Status    JobStatus       `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Retries   int             `json:"retries"`
	Error     *string         `json:"error,omitempty"`
	LockedBy  *string         `json:"locked_by,omitempty"`
	LockedAt  *time.Time      `json:"locked_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CachedChunk is the denormalized chunk stored in the knowledge cache.
type CachedChunk struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	DocumentTitle  string    `json:"documentTitle"`
	CollectionName *string   `json:"collectionName"`
	ChunkIndex     int       `json:"chunkIndex"`
	AddedAt        time.Time `json:"addedAt"`
}

type ChunkResult struct {
	ChunkID        string  `json:"chunk_id"`
	Content        string  `json:"content"`
	ChunkIndex     int     `json:"chunk_index"`
	DocumentTitle  string  `json:"document_title"`
	CollectionName *string `json:"collection_name,omitempty"`
	Similarity     float64 `json:"similarity"`
}
