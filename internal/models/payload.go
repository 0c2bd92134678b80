package models

import (
	"encoding/json"
	"fmt"
)

// Payload is the stage-specific body of a Job. Each job type has exactly one payload type.
type Payload interface {
	JobType() JobType
	Target() (documentID, versionID string)
}

type ParsePayload struct {
	DocumentID  string `json:"documentId"`
	VersionID   string `json:"versionId"`
	OwnerID     string `json:"ownerId"`
	RawPath     string `json:"rawPath"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
}

// ChunkPayload carries either an md blob path (parse flow) or inline content (paste flow).
// The blob wins when both are set.
type ChunkPayload struct {
	DocumentID string `json:"documentId"`
	VersionID  string `json:"versionId"`
	OwnerID    string `json:"ownerId"`
	MDPath     string `json:"mdPath,omitempty"`
	Content    string `json:"content,omitempty"`
}

type EmbedPayload struct {
	DocumentID string `json:"documentId"`
	VersionID  string `json:"versionId"`
	OwnerID    string `json:"ownerId"`
}

func (ParsePayload) JobType() JobType { return JobParse }
func (ChunkPayload) JobType() JobType { return JobChunk }
func (EmbedPayload) JobType() JobType { return JobEmbed }

func (p ParsePayload) Target() (string, string) { return p.DocumentID, p.VersionID }
func (p ChunkPayload) Target() (string, string) { return p.DocumentID, p.VersionID }
func (p EmbedPayload) Target() (string, string) { return p.DocumentID, p.VersionID }

// DecodePayload decodes raw into the payload type matching jobType.
func DecodePayload(jobType JobType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch jobType {
	case JobParse:
		var v ParsePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobChunk:
		var v ChunkPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobEmbed:
		var v EmbedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
	}
	if doc, ver := p.Target(); doc == "" || ver == "" {
		return nil, fmt.Errorf("%s payload missing document or version id", jobType)
	}
	return p, nil
}
