package workout

import (
	"fmt"
	"time"
)

// ArtifactState tracks an audio file through archival.
type ArtifactState string

const (
	ArtifactPending   ArtifactState = "pending"
	ArtifactArchiving ArtifactState = "archiving"
	ArtifactArchived  ArtifactState = "archived"
	ArtifactFailed    ArtifactState = "failed"
)

// ArchivedArtifact links a scratch audio file to its durable copy.
type ArchivedArtifact struct {
	ID            string        `json:"id"`
	RecordID      string        `json:"record_id,omitempty"`
	LocalPath     string        `json:"local_path"`
	SuggestedName string        `json:"suggested_name"`
	RemoteName    string        `json:"remote_name,omitempty"`
	SizeBytes     int64         `json:"size_bytes"`
	State         ArtifactState `json:"state"`
	ArchivedAt    *time.Time    `json:"archived_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Reclaimable reports whether the local copy may be deleted. Only a
// verified archival sets ArchivedAt.
func (a *ArchivedArtifact) Reclaimable() bool {
	return a.State == ArtifactArchived && a.ArchivedAt != nil && a.RemoteName != ""
}

// Validate checks if the artifact row has valid field values.
func (a *ArchivedArtifact) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.LocalPath == "" {
		return fmt.Errorf("local_path is required")
	}
	if a.SuggestedName == "" {
		return fmt.Errorf("suggested_name is required")
	}
	switch a.State {
	case ArtifactPending, ArtifactArchiving, ArtifactArchived, ArtifactFailed:
	default:
		return fmt.Errorf("invalid state %q", a.State)
	}
	if a.State == ArtifactArchived && (a.RemoteName == "" || a.ArchivedAt == nil) {
		return fmt.Errorf("archived artifact requires remote_name and archived_at")
	}
	return nil
}
