package remote

import (
	"context"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
)

// FieldSpec lists, per entity type, the fields the remote should denormalize.
type FieldSpec map[string][]string

// Filter is a single [field, relation, value...] condition understood by the remote.
type Filter []any

// Record is an untyped remote record as returned by find-style calls.
type Record map[string]any

// StreamQuery selects a page of an entity's activity stream.
type StreamQuery struct {
	EntityType string
	EntityID   int64
	Fields     FieldSpec
	// SinceID is an exclusive lower bound; nil requests the newest page.
	SinceID *activity.ID
	// Limit caps the page; zero leaves the cap to the remote.
	Limit int
}

// StreamResponse carries the events returned by ActivityStreamRead.
type StreamResponse struct {
	EntityType string           `json:"entity_type"`
	EntityID   int64            `json:"entity_id"`
	Updates    []activity.Event `json:"updates"`
}

// Connection is the remote site contract consumed by the panel.
type Connection interface {
	ActivityStreamRead(ctx context.Context, query StreamQuery) (StreamResponse, error)
	NoteThreadRead(ctx context.Context, noteID activity.NoteID, fields FieldSpec) (activity.NoteThread, error)
	Find(ctx context.Context, entityType string, filters []Filter, fields []string) ([]Record, error)
	FindOne(ctx context.Context, entityType string, filters []Filter, fields []string) (Record, error)
	Update(ctx context.Context, entityType string, entityID int64, data Record) (Record, error)
	Create(ctx context.Context, entityType string, data Record) (Record, error)
}

// DefaultFieldSpec returns the fields the activity panel renders.
func DefaultFieldSpec() FieldSpec {
	return FieldSpec{
		activity.EntityTypeNote: {
			"subject", "content", "created_at", "created_by",
			"created_by.HumanUser.image", "note_links", "tasks",
		},
		activity.EntityTypeReply: {"content", "created_at", "user", "user.HumanUser.image"},
		activity.EntityTypeAttachment: {
			"this_file", "image", "filename", "created_at", "created_by",
		},
		"Version":       {"code", "description", "image", "sg_uploaded_movie", "entity", "sg_status_list"},
		"PublishedFile": {"code", "description", "image", "published_file_type", "version_number"},
		"Task":          {"content", "sg_status_list", "task_assignees", "image"},
		activity.EntityTypeHumanUser: {"name", "image"},
	}
}
