package activity

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// UpdateType enumerates the kinds of events the remote activity stream reports.
type UpdateType string

const (
	// UpdateTypeCreate marks the creation of the primary entity.
	UpdateTypeCreate UpdateType = "create"
	// UpdateTypeCreateReply marks a reply posted on a note.
	UpdateTypeCreateReply UpdateType = "create_reply"
	// UpdateTypeUpdate marks a field change on the primary entity.
	UpdateTypeUpdate UpdateType = "update"
)

const (
	// EntityTypeNote is the remote entity type of notes.
	EntityTypeNote = "Note"
	// EntityTypeReply is the remote entity type of note replies.
	EntityTypeReply = "Reply"
	// EntityTypeAttachment is the remote entity type of note attachments.
	EntityTypeAttachment = "Attachment"
	// EntityTypeHumanUser is the remote entity type of artists and staff.
	EntityTypeHumanUser = "HumanUser"
)

var (
	// ErrInvalidActivityID indicates that an activity identifier is not positive.
	ErrInvalidActivityID = errors.New("activity: invalid activity id")
	// ErrInvalidNoteID indicates that a note identifier is not positive.
	ErrInvalidNoteID = errors.New("activity: invalid note id")
	// ErrInvalidEntity indicates that an entity reference lacks a type or id.
	ErrInvalidEntity = errors.New("activity: invalid entity reference")
)

// ID is the remote-assigned, monotonically increasing activity identifier.
type ID int64

// NoActivityID marks thumbnails that are not tied to a specific activity entry.
const NoActivityID ID = 0

// NewID validates the value and returns an ID.
func NewID(value int64) (ID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidActivityID, value)
	}
	return ID(value), nil
}

// Int64 exposes the raw identifier.
func (id ID) Int64() int64 {
	return int64(id)
}

// NoteID identifies a note thread.
type NoteID int64

// NewNoteID validates the value and returns a NoteID.
func NewNoteID(value int64) (NoteID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidNoteID, value)
	}
	return NoteID(value), nil
}

// Int64 exposes the raw identifier.
func (id NoteID) Int64() int64 {
	return int64(id)
}

// EntityRef references a remote record. Optional fields carry values the remote
// denormalizes onto the reference when they were requested.
type EntityRef struct {
	Type           string     `json:"type"`
	ID             int64      `json:"id"`
	Name           string     `json:"name,omitempty"`
	Image          string     `json:"image,omitempty"`
	CreatedBy      *EntityRef `json:"created_by,omitempty"`
	CreatedByImage string     `json:"created_by.HumanUser.image,omitempty"`
}

var entityTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidEntityType reports whether value is a plain remote entity type name such as
// "Note" or "CustomEntity01".
func ValidEntityType(value string) bool {
	return entityTypePattern.MatchString(value)
}

// Validate reports whether the reference names a record.
func (ref EntityRef) Validate() error {
	if ref.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidEntity)
	}
	if !ValidEntityType(ref.Type) {
		return fmt.Errorf("%w: malformed type %q", ErrInvalidEntity, ref.Type)
	}
	if ref.ID <= 0 {
		return fmt.Errorf("%w: %s id %d", ErrInvalidEntity, ref.Type, ref.ID)
	}
	return nil
}

// Event is a single immutable activity stream entry.
type Event struct {
	ID            ID             `json:"id"`
	UpdateType    UpdateType     `json:"update_type"`
	PrimaryEntity *EntityRef     `json:"primary_entity"`
	CreatedBy     *EntityRef     `json:"created_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// IsNote reports whether the event is about a note.
func (event Event) IsNote() bool {
	return event.PrimaryEntity != nil && event.PrimaryEntity.Type == EntityTypeNote && event.PrimaryEntity.ID > 0
}

// NoteID returns the note the event is about.
func (event Event) NoteID() (NoteID, bool) {
	if !event.IsNote() {
		return 0, false
	}
	return NoteID(event.PrimaryEntity.ID), true
}

// IsNoteCreation reports whether the event announces a new note.
func (event Event) IsNoteCreation() bool {
	return event.UpdateType == UpdateTypeCreate && event.IsNote()
}

// IsReplyCreation reports whether the event announces a reply on a note.
func (event Event) IsReplyCreation() bool {
	return event.UpdateType == UpdateTypeCreateReply && event.IsNote()
}

// ThreadRecord is one element of a note thread: the note itself, a reply or an attachment.
type ThreadRecord struct {
	Type           string      `json:"type"`
	ID             int64       `json:"id"`
	Name           string      `json:"name,omitempty"`
	Subject        string      `json:"subject,omitempty"`
	Content        string      `json:"content,omitempty"`
	CreatedAt      time.Time   `json:"created_at,omitempty"`
	CreatedBy      *EntityRef  `json:"created_by,omitempty"`
	CreatedByImage string      `json:"created_by.HumanUser.image,omitempty"`
	NoteLinks      []EntityRef `json:"note_links,omitempty"`
	Image          string      `json:"image,omitempty"`
	Filename       string      `json:"filename,omitempty"`
}

// Ref returns the record as an entity reference.
func (record ThreadRecord) Ref() EntityRef {
	return EntityRef{
		Type:           record.Type,
		ID:             record.ID,
		Name:           record.Name,
		Image:          record.Image,
		CreatedBy:      record.CreatedBy,
		CreatedByImage: record.CreatedByImage,
	}
}

// NoteThread is a note followed by its replies and attachments in chronological order.
type NoteThread []ThreadRecord

// ThreadFromEntity builds the single-element thread used until the full thread is fetched.
func ThreadFromEntity(note EntityRef) NoteThread {
	return NoteThread{{
		Type:           note.Type,
		ID:             note.ID,
		Name:           note.Name,
		Image:          note.Image,
		CreatedBy:      note.CreatedBy,
		CreatedByImage: note.CreatedByImage,
	}}
}

// Replies counts the reply records of the thread.
func (thread NoteThread) Replies() int {
	count := 0
	for _, record := range thread {
		if record.Type == EntityTypeReply {
			count++
		}
	}
	return count
}
