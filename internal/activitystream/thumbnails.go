package activitystream

import (
	"strings"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/dispatch"
	"go.uber.org/zap"
)

// ThumbnailClassification says what a thumbnail depicts relative to its activity.
type ThumbnailClassification string

const (
	// ThumbnailCreatedBy is the picture of whoever the activity is attributed to.
	ThumbnailCreatedBy ThumbnailClassification = "created_by"
	// ThumbnailEntity is the picture of the activity's primary entity.
	ThumbnailEntity ThumbnailClassification = "entity"
	// ThumbnailUser is a user picture not tied to an activity.
	ThumbnailUser ThumbnailClassification = "user"
	// ThumbnailAttachment is the preview of a note attachment.
	ThumbnailAttachment ThumbnailClassification = "attachment"
)

const imageField = "image"

// ThumbnailTarget records what a pending thumbnail request is for.
type ThumbnailTarget struct {
	ActivityID        activity.ID
	Classification    ThumbnailClassification
	Entity            activity.EntityRef
	AttachmentGroupID string
}

// ThumbnailArrival is delivered once a requested image is available.
type ThumbnailArrival struct {
	ThumbnailTarget
	Image []byte
}

type correlationMap struct {
	entries map[dispatch.RequestID]ThumbnailTarget
}

func newCorrelationMap() *correlationMap {
	return &correlationMap{entries: make(map[dispatch.RequestID]ThumbnailTarget)}
}

func (c *correlationMap) add(id dispatch.RequestID, target ThumbnailTarget) {
	c.entries[id] = target
}

func (c *correlationMap) take(id dispatch.RequestID) (ThumbnailTarget, bool) {
	target, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return target, ok
}

func (c *correlationMap) size() int {
	return len(c.entries)
}

// PendingThumbnails reports how many thumbnail requests await completion.
func (m *Manager) PendingThumbnails() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thumbnails.size()
}

// RequestUserThumbnail fetches a user picture that is not tied to an activity.
func (m *Manager) RequestUserThumbnail(userType string, userID int64, imageURL string) (dispatch.RequestID, bool) {
	if strings.TrimSpace(imageURL) == "" {
		return "", false
	}
	user := activity.EntityRef{Type: userType, ID: userID, Image: imageURL}
	if err := user.Validate(); err != nil {
		m.logger.Warn("user thumbnail skipped", zap.Error(err))
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.requestLocked(imageURL, user, ThumbnailTarget{
		ActivityID:     activity.NoActivityID,
		Classification: ThumbnailUser,
		Entity:         user,
	})
	return id, true
}

// RequestAttachmentThumbnail fetches the preview of an attachment shown in a note thread.
func (m *Manager) RequestAttachmentThumbnail(activityID activity.ID, groupID string, attachment activity.ThreadRecord) (dispatch.RequestID, bool) {
	if strings.TrimSpace(attachment.Image) == "" {
		return "", false
	}
	entity := attachment.Ref()
	if err := entity.Validate(); err != nil {
		m.logger.Warn("attachment thumbnail skipped", zap.Int64(fieldActivityID, activityID.Int64()), zap.Error(err))
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.requestLocked(attachment.Image, entity, ThumbnailTarget{
		ActivityID:        activityID,
		Classification:    ThumbnailAttachment,
		Entity:            entity,
		AttachmentGroupID: groupID,
	})
	return id, true
}

// RequestActivityThumbnails fetches the pictures an activity entry shows: who it is
// attributed to and, when the primary entity has one, the entity's own image. Activities
// about notes are attributed to the note's author rather than the acting user.
func (m *Manager) RequestActivityThumbnails(activityID activity.ID) []dispatch.RequestID {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.activities[activityID]
	if !ok {
		m.logger.Warn("thumbnails requested for unknown activity", zap.Int64(fieldActivityID, activityID.Int64()))
		return nil
	}

	var ids []dispatch.RequestID
	if author, url, ok := m.attributionLocked(event); ok {
		ids = append(ids, m.requestLocked(url, author, ThumbnailTarget{
			ActivityID:     activityID,
			Classification: ThumbnailCreatedBy,
			Entity:         author,
		}))
	}

	if primary := event.PrimaryEntity; primary != nil && primary.Image != "" {
		ids = append(ids, m.requestLocked(primary.Image, *primary, ThumbnailTarget{
			ActivityID:     activityID,
			Classification: ThumbnailEntity,
			Entity:         *primary,
		}))
	}
	return ids
}

func (m *Manager) attributionLocked(event activity.Event) (activity.EntityRef, string, bool) {
	if event.IsNote() {
		note := event.PrimaryEntity
		if note.CreatedBy == nil || note.CreatedByImage == "" {
			m.logger.Warn("note author thumbnail unavailable",
				zap.Int64(fieldActivityID, event.ID.Int64()), zap.Int64(fieldNoteID, note.ID))
			return activity.EntityRef{}, "", false
		}
		return *note.CreatedBy, note.CreatedByImage, true
	}
	if event.CreatedBy == nil || event.CreatedBy.Image == "" {
		return activity.EntityRef{}, "", false
	}
	return *event.CreatedBy, event.CreatedBy.Image, true
}

func (m *Manager) requestLocked(url string, entity activity.EntityRef, target ThumbnailTarget) dispatch.RequestID {
	id := m.dispatcher.RequestThumbnail(dispatch.ThumbnailRequest{
		URL:        url,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Field:      imageField,
		LoadImage:  true,
	})
	m.thumbnails.add(id, target)
	return id
}

func (m *Manager) routeThumbnailLocked(completion dispatch.Completion, target ThumbnailTarget) []func() {
	result, ok := completion.Data.(dispatch.ThumbnailResult)
	if !ok || len(result.Image) == 0 {
		return nil
	}
	arrival := ThumbnailArrival{ThumbnailTarget: target, Image: result.Image}
	listener := m.listener
	return []func(){func() { listener.ThumbnailArrived(arrival) }}
}
