package activitystream

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/remote"
)

type streamRequest struct {
	EntityType string
	EntityID   int64
	SinceID    *activity.ID
	Limit      int
	Fields     remote.FieldSpec
}

type noteThreadRequest struct {
	NoteID activity.NoteID
	Fields remote.FieldSpec
}

func readActivityStream(ctx context.Context, connection remote.Connection, data any) (any, error) {
	request, ok := data.(streamRequest)
	if !ok {
		return nil, fmt.Errorf("activitystream: unexpected stream request %T", data)
	}
	return connection.ActivityStreamRead(ctx, remote.StreamQuery{
		EntityType: request.EntityType,
		EntityID:   request.EntityID,
		Fields:     request.Fields,
		SinceID:    request.SinceID,
		Limit:      request.Limit,
	})
}

func readNoteThread(ctx context.Context, connection remote.Connection, data any) (any, error) {
	request, ok := data.(noteThreadRequest)
	if !ok {
		return nil, fmt.Errorf("activitystream: unexpected note thread request %T", data)
	}
	return connection.NoteThreadRead(ctx, request.NoteID, request.Fields)
}
