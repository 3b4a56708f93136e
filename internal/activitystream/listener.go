package activitystream

import "github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"

// Listener receives the manager's notifications. Calls are made without the manager's
// lock held, one completion at a time.
type Listener interface {
	UpdateArrived(activityIDs []activity.ID)
	NoteArrived(activityID activity.ID, noteID activity.NoteID)
	ThumbnailArrived(arrival ThumbnailArrival)
}

// ListenerFuncs adapts optional functions to Listener. Nil functions are skipped.
type ListenerFuncs struct {
	OnUpdate    func(activityIDs []activity.ID)
	OnNote      func(activityID activity.ID, noteID activity.NoteID)
	OnThumbnail func(arrival ThumbnailArrival)
}

// UpdateArrived implements Listener.
func (funcs ListenerFuncs) UpdateArrived(activityIDs []activity.ID) {
	if funcs.OnUpdate != nil {
		funcs.OnUpdate(activityIDs)
	}
}

// NoteArrived implements Listener.
func (funcs ListenerFuncs) NoteArrived(activityID activity.ID, noteID activity.NoteID) {
	if funcs.OnNote != nil {
		funcs.OnNote(activityID, noteID)
	}
}

// ThumbnailArrived implements Listener.
func (funcs ListenerFuncs) ThumbnailArrived(arrival ThumbnailArrival) {
	if funcs.OnThumbnail != nil {
		funcs.OnThumbnail(arrival)
	}
}
