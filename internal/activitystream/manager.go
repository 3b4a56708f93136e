package activitystream

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/remote"
	"go.uber.org/zap"
)

const (
	// DefaultFetchLimit is the number of cached activities hydrated on load.
	DefaultFetchLimit = 200
	// DefaultInitialPageLimit caps the first remote page of an entity with no cache.
	DefaultInitialPageLimit = 500

	fieldEntityType = "entity_type"
	fieldEntityID   = "entity_id"
	fieldActivityID = "activity_id"
	fieldNoteID     = "note_id"
	fieldRequestID  = "request_id"
)

var (
	errMissingCache      = errors.New("activity cache is required")
	errMissingDispatcher = errors.New("dispatcher is required")
)

// CacheStore is the durable cache the manager hydrates from and writes through to.
type CacheStore interface {
	Fetch(ctx context.Context, entityType string, entityID int64, limit int) (cache.FetchResult, error)
	InsertActivities(ctx context.Context, entityType string, entityID int64, events []activity.Event) error
	UpsertNote(ctx context.Context, activityID activity.ID, noteID activity.NoteID, thread activity.NoteThread) error
}

// Dispatcher runs remote work and thumbnail downloads off the caller's goroutine.
type Dispatcher interface {
	ExecuteMethod(work dispatch.Work, data any) dispatch.RequestID
	RequestThumbnail(request dispatch.ThumbnailRequest) dispatch.RequestID
	ClearPending()
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Cache            CacheStore
	Dispatcher       Dispatcher
	Listener         Listener
	Logger           *zap.Logger
	FetchLimit       int
	InitialPageLimit int
	Fields           remote.FieldSpec
}

type noteTarget struct {
	activityID activity.ID
	noteID     activity.NoteID
}

// Manager keeps the activity stream of one loaded entity in memory, backed by the
// durable cache, and merges remote updates as they complete.
type Manager struct {
	cache            CacheStore
	dispatcher       Dispatcher
	listener         Listener
	logger           *zap.Logger
	fetchLimit       int
	initialPageLimit int
	fields           remote.FieldSpec

	// cacheMu serializes cache file access; it is never held while acquiring mu.
	cacheMu sync.Mutex

	mu             sync.Mutex
	loaded         bool
	entityType     string
	entityID       int64
	activities     map[activity.ID]activity.Event
	notes          map[activity.NoteID]activity.NoteThread
	streamRequests map[dispatch.RequestID]struct{}
	noteRequests   map[dispatch.RequestID]noteTarget
	thumbnails     *correlationMap
}

// NewManager validates cfg and returns an idle Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	listener := cfg.Listener
	if listener == nil {
		listener = ListenerFuncs{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fetchLimit := cfg.FetchLimit
	if fetchLimit <= 0 {
		fetchLimit = DefaultFetchLimit
	}
	initialPageLimit := cfg.InitialPageLimit
	if initialPageLimit <= 0 {
		initialPageLimit = DefaultInitialPageLimit
	}
	fields := cfg.Fields
	if fields == nil {
		fields = remote.DefaultFieldSpec()
	}

	manager := &Manager{
		cache:            cfg.Cache,
		dispatcher:       cfg.Dispatcher,
		listener:         listener,
		logger:           logger,
		fetchLimit:       fetchLimit,
		initialPageLimit: initialPageLimit,
		fields:           fields,
	}
	manager.resetLocked()
	return manager, nil
}

// Load discards all state of the previous entity, abandons its in-flight requests and
// hydrates the stream of the given entity from the cache. It returns the number of
// cached activities.
func (m *Manager) Load(ctx context.Context, entityType string, entityID int64) int {
	m.dispatcher.ClearPending()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	if entityType == "" || entityID <= 0 {
		m.logger.Warn("activity stream load ignored", zap.String(fieldEntityType, entityType), zap.Int64(fieldEntityID, entityID))
		return 0
	}
	m.loaded = true
	m.entityType = entityType
	m.entityID = entityID

	m.cacheMu.Lock()
	result, err := m.cache.Fetch(ctx, entityType, entityID, m.fetchLimit)
	m.cacheMu.Unlock()
	if err != nil {
		m.logger.Warn("activity cache unavailable, starting empty",
			zap.String(fieldEntityType, entityType), zap.Int64(fieldEntityID, entityID), zap.Error(err))
	}
	for id, event := range result.Activities {
		m.activities[id] = event
	}
	for noteID, thread := range result.Notes {
		m.notes[noteID] = thread
	}

	m.logger.Debug("activity stream loaded",
		zap.String(fieldEntityType, entityType),
		zap.Int64(fieldEntityID, entityID),
		zap.Int("cached_activities", len(m.activities)))
	return len(m.activities)
}

// Entity returns the loaded entity, if any.
func (m *Manager) Entity() (string, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entityType, m.entityID, m.loaded
}

// Rescan asks the remote for activities newer than the highest known id. Without any
// known activity the newest page is requested, capped at the initial page limit.
func (m *Manager) Rescan() (dispatch.RequestID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return "", false
	}

	request := streamRequest{
		EntityType: m.entityType,
		EntityID:   m.entityID,
		Fields:     m.fields,
	}
	if watermark, ok := m.watermarkLocked(); ok {
		request.SinceID = &watermark
	} else {
		request.Limit = m.initialPageLimit
	}

	id := m.dispatcher.ExecuteMethod(readActivityStream, request)
	m.streamRequests[id] = struct{}{}
	return id, true
}

// ActivityIDs returns known activity ids oldest first. A positive limit keeps only the
// newest limit ids, still oldest first.
func (m *Manager) ActivityIDs(limit int) []activity.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]activity.ID, 0, len(m.activities))
	for id := range m.activities {
		ids = append(ids, id)
	}
	sortIDs(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return ids
}

// ActivityData returns a known activity.
func (m *Manager) ActivityData(id activity.ID) (activity.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.activities[id]
	return event, ok
}

// Note returns the known thread of a note.
func (m *Manager) Note(noteID activity.NoteID) (activity.NoteThread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.notes[noteID]
	if !ok {
		return nil, false
	}
	return append(activity.NoteThread(nil), thread...), true
}

// Run feeds dispatcher completions to HandleCompletion until ctx ends or the channel closes.
func (m *Manager) Run(ctx context.Context, completions <-chan dispatch.Completion) {
	for {
		select {
		case <-ctx.Done():
			return
		case completion, ok := <-completions:
			if !ok {
				return
			}
			m.HandleCompletion(ctx, completion)
		}
	}
}

// HandleCompletion routes a finished request to the state waiting for it. Completions
// that match nothing, such as requests abandoned by Load, are ignored.
func (m *Manager) HandleCompletion(ctx context.Context, completion dispatch.Completion) {
	if completion.Err != nil {
		m.handleFailure(completion)
		return
	}

	// Cache writes and listener calls run after mu is released, in the order queued.
	var effects []func()
	m.mu.Lock()
	if _, ok := m.streamRequests[completion.RequestID]; ok {
		delete(m.streamRequests, completion.RequestID)
		effects = m.mergeStreamLocked(ctx, completion)
	} else if target, ok := m.noteRequests[completion.RequestID]; ok {
		delete(m.noteRequests, completion.RequestID)
		effects = m.mergeThreadLocked(ctx, completion, target)
	} else if target, ok := m.thumbnails.take(completion.RequestID); ok {
		effects = m.routeThumbnailLocked(completion, target)
	} else {
		m.logger.Debug("ignoring completion for unknown request", zap.String(fieldRequestID, string(completion.RequestID)))
	}
	m.mu.Unlock()

	for _, effect := range effects {
		effect()
	}
}

func (m *Manager) handleFailure(completion dispatch.Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, wasStream := m.streamRequests[completion.RequestID]
	target, wasNote := m.noteRequests[completion.RequestID]
	_, wasThumbnail := m.thumbnails.take(completion.RequestID)
	delete(m.streamRequests, completion.RequestID)
	delete(m.noteRequests, completion.RequestID)

	if !wasStream && !wasNote && !wasThumbnail {
		return
	}
	fields := []zap.Field{
		zap.String(fieldRequestID, string(completion.RequestID)),
		zap.String("request_type", string(completion.RequestType)),
		zap.Error(completion.Err),
	}
	if wasNote {
		fields = append(fields, zap.Int64(fieldActivityID, target.activityID.Int64()), zap.Int64(fieldNoteID, target.noteID.Int64()))
	}
	m.logger.Warn("activity stream request failed", fields...)
}

func (m *Manager) mergeStreamLocked(ctx context.Context, completion dispatch.Completion) []func() {
	response, ok := completion.Data.(remote.StreamResponse)
	if !ok {
		m.logger.Warn("unexpected activity stream payload", zap.String(fieldRequestID, string(completion.RequestID)))
		return nil
	}

	fresh := make([]activity.Event, 0, len(response.Updates))
	seen := make(map[activity.ID]struct{}, len(response.Updates))
	for _, event := range response.Updates {
		if event.ID <= 0 {
			continue
		}
		if _, known := m.activities[event.ID]; known {
			continue
		}
		if _, duplicate := seen[event.ID]; duplicate {
			continue
		}
		seen[event.ID] = struct{}{}
		fresh = append(fresh, event)
	}
	if len(fresh) == 0 {
		return nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	entityType, entityID := m.entityType, m.entityID
	persist := func() {
		m.cacheMu.Lock()
		defer m.cacheMu.Unlock()
		if err := m.cache.InsertActivities(ctx, entityType, entityID, fresh); err != nil {
			m.logger.Warn("activity cache write skipped", zap.String(fieldEntityType, entityType), zap.Int64(fieldEntityID, entityID), zap.Error(err))
		}
	}

	ids := make([]activity.ID, 0, len(fresh))
	for _, event := range fresh {
		m.activities[event.ID] = event
		ids = append(ids, event.ID)

		noteID, isNote := event.NoteID()
		switch {
		case event.IsNoteCreation():
			if _, exists := m.notes[noteID]; !exists {
				m.notes[noteID] = activity.ThreadFromEntity(*event.PrimaryEntity)
			}
		case event.IsReplyCreation():
			requestID := m.dispatcher.ExecuteMethod(readNoteThread, noteThreadRequest{NoteID: noteID, Fields: m.fields})
			m.noteRequests[requestID] = noteTarget{activityID: event.ID, noteID: noteID}
		case isNote:
			if _, exists := m.notes[noteID]; !exists {
				m.notes[noteID] = activity.ThreadFromEntity(*event.PrimaryEntity)
			}
		}
	}

	listener := m.listener
	return []func(){persist, func() { listener.UpdateArrived(ids) }}
}

func (m *Manager) mergeThreadLocked(ctx context.Context, completion dispatch.Completion, target noteTarget) []func() {
	thread, ok := completion.Data.(activity.NoteThread)
	if !ok || len(thread) == 0 {
		m.logger.Warn("note thread came back empty",
			zap.Int64(fieldActivityID, target.activityID.Int64()), zap.Int64(fieldNoteID, target.noteID.Int64()))
		return nil
	}

	m.notes[target.noteID] = thread

	persist := func() {
		m.cacheMu.Lock()
		defer m.cacheMu.Unlock()
		if err := m.cache.UpsertNote(ctx, target.activityID, target.noteID, thread); err != nil {
			m.logger.Warn("note cache write skipped", zap.Int64(fieldNoteID, target.noteID.Int64()), zap.Error(err))
		}
	}
	listener := m.listener
	return []func(){persist, func() { listener.NoteArrived(target.activityID, target.noteID) }}
}

func (m *Manager) watermarkLocked() (activity.ID, bool) {
	var highest activity.ID
	for id := range m.activities {
		if id > highest {
			highest = id
		}
	}
	return highest, highest > 0
}

func (m *Manager) resetLocked() {
	m.loaded = false
	m.entityType = ""
	m.entityID = 0
	m.activities = make(map[activity.ID]activity.Event)
	m.notes = make(map[activity.NoteID]activity.NoteThread)
	m.streamRequests = make(map[dispatch.RequestID]struct{})
	m.noteRequests = make(map[dispatch.RequestID]noteTarget)
	m.thumbnails = newCorrelationMap()
}

func sortIDs(ids []activity.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
