package activitystream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/remote"
	"go.uber.org/zap"
)

const (
	shotType = "Shot"
	shotID   = 1184
)

type submittedMethod struct {
	id   dispatch.RequestID
	work dispatch.Work
	data any
}

type submittedThumbnail struct {
	id      dispatch.RequestID
	request dispatch.ThumbnailRequest
}

type fakeDispatcher struct {
	next       int
	methods    []submittedMethod
	thumbnails []submittedThumbnail
	cleared    int
}

func (d *fakeDispatcher) nextID() dispatch.RequestID {
	d.next++
	return dispatch.RequestID(fmt.Sprintf("req-%d", d.next))
}

func (d *fakeDispatcher) ExecuteMethod(work dispatch.Work, data any) dispatch.RequestID {
	id := d.nextID()
	d.methods = append(d.methods, submittedMethod{id: id, work: work, data: data})
	return id
}

func (d *fakeDispatcher) RequestThumbnail(request dispatch.ThumbnailRequest) dispatch.RequestID {
	id := d.nextID()
	d.thumbnails = append(d.thumbnails, submittedThumbnail{id: id, request: request})
	return id
}

func (d *fakeDispatcher) ClearPending() {
	d.cleared++
}

type fakeConnection struct {
	remote.Connection
	stream  remote.StreamResponse
	threads map[activity.NoteID]activity.NoteThread
	queries []remote.StreamQuery
}

func (c *fakeConnection) ActivityStreamRead(_ context.Context, query remote.StreamQuery) (remote.StreamResponse, error) {
	c.queries = append(c.queries, query)
	return c.stream, nil
}

func (c *fakeConnection) NoteThreadRead(_ context.Context, noteID activity.NoteID, _ remote.FieldSpec) (activity.NoteThread, error) {
	return c.threads[noteID], nil
}

type recordingListener struct {
	updates    [][]activity.ID
	notes      [][2]int64
	thumbnails []ThumbnailArrival
}

func (l *recordingListener) UpdateArrived(ids []activity.ID) {
	l.updates = append(l.updates, ids)
}

func (l *recordingListener) NoteArrived(activityID activity.ID, noteID activity.NoteID) {
	l.notes = append(l.notes, [2]int64{activityID.Int64(), noteID.Int64()})
}

func (l *recordingListener) ThumbnailArrived(arrival ThumbnailArrival) {
	l.thumbnails = append(l.thumbnails, arrival)
}

type managerFixture struct {
	manager    *Manager
	store      *cache.Store
	dispatcher *fakeDispatcher
	listener   *recordingListener
}

func newFixture(t *testing.T) managerFixture {
	t.Helper()
	store, err := cache.NewStore(cache.Config{Directory: t.TempDir(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize cache: %v", err)
	}
	dispatcher := &fakeDispatcher{}
	listener := &recordingListener{}
	manager, err := NewManager(ManagerConfig{
		Cache:      store,
		Dispatcher: dispatcher,
		Listener:   listener,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	return managerFixture{manager: manager, store: store, dispatcher: dispatcher, listener: listener}
}

func (f managerFixture) seed(t *testing.T, events ...activity.Event) {
	t.Helper()
	if err := f.store.InsertActivities(context.Background(), shotType, shotID, events); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}
}

// complete runs a submitted method against connection and feeds its result back.
func (f managerFixture) complete(t *testing.T, submitted submittedMethod, connection remote.Connection) {
	t.Helper()
	data, err := submitted.work(context.Background(), connection, submitted.data)
	f.manager.HandleCompletion(context.Background(), dispatch.Completion{
		RequestID:   submitted.id,
		RequestType: dispatch.RequestTypeMethod,
		Data:        data,
		Err:         err,
	})
}

func versionActivity(id int64) activity.Event {
	return activity.Event{
		ID:            activity.ID(id),
		UpdateType:    activity.UpdateTypeCreate,
		PrimaryEntity: &activity.EntityRef{Type: "Version", ID: 300 + id},
		CreatedBy:     &activity.EntityRef{Type: activity.EntityTypeHumanUser, ID: 8, Image: "https://img/user-8"},
		CreatedAt:     time.Unix(1700000000+id, 0).UTC(),
	}
}

func replyActivity(id int64, noteID int64) activity.Event {
	return activity.Event{
		ID:         activity.ID(id),
		UpdateType: activity.UpdateTypeCreateReply,
		PrimaryEntity: &activity.EntityRef{
			Type:           activity.EntityTypeNote,
			ID:             noteID,
			CreatedBy:      &activity.EntityRef{Type: activity.EntityTypeHumanUser, ID: 3},
			CreatedByImage: "https://img/note-author-3",
		},
		CreatedBy: &activity.EntityRef{Type: activity.EntityTypeHumanUser, ID: 9, Image: "https://img/replier-9"},
		CreatedAt: time.Unix(1700000000+id, 0).UTC(),
	}
}

func TestActivityIDsAreAscending(t *testing.T) {
	fixture := newFixture(t)
	fixture.seed(t, versionActivity(5), versionActivity(1), versionActivity(9), versionActivity(3))

	if count := fixture.manager.Load(context.Background(), shotType, shotID); count != 4 {
		t.Fatalf("expected 4 cached activities, got %d", count)
	}

	assertIDs(t, fixture.manager.ActivityIDs(0), []activity.ID{1, 3, 5, 9})
	assertIDs(t, fixture.manager.ActivityIDs(2), []activity.ID{5, 9})
	assertIDs(t, fixture.manager.ActivityIDs(10), []activity.ID{1, 3, 5, 9})
}

func TestLookupsReportMissingData(t *testing.T) {
	fixture := newFixture(t)
	fixture.manager.Load(context.Background(), shotType, shotID)
	if _, ok := fixture.manager.ActivityData(77); ok {
		t.Fatalf("expected unknown activity to be reported missing")
	}
	if _, ok := fixture.manager.Note(77); ok {
		t.Fatalf("expected unknown note to be reported missing")
	}
}

func TestRescanWithoutCacheRequestsCappedInitialPage(t *testing.T) {
	fixture := newFixture(t)
	fixture.manager.Load(context.Background(), shotType, shotID)

	if _, ok := fixture.manager.Rescan(); !ok {
		t.Fatalf("expected rescan to be submitted")
	}
	connection := &fakeConnection{}
	fixture.complete(t, fixture.dispatcher.methods[0], connection)

	query := connection.queries[0]
	if query.SinceID != nil {
		t.Fatalf("expected no watermark, got %d", *query.SinceID)
	}
	if query.Limit != DefaultInitialPageLimit {
		t.Fatalf("expected initial page limit %d, got %d", DefaultInitialPageLimit, query.Limit)
	}
	if query.EntityType != shotType || query.EntityID != shotID {
		t.Fatalf("unexpected query entity %s/%d", query.EntityType, query.EntityID)
	}
	if len(fixture.listener.updates) != 0 {
		t.Fatalf("did not expect an update notification for an empty batch")
	}
}

func TestRescanUsesHighestKnownIDAsWatermark(t *testing.T) {
	fixture := newFixture(t)
	fixture.seed(t, versionActivity(5), versionActivity(9))
	fixture.manager.Load(context.Background(), shotType, shotID)

	fixture.manager.Rescan()
	connection := &fakeConnection{}
	fixture.complete(t, fixture.dispatcher.methods[0], connection)

	query := connection.queries[0]
	if query.SinceID == nil || *query.SinceID != 9 {
		t.Fatalf("expected watermark 9, got %v", query.SinceID)
	}
	if query.Limit != 0 {
		t.Fatalf("expected uncapped incremental read, got limit %d", query.Limit)
	}
}

func TestRescanWhileIdleIsRejected(t *testing.T) {
	fixture := newFixture(t)
	if _, ok := fixture.manager.Rescan(); ok {
		t.Fatalf("expected rescan without a loaded entity to be rejected")
	}
	if len(fixture.dispatcher.methods) != 0 {
		t.Fatalf("expected no work to be submitted")
	}
}

func TestStreamBatchNotifiesOnceAscending(t *testing.T) {
	fixture := newFixture(t)
	fixture.manager.Load(context.Background(), shotType, shotID)
	fixture.manager.Rescan()

	connection := &fakeConnection{stream: remote.StreamResponse{Updates: []activity.Event{
		versionActivity(14), versionActivity(12), versionActivity(13),
	}}}
	fixture.complete(t, fixture.dispatcher.methods[0], connection)

	if len(fixture.listener.updates) != 1 {
		t.Fatalf("expected exactly one update notification, got %d", len(fixture.listener.updates))
	}
	assertIDs(t, fixture.listener.updates[0], []activity.ID{12, 13, 14})

	reloaded, err := fixture.store.Fetch(context.Background(), shotType, shotID, 10)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(reloaded.Activities) != 3 {
		t.Fatalf("expected batch to be persisted, got %d cached", len(reloaded.Activities))
	}
}

func TestOverlappingRescansMergeOnce(t *testing.T) {
	fixture := newFixture(t)
	fixture.manager.Load(context.Background(), shotType, shotID)
	fixture.manager.Rescan()
	fixture.manager.Rescan()

	connection := &fakeConnection{stream: remote.StreamResponse{Updates: []activity.Event{versionActivity(21)}}}
	fixture.complete(t, fixture.dispatcher.methods[0], connection)
	fixture.complete(t, fixture.dispatcher.methods[1], connection)

	if len(fixture.listener.updates) != 1 {
		t.Fatalf("expected duplicate batch to be ignored, got %d notifications", len(fixture.listener.updates))
	}
	assertIDs(t, fixture.manager.ActivityIDs(0), []activity.ID{21})
}

func TestNoteCreationSynthesizesThread(t *testing.T) {
	fixture := newFixture(t)
	fixture.manager.Load(context.Background(), shotType, shotID)
	fixture.manager.Rescan()

	creation := replyActivity(30, 400)
	creation.UpdateType = activity.UpdateTypeCreate
	fixture.complete(t, fixture.dispatcher.methods[0], &fakeConnection{stream: remote.StreamResponse{Updates: []activity.Event{creation}}})

	thread, ok := fixture.manager.Note(400)
	if !ok || len(thread) != 1 || thread[0].ID != 400 {
		t.Fatalf("expected synthesized thread for note 400, got %#v", thread)
	}
	if len(fixture.dispatcher.methods) != 1 {
		t.Fatalf("did not expect a thread fetch for a note creation")
	}
}

func TestReplyTriggersThreadFetchRoundTrip(t *testing.T) {
	fixture := newFixture(t)
	fixture.manager.Load(context.Background(), shotType, shotID)
	fixture.manager.Rescan()

	const noteID = 512
	reply := replyActivity(41, noteID)
	fullThread := activity.NoteThread{
		{Type: activity.EntityTypeNote, ID: noteID, Content: "Tighten the cloth sim"},
		{Type: activity.EntityTypeReply, ID: 900, Content: "Done in v004"},
		{Type: activity.EntityTypeAttachment, ID: 901, Image: "https://img/attachment-901"},
	}
	connection := &fakeConnection{
		stream:  remote.StreamResponse{Updates: []activity.Event{reply}},
		threads: map[activity.NoteID]activity.NoteThread{noteID: fullThread},
	}

	fixture.complete(t, fixture.dispatcher.methods[0], connection)
	if len(fixture.dispatcher.methods) != 2 {
		t.Fatalf("expected a dependent thread fetch, got %d submitted methods", len(fixture.dispatcher.methods))
	}
	request, ok := fixture.dispatcher.methods[1].data.(noteThreadRequest)
	if !ok || request.NoteID != noteID {
		t.Fatalf("unexpected thread request %#v", fixture.dispatcher.methods[1].data)
	}

	fixture.complete(t, fixture.dispatcher.methods[1], connection)

	thread, ok := fixture.manager.Note(noteID)
	if !ok || len(thread) != 3 {
		t.Fatalf("expected 3 element thread, got %#v", thread)
	}
	if len(fixture.listener.notes) != 1 || fixture.listener.notes[0] != [2]int64{41, noteID} {
		t.Fatalf("unexpected note notifications %#v", fixture.listener.notes)
	}

	fixture.manager.Load(context.Background(), shotType, shotID)
	cachedThread, ok := fixture.manager.Note(noteID)
	if !ok || len(cachedThread) != 3 {
		t.Fatalf("expected persisted thread after reload, got %#v", cachedThread)
	}
}

func TestLoadDiscardsThumbnailCorrelation(t *testing.T) {
	fixture := newFixture(t)
	fixture.seed(t, versionActivity(7))
	fixture.manager.Load(context.Background(), shotType, shotID)

	ids := fixture.manager.RequestActivityThumbnails(7)
	if len(ids) != 1 {
		t.Fatalf("expected one thumbnail request, got %d", len(ids))
	}

	fixture.manager.Load(context.Background(), shotType, shotID)
	if fixture.dispatcher.cleared != 2 {
		t.Fatalf("expected dispatcher queue to be cleared on every load, got %d", fixture.dispatcher.cleared)
	}
	if fixture.manager.PendingThumbnails() != 0 {
		t.Fatalf("expected correlation map to be discarded")
	}

	fixture.manager.HandleCompletion(context.Background(), dispatch.Completion{
		RequestID:   ids[0],
		RequestType: dispatch.RequestTypeThumbnail,
		Data:        dispatch.ThumbnailResult{Image: []byte("late")},
	})
	if len(fixture.listener.thumbnails) != 0 {
		t.Fatalf("expected late completion to be ignored")
	}
}

func TestThumbnailPriorityUsesNoteAuthor(t *testing.T) {
	fixture := newFixture(t)
	fixture.seed(t, replyActivity(50, 600))
	fixture.manager.Load(context.Background(), shotType, shotID)

	ids := fixture.manager.RequestActivityThumbnails(50)
	if len(ids) != 1 || len(fixture.dispatcher.thumbnails) != 1 {
		t.Fatalf("expected exactly one thumbnail request, got %d", len(fixture.dispatcher.thumbnails))
	}
	submitted := fixture.dispatcher.thumbnails[0]
	if submitted.request.URL != "https://img/note-author-3" || submitted.request.EntityID != 3 {
		t.Fatalf("expected note author thumbnail, got %#v", submitted.request)
	}

	fixture.manager.HandleCompletion(context.Background(), dispatch.Completion{
		RequestID:   submitted.id,
		RequestType: dispatch.RequestTypeThumbnail,
		Data:        dispatch.ThumbnailResult{Image: []byte("png")},
	})
	if len(fixture.listener.thumbnails) != 1 {
		t.Fatalf("expected thumbnail notification")
	}
	arrival := fixture.listener.thumbnails[0]
	if arrival.Classification != ThumbnailCreatedBy || arrival.ActivityID != 50 || arrival.Entity.ID != 3 {
		t.Fatalf("unexpected arrival %#v", arrival.ThumbnailTarget)
	}
}

func TestThumbnailSkipsNoteWithoutAuthorImage(t *testing.T) {
	fixture := newFixture(t)
	reply := replyActivity(51, 601)
	reply.PrimaryEntity.CreatedByImage = ""
	fixture.seed(t, reply)
	fixture.manager.Load(context.Background(), shotType, shotID)

	if ids := fixture.manager.RequestActivityThumbnails(51); len(ids) != 0 {
		t.Fatalf("expected no created_by request without the note author image, got %d", len(ids))
	}
}

func TestActivityThumbnailsIncludeEntityImage(t *testing.T) {
	fixture := newFixture(t)
	event := versionActivity(60)
	event.PrimaryEntity.Image = "https://img/version-360"
	fixture.seed(t, event)
	fixture.manager.Load(context.Background(), shotType, shotID)

	ids := fixture.manager.RequestActivityThumbnails(60)
	if len(ids) != 2 {
		t.Fatalf("expected created_by and entity requests, got %d", len(ids))
	}
	if fixture.dispatcher.thumbnails[0].request.URL != "https://img/user-8" {
		t.Fatalf("expected actor thumbnail first, got %s", fixture.dispatcher.thumbnails[0].request.URL)
	}
	if fixture.dispatcher.thumbnails[1].request.URL != "https://img/version-360" {
		t.Fatalf("expected entity thumbnail second, got %s", fixture.dispatcher.thumbnails[1].request.URL)
	}
}

func TestEmptyImageDropsCorrelation(t *testing.T) {
	fixture := newFixture(t)
	id, ok := fixture.manager.RequestUserThumbnail(activity.EntityTypeHumanUser, 12, "https://img/user-12")
	if !ok {
		t.Fatalf("expected user thumbnail request")
	}
	if fixture.manager.PendingThumbnails() != 1 {
		t.Fatalf("expected a pending correlation entry")
	}

	fixture.manager.HandleCompletion(context.Background(), dispatch.Completion{
		RequestID:   id,
		RequestType: dispatch.RequestTypeThumbnail,
		Data:        dispatch.ThumbnailResult{},
	})
	if len(fixture.listener.thumbnails) != 0 {
		t.Fatalf("expected no notification for an empty image")
	}
	if fixture.manager.PendingThumbnails() != 0 {
		t.Fatalf("expected correlation entry to be removed")
	}
}

func TestAttachmentThumbnailCarriesGroup(t *testing.T) {
	fixture := newFixture(t)
	attachment := activity.ThreadRecord{Type: activity.EntityTypeAttachment, ID: 77, Image: "https://img/attachment-77"}
	id, ok := fixture.manager.RequestAttachmentThumbnail(5, "group-a", attachment)
	if !ok {
		t.Fatalf("expected attachment request")
	}
	fixture.manager.HandleCompletion(context.Background(), dispatch.Completion{
		RequestID: id,
		Data:      dispatch.ThumbnailResult{Image: []byte("jpg")},
	})
	if len(fixture.listener.thumbnails) != 1 {
		t.Fatalf("expected attachment notification")
	}
	arrival := fixture.listener.thumbnails[0]
	if arrival.AttachmentGroupID != "group-a" || arrival.Classification != ThumbnailAttachment || arrival.ActivityID != 5 {
		t.Fatalf("unexpected attachment arrival %#v", arrival.ThumbnailTarget)
	}
}

func TestFailedRequestsAreDiscarded(t *testing.T) {
	fixture := newFixture(t)
	id, _ := fixture.manager.RequestUserThumbnail(activity.EntityTypeHumanUser, 4, "https://img/user-4")

	fixture.manager.HandleCompletion(context.Background(), dispatch.Completion{
		RequestID: id,
		Err:       errors.New("timeout"),
	})
	if fixture.manager.PendingThumbnails() != 0 {
		t.Fatalf("expected failed request to be dropped")
	}
	if len(fixture.listener.thumbnails) != 0 {
		t.Fatalf("did not expect a notification for a failure")
	}
}

func TestRunStopsWhenCompletionsClose(t *testing.T) {
	fixture := newFixture(t)
	completions := make(chan dispatch.Completion, 1)
	id, _ := fixture.manager.RequestUserThumbnail(activity.EntityTypeHumanUser, 4, "https://img/user-4")
	completions <- dispatch.Completion{RequestID: id, Data: dispatch.ThumbnailResult{Image: []byte("png")}}
	close(completions)

	done := make(chan struct{})
	go func() {
		fixture.manager.Run(context.Background(), completions)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected run loop to exit")
	}
	if len(fixture.listener.thumbnails) != 1 {
		t.Fatalf("expected queued completion to be handled before exit")
	}
}

func assertIDs(t *testing.T, actual, expected []activity.ID) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Fatalf("expected ids %v, got %v", expected, actual)
	}
	for index := range expected {
		if actual[index] != expected[index] {
			t.Fatalf("expected ids %v, got %v", expected, actual)
		}
	}
}

type blockingCache struct {
	CacheStore
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCache) InsertActivities(ctx context.Context, entityType string, entityID int64, events []activity.Event) error {
	c.entered <- struct{}{}
	<-c.release
	return c.CacheStore.InsertActivities(ctx, entityType, entityID, events)
}

func TestReadsDoNotWaitForCacheWrites(t *testing.T) {
	store, err := cache.NewStore(cache.Config{Directory: t.TempDir(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize cache: %v", err)
	}
	slow := &blockingCache{CacheStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	dispatcher := &fakeDispatcher{}
	listener := &recordingListener{}
	manager, err := NewManager(ManagerConfig{Cache: slow, Dispatcher: dispatcher, Listener: listener})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	manager.Load(context.Background(), shotType, shotID)
	manager.Rescan()

	submitted := dispatcher.methods[0]
	data, err := submitted.work(context.Background(), &fakeConnection{stream: remote.StreamResponse{
		Updates: []activity.Event{versionActivity(21), versionActivity(22)},
	}}, submitted.data)
	if err != nil {
		t.Fatalf("work failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.HandleCompletion(context.Background(), dispatch.Completion{
			RequestID:   submitted.id,
			RequestType: dispatch.RequestTypeMethod,
			Data:        data,
		})
	}()

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the batch to reach the cache")
	}

	reads := make(chan []activity.ID, 1)
	go func() {
		reads <- manager.ActivityIDs(0)
	}()
	select {
	case ids := <-reads:
		assertIDs(t, ids, []activity.ID{21, 22})
	case <-time.After(time.Second):
		close(slow.release)
		t.Fatal("ActivityIDs blocked while the cache write was in progress")
	}

	close(slow.release)
	<-done
	if len(listener.updates) != 1 {
		t.Fatalf("expected one update notification after the write, got %d", len(listener.updates))
	}
	reloaded, err := store.Fetch(context.Background(), shotType, shotID, 10)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(reloaded.Activities) != 2 {
		t.Fatalf("expected batch to be persisted, got %d cached", len(reloaded.Activities))
	}
}
