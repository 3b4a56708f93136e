package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activitystream"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := EntityTopic("Project", 7)
	stream, cleanup := dispatcher.Subscribe(ctx, topic)
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		Topic:       topic,
		EventType:   RealtimeEventUpdate,
		ActivityIDs: []int64{11, 12},
		Timestamp:   time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventUpdate {
			t.Fatalf("expected event type %s, got %s", RealtimeEventUpdate, received.EventType)
		}
		if len(received.ActivityIDs) != 2 {
			t.Fatalf("expected 2 activity ids, got %d", len(received.ActivityIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByTopic(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectStream, cleanup := dispatcher.Subscribe(ctx, EntityTopic("Project", 1))
	defer cleanup()
	shotStream, shotCleanup := dispatcher.Subscribe(ctx, EntityTopic("Shot", 1))
	defer shotCleanup()

	dispatcher.Publish(RealtimeMessage{
		Topic:     EntityTopic("Shot", 1),
		EventType: RealtimeEventNote,
		NoteID:    5,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-projectStream:
		t.Fatal("did not expect realtime message for unrelated entity")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-shotStream:
		if msg.NoteID != 5 {
			t.Fatalf("expected note 5, received %d", msg.NoteID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed entity")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	topic := EntityTopic("Project", 3)

	_, cleanup := dispatcher.Subscribe(ctx, topic)
	defer cleanup()
	if dispatcher.Subscribers(topic) != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers(topic) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeListenerPublishesOnLoadedEntityTopic(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := EntityTopic("Project", 9)
	stream, cleanup := dispatcher.Subscribe(ctx, topic)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	listener := NewRealtimeListener(dispatcher, func() (string, int64, bool) {
		return "Project", 9, true
	}, func() time.Time { return now })

	listener.UpdateArrived([]activity.ID{101, 102})
	listener.ThumbnailArrived(activitystream.ThumbnailArrival{
		ThumbnailTarget: activitystream.ThumbnailTarget{
			ActivityID:     101,
			Classification: activitystream.ThumbnailCreatedBy,
			Entity:         activity.EntityRef{Type: activity.EntityTypeHumanUser, ID: 4},
		},
		Image: []byte("png"),
	})

	update := <-stream
	if update.EventType != RealtimeEventUpdate || len(update.ActivityIDs) != 2 || update.ActivityIDs[1] != 102 {
		t.Fatalf("unexpected update message %+v", update)
	}
	if !update.Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp %v", update.Timestamp)
	}
	thumbnail := <-stream
	if thumbnail.EventType != RealtimeEventThumbnail || thumbnail.Thumbnail == nil {
		t.Fatalf("unexpected thumbnail message %+v", thumbnail)
	}
	if thumbnail.Thumbnail.Classification != string(activitystream.ThumbnailCreatedBy) || thumbnail.Thumbnail.EntityID != 4 {
		t.Fatalf("unexpected thumbnail payload %+v", thumbnail.Thumbnail)
	}
}

func TestRealtimeListenerDropsWithoutLoadedEntity(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	listener := NewRealtimeListener(dispatcher, func() (string, int64, bool) {
		return "", 0, false
	}, nil)

	listener.NoteArrived(1, 2)
	if dispatcher.Subscribers("") != 0 {
		t.Fatalf("expected no subscribers for empty topic")
	}
}
