package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activitystream"
)

// Realtime event names carried on the stream.
const (
	RealtimeEventUpdate    = "update"
	RealtimeEventNote      = "note"
	RealtimeEventThumbnail = "thumbnail"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBridge   = "activity-panel"
)

// RealtimeThumbnail is the thumbnail part of a realtime message.
type RealtimeThumbnail struct {
	ActivityID        int64
	Classification    string
	EntityType        string
	EntityID          int64
	AttachmentGroupID string
	Image             []byte
}

// RealtimeMessage is one event delivered to subscribers of an entity topic.
type RealtimeMessage struct {
	Topic       string
	EventType   string
	ActivityIDs []int64
	NoteID      int64
	Thumbnail   *RealtimeThumbnail
	Timestamp   time.Time
}

// EntityTopic names the realtime topic of an entity's activity stream.
func EntityTopic(entityType string, entityID int64) string {
	if entityType == "" || entityID <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", entityType, entityID)
}

// RealtimeDispatcher fans realtime messages out to per-topic subscribers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a buffered subscriber on topic. The returned cleanup is safe to call
// more than once and runs on its own when ctx is done. An empty topic yields a closed channel.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, topic string) (<-chan RealtimeMessage, func()) {
	if topic == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(topic, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the topic's subscribers. Slow subscribers miss messages
// rather than block the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Topic == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers reports how many subscribers a topic has.
func (d *RealtimeDispatcher) Subscribers(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}

// NewRealtimeListener adapts manager notifications into realtime messages published on
// the topic of the entity loaded at the time of the notification.
func NewRealtimeListener(dispatcher *RealtimeDispatcher, entity func() (string, int64, bool), clock func() time.Time) activitystream.Listener {
	if clock == nil {
		clock = time.Now
	}
	topic := func() string {
		entityType, entityID, ok := entity()
		if !ok {
			return ""
		}
		return EntityTopic(entityType, entityID)
	}
	return activitystream.ListenerFuncs{
		OnUpdate: func(activityIDs []activity.ID) {
			ids := make([]int64, 0, len(activityIDs))
			for _, id := range activityIDs {
				ids = append(ids, id.Int64())
			}
			dispatcher.Publish(RealtimeMessage{
				Topic:       topic(),
				EventType:   RealtimeEventUpdate,
				ActivityIDs: ids,
				Timestamp:   clock().UTC(),
			})
		},
		OnNote: func(activityID activity.ID, noteID activity.NoteID) {
			dispatcher.Publish(RealtimeMessage{
				Topic:       topic(),
				EventType:   RealtimeEventNote,
				ActivityIDs: []int64{activityID.Int64()},
				NoteID:      noteID.Int64(),
				Timestamp:   clock().UTC(),
			})
		},
		OnThumbnail: func(arrival activitystream.ThumbnailArrival) {
			dispatcher.Publish(RealtimeMessage{
				Topic:     topic(),
				EventType: RealtimeEventThumbnail,
				Thumbnail: &RealtimeThumbnail{
					ActivityID:        arrival.ActivityID.Int64(),
					Classification:    string(arrival.Classification),
					EntityType:        arrival.Entity.Type,
					EntityID:          arrival.Entity.ID,
					AttachmentGroupID: arrival.AttachmentGroupID,
					Image:             arrival.Image,
				},
				Timestamp: clock().UTC(),
			})
		},
	}
}
