package server

import (
	"context"
	"sync"
	"time"
)

// EventType enumerates the refresh notifications the backend can emit.
// Subscribers switch on the type instead of parsing notification strings.
type EventType string

const (
	EventStreakChanged    EventType = "streak-changed"
	EventLeaderboardStale EventType = "leaderboard-stale"
	eventHeartbeat        EventType = "heartbeat"
)

// RefreshEvent tells a subscribed client which derived view went stale.
type RefreshEvent struct {
	UserID      string
	Type        EventType
	ActivityIDs []string
	Timestamp   time.Time
}

// RefreshDispatcher fans refresh events out to per-user subscribers. Slow
// subscribers drop events rather than block publishers; a dropped event only
// delays a refresh the client would perform on foreground anyway.
type RefreshDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*refreshSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type refreshSubscriber struct {
	id     int64
	stream chan RefreshEvent
}

func NewRefreshDispatcher(clock func() time.Time) *RefreshDispatcher {
	if clock == nil {
		clock = time.Now
	}
	return &RefreshDispatcher{
		subscribers: make(map[string]map[int64]*refreshSubscriber),
		bufferSize:  16,
		clock:       clock,
	}
}

// Subscribe registers a stream for one user's refresh events. The stream is
// torn down when the context ends or the returned cleanup runs.
func (d *RefreshDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RefreshEvent, func()) {
	if userID == "" {
		ch := make(chan RefreshEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &refreshSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RefreshEvent, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishStreakChanged notifies subscribers that derived streak state moved
// for the listed activities.
func (d *RefreshDispatcher) PublishStreakChanged(userID string, activityIDs []string) {
	d.publish(RefreshEvent{
		UserID:      userID,
		Type:        EventStreakChanged,
		ActivityIDs: activityIDs,
		Timestamp:   d.clock(),
	})
}

// PublishLeaderboardStale notifies subscribers that cached leaderboard rows
// no longer reflect the published facts.
func (d *RefreshDispatcher) PublishLeaderboardStale(userID string) {
	d.publish(RefreshEvent{
		UserID:    userID,
		Type:      EventLeaderboardStale,
		Timestamp: d.clock(),
	})
}

func (d *RefreshDispatcher) publish(event RefreshEvent) {
	if event.UserID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*refreshSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RefreshDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RefreshDispatcher) registerSubscriber(userID string, subscriber *refreshSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*refreshSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RefreshDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
