package chat

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTurnAppended       EventType = "turn_appended"
	EventPlaceholderShown   EventType = "placeholder_shown"
	EventPlaceholderRemoved EventType = "placeholder_removed"
	EventPersisted          EventType = "persisted"
	EventAlert              EventType = "alert"
	EventPhase              EventType = "phase"
	EventClosed             EventType = "closed"
)

// AlertKind classifies a user-visible alert.
type AlertKind string

const (
	AlertGateway          AlertKind = "gateway"
	AlertPersistence      AlertKind = "persistence"
	AlertNotAuthenticated AlertKind = "not_authenticated"
)

const (
	alertGatewayMessage          = "Failed to get a response. Please try again."
	alertPersistenceMessage      = "Your reply could not be saved."
	alertNotAuthenticatedMessage = "Please sign in to continue."
)

// Event describes one change to an open conversation.
type Event struct {
	Type         EventType `json:"type"`
	Turn         *Entry    `json:"turn,omitempty"`
	TurnID       string    `json:"turnId,omitempty"`
	TranscriptID string    `json:"chatId,omitempty"`
	Phase        Phase     `json:"phase,omitempty"`
	Alert        AlertKind `json:"alert,omitempty"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier receives reconciler events. Notify is called with the
// reconciler's lock held; it must not block or call back into it.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// Broadcaster fans events out to subscribers. Slow subscribers miss events
// rather than stall the sender.
type Broadcaster struct {
	mu     sync.Mutex
	buffer int
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBroadcaster returns a Broadcaster whose subscriber channels hold up to
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{buffer: buffer, subs: make(map[int]chan Event)}
}

func (b *Broadcaster) Notify(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new listener. The channel is closed when the
// Broadcaster closes or cancel is called.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
