// Package notifier fans job lifecycle events out to per-user subscribers.
package notifier

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event is pushed to the owning user whenever a job changes status.
type Event struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	Error     *string   `json:"error,omitempty"`
	UpdatedAt int64     `json:"updated_at"`
}

// subscriber buffer size; a subscriber that falls this far behind loses
// events rather than stalling the publisher.
const subscriberBuffer = 16

// Notifier is an in-process pub/sub keyed by user. Publishing never blocks:
// a slow subscriber drops events instead of holding up the scheduler.
type Notifier struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

func New(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger: logger,
		subs:   make(map[uuid.UUID]map[chan Event]struct{}),
	}
}

// Subscribe registers a listener for one user's events. The returned cancel
// function must be called when the listener goes away; it closes the channel.
func (n *Notifier) Subscribe(userID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	n.mu.Lock()
	if n.subs[userID] == nil {
		n.subs[userID] = make(map[chan Event]struct{})
	}
	n.subs[userID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[userID], ch)
			if len(n.subs[userID]) == 0 {
				delete(n.subs, userID)
			}
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the given user.
func (n *Notifier) Publish(userID uuid.UUID, ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.subs[userID] {
		select {
		case ch <- ev:
		default:
			n.logger.Warn("dropping job event for slow subscriber",
				"user_id", userID, "job_id", ev.JobID, "status", ev.Status)
		}
	}
}

// Subscribers reports how many listeners a user currently has.
func (n *Notifier) Subscribers(userID uuid.UUID) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[userID])
}
