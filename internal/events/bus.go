// Package events implements the audit log and the in-process broadcast of
// typed system events to SSE subscribers. Audit writes happen before
// broadcast; delivery to live subscribers is best-effort at-most-once and a
// slow consumer never blocks emission.
package events

import (
	"strings"
	"sync"

	"github.com/camhq/cam/internal/model"
)

// subscriberBuffer is the per-subscriber channel depth. When a consumer
// falls this far behind, further events are dropped for it; the audit table
// is the catch-up source.
const subscriberBuffer = 64

// Filter scopes a subscription. Zero-valued fields match everything.
type Filter struct {
	TypePrefix string
	TaskID     string
	GroupID    string
}

func (f Filter) matches(e *model.SystemEvent) bool {
	if f.TypePrefix != "" && !strings.HasPrefix(e.Type, f.TypePrefix) {
		return false
	}
	if f.TaskID != "" && e.PayloadField("taskId") != f.TaskID {
		return false
	}
	if f.GroupID != "" && e.PayloadField("groupId") != f.GroupID {
		return false
	}
	return true
}

// Subscription is one live consumer of the event stream.
type Subscription struct {
	C      chan *model.SystemEvent
	filter Filter
}

// Broker fans events out to subscribers.
type Broker struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer scoped by filter.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		C:      make(chan *model.SystemEvent, subscriberBuffer),
		filter: filter,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
	b.mu.Unlock()
}

// Publish delivers e to every matching subscriber without blocking. Events
// for a full subscriber channel are dropped.
func (b *Broker) Publish(e *model.SystemEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.C <- e:
		default:
			// Slow consumer; it must refetch via the audit log.
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
