// Package presence tracks which users are online as seen by a client. A user
// is online while at least one of their connections is present.
package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/event"
)

// Tracker is a set of (user, connection) pairs. It is safe for concurrent
// use.
type Tracker struct {
	log zerolog.Logger

	mu      sync.RWMutex
	members map[string]map[string]struct{}
	changes chan struct{}
}

func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:     log.With().Str("component", "presence").Logger(),
		members: make(map[string]map[string]struct{}),
		changes: make(chan struct{}, 1),
	}
}

// Changes receives a value after the set of online users changed.
// Notifications coalesce.
func (t *Tracker) Changes() <-chan struct{} {
	return t.changes
}

func (t *Tracker) notify() {
	select {
	case t.changes <- struct{}{}:
	default:
	}
}

// Join records an open connection and reports whether its user came online.
func (t *Tracker) Join(m event.Member) bool {
	t.mu.Lock()
	came := t.join(m)
	t.mu.Unlock()

	if came {
		t.notify()
	}
	return came
}

func (t *Tracker) join(m event.Member) bool {
	conns, ok := t.members[m.UserID]
	if !ok {
		conns = make(map[string]struct{})
		t.members[m.UserID] = conns
	}
	conns[m.ConnectionID] = struct{}{}
	return !ok
}

// Leave removes a connection and reports whether its user went offline.
// Leaving an unknown connection is a no-op.
func (t *Tracker) Leave(m event.Member) bool {
	t.mu.Lock()
	went := false
	if conns, ok := t.members[m.UserID]; ok {
		delete(conns, m.ConnectionID)
		if len(conns) == 0 {
			delete(t.members, m.UserID)
			went = true
		}
	}
	t.mu.Unlock()

	if went {
		t.notify()
	}
	return went
}

// Sync replaces the whole set with a snapshot.
func (t *Tracker) Sync(members []event.Member) {
	t.mu.Lock()
	t.members = make(map[string]map[string]struct{}, len(members))
	for _, m := range members {
		t.join(m)
	}
	t.mu.Unlock()

	t.notify()
}

// Apply merges a presence event. Other kinds are ignored.
func (t *Tracker) Apply(ev event.Event) {
	if err := ev.Validate(); err != nil {
		t.log.Warn().Err(err).Str("event_id", ev.ID).Msg("skipping invalid event")
		return
	}
	switch ev.Kind {
	case event.PresenceJoin:
		for _, m := range ev.Presence {
			t.Join(m)
		}
	case event.PresenceLeave:
		for _, m := range ev.Presence {
			t.Leave(m)
		}
	case event.PresenceSync:
		t.Sync(ev.Presence)
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[userID]
	return ok
}

// Online returns the online user ids in ascending order.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
