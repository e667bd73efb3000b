package realtime

import "sync"

// Subscriber is one live connection watching a board.
type Subscriber interface {
	BoardID() string
	// Deliver hands the event to the connection without blocking on the
	// network; an error means the connection is stale and should be pruned.
	Deliver(ev Event) error
}

// Registry maps board id to the set of currently subscribed connections.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[Subscriber]struct{}
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[Subscriber]struct{})}
}

func (r *Registry) Subscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[sub.BoardID()]
	if !ok {
		room = make(map[Subscriber]struct{})
		r.rooms[sub.BoardID()] = room
	}
	room[sub] = struct{}{}
}

func (r *Registry) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[sub.BoardID()]
	if !ok {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(r.rooms, sub.BoardID())
	}
}

// Subscribers returns a snapshot of the board's room; delivery iterates the
// snapshot so publishes never hold the registry lock across sends.
func (r *Registry) Subscribers(boardID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[boardID]
	subs := make([]Subscriber, 0, len(room))
	for sub := range room {
		subs = append(subs, sub)
	}
	return subs
}

func (r *Registry) RoomSize(boardID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[boardID])
}
