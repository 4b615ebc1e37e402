package session

import "sync"

// DefaultName is reported for members that never sent a join.
const DefaultName = "User"

// Registry tracks the live clients of every room and the display name bound to each.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	members map[string][]*Client // roomID → clients in join order
	rooms   map[*Client]string   // client → the one room it belongs to
	names   map[*Client]string
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string][]*Client),
		rooms:   make(map[*Client]string),
		names:   make(map[*Client]string),
	}
}

// Register adds c to the room. A client belongs to at most one room, so
// registering it elsewhere moves it; registering it twice is a no-op.
func (r *Registry) Register(roomID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.rooms[c]; ok {
		if current == roomID {
			return
		}
		r.remove(current, c)
	}
	r.members[roomID] = append(r.members[roomID], c)
	r.rooms[c] = roomID
}

// Unregister removes c from the room and forgets its name. Absent clients are ignored.
func (r *Registry) Unregister(roomID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.rooms[c]; !ok || current != roomID {
		return
	}
	r.remove(roomID, c)
	delete(r.rooms, c)
	delete(r.names, c)
}

func (r *Registry) remove(roomID string, c *Client) {
	list := r.members[roomID]
	for i, m := range list {
		if m == c {
			r.members[roomID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (r *Registry) BindName(c *Client, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[c] = name
}

// ListNames returns one entry per current member, in membership order.
func (r *Registry) ListNames(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.members[roomID]
	out := make([]string, 0, len(list))
	for _, c := range list {
		name, ok := r.names[c]
		if !ok {
			name = DefaultName
		}
		out = append(out, name)
	}
	return out
}

// Members returns a snapshot of the room's clients.
func (r *Registry) Members(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, len(r.members[roomID]))
	copy(out, r.members[roomID])
	return out
}

func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[roomID])
}
