package registry

import (
	"sync"

	"github.com/goeo-/ircsky/atp"
	"github.com/goeo-/ircsky/bus"
)

// Channel is one Registry entry keyed by its canonical AT-URI. URI is
// immutable; name, the room record, and membership are guarded by mu, per
// spec.md §4.1's compare-and-update discipline.
type Channel struct {
	URI string
	Bus *bus.Bus[Event]

	mu      sync.Mutex
	name    string
	room    atp.Room
	members map[string]struct{} // DID set
}

func newChannel(uri, name string, room atp.Room) *Channel {
	return &Channel{
		URI:     uri,
		Bus:     bus.New[Event](),
		name:    name,
		room:    room,
		members: make(map[string]struct{}),
	}
}

func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Channel) Room() atp.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// SetRoom replaces the upstream room record. The IRC-visible name is
// deliberately left untouched even if room.Name changed: spec.md §9 flags
// the resulting stale name as a known gap, not something to fix here.
func (c *Channel) SetRoom(room atp.Room) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// Members returns a snapshot of the current member DID set.
func (c *Channel) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.members))
	for did := range c.members {
		out = append(out, did)
	}
	return out
}

func (c *Channel) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

func (c *Channel) HasMember(did string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[did]
	return ok
}

// AddMember inserts did into the member set, reporting whether it was newly
// added -- the Join-on-first-sight rule spec.md §4.2 describes for inbound
// messages.
func (c *Channel) AddMember(did string) (inserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[did]; ok {
		return false
	}
	c.members[did] = struct{}{}
	return true
}

// RemoveMember deletes did from the member set, reporting whether it was
// present.
func (c *Channel) RemoveMember(did string) (removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[did]; !ok {
		return false
	}
	delete(c.members, did)
	return true
}
