// Package registry is the process-wide cache of users, channels, and the
// channel-name index (spec.md §2, component 2: "the only mutation point for
// cross-client state"). Every exported mutation is safe for concurrent use
// by the ingestor and by every session's command handlers.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goeo-/ircsky/atp"
	"github.com/goeo-/ircsky/xirc"
)

// Directory is the subset of *atp.Client the Registry needs to resolve
// identities and channels. Factored out as an interface so tests can supply
// a fake directory instead of making HTTPS calls.
type Directory interface {
	GetDIDDocument(ctx context.Context, did string) (*atp.DIDDocument, error)
	ResolveHandle(ctx context.Context, handle string) (string, error)
	GetProfile(ctx context.Context, pds, repo string) (*atp.Profile, error)
	ListRooms(ctx context.Context, pds, repo string) ([]atp.RoomRecord, error)
}

// Registry holds the three concurrent mappings spec.md §4.1 names. Readers
// never block on each other; entry-level fields are guarded individually by
// User.mu / Channel.mu so independent field mutations converge without lost
// updates.
type Registry struct {
	Directory Directory

	usersMu sync.RWMutex
	users   map[string]*User // DID -> User

	channelsMu sync.RWMutex
	channels   map[string]*Channel // ChannelURI -> Channel

	nameMu    sync.RWMutex
	nameIndex map[string]string // ChannelName -> ChannelURI
}

func New(directory Directory) *Registry {
	return &Registry{
		Directory: directory,
		users:     make(map[string]*User),
		channels:  make(map[string]*Channel),
		nameIndex: make(map[string]string),
	}
}

func (r *Registry) lookupUser(did string) (*User, bool) {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	u, ok := r.users[did]
	return u, ok
}

func (r *Registry) insertUser(u *User) *User {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if existing, ok := r.users[u.DID]; ok {
		return existing
	}
	r.users[u.DID] = u
	return u
}

// GetUser implements spec.md §4.1's get_user: a cached hit returns
// immediately with cached=true. A miss fetches the DID document, verifies
// the claimed handle with a resolveHandle round trip, fetches the profile
// (tolerating its absence), and inserts the result.
func (r *Registry) GetUser(ctx context.Context, did string) (u *User, cached bool, err error) {
	if u, ok := r.lookupUser(did); ok {
		return u, true, nil
	}

	doc, err := r.Directory.GetDIDDocument(ctx, did)
	if err != nil {
		return nil, false, &xirc.DirectoryError{Op: "getDidDocument", Err: err}
	}
	pds, err := doc.PDSEndpoint()
	if err != nil {
		return nil, false, &xirc.DirectoryError{Op: "pdsEndpoint", Err: err}
	}

	handle := ""
	if claimed := doc.ClaimedHandle(); claimed != "" {
		if resolved, rerr := r.Directory.ResolveHandle(ctx, claimed); rerr == nil && resolved == did {
			handle = claimed
		}
		// a resolveHandle failure or DID mismatch discards the handle; the
		// user is still kept, just unverified (spec.md §4.1 step 3).
	}

	profile, _ := r.Directory.GetProfile(ctx, pds, did) // missing/invalid profile tolerated

	u = newUser(did)
	u.SetHandle(handle)
	u.SetProfile(profile)

	return r.insertUser(u), false, nil
}

func (r *Registry) lookupChannelByURI(uri string) (*Channel, bool) {
	r.channelsMu.RLock()
	defer r.channelsMu.RUnlock()
	c, ok := r.channels[uri]
	return c, ok
}

func (r *Registry) lookupURIByName(name string) (string, bool) {
	r.nameMu.RLock()
	defer r.nameMu.RUnlock()
	uri, ok := r.nameIndex[name]
	return uri, ok
}

// upsertChannel inserts a new Channel for uri/name/room, or returns the
// existing one. name is indexed to uri unless the index already maps it.
func (r *Registry) upsertChannel(uri, name string, room atp.Room) *Channel {
	r.channelsMu.Lock()
	c, ok := r.channels[uri]
	if !ok {
		c = newChannel(uri, name, room)
		r.channels[uri] = c
	}
	r.channelsMu.Unlock()

	r.nameMu.Lock()
	if _, exists := r.nameIndex[name]; !exists {
		r.nameIndex[name] = uri
	}
	r.nameMu.Unlock()

	return c
}

// ResolveChannel implements spec.md §4.1's resolve_channel: a name-index hit
// returns immediately. A miss requires the "#room@handle" shape, resolves
// the owner's PDS, and lists every room in their repository -- inserting and
// indexing all of them as a side effect, not just the one requested, since
// that amortizes the directory round trip. Returns (nil, nil) if the name
// doesn't resolve to anything, per spec.md's "fail closed" wording.
func (r *Registry) ResolveChannel(ctx context.Context, name string) (*Channel, error) {
	if uri, ok := r.lookupURIByName(name); ok {
		c, _ := r.lookupChannelByURI(uri)
		return c, nil
	}

	handle, ok := parseChannelName(name)
	if !ok {
		return nil, nil
	}

	did, err := r.Directory.ResolveHandle(ctx, handle)
	if err != nil {
		return nil, &xirc.DirectoryError{Op: "resolveHandle", Err: err}
	}
	doc, err := r.Directory.GetDIDDocument(ctx, did)
	if err != nil {
		return nil, &xirc.DirectoryError{Op: "getDidDocument", Err: err}
	}
	pds, err := doc.PDSEndpoint()
	if err != nil {
		return nil, &xirc.DirectoryError{Op: "pdsEndpoint", Err: err}
	}

	rooms, err := r.Directory.ListRooms(ctx, pds, did)
	if err != nil {
		return nil, &xirc.DirectoryError{Op: "listRecords", Err: err}
	}
	for _, rec := range rooms {
		roomURI := fmt.Sprintf("at://%s/social.psky.chat.room/%s", did, rec.RKey)
		roomName := "#" + rec.Room.Name + "@" + handle
		r.upsertChannel(roomURI, roomName, rec.Room)
	}

	uri, ok := r.lookupURIByName(name)
	if !ok {
		return nil, nil
	}
	c, _ := r.lookupChannelByURI(uri)
	return c, nil
}

// parseChannelName splits "#room@handle" into handle, requiring the shape
// spec.md §4.1 demands: a leading '#' and an '@' after the room segment.
// Any other shape fails closed.
func parseChannelName(name string) (handle string, ok bool) {
	if !strings.HasPrefix(name, "#") {
		return "", false
	}
	at := strings.LastIndexByte(name, '@')
	if at < 0 || at == len(name)-1 {
		return "", false
	}
	return name[at+1:], true
}

// AllChannels returns a snapshot of every known channel, for LIST.
func (r *Registry) AllChannels() []*Channel {
	r.channelsMu.RLock()
	defer r.channelsMu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

// ApplyIdentity updates a cached user's handle in response to an upstream
// identity event (spec.md §4.2). There is no broadcast: a client picks up
// the new handle next time it's read. A DID with nothing cached locally is
// ignored -- there's nothing to update.
func (r *Registry) ApplyIdentity(did, handle string) {
	if u, ok := r.lookupUser(did); ok {
		u.SetHandle(handle)
	}
}

// ApplyProfile updates a cached user's profile in response to an upstream
// social.psky.actor.profile commit.
func (r *Registry) ApplyProfile(did string, profile *atp.Profile) {
	if u, ok := r.lookupUser(did); ok {
		u.SetProfile(profile)
	}
}

// ApplyRoom upserts a channel from an upstream social.psky.chat.room
// commit. The owner must already be a known, handle-verified user;
// otherwise the event is dropped (spec.md §4.2). If the channel already
// exists, only its room record is replaced -- the name is never rewritten,
// even if room.Name changed (spec.md §9).
func (r *Registry) ApplyRoom(ownerDID, rkey string, room atp.Room) {
	u, ok := r.lookupUser(ownerDID)
	if !ok {
		return
	}
	handle := u.Handle()
	if handle == "" {
		return
	}

	uri := fmt.Sprintf("at://%s/social.psky.chat.room/%s", ownerDID, rkey)
	if existing, ok := r.lookupChannelByURI(uri); ok {
		existing.SetRoom(room)
		return
	}
	name := "#" + room.Name + "@" + handle
	r.upsertChannel(uri, name, room)
}

// ApplyMessage resolves the sender, joins them to the channel if this is
// their first message there, and publishes the resulting events -- Join (if
// newly joined), then Message -- onto the channel's bus in that order. It
// returns the events published, or nil if the sender or channel could not
// be resolved (spec.md §4.2's commit/social.psky.chat.message dispatch).
func (r *Registry) ApplyMessage(ctx context.Context, senderDID, channelURI string, record atp.MessageRecord) []Event {
	u, _, err := r.GetUser(ctx, senderDID)
	if err != nil {
		return nil
	}
	c, ok := r.lookupChannelByURI(channelURI)
	if !ok {
		return nil
	}

	var events []Event
	if c.AddMember(senderDID) {
		events = append(events, JoinEvent{User: u, ChannelName: c.Name()})
	}
	events = append(events, MessageEvent{User: u, Record: record, ChannelName: c.Name()})

	for _, ev := range events {
		c.Bus.Publish(ev)
	}
	return events
}
