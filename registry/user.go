package registry

import (
	"sync"

	"github.com/goeo-/ircsky/atp"
	"github.com/goeo-/ircsky/bus"
)

// User is one Registry entry keyed by DID. DID is immutable once created;
// every other field is guarded by mu so the ingestor and a session's login
// can converge on independent fields without lost updates (spec.md §4.1's
// compare-and-update discipline).
type User struct {
	DID string

	mu      sync.Mutex
	handle  string
	profile *atp.Profile
	outbox  *bus.Bus[Event]
}

func newUser(did string) *User {
	return &User{DID: did}
}

// Handle returns the user's verified handle, or "" if unset.
func (u *User) Handle() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handle
}

// SetHandle replaces the verified handle. Pass "" to clear it.
func (u *User) SetHandle(handle string) {
	u.mu.Lock()
	u.handle = handle
	u.mu.Unlock()
}

func (u *User) Profile() *atp.Profile {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.profile
}

func (u *User) SetProfile(p *atp.Profile) {
	u.mu.Lock()
	u.profile = p
	u.mu.Unlock()
}

// Outbox returns the user's private DM bus, or nil if they have never
// logged in on this process.
func (u *User) Outbox() *bus.Bus[Event] {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.outbox
}

// EnsureOutbox allocates the user's private bus on first LOGGED_IN login
// (spec.md §4.4.1), reusing any existing one.
func (u *User) EnsureOutbox() *bus.Bus[Event] {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.outbox == nil {
		u.outbox = bus.New[Event]()
	}
	return u.outbox
}

// RenderNick is the identity used to prefix outbound IRC lines for this
// user: their verified handle, or their DID when unverified. This is the
// fallback spec.md §9 calls for in place of the rendering crash spec.md
// §4.4.7 originally describes.
func (u *User) RenderNick() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.handle != "" {
		return u.handle
	}
	return u.DID
}

// WhoName implements the WHO/NAMES fallback chain: profile.nickname ->
// handle -> "unknown" (spec.md §4.4.6).
func (u *User) WhoName() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.profile != nil && u.profile.Nickname != "" {
		return u.profile.Nickname
	}
	if u.handle != "" {
		return u.handle
	}
	return "unknown"
}
