package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/goeo-/ircsky/atp"
)

// fakeDirectory is an in-memory stand-in for atp.Client, keyed by handle and
// DID, used so these tests never make a network call.
type fakeDirectory struct {
	mu        sync.Mutex
	didByHandle map[string]string
	pdsByDID  map[string]string
	profiles  map[string]*atp.Profile
	rooms     map[string][]atp.RoomRecord // keyed by DID
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		didByHandle: make(map[string]string),
		pdsByDID:    make(map[string]string),
		profiles:    make(map[string]*atp.Profile),
		rooms:       make(map[string][]atp.RoomRecord),
	}
}

func (f *fakeDirectory) GetDIDDocument(ctx context.Context, did string) (*atp.DIDDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pds, ok := f.pdsByDID[did]
	if !ok {
		return nil, fmt.Errorf("unknown did %q", did)
	}
	handle := ""
	for h, d := range f.didByHandle {
		if d == did {
			handle = h
			break
		}
	}
	doc := &atp.DIDDocument{
		ID:      did,
		Service: []atp.Service{{ID: "#atproto_pds", Type: "AtprotoPersonalDataServer", ServiceEndpoint: pds}},
	}
	if handle != "" {
		doc.AlsoKnownAs = []string{"at://" + handle}
	}
	return doc, nil
}

func (f *fakeDirectory) ResolveHandle(ctx context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	did, ok := f.didByHandle[handle]
	if !ok {
		return "", fmt.Errorf("unknown handle %q", handle)
	}
	return did, nil
}

func (f *fakeDirectory) GetProfile(ctx context.Context, pds, repo string) (*atp.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[repo]
	if !ok {
		return nil, fmt.Errorf("no profile for %q", repo)
	}
	return p, nil
}

func (f *fakeDirectory) ListRooms(ctx context.Context, pds, repo string) ([]atp.RoomRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[repo], nil
}

func TestGetUserVerifiesHandle(t *testing.T) {
	dir := newFakeDirectory()
	dir.didByHandle["alice.bsky.social"] = "did:plc:alice"
	dir.pdsByDID["did:plc:alice"] = "https://pds.example"
	dir.profiles["did:plc:alice"] = &atp.Profile{Nickname: "Alice"}

	r := New(dir)
	ctx := context.Background()

	u, cached, err := r.GetUser(ctx, "did:plc:alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if cached {
		t.Fatal("expected first GetUser call to be uncached")
	}
	if got := u.Handle(); got != "alice.bsky.social" {
		t.Fatalf("handle = %q, want alice.bsky.social", got)
	}
	if got := u.WhoName(); got != "Alice" {
		t.Fatalf("WhoName = %q, want Alice", got)
	}

	_, cached, err = r.GetUser(ctx, "did:plc:alice")
	if err != nil {
		t.Fatalf("GetUser (cached): %v", err)
	}
	if !cached {
		t.Fatal("expected second GetUser call to be cached")
	}
}

func TestGetUserDiscardsMismatchedHandle(t *testing.T) {
	dir := newFakeDirectory()
	// alice's DID document claims "alice.bsky.social", but that handle
	// actually resolves to a different DID: the claim doesn't verify.
	dir.didByHandle["alice.bsky.social"] = "did:plc:someone-else"
	dir.pdsByDID["did:plc:alice"] = "https://pds.example"

	r := New(dir)
	u, _, err := r.GetUser(context.Background(), "did:plc:alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got := u.Handle(); got != "" {
		t.Fatalf("handle = %q, want empty (unverified)", got)
	}
}

func TestGetUserOnlyInsertsOnce(t *testing.T) {
	dir := newFakeDirectory()
	dir.pdsByDID["did:plc:alice"] = "https://pds.example"

	r := New(dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	users := make([]*User, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, _, err := r.GetUser(ctx, "did:plc:alice")
			if err != nil {
				t.Errorf("GetUser: %v", err)
				return
			}
			users[i] = u
		}()
	}
	wg.Wait()

	for i := 1; i < len(users); i++ {
		if users[i] != users[0] {
			t.Fatal("GetUser returned distinct User pointers for the same DID (I1 violated)")
		}
	}
}

func TestResolveChannelParsesAndListsSiblings(t *testing.T) {
	dir := newFakeDirectory()
	dir.didByHandle["alice.bsky.social"] = "did:plc:alice"
	dir.pdsByDID["did:plc:alice"] = "https://pds.example"
	dir.rooms["did:plc:alice"] = []atp.RoomRecord{
		{RKey: "rkey1", Room: atp.Room{Name: "general"}},
		{RKey: "rkey2", Room: atp.Room{Name: "random"}},
	}

	r := New(dir)
	c, err := r.ResolveChannel(context.Background(), "#general@alice.bsky.social")
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if c == nil {
		t.Fatal("expected a channel, got nil")
	}
	if c.Name() != "#general@alice.bsky.social" {
		t.Fatalf("name = %q", c.Name())
	}

	// The sibling room should have been populated too, without a second
	// directory round trip.
	sibling, err := r.ResolveChannel(context.Background(), "#random@alice.bsky.social")
	if err != nil {
		t.Fatalf("ResolveChannel (sibling): %v", err)
	}
	if sibling == nil {
		t.Fatal("expected sibling channel to have been populated")
	}
}

func TestResolveChannelFailsClosedOnBadShape(t *testing.T) {
	r := New(newFakeDirectory())
	c, err := r.ResolveChannel(context.Background(), "not-a-channel")
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if c != nil {
		t.Fatal("expected nil channel for malformed name")
	}
}

func TestApplyMessageJoinsOnFirstSight(t *testing.T) {
	dir := newFakeDirectory()
	dir.pdsByDID["did:plc:bob"] = "https://pds.example"

	r := New(dir)
	ctx := context.Background()
	uri := "at://did:plc:alice/social.psky.chat.room/rkey1"
	c := r.upsertChannel(uri, "#general@alice.bsky.social", atp.Room{Name: "general"})

	sub := c.Bus.Subscribe()
	defer sub.Unsubscribe()

	events := r.ApplyMessage(ctx, "did:plc:bob", uri, atp.MessageRecord{Room: uri, Content: "hi"})
	if len(events) != 2 {
		t.Fatalf("expected Join+Message, got %d events", len(events))
	}
	if _, ok := events[0].(JoinEvent); !ok {
		t.Fatalf("expected first event to be a JoinEvent, got %T", events[0])
	}
	if _, ok := events[1].(MessageEvent); !ok {
		t.Fatalf("expected second event to be a MessageEvent, got %T", events[1])
	}
	if !c.HasMember("did:plc:bob") {
		t.Fatal("expected bob to be a member after his first message (I4)")
	}

	// A second message from the same sender must not re-join.
	events = r.ApplyMessage(ctx, "did:plc:bob", uri, atp.MessageRecord{Room: uri, Content: "again"})
	if len(events) != 1 {
		t.Fatalf("expected only a MessageEvent on the second message, got %d events", len(events))
	}
}
