package ircsky

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
)

// loginTestSession fabricates an already-logged-in session for a DID/handle
// pair seeded into dir, bypassing login()'s PASS/AT-Proto round trip (which
// needs the real network via Server.Directory, a concrete *atp.Client with
// no test seam). Fields are set before the run() goroutine starts, so there
// is no data race with the session loop.
func loginTestSession(t *testing.T, srv *Server, dir *fakeDirectory, did, handle, pds string, caps ...string) (*Session, net.Conn, *bufio.Reader) {
	t.Helper()
	dir.mu.Lock()
	if dir.pdsByDID == nil {
		dir.pdsByDID = map[string]string{}
	}
	if dir.didByHandle == nil {
		dir.didByHandle = map[string]string{}
	}
	dir.pdsByDID[did] = pds
	dir.didByHandle[handle] = did
	dir.mu.Unlock()

	u, _, err := srv.Registry.GetUser(context.Background(), did)
	if err != nil {
		t.Fatalf("GetUser(%s): %v", did, err)
	}
	u.SetHandle(handle)

	client, server := net.Pipe()
	sess := newSession(srv, server)
	sess.nick = handle
	sess.did = did
	sess.pds = pds
	sess.user = u
	sess.state = userStateLoggedIn
	for _, c := range caps {
		sess.capSet[c] = true
	}
	outbox := u.EnsureOutbox()
	sess.subs = append(sess.subs, &subscription{name: "dm", sub: outbox.Subscribe()})

	done := make(chan error, 1)
	go func() { done <- sess.run() }()
	return sess, client, bufio.NewReader(client)
}

// TestPrivmsgUserEchoesSelfWhenCapEnabled covers R1: a DM's copy into the
// sender's own outbox only renders back to them once echo-message is ACKed.
func TestPrivmsgUserEchoesSelfWhenCapEnabled(t *testing.T) {
	srv := testServer()
	dir := srv.Registry.Directory.(*fakeDirectory)
	_, client, r := loginTestSession(t, srv, dir, "did:plc:alice", "alice.test", "https://pds.example", "echo-message")
	defer client.Close()

	dir.mu.Lock()
	dir.didByHandle["bob.test"] = "did:plc:bob"
	dir.pdsByDID["did:plc:bob"] = "https://pds.example"
	dir.mu.Unlock()
	// privmsgUser only publishes to a recipient with a live outbox, so seed
	// bob as if he had once logged in and subscribed (the DM path never
	// creates an outbox on demand -- see registry.User.Outbox).
	bob, _, err := srv.Registry.GetUser(context.Background(), "did:plc:bob")
	if err != nil {
		t.Fatalf("GetUser(bob): %v", err)
	}
	bob.EnsureOutbox()

	writeLine(t, client, "PRIVMSG bob.test :hello there")

	echo := readLine(t, r)
	if !strings.Contains(echo, "PRIVMSG") || !strings.Contains(echo, "hello there") {
		t.Fatalf("expected the sender's own message echoed back, got %q", echo)
	}
}

// TestJoinThenPartIsNetZeroMembership covers R2: a channel's membership
// count after JOIN-then-PART by the same user matches its count before
// either happened.
func TestJoinThenPartIsNetZeroMembership(t *testing.T) {
	srv := testServerWithRoom()
	dir := srv.Registry.Directory.(*fakeDirectory)
	_, client, r := loginTestSession(t, srv, dir, "did:plc:carol", "carol.test", "https://pds.example")
	defer client.Close()

	ch, err := srv.Registry.ResolveChannel(context.Background(), "#general@owner.test")
	if err != nil || ch == nil {
		t.Fatalf("resolve channel: %v", err)
	}
	before := ch.MemberCount()

	writeLine(t, client, "JOIN #general@owner.test")
	readLine(t, r) // JOIN
	readLine(t, r) // TOPIC
	readLine(t, r) // NAMES
	readLine(t, r) // ENDOFNAMES

	if got := ch.MemberCount(); got != before+1 {
		t.Fatalf("expected membership to grow by one after JOIN, got %d (was %d)", got, before)
	}

	writeLine(t, client, "PART #general@owner.test")
	readLine(t, r) // PART

	if got := ch.MemberCount(); got != before {
		t.Fatalf("expected membership to return to %d after PART, got %d", before, got)
	}
}

// TestCapListMatchesAckedSet covers I6: CAP LIST reports exactly the set of
// capabilities this connection ACKed, nothing more.
func TestCapListMatchesAckedSet(t *testing.T) {
	srv := testServer()
	client, r, _ := startTestSession(t, srv)
	defer client.Close()

	writeLine(t, client, "CAP LS 302")
	readLine(t, r) // CAP * LS

	writeLine(t, client, "CAP REQ :echo-message")
	readLine(t, r) // CAP * ACK

	writeLine(t, client, "CAP END")

	writeLine(t, client, "CAP LIST")
	line := readLine(t, r)
	if !strings.Contains(line, "CAP") || !strings.Contains(line, "LIST") || !strings.Contains(line, "echo-message") {
		t.Fatalf("expected CAP LIST to report echo-message, got %q", line)
	}
	if strings.Count(line, "echo-message") != 1 {
		t.Fatalf("expected exactly the ACKed set with no duplicates, got %q", line)
	}
}
