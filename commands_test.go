package ircsky

import (
	"strings"
	"testing"

	"github.com/goeo-/ircsky/atp"
)

func testServerWithRoom() *Server {
	srv := testServer()
	dir := srv.Registry.Directory.(*fakeDirectory)
	dir.mu.Lock()
	dir.didByHandle = map[string]string{"owner.test": "did:plc:owner"}
	dir.pdsByDID = map[string]string{"did:plc:owner": "https://pds.example"}
	dir.rooms = map[string][]atp.RoomRecord{
		"did:plc:owner": {{RKey: "rkey1", Room: atp.Room{Name: "general", Topic: "say hi"}}},
	}
	dir.mu.Unlock()
	return srv
}

// TestJoinResolvesChannelAndSendsTopicAndNames covers spec.md §4.4.3's JOIN
// ordering: JOIN line, then TOPIC (since one is set), then NAMES.
func TestJoinResolvesChannelAndSendsTopicAndNames(t *testing.T) {
	srv := testServerWithRoom()
	client, r, _ := startTestSession(t, srv)
	defer client.Close()

	writeLine(t, client, "NICK guest1")
	readLine(t, r) // NOTICE
	for i := 0; i < 5; i++ {
		readLine(t, r) // 001-005
	}
	readLine(t, r) // 375
	readLine(t, r) // 372
	readLine(t, r) // 376

	writeLine(t, client, "JOIN #general@owner.test")

	join := readLine(t, r)
	if !strings.Contains(join, "JOIN") || !strings.Contains(join, "#general@owner.test") {
		t.Fatalf("expected a JOIN echo, got %q", join)
	}
	topic := readLine(t, r)
	if !strings.Contains(topic, " 332 ") || !strings.Contains(topic, "say hi") {
		t.Fatalf("expected RPL_TOPIC with the room's topic, got %q", topic)
	}
	names := readLine(t, r)
	if !strings.Contains(names, " 353 ") {
		t.Fatalf("expected RPL_NAMREPLY, got %q", names)
	}
	endOfNames := readLine(t, r)
	if !strings.Contains(endOfNames, " 366 ") {
		t.Fatalf("expected RPL_ENDOFNAMES, got %q", endOfNames)
	}
}

// TestJoinUnknownChannelFailsClosed covers spec.md §4.4.3's 403 on a channel
// that can never resolve (scenario 4).
func TestJoinUnknownChannelFailsClosed(t *testing.T) {
	srv := testServer()
	client, r, _ := startTestSession(t, srv)
	defer client.Close()

	writeLine(t, client, "NICK guest1")
	readLine(t, r) // NOTICE
	for i := 0; i < 5; i++ {
		readLine(t, r) // 001-005
	}
	readLine(t, r) // 375
	readLine(t, r) // 372
	readLine(t, r) // 376

	writeLine(t, client, "JOIN #nope@nowhere.test")
	line := readLine(t, r)
	if !strings.Contains(line, " 403 ") {
		t.Fatalf("expected ERR_NOSUCHCHANNEL, got %q", line)
	}
}

// TestPartRemovesSubscription covers spec.md §4.4.4.
func TestPartRemovesSubscription(t *testing.T) {
	srv := testServerWithRoom()
	client, r, _ := startTestSession(t, srv)
	defer client.Close()

	writeLine(t, client, "NICK guest1")
	readLine(t, r) // NOTICE
	for i := 0; i < 5; i++ {
		readLine(t, r)
	}
	readLine(t, r) // 375
	readLine(t, r) // 372
	readLine(t, r) // 376

	writeLine(t, client, "JOIN #general@owner.test")
	readLine(t, r) // JOIN
	readLine(t, r) // TOPIC
	readLine(t, r) // NAMES
	readLine(t, r) // ENDOFNAMES

	writeLine(t, client, "PART #general@owner.test")
	part := readLine(t, r)
	if !strings.Contains(part, "PART") {
		t.Fatalf("expected a PART echo, got %q", part)
	}

	// Parting again reports "not on channel".
	writeLine(t, client, "PART #general@owner.test")
	line := readLine(t, r)
	if !strings.Contains(line, " 442 ") {
		t.Fatalf("expected ERR_NOTONCHANNEL on a repeat PART, got %q", line)
	}
}
