package ircsky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goeo-/ircsky/atp"
	"github.com/goeo-/ircsky/registry"
	"github.com/goeo-/ircsky/xirc"
)

const jetstreamReadTimeout = 30 * time.Second

var jetstreamCollections = []string{
	"social.psky.chat.message",
	"social.psky.actor.profile",
	"social.psky.chat.room",
}

// jetstreamEvent is the wire shape of one jetstream frame: a commit,
// identity, or account event, discriminated by Kind (spec.md §4.2, §6).
type jetstreamEvent struct {
	DID      string           `json:"did"`
	TimeUS   int64            `json:"time_us"`
	Kind     string           `json:"kind"`
	Commit   *jetstreamCommit `json:"commit,omitempty"`
	Identity *jetstreamIdentity `json:"identity,omitempty"`
}

type jetstreamIdentity struct {
	Handle string `json:"handle"`
}

type jetstreamCommit struct {
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// Ingestor is the single process-wide task holding the jetstream websocket
// (spec.md §4.2, component 3). It applies every decoded event through the
// Registry, which handles fanout itself.
type Ingestor struct {
	Host     string
	Port     int
	Registry *registry.Registry
	Logger   Logger

	lastTimeUS int64
}

// Run loops forever, reconnecting immediately (no backoff) on any read error
// or timeout, until ctx is canceled.
func (ig *Ingestor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := ig.runConn(ctx); err != nil {
			ig.Logger.Printf("jetstream: %v", err)
		}
	}
}

func (ig *Ingestor) subscribeURL() string {
	u := url.URL{Scheme: "wss", Host: fmt.Sprintf("%s:%d", ig.Host, ig.Port), Path: "/subscribe"}
	q := u.Query()
	for _, c := range jetstreamCollections {
		q.Add("wantedCollections", c)
	}
	if ig.lastTimeUS > 0 {
		q.Set("cursor", fmt.Sprintf("%d", ig.lastTimeUS))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// runConn holds one websocket connection open until it fails, decoding and
// dispatching every text frame as it arrives.
func (ig *Ingestor) runConn(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ig.subscribeURL(), nil)
	if err != nil {
		return &xirc.IngestError{Err: fmt.Errorf("dial: %w", err)}
	}
	defer conn.Close()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(jetstreamReadTimeout)); err != nil {
			return &xirc.IngestError{Err: err}
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return &xirc.IngestError{Err: fmt.Errorf("read: %w", err)}
		}

		switch msgType {
		case websocket.TextMessage:
			var ev jetstreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				ig.Logger.Printf("jetstream: malformed event: %v", err)
				continue
			}
			ig.dispatch(ctx, &ev)
			ig.lastTimeUS = ev.TimeUS
		case websocket.CloseMessage:
			return &xirc.IngestError{Err: fmt.Errorf("server closed connection")}
		default:
			// ping/pong and binary frames are not used by jetstream; ignored.
		}
	}
}

// dispatch applies one decoded event to the Registry, keyed on kind and
// (for commits) collection (spec.md §4.2's event-dispatch table).
func (ig *Ingestor) dispatch(ctx context.Context, ev *jetstreamEvent) {
	switch ev.Kind {
	case "identity":
		if ev.Identity != nil {
			ig.Registry.ApplyIdentity(ev.DID, ev.Identity.Handle)
		}

	case "commit":
		if ev.Commit == nil {
			return
		}
		switch ev.Commit.Collection {
		case "social.psky.actor.profile":
			var profile atp.Profile
			if ev.Commit.Record != nil {
				if err := json.Unmarshal(ev.Commit.Record, &profile); err != nil {
					return // invalid profile record tolerated, per spec.md §4.2
				}
				ig.Registry.ApplyProfile(ev.DID, &profile)
			}

		case "social.psky.chat.room":
			var room atp.Room
			if ev.Commit.Record == nil {
				return
			}
			if err := json.Unmarshal(ev.Commit.Record, &room); err != nil {
				ig.Logger.Printf("jetstream: malformed room record from %s: %v", ev.DID, err)
				return
			}
			ig.Registry.ApplyRoom(ev.DID, ev.Commit.RKey, room)

		case "social.psky.chat.message":
			var record atp.MessageRecord
			if ev.Commit.Record == nil {
				return
			}
			if err := json.Unmarshal(ev.Commit.Record, &record); err != nil {
				ig.Logger.Printf("jetstream: malformed message record from %s: %v", ev.DID, err)
				return
			}
			ig.Registry.ApplyMessage(ctx, ev.DID, record.Room, record)
		}
	}
}
