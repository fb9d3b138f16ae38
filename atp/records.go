package atp

import (
	"context"
	"fmt"

	"github.com/bluesky-social/indigo/xrpc"
)

const (
	collectionProfile = "social.psky.actor.profile"
	collectionRoom    = "social.psky.chat.room"
	collectionMessage = "social.psky.chat.message"
)

func pdsClient(httpClientOf *Client, pds string) *xrpc.Client {
	return &xrpc.Client{Client: httpClientOf.HTTP, Host: pds}
}

type getRecordOutput struct {
	URI   string      `json:"uri"`
	CID   string      `json:"cid"`
	Value interface{} `json:"value"`
}

// GetProfile fetches the social.psky.actor.profile/self record for repo on
// pds. A missing or malformed profile is tolerated: (nil, nil) is returned,
// per spec.md §4.1 step 4.
func (c *Client) GetProfile(ctx context.Context, pds, repo string) (*Profile, error) {
	xc := pdsClient(c, pds)
	params := map[string]interface{}{
		"repo":       repo,
		"collection": collectionProfile,
		"rkey":       "self",
	}
	var out struct {
		Value Profile `json:"value"`
	}
	if err := xc.Do(ctx, xrpc.Query, "", "com.atproto.repo.getRecord", params, nil, &out); err != nil {
		return nil, nil // tolerated: spec.md requires a missing/invalid profile not be fatal
	}
	return &out.Value, nil
}

type listRecordsOutput struct {
	Cursor  string `json:"cursor"`
	Records []struct {
		URI   string `json:"uri"`
		CID   string `json:"cid"`
		Value Room   `json:"value"`
	} `json:"records"`
}

// ListRooms lists every social.psky.chat.room record in repo's repository on
// pds, following cursors until exhausted, per spec.md §4.1's resolve_channel
// step.
func (c *Client) ListRooms(ctx context.Context, pds, repo string) ([]RoomRecord, error) {
	xc := pdsClient(c, pds)
	var rooms []RoomRecord
	cursor := ""
	for {
		params := map[string]interface{}{
			"repo":       repo,
			"collection": collectionRoom,
			"limit":      100,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var out listRecordsOutput
		if err := xc.Do(ctx, xrpc.Query, "", "com.atproto.repo.listRecords", params, nil, &out); err != nil {
			return nil, fmt.Errorf("listRecords %s on %s: %w", collectionRoom, pds, err)
		}
		for _, rec := range out.Records {
			rooms = append(rooms, RoomRecord{RKey: rkeyOf(rec.URI), Room: rec.Value})
		}
		if out.Cursor == "" || len(out.Records) == 0 {
			break
		}
		cursor = out.Cursor
	}
	return rooms, nil
}

// rkeyOf extracts the trailing path segment of an at:// URI.
func rkeyOf(uri string) string {
	for i := len(uri) - 1; i >= 0; i-- {
		if uri[i] == '/' {
			return uri[i+1:]
		}
	}
	return uri
}

type createRecordInput struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	Record     interface{} `json:"record"`
	Validate   bool        `json:"validate"`
}

type createRecordOutput struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// CreateMessage writes a social.psky.chat.message record to repo's
// repository on pds, authenticated with accessJwt, per spec.md §4.4.5:
// validate=false, no swap-commit.
func (c *Client) CreateMessage(ctx context.Context, pds, repo, accessJwt string, msg MessageRecord) error {
	xc := pdsClient(c, pds)
	xc.Auth = &xrpc.AuthInfo{AccessJwt: accessJwt, Did: repo}

	in := createRecordInput{
		Repo:       repo,
		Collection: collectionMessage,
		Record:     msg,
		Validate:   false,
	}
	var out createRecordOutput
	if err := xc.Do(ctx, xrpc.Procedure, "application/json", "com.atproto.repo.createRecord", nil, in, &out); err != nil {
		return fmt.Errorf("createRecord %s on %s: %w", collectionMessage, pds, err)
	}
	return nil
}

type createSessionInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type createSessionOutput struct {
	DID        string `json:"did"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// Login performs a password-grant login against authEndpoint, per spec.md
// §4.4.1's PASS(p) -> LOGGED_IN transition.
func (c *Client) Login(ctx context.Context, authEndpoint, identifier, password string) (*Session, error) {
	xc := &xrpc.Client{Client: c.HTTP, Host: authEndpoint}

	in := createSessionInput{Identifier: identifier, Password: password}
	var out createSessionOutput
	if err := xc.Do(ctx, xrpc.Procedure, "application/json", "com.atproto.server.createSession", nil, in, &out); err != nil {
		return nil, fmt.Errorf("login %q: %w", identifier, err)
	}
	return &Session{DID: out.DID, AccessJwt: out.AccessJwt, RefreshJwt: out.RefreshJwt}, nil
}
