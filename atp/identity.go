package atp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/xrpc"
)

const (
	defaultBskyAppView = "https://public.api.bsky.app"
	plcDirectoryHost   = "https://plc.directory"
)

// Client is the bridge's handle to the upstream federated network. It holds
// no per-user state: every method takes whatever endpoint it needs and
// returns a plain value, so it can be shared read-only across every session
// and the ingestor (spec.md §2.1: "No shared state").
type Client struct {
	HTTP *http.Client

	// appView is used for resolveHandle lookups, which are served by the
	// App View rather than by individual PDSes.
	appView *xrpc.Client
}

// NewClient builds a Client using the public App View for handle resolution.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		HTTP:    httpClient,
		appView: &xrpc.Client{Client: httpClient, Host: defaultBskyAppView},
	}
}

type resolveHandleOutput struct {
	DID string `json:"did"`
}

// ResolveHandle implements com.atproto.identity.resolveHandle (spec.md §6).
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var out resolveHandleOutput
	params := map[string]interface{}{"handle": handle}
	if err := c.appView.Do(ctx, xrpc.Query, "", "com.atproto.identity.resolveHandle", params, nil, &out); err != nil {
		return "", fmt.Errorf("resolveHandle %q: %w", handle, err)
	}
	if out.DID == "" {
		return "", fmt.Errorf("resolveHandle %q: empty did in response", handle)
	}
	return out.DID, nil
}

// GetDIDDocument fetches the DID document for did, dispatching on its
// method (did:plc vs did:web) as described in spec.md §6.
func (c *Client) GetDIDDocument(ctx context.Context, did string) (*DIDDocument, error) {
	var url string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		url = plcDirectoryHost + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		host = strings.ReplaceAll(host, ":", "/") // did:web path-encoding, rare in practice
		url = "https://" + host + "/.well-known/did.json"
	default:
		return nil, fmt.Errorf("unsupported DID method: %q", did)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching DID document for %s: %w", did, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching DID document for %s: status %d", did, resp.StatusCode)
	}

	var doc DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding DID document for %s: %w", did, err)
	}
	return &doc, nil
}

// GetPDS resolves a DID straight to its PDS endpoint, combining
// GetDIDDocument with PDSEndpoint for callers that don't need the full
// document.
func (c *Client) GetPDS(ctx context.Context, did string) (string, error) {
	doc, err := c.GetDIDDocument(ctx, did)
	if err != nil {
		return "", err
	}
	return doc.PDSEndpoint()
}

type authProtectedResourceOutput struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// GetAuthEndpoint fetches the PDS's OAuth protected-resource document and
// returns its first authorization server, per spec.md §6.
func (c *Client) GetAuthEndpoint(ctx context.Context, pds string) (string, error) {
	url := strings.TrimRight(pds, "/") + "/.well-known/oauth-protected-resource"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching auth endpoint for %s: %w", pds, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching auth endpoint for %s: status %d", pds, resp.StatusCode)
	}

	var out authProtectedResourceOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding auth endpoint document for %s: %w", pds, err)
	}
	if len(out.AuthorizationServers) == 0 {
		return "", fmt.Errorf("no authorization_servers advertised by %s", pds)
	}
	return out.AuthorizationServers[0], nil
}
