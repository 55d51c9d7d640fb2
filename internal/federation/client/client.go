package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/sigs"
)

// Client is the federation HTTP client for one local server identity,
// pooling one *http.Client per destination and pacing outbound sends
// through a TokenBucket.
type Client struct {
	localHost  string
	signingKey *sigs.KeyPair
	logger     Logger
	discovery  *ServerDiscovery

	insecureSkipVerify bool // test-only: talk to self-signed peers in integration tests

	rateLimitConfig RateLimitConfig

	mu       sync.Mutex
	peers    map[string]*http.Client
	limiters map[string]*TokenBucket
}

// NewClient creates a federation client signing requests as localHost with
// signingKey.
func NewClient(localHost string, signingKey *sigs.KeyPair, discovery *ServerDiscovery, logger Logger) *Client {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &Client{
		localHost:       localHost,
		signingKey:      signingKey,
		logger:          logger,
		discovery:       discovery,
		rateLimitConfig: DefaultRateLimitConfig(),
		peers:           make(map[string]*http.Client),
		limiters:        make(map[string]*TokenBucket),
	}
}

// WithInsecureSkipVerify disables TLS certificate verification, for use
// only against the testcontainers-based integration harness.
func (c *Client) WithInsecureSkipVerify() *Client {
	c.insecureSkipVerify = true
	return c
}

func (c *Client) httpClientFor(destination string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	hc, ok := c.peers[destination]
	if ok {
		return hc
	}
	hc = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: c.insecureSkipVerify}, //nolint:gosec
			MaxIdleConnsPerHost: 4,
		},
	}
	c.peers[destination] = hc
	return hc
}

func (c *Client) limiterFor(destination string) *TokenBucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	tb, ok := c.limiters[destination]
	if ok {
		return tb
	}
	tb = NewTokenBucket(c.rateLimitConfig.Send)
	c.limiters[destination] = tb
	return tb
}

// baseURL resolves destination to a connectable https:// base URL.
func (c *Client) baseURL(ctx context.Context, destination string) (string, error) {
	dest, err := c.discovery.Resolve(ctx, destination)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s", net.JoinHostPort(dest.Host, strconv.Itoa(dest.Port))), nil
}

// do performs a signed federation request. path is the request-target URI
// (including query string) that is both dialed and included in the signed
// envelope.
func (c *Client) do(ctx context.Context, method, destination, path string, body any) ([]byte, int, error) {
	if c.rateLimitConfig.Enabled {
		if err := c.limiterFor(destination).Wait(ctx); err != nil {
			return nil, 0, errors.Wrap(err, "client: rate limited")
		}
	}

	base, err := c.baseURL(ctx, destination)
	if err != nil {
		return nil, 0, err
	}

	var bodyBytes []byte
	var signContent any
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, 0, errors.Wrap(err, "client: marshal request body")
		}
		signContent = body
	}

	authHeader, err := signRequest(method, path, c.localHost, destination, signContent, c.signingKey)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, 0, errors.Wrap(err, "client: build request")
	}
	req.Header.Set("Authorization", authHeader)
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClientFor(destination).Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "client: request to %s failed", destination)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, 0, errors.Wrap(err, "client: read response body")
	}

	if resp.StatusCode >= 300 {
		return respBody, resp.StatusCode, parseMatrixError(resp.StatusCode, respBody)
	}
	return respBody, resp.StatusCode, nil
}

// Version hits /_matrix/federation/v1/version for handshake/liveness.
func (c *Client) Version(ctx context.Context, destination string) (map[string]any, error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/version")
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "client: decode version response")
	}
	return out, nil
}

// Transaction is the PDU batch body sent to PUT
// /_matrix/federation/v1/send/{txnid}.
type Transaction struct {
	Origin         string           `json:"origin"`
	OriginServerTS int64            `json:"origin_server_ts"`
	PDUs           []*event.Event   `json:"pdus"`
	EDUs           []map[string]any `json:"edus,omitempty"`
}

// Send PUTs a transaction of PDUs to destination, generating a fresh
// transaction id.
func (c *Client) Send(ctx context.Context, destination string, pdus []*event.Event) error {
	txnID := uuid.NewString()
	path, err := BuildSecureURL("/_matrix/federation/v1/send/", txnID)
	if err != nil {
		return err
	}
	txn := Transaction{Origin: c.localHost, OriginServerTS: time.Now().UnixMilli(), PDUs: pdus}
	_, _, err = c.do(ctx, http.MethodPut, destination, path, txn)
	return err
}

// FetchEvent GETs /_matrix/federation/v1/event/{event_id}, satisfying
// internal/vm.Fetcher.
func (c *Client) FetchEvent(ctx context.Context, roomID, eventID string) (*event.Event, error) {
	destination := event.Host(eventID)
	path, err := BuildSecureURL("/_matrix/federation/v1/event/", eventID)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Origin         string         `json:"origin"`
		OriginServerTS int64          `json:"origin_server_ts"`
		PDUs           []*event.Event `json:"pdus"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "client: decode event response")
	}
	if len(resp.PDUs) == 0 {
		return nil, errors.Errorf("client: event response for %s had no pdus", eventID)
	}
	return resp.PDUs[0], nil
}

// EventAuth GETs /_matrix/federation/v1/event_auth/{room_id}/{event_id}.
func (c *Client) EventAuth(ctx context.Context, destination, roomID, eventID string) ([]*event.Event, error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/event_auth/", roomID, eventID)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		AuthChain []*event.Event `json:"auth_chain"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "client: decode event_auth response")
	}
	return resp.AuthChain, nil
}

// State GETs /_matrix/federation/v1/state/{room_id}?event_id=...
func (c *Client) State(ctx context.Context, destination, roomID, eventID string) (pdus, authChain []*event.Event, err error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/state/", roomID)
	if err != nil {
		return nil, nil, err
	}
	path += "?event_id=" + url.QueryEscape(eventID)
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, nil, err
	}
	var resp struct {
		PDUs      []*event.Event `json:"pdus"`
		AuthChain []*event.Event `json:"auth_chain"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, errors.Wrap(err, "client: decode state response")
	}
	return resp.PDUs, resp.AuthChain, nil
}

// StateIDs GETs /_matrix/federation/v1/state_ids/{room_id}?event_id=...
func (c *Client) StateIDs(ctx context.Context, destination, roomID, eventID string) (eventIDs, authChainIDs []string, err error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/state_ids/", roomID)
	if err != nil {
		return nil, nil, err
	}
	path += "?event_id=" + url.QueryEscape(eventID)
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, nil, err
	}
	var resp struct {
		PDUIDs    []string `json:"pdu_ids"`
		AuthChain []string `json:"auth_chain_ids"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, errors.Wrap(err, "client: decode state_ids response")
	}
	return resp.PDUIDs, resp.AuthChain, nil
}

// Backfill GETs /_matrix/federation/v1/backfill/{room_id}?v=...&limit=...
func (c *Client) Backfill(ctx context.Context, destination, roomID string, earliest []string, limit int) ([]*event.Event, error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/backfill/", roomID)
	if err != nil {
		return nil, err
	}
	path += fmt.Sprintf("?limit=%d", limit)
	for _, id := range earliest {
		path += "&v=" + url.QueryEscape(id)
	}
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		PDUs []*event.Event `json:"pdus"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "client: decode backfill response")
	}
	return resp.PDUs, nil
}

// MakeJoin GETs /_matrix/federation/v1/make_join/{room_id}/{user_id}.
func (c *Client) MakeJoin(ctx context.Context, destination, roomID, userID string) (*event.Event, error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/make_join/", roomID, userID)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Event *event.Event `json:"event"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "client: decode make_join response")
	}
	return resp.Event, nil
}

// SendJoin PUTs /_matrix/federation/v1/send_join/{room_id}/{event_id}.
func (c *Client) SendJoin(ctx context.Context, destination, roomID, eventID string, joinEvent *event.Event) (state, authChain []*event.Event, err error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/send_join/", roomID, eventID)
	if err != nil {
		return nil, nil, err
	}
	body, _, err := c.do(ctx, http.MethodPut, destination, path, joinEvent)
	if err != nil {
		return nil, nil, err
	}
	var resp struct {
		State     []*event.Event `json:"state"`
		AuthChain []*event.Event `json:"auth_chain"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, errors.Wrap(err, "client: decode send_join response")
	}
	return resp.State, resp.AuthChain, nil
}

// Invite PUTs /_matrix/federation/v1/invite/{room_id}/{event_id}.
func (c *Client) Invite(ctx context.Context, destination, roomID, eventID string, inviteEvent *event.Event) (*event.Event, error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/invite/", roomID, eventID)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, http.MethodPut, destination, path, inviteEvent)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Event *event.Event `json:"event"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "client: decode invite response")
	}
	return resp.Event, nil
}

// QueryDirectory GETs /_matrix/federation/v1/query/directory?room_alias=...
func (c *Client) QueryDirectory(ctx context.Context, destination, roomAlias string) (roomID string, servers []string, err error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/query/directory")
	if err != nil {
		return "", nil, err
	}
	path += "?room_alias=" + url.QueryEscape(roomAlias)
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return "", nil, err
	}
	var resp struct {
		RoomID  string   `json:"room_id"`
		Servers []string `json:"servers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, errors.Wrap(err, "client: decode directory response")
	}
	return resp.RoomID, resp.Servers, nil
}

// QueryProfile GETs /_matrix/federation/v1/query/profile?user_id=...
func (c *Client) QueryProfile(ctx context.Context, destination, userID string) (map[string]any, error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/query/profile")
	if err != nil {
		return nil, err
	}
	path += "?user_id=" + url.QueryEscape(userID)
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "client: decode profile response")
	}
	return out, nil
}

// UserDevices GETs /_matrix/federation/v1/user/devices/{user_id}.
func (c *Client) UserDevices(ctx context.Context, destination, userID string) (map[string]any, error) {
	path, err := BuildSecureURL("/_matrix/federation/v1/user/devices/", userID)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "client: decode user devices response")
	}
	return out, nil
}

// QueryKeys POSTs /_matrix/key/v2/query to fetch other servers' signing
// keys, satisfying KeyCache's miss path.
func (c *Client) QueryKeys(ctx context.Context, destination, serverName string) (map[string]ServerKeyResponse, error) {
	path := "/_matrix/key/v2/query"
	reqBody := map[string]any{
		"server_keys": map[string]any{serverName: map[string]any{}},
	}
	body, _, err := c.do(ctx, http.MethodPost, destination, path, reqBody)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ServerKeys []ServerKeyResponse `json:"server_keys"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "client: decode key query response")
	}
	out := make(map[string]ServerKeyResponse, len(resp.ServerKeys))
	for _, sk := range resp.ServerKeys {
		out[sk.ServerName] = sk
	}
	return out, nil
}
