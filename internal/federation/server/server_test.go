package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/construct-io/constructd/internal/canonicaljson"
	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/eventdb"
	"github.com/construct-io/constructd/internal/eventdb/memdb"
	"github.com/construct-io/constructd/internal/federation/client"
	fedserver "github.com/construct-io/constructd/internal/federation/server"
	"github.com/construct-io/constructd/internal/sigs"
	"github.com/construct-io/constructd/internal/vm"
)

// noopFanout satisfies vm.Fanout without sending anything anywhere,
// matching internal/vm's own test helper of the same shape.
type noopFanout struct{}

func (noopFanout) SendToOrigins(context.Context, string, *event.Event) error { return nil }

// newTestServer wires a federation/server.Server against an in-memory
// event store and VM, grounded on internal/vm's newTestVM helper.
func newTestServer(t *testing.T) (*httptest.Server, *vm.VM, *sigs.KeyPair) {
	t.Helper()
	signingKey, err := sigs.GenerateKeyPair("ed25519:1")
	require.NoError(t, err)

	db := memdb.New()
	store := eventdb.Open(db)
	rooms := vm.NewDefaultRoomView(store, db)

	discovery := client.NewServerDiscovery(client.NewNoopLogger(), nil)
	fedClient := client.NewClient("localhost.example", signingKey, discovery, client.NewNoopLogger())
	fedClient.WithInsecureSkipVerify()
	keyCache := client.NewKeyCache(fedClient)

	machine := &vm.VM{
		Store:      store,
		Rooms:      rooms,
		Keys:       keyCache,
		Fanout:     noopFanout{},
		LocalHost:  "localhost.example",
		SigningKey: signingKey,
	}

	cfg := fedserver.DefaultConfig("localhost.example")
	srv := fedserver.New(cfg, store, machine, rooms, nil, keyCache, signingKey, nil)
	return httptest.NewServer(srv), machine, signingKey
}

// newTestPeer starts a TLS server acting as a remote Matrix server,
// serving its own key/v2/query endpoint so this process's KeyCache can
// resolve the peer's verify key, following the newTestClient pattern in
// internal/federation/client's test suite: the peer's "server name" is set
// to its own host:port so ServerDiscovery's literal-host:port fast path
// resolves it without touching real DNS.
func newTestPeer(t *testing.T) (*httptest.Server, *sigs.KeyPair, string) {
	t.Helper()
	peerKey, err := sigs.GenerateKeyPair("ed25519:peer")
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewTLSServer(mux)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	origin := u.Hostname() + ":" + u.Port()

	mux.HandleFunc("/_matrix/key/v2/query", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"server_keys": []map[string]any{
				{
					"server_name":    origin,
					"valid_until_ts": 99999999999999,
					"verify_keys": map[string]any{
						peerKey.KeyID: map[string]string{"key": sigs.EncodePublicKey(peerKey.Public)},
					},
					"signatures": map[string]any{},
				},
			},
		})
	})
	return srv, peerKey, origin
}

// signXMatrix builds the Authorization header value an origin server would
// attach to a federation request, replicating the envelope
// internal/federation/server's verifyEnvelope recomputes on the receiving
// side (method, uri, origin, destination, content).
func signXMatrix(t *testing.T, kp *sigs.KeyPair, origin, destination, method, uri string, body []byte) string {
	t.Helper()
	env := map[string]any{
		"method":      method,
		"uri":         uri,
		"origin":      origin,
		"destination": destination,
	}
	if len(body) > 0 {
		var content any
		require.NoError(t, json.Unmarshal(body, &content))
		env["content"] = content
	}
	canon, err := canonicaljson.Marshal(env)
	require.NoError(t, err)
	sig := kp.Sign(canon)
	return "X-Matrix origin=" + origin + ",key=\"" + kp.KeyID + "\",sig=\"" + sigs.B64Unpadded(sig) + "\""
}

// TestHandleVersionIsUnauthenticated checks the version endpoint answers
// without any Authorization header.
func TestHandleVersionIsUnauthenticated(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/_matrix/federation/v1/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	info, ok := body["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "construct", info["name"])
}

// TestXMatrixAuthRequiredRejectsMissingHeader checks a federation v1
// endpoint other than version/key exchange refuses an unsigned request.
func TestXMatrixAuthRequiredRejectsMissingHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/_matrix/federation/v1/event/$doesnotmatter")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "M_UNAUTHORIZED", body["errcode"])
}

// TestXMatrixAuthRequiredRejectsBadSignature checks a well-formed but
// wrongly-signed Authorization header is rejected too, not just a missing
// one.
func TestXMatrixAuthRequiredRejectsBadSignature(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Close()

	peerSrv, _, peerOrigin := newTestPeer(t)
	defer peerSrv.Close()

	otherKey, err := sigs.GenerateKeyPair("ed25519:peer")
	require.NoError(t, err)

	uri := "/_matrix/federation/v1/event/$doesnotmatter"
	header := signXMatrix(t, otherKey, peerOrigin, "localhost.example", http.MethodGet, uri, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+uri, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", header)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestSignedGetEventRoundTrip exercises a full signed request: a local
// m.room.create event is admitted directly through the VM, then a
// simulated peer server fetches it via a correctly X-Matrix-signed GET,
// with this server resolving the peer's verify key over its own
// key/v2/query endpoint.
func TestSignedGetEventRoundTrip(t *testing.T) {
	srv, machine, _ := newTestServer(t)
	defer srv.Close()

	peerSrv, peerKey, peerOrigin := newTestPeer(t)
	defer peerSrv.Close()

	sk := ""
	create := &event.Event{
		RoomID:   "!abc:localhost.example",
		Sender:   "@alice:localhost.example",
		Origin:   "localhost.example",
		Type:     "m.room.create",
		StateKey: &sk,
		Content:  map[string]any{"creator": "@alice:localhost.example"},
	}
	res, err := machine.Run(context.Background(), create, vm.Opts{
		Phases:      vm.AllPhases &^ vm.PhaseFanout,
		LocallyMade: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Event.EventID)

	uri := "/_matrix/federation/v1/event/" + url.PathEscape(res.Event.EventID)
	header := signXMatrix(t, peerKey, peerOrigin, "localhost.example", http.MethodGet, uri, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+uri, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", header)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		PDUs []*event.Event `json:"pdus"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.PDUs, 1)
	assert.Equal(t, res.Event.EventID, body.PDUs[0].EventID)
}

// TestTimerHeaderIsSet checks every resource response carries the
// automatic timing header.
func TestTimerHeaderIsSet(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/_matrix/federation/v1/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Construct-Timer"))
}
