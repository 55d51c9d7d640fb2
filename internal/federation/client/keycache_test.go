package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedclient "github.com/construct-io/constructd/internal/federation/client"
	"github.com/construct-io/constructd/internal/sigs"
)

// keyServer serves /_matrix/key/v2/query, answering for whatever server
// name the request asked about (so a peer whose name is its own host:port
// works without the test knowing the port up front), and counts queries.
func keyServer(t *testing.T, kp *sigs.KeyPair, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_matrix/key/v2/query", r.URL.Path)
		hits.Add(1)

		var req struct {
			ServerKeys map[string]any `json:"server_keys"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		keys := []map[string]any{}
		for serverName := range req.ServerKeys {
			keys = append(keys, map[string]any{
				"server_name":    serverName,
				"valid_until_ts": 99999999999999,
				"verify_keys": map[string]any{
					kp.KeyID: map[string]string{"key": sigs.EncodePublicKey(kp.Public)},
				},
				"signatures": map[string]any{},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"server_keys": keys})
	}))
}

func newKeyCacheUnderTest(t *testing.T) *fedclient.KeyCache {
	t.Helper()
	kp, err := sigs.GenerateKeyPair("ed25519:1")
	require.NoError(t, err)
	discovery := fedclient.NewServerDiscovery(fedclient.NewNoopLogger(), nil)
	c := fedclient.NewClient("origin.example", kp, discovery, fedclient.NewNoopLogger())
	c.WithInsecureSkipVerify()
	return fedclient.NewKeyCache(c)
}

func TestKeyCacheFetchesOnceAndCaches(t *testing.T) {
	peerKey, err := sigs.GenerateKeyPair("ed25519:peer")
	require.NoError(t, err)

	var hits atomic.Int64
	srv := keyServer(t, peerKey, &hits)
	defer srv.Close()
	origin := srv.Listener.Addr().String()

	cache := newKeyCacheUnderTest(t)

	got, err := cache.Get(context.Background(), origin, peerKey.KeyID, "")
	require.NoError(t, err)
	assert.Equal(t, []byte(peerKey.Public), []byte(got))
	assert.EqualValues(t, 1, hits.Load())

	got2, err := cache.Get(context.Background(), origin, peerKey.KeyID, "")
	require.NoError(t, err)
	assert.Equal(t, []byte(peerKey.Public), []byte(got2))
	assert.EqualValues(t, 1, hits.Load(), "second lookup must be served from cache")
}

func TestKeyCacheMissingKeyID(t *testing.T) {
	peerKey, err := sigs.GenerateKeyPair("ed25519:peer")
	require.NoError(t, err)

	var hits atomic.Int64
	srv := keyServer(t, peerKey, &hits)
	defer srv.Close()
	origin := srv.Listener.Addr().String()

	cache := newKeyCacheUnderTest(t)
	_, err = cache.Get(context.Background(), origin, "ed25519:absent", "")
	assert.Error(t, err)
}
