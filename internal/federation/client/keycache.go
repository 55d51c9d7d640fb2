package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"

	"github.com/construct-io/constructd/internal/sigs"
)

// cachedKey is one (host, keyid) entry: the public key plus its validity
// window.
type cachedKey struct {
	key          ed25519.PublicKey
	validUntilTS int64
}

// KeyCache maps (host, keyid) to a public key plus validity window,
// fetching misses via a signed POST /_matrix/key/v2/query against the
// host itself (or an explicit query server). An entry's valid_until_ts is
// recorded but not consulted: once cached, a key stays in use for the life
// of the cache and is never refreshed or expired.
type KeyCache struct {
	client *Client

	mu      sync.Mutex
	entries map[string]cachedKey
}

// NewKeyCache creates a key cache backed by client for outbound queries.
func NewKeyCache(c *Client) *KeyCache {
	return &KeyCache{client: c, entries: make(map[string]cachedKey)}
}

func cacheKey(host, keyID string) string { return host + "|" + keyID }

// Get returns the public key for (host, keyid), querying the peer (or
// queryServer if non-empty) only on a cache miss; a cached entry is
// returned whatever its valid_until_ts.
func (kc *KeyCache) Get(ctx context.Context, host, keyID, queryServer string) (ed25519.PublicKey, error) {
	kc.mu.Lock()
	entry, ok := kc.entries[cacheKey(host, keyID)]
	kc.mu.Unlock()
	if ok {
		return entry.key, nil
	}

	target := queryServer
	if target == "" {
		target = host
	}
	resp, err := kc.client.QueryKeys(ctx, target, host)
	if err != nil {
		return nil, errors.Wrapf(err, "client: query keys for %s", host)
	}

	serverKeys, ok := resp[host]
	if !ok {
		return nil, errors.Errorf("client: key query response missing host %s", host)
	}
	vk, ok := serverKeys.VerifyKeys[keyID]
	if !ok {
		return nil, errors.Errorf("client: key query response missing keyid %s", keyID)
	}
	pub, err := sigs.DecodePublicKey(vk.Key)
	if err != nil {
		return nil, err
	}

	kc.mu.Lock()
	kc.entries[cacheKey(host, keyID)] = cachedKey{key: pub, validUntilTS: serverKeys.ValidUntilTS}
	kc.mu.Unlock()

	return pub, nil
}

// ServerKey adapts KeyCache to internal/vm.KeyFetcher.
func (kc *KeyCache) ServerKey(ctx context.Context, origin, keyID string) (ed25519.PublicKey, error) {
	return kc.Get(ctx, origin, keyID, "")
}

// ServerKeyResponse is the body of /_matrix/key/v2/server and one entry of
// /_matrix/key/v2/query's server_keys array.
type ServerKeyResponse struct {
	ServerName    string               `json:"server_name"`
	ValidUntilTS  int64                `json:"valid_until_ts"`
	VerifyKeys    map[string]VerifyKey `json:"verify_keys"`
	OldVerifyKeys map[string]VerifyKey `json:"old_verify_keys,omitempty"`
	Signatures    map[string]any       `json:"signatures"`
}

// VerifyKey is one entry in verify_keys/old_verify_keys.
type VerifyKey struct {
	Key string `json:"key"`
}
