// Package sigs is the narrow sign/verify/hash boundary the rest of the
// core goes through: Ed25519 signing and verification plus SHA-256
// digests. Nothing outside this package touches a crypto library
// directly.
package sigs

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"
)

// KeyPair is one server signing identity: a short key id plus an Ed25519
// key pair.
type KeyPair struct {
	KeyID   string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 key pair under the given key id.
func GenerateKeyPair(keyID string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "sigs: generate key pair")
	}
	return &KeyPair{KeyID: keyID, Public: pub, Private: priv}, nil
}

// FromSeed reconstructs the key pair for a stored 32-byte Ed25519 seed, so
// a server keeps its signing identity across restarts.
func FromSeed(keyID string, seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("sigs: seed has wrong length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("sigs: derive public key from seed")
	}
	return &KeyPair{KeyID: keyID, Public: pub, Private: priv}, nil
}

// Sign signs message with the key pair's private key.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify checks sig over message against pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// SHA256 returns the SHA-256 digest of b.
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// B64Unpadded returns the unpadded standard base64 encoding used throughout
// Matrix for hashes, signatures, and server keys.
func B64Unpadded(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeB64Unpadded decodes an unpadded standard base64 string.
func DecodeB64Unpadded(s string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "sigs: invalid base64")
	}
	return b, nil
}

// EncodePublicKey renders an Ed25519 public key as unpadded base64, the wire
// format for /_matrix/key/v2/server responses.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return B64Unpadded(pub)
}

// DecodePublicKey parses an unpadded base64 Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := DecodeB64Unpadded(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.Errorf("sigs: public key has wrong length %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}
