package event

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"

	"github.com/construct-io/constructd/internal/base58"
	"github.com/construct-io/constructd/internal/canonicaljson"
	"github.com/construct-io/constructd/internal/sigs"
)

// DeriveEventID computes "$" + base58(sha256(canon(E \ event_id))) + ":" +
// origin.
func DeriveEventID(e *Event) (string, error) {
	canon, err := canonicaljson.Marshal(e.WithoutEventID())
	if err != nil {
		return "", errors.Wrap(err, "event: canonicalize for id derivation")
	}
	digest := sigs.SHA256(canon)
	return "$" + base58.Encode(digest[:]) + ":" + e.Origin, nil
}

// ComputeHash computes hashes.sha256 over E' = E with hashes/signatures
// blanked.
func ComputeHash(e *Event) (string, error) {
	canon, err := canonicaljson.Marshal(e.WithoutHashesAndSignatures())
	if err != nil {
		return "", errors.Wrap(err, "event: canonicalize for hashing")
	}
	digest := sigs.SHA256(canon)
	return sigs.B64Unpadded(digest[:]), nil
}

// SigningBytes returns the canonical JSON of essential(E) with signatures
// blanked but hashes present, the bytes that are actually signed and
// verified.
func SigningBytes(e *Event) ([]byte, error) {
	ess := Essential(e)
	m := ess.ToGeneric()
	m["signatures"] = map[string]any{}
	if len(e.Hashes) > 0 {
		m["hashes"] = e.Hashes
	} else {
		m["hashes"] = map[string]any{}
	}
	delete(m, "event_id")
	return canonicaljson.Marshal(m)
}

// Sign computes E” and signs it with kp, merging the signature into
// e.Signatures under host/keyid.
func Sign(e *Event, host string, kp *sigs.KeyPair) error {
	toSign, err := SigningBytes(e)
	if err != nil {
		return err
	}
	sig := kp.Sign(toSign)
	if e.Signatures == nil {
		e.Signatures = map[string]any{}
	}
	hostSigs, _ := e.Signatures[host].(map[string]any)
	if hostSigs == nil {
		hostSigs = map[string]any{}
	}
	hostSigs[kp.KeyID] = sigs.B64Unpadded(sig)
	e.Signatures[host] = hostSigs
	return nil
}

// VerifySignature verifies the (host, keyid) entry in e.Signatures against
// pub, recomputing E” exactly as the signer did.
func VerifySignature(e *Event, host, keyID string, pub ed25519.PublicKey) (bool, error) {
	hostSigs, ok := e.Signatures[host].(map[string]any)
	if !ok {
		return false, errors.Errorf("event: no signatures for host %s", host)
	}
	sigB64, ok := hostSigs[keyID].(string)
	if !ok {
		return false, errors.Errorf("event: no signature for keyid %s", keyID)
	}
	sigBytes, err := sigs.DecodeB64Unpadded(sigB64)
	if err != nil {
		return false, err
	}
	toVerify, err := SigningBytes(e)
	if err != nil {
		return false, err
	}
	return sigs.Verify(pub, toVerify, sigBytes), nil
}

// VerifyHash recomputes hashes.sha256 and compares it against the stored
// value.
func VerifyHash(e *Event) (bool, error) {
	stored, ok := e.Hashes["sha256"].(string)
	if !ok {
		return false, errors.New("event: no hashes.sha256 present")
	}
	got, err := ComputeHash(e)
	if err != nil {
		return false, err
	}
	return got == stored, nil
}
