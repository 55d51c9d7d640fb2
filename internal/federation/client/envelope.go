package client

import (
	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/canonicaljson"
	"github.com/construct-io/constructd/internal/sigs"
)

// envelope is the canonical-JSON object signed to produce an outbound
// request's X-Matrix Authorization header: fields method, uri, origin,
// destination, and content (if non-empty).
type envelope struct {
	Method      string `json:"method"`
	URI         string `json:"uri"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Content     any    `json:"content,omitempty"`
}

// signRequest computes the X-Matrix Authorization header value for a
// request, signing the canonical envelope with kp.
func signRequest(method, uri, origin, destination string, content any, kp *sigs.KeyPair) (string, error) {
	env := envelope{Method: method, URI: uri, Origin: origin, Destination: destination}
	if content != nil {
		env.Content = content
	}
	canon, err := canonicaljson.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "client: canonicalize signing envelope")
	}
	sig := kp.Sign(canon)
	return "X-Matrix origin=" + origin + ",key=\"" + kp.KeyID + "\",sig=\"" + sigs.B64Unpadded(sig) + "\"", nil
}
