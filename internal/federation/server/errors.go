package server

import (
	"encoding/json"
	"net/http"

	"github.com/construct-io/constructd/internal/errs"
)

var errAuthFail = errs.New(errs.Inauthentic, "signature verification failed")

func errProtocol(msg string) error { return errs.New(errs.Protocol, msg) }
func errNotFound(msg string) error { return errs.New(errs.NotFound, msg) }
func errOverload(msg string) error { return errs.New(errs.Overload, msg) }
func errAuthn(cause error) error {
	if errs.KindOf(cause) != errs.Unknown {
		return cause
	}
	return errs.Wrap(errs.Inauthentic, cause, "signature verification failed")
}

// matrixErrCode maps the closed taxonomy to a Matrix-style errcode string
// for the JSON error body, following the same errcode/error shape every
// federation v1 endpoint uses on failure.
func matrixErrCode(err error) string {
	switch errs.KindOf(err) {
	case errs.Conform, errs.Protocol:
		return "M_BAD_JSON"
	case errs.AuthFail:
		return "M_FORBIDDEN"
	case errs.Inauthentic:
		return "M_UNAUTHORIZED"
	case errs.NotFound:
		return "M_NOT_FOUND"
	case errs.Overload:
		return "M_LIMIT_EXCEEDED"
	default:
		return "M_UNKNOWN"
	}
}

// writeError writes a Matrix-shaped JSON error body with the status code
// the taxonomy-to-HTTP mapping assigns to err's kind.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errcode": matrixErrCode(err),
		"error":   err.Error(),
	})
}
