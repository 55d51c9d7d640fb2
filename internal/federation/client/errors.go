package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Error represents a federation API error response body
// ({"errcode": "...", "error": "..."}).
type Error struct {
	ErrCode    string `json:"errcode"`
	ErrMsg     string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("federation API error: %d %s - %s", e.StatusCode, e.ErrCode, e.ErrMsg)
}

// parseMatrixError parses a federation error body, falling back to an
// UNKNOWN errcode for non-JSON responses.
func parseMatrixError(statusCode int, body []byte) *Error {
	var mErr Error
	mErr.StatusCode = statusCode
	if err := json.Unmarshal(body, &mErr); err != nil {
		mErr.ErrCode = "UNKNOWN"
		mErr.ErrMsg = string(body)
	}
	return &mErr
}

// ValidatePathComponent rejects path-traversal sequences in a URL path
// component.
func ValidatePathComponent(component string) error {
	if strings.Contains(component, "..") {
		return errors.Errorf("path traversal detected in component: %s", component)
	}
	return nil
}

// BuildSecureURL joins escaped, validated path components onto baseURL, used
// to build federation URIs like
// "https://peer:8448/_matrix/federation/v1/event/" + event_id.
func BuildSecureURL(baseURL string, pathComponents ...string) (string, error) {
	var parts []string
	for _, c := range pathComponents {
		if err := ValidatePathComponent(c); err != nil {
			return "", err
		}
		parts = append(parts, url.PathEscape(c))
	}
	return baseURL + strings.Join(parts, "/"), nil
}
