package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/rfc1035"
)

// WellKnownResponse is the body of /.well-known/matrix/server.
type WellKnownResponse struct {
	Server string `json:"m.server"`
}

// ServerDiscovery resolves a Matrix server name to a connectable
// (host, port) pair through the federation resolution chain:
// SRV(_matrix-fed._tcp) → legacy SRV(_matrix._tcp) →
// .well-known/matrix/server → A/AAAA fallback on port 8448.
type ServerDiscovery struct {
	logger     Logger
	httpClient *http.Client
	resolver   *rfc1035.Resolver
}

// NewServerDiscovery creates a ServerDiscovery using resolver for DNS
// lookups and logger for diagnostics.
func NewServerDiscovery(logger Logger, resolver *rfc1035.Resolver) *ServerDiscovery {
	return &ServerDiscovery{
		logger:     logger,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Destination is a resolved federation connection target.
type Destination struct {
	Host string
	Port int
	// TLSServerName is the name to present via SNI / validate the peer
	// certificate against, which may differ from Host when .well-known or
	// SRV redirected to a different target.
	TLSServerName string
}

// Resolve implements the federation server-name resolution algorithm:
// a literal host:port is used as-is; otherwise SRV records are tried
// (current service label first, then the legacy one), then
// .well-known/matrix/server delegation, and failing all of those the name
// itself is used with the default federation port 8448.
func (sd *ServerDiscovery) Resolve(ctx context.Context, serverName string) (Destination, error) {
	host, portStr, hasPort := strings.Cut(serverName, ":")
	if hasPort {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Destination{}, errors.Wrapf(err, "client: invalid port in server name %s", serverName)
		}
		return Destination{Host: host, Port: port, TLSServerName: host}, nil
	}

	if dest, ok := sd.trySRV(ctx, "matrix-fed", serverName); ok {
		return dest, nil
	}
	if dest, ok := sd.trySRV(ctx, "matrix", serverName); ok {
		return dest, nil
	}

	if dest, ok := sd.tryWellKnown(ctx, serverName); ok {
		return dest, nil
	}

	return Destination{Host: serverName, Port: 8448, TLSServerName: serverName}, nil
}

func (sd *ServerDiscovery) tryWellKnown(ctx context.Context, serverName string) (Destination, bool) {
	wellKnownURL := fmt.Sprintf("https://%s/.well-known/matrix/server", serverName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return Destination{}, false
	}
	resp, err := sd.httpClient.Do(req)
	if err != nil {
		sd.logger.LogDebug("well-known lookup failed", "server", serverName, "error", err.Error())
		return Destination{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Destination{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024))
	if err != nil {
		return Destination{}, false
	}
	var wk WellKnownResponse
	if err := json.Unmarshal(body, &wk); err != nil || wk.Server == "" {
		return Destination{}, false
	}

	host, portStr, hasPort := strings.Cut(wk.Server, ":")
	if hasPort {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Destination{}, false
		}
		return Destination{Host: host, Port: port, TLSServerName: host}, true
	}

	if dest, ok := sd.trySRV(ctx, "matrix-fed", host); ok {
		return dest, true
	}
	return Destination{Host: host, Port: 8448, TLSServerName: host}, true
}

func (sd *ServerDiscovery) trySRV(ctx context.Context, service, name string) (Destination, bool) {
	if sd.resolver == nil {
		return Destination{}, false
	}
	records, err := sd.resolver.LookupSRV(ctx, service, "tcp", name)
	if err != nil || len(records) == 0 {
		return Destination{}, false
	}
	best := records[0]
	for _, r := range records[1:] {
		if r.Priority < best.Priority {
			best = r
		}
	}
	return Destination{Host: strings.TrimSuffix(best.Target, "."), Port: int(best.Port), TLSServerName: name}, true
}

// NormalizeServerName strips a scheme prefix, trailing slash, and port
// from a server name.
func NormalizeServerName(serverName string) string {
	serverName = strings.TrimPrefix(serverName, "https://")
	serverName = strings.TrimPrefix(serverName, "http://")
	serverName = strings.TrimSuffix(serverName, "/")
	if idx := strings.Index(serverName, ":"); idx != -1 {
		serverName = serverName[:idx]
	}
	return serverName
}

// ExtractServerDomain extracts the hostname from a server URL.
func ExtractServerDomain(serverURL string) (string, error) {
	if serverURL == "" {
		return "", errors.New("client: server URL not configured")
	}
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrap(err, "client: parse server URL")
	}
	if parsed.Hostname() == "" {
		return "", errors.New("client: could not extract hostname from server URL")
	}
	return parsed.Hostname(), nil
}
