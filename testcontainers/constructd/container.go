// Package constructd provides a testcontainers harness for spinning up
// real constructd homeserver instances in integration tests:
// testcontainers-go's GenericContainer with dynamic port mapping and a
// polling readiness check against the federation version endpoint, built
// from this repository's own Dockerfile.
package constructd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	activeContainers = make(map[*Container]bool)
	containerMutex   sync.RWMutex
)

// Container wraps one running constructd instance.
type Container struct {
	Container  testcontainers.Container
	ServerURL  string
	ServerName string
}

// Config is the per-instance server name handed to the container via
// MATRIX_SERVER_NAME (internal/config's dotted-key env override).
type Config struct {
	ServerName string
}

// Start builds (if needed) and runs a constructd container from the
// repository root's Dockerfile and waits for its federation/v1/version
// endpoint to answer.
func Start(t *testing.T, cfg Config) *Container {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		FromDockerfile: testcontainers.FromDockerfile{
			Context:    "..",
			Dockerfile: "Dockerfile",
		},
		Env: map[string]string{
			"MATRIX_SERVER_NAME": cfg.ServerName,
		},
		ExposedPorts: []string{"8448/tcp"},
		WaitingFor:   wait.ForLog("federation server listening").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	hostPort, err := container.MappedPort(ctx, "8448")
	require.NoError(t, err)

	serverURL := fmt.Sprintf("http://localhost:%s", hostPort.Port())

	c := &Container{
		Container:  container,
		ServerURL:  serverURL,
		ServerName: cfg.ServerName,
	}
	c.waitForReady(t)

	containerMutex.Lock()
	activeContainers[c] = true
	containerMutex.Unlock()

	return c
}

// Cleanup terminates the container, tolerating errors since tests should
// not fail on teardown.
func (c *Container) Cleanup(t *testing.T) {
	if c.Container == nil {
		return
	}
	containerMutex.Lock()
	delete(activeContainers, c)
	containerMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Container.Terminate(ctx); err != nil {
		t.Logf("constructd container: terminate failed: %v", err)
	}
}

// CleanupAll force-terminates every container this process started, for use
// as a safety net in TestMain.
func CleanupAll() {
	containerMutex.Lock()
	defer containerMutex.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	for c := range activeContainers {
		if c.Container != nil {
			_ = c.Container.Terminate(ctx)
		}
	}
	activeContainers = make(map[*Container]bool)
}

func (c *Container) waitForReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	hc := &http.Client{Timeout: 5 * time.Second}
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("constructd at %s did not become ready in time", c.ServerURL)
			return
		default:
			resp, err := hc.Get(c.ServerURL + "/_matrix/federation/v1/version")
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return
				}
			}
			time.Sleep(250 * time.Millisecond)
		}
	}
}
