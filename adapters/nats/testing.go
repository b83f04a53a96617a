package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestServerURL starts a JetStream-enabled NATS server that lives until
// the test ends and returns its URL.
func NewTestServerURL(t testing.TB) string {
	t.Helper()
	ctr, err := testcontainers.Run(
		t.Context(), "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(wait.ForLog("Server is ready")),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	url, err := ctr.PortEndpoint(t.Context(), "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats at %s", url)
	return url
}

// NewTestContainer is [NewTestServerURL] returning a connector that dials
// the server.
func NewTestContainer(t testing.TB) Connector {
	return ConnectURL(NewTestServerURL(t))
}
