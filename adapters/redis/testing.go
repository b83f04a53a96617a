package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestContainer starts a Redis server that lives until the test ends and
// returns a URL selecting database 0.
func NewTestContainer(t testing.TB) string {
	t.Helper()
	ctr, err := testcontainers.Run(
		t.Context(), "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections")),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.PortEndpoint(t.Context(), "6379/tcp", "redis")
	require.NoError(t, err)
	t.Logf("redis at %s", endpoint)
	return endpoint + "/0"
}
