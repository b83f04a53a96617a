package admission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func CreateInMemoryTransport(t *testing.T) Transport {
	tr := NewInMemoryTransport()
	t.Cleanup(func() {
		require.NoError(t, tr.Close())
	})
	return tr
}

// CreateTestServer runs a server with one bucket on tr until the test ends.
func CreateTestServer(t *testing.T, tr ServerTransport, concurrency int) *Server {
	srv, err := NewServer(ServerOptions{Transport: tr, Concurrency: concurrency})
	require.NoError(t, err)
	require.NoError(t, srv.Run(t.Context()))
	return srv
}
