// Package testutil runs embedded NATS servers for tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServerOnPort creates a NATS server on the specified port; -1 picks a random one
func RunServerOnPort(port int) (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}

	return server.NewServer(opts)
}

// StartJetStream starts a NATS server with JetStream enabled and connects to it.
// The server and connection are shut down when the test ends.
func StartJetStream(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	s := RunJetStreamServer(t)

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return s, nc
}

// RunJetStreamServer starts a JetStream server with a temporary store
func RunJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	s, err := RunServerOnPort(-1)
	require.NoError(t, err)
	err = s.EnableJetStream(&server.JetStreamConfig{
		StoreDir: t.TempDir(),
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}
	t.Cleanup(s.Shutdown)

	return s
}

// Connect opens an additional client connection to s
func Connect(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// WaitFor polls cond until it returns true or timeout elapses
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) error {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within %s", timeout)
}

// StreamMessages returns the number of messages currently held by a stream
func StreamMessages(t *testing.T, js nats.JetStreamContext, stream string) uint64 {
	t.Helper()

	info, err := js.StreamInfo(stream)
	require.NoError(t, err)
	return info.State.Msgs
}
