// Package testutil provides an embedded NATS server for tests that exercise
// the run event stream.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartJetStream starts an embedded NATS server with JetStream on a random
// port and returns a connected JetStream context. The cleanup function stops
// the server.
func StartJetStream(t *testing.T) (nats.JetStreamContext, func()) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port so parallel packages never collide
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
	}
	return js, cleanup
}

// WaitForMessage subscribes to a subject and waits for the first message
func WaitForMessage(t *testing.T, js nats.JetStreamContext, subject string, timeout time.Duration) ([]byte, error) {
	t.Helper()

	msgChan := make(chan *nats.Msg, 1)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case msgChan <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	select {
	case msg := <-msgChan:
		return msg.Data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for message on %s", subject)
	}
}
