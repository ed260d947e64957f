// Package bustest starts an embedded NATS server for tests that need a real bus.
package bustest

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/config"
	"github.com/loqalabs/orbit/internal/natsserver"
	"github.com/nats-io/nats.go"
)

// Logger discards everything below error level.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Start runs an embedded JetStream server on a random port and returns a
// connected client. Both are torn down when the test ends.
func Start(t testing.TB) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, Logger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect embedded nats: %v", err)
	}
	client, err := bus.FromConn(conn, Logger())
	if err != nil {
		conn.Close()
		t.Fatalf("wrap connection: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
