package natsutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// StartEmbedded starts an in-process NATS server with JetStream.
//
// Used by the worker binary's -embedded mode for single-machine runs where
// process 0 hosts the broker for every process it spawns.
//
// Parameters:
//   - port: Client port (-1 picks a random port)
//   - storeDir: JetStream storage directory ("" uses a temp dir)
//
// Returns:
//   - *server.Server: Running NATS server
//   - *nats.Conn: Client connection to the server
//   - error: Error if startup fails
func StartEmbedded(port int, storeDir string) (*server.Server, *nats.Conn, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, nil, errors.New("NATS server not ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return ns, nc, nil
}
