// Package commstest runs an embedded COMMS server for tests.
package commstest

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// StartServer starts an in-process server on a random port and shuts it
// down when the test ends.
func StartServer(t testing.TB) *commsserver.Server {
	t.Helper()

	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("commstest:server - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("commstest:server - server failed to start")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// Connect opens a client connection to ns, closed when the test ends.
func Connect(t testing.TB, ns *commsserver.Server) *comms.Conn {
	t.Helper()

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("commstest:server - failed to connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

// Start starts a server and returns one connection to it.
func Start(t testing.TB) (*comms.Conn, *commsserver.Server) {
	t.Helper()
	ns := StartServer(t)
	return Connect(t, ns), ns
}
