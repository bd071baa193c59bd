// Package commsutil provides bus connection helpers, channel naming and the
// envelope wire codec.
package commsutil

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// DrainTimeout bounds how long Drain waits for in-flight messages on close.
const DrainTimeout = 30 * time.Second

// Connect creates a COMMS connection to url named after the node. The node
// reconnects forever; extra options are applied after the defaults.
func Connect(url, name string, extra ...comms.Option) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	opts := []comms.Option{
		comms.Name(name),
		comms.Timeout(10 * time.Second),
		comms.ReconnectWait(2 * time.Second),
		comms.MaxReconnects(-1),
		comms.DrainTimeout(DrainTimeout),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
		}),
		comms.ErrorHandler(onAsyncError),
	}

	nc, err := comms.Connect(url, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}

// onAsyncError logs errors the client reports outside any call. A slow
// consumer means the bus dropped messages for that subscription.
func onAsyncError(_ *comms.Conn, sub *comms.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	if errors.Is(err, comms.ErrSlowConsumer) && sub != nil {
		pending, _, _ := sub.Pending()
		slog.Warn(fmt.Sprintf("%s - slow consumer on %q, %d messages pending, bus is dropping", logPrefix, subject, pending))
		return
	}
	slog.Error(fmt.Sprintf("%s - COMMS async error on %q: %v", logPrefix, subject, err))
}
