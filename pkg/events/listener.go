package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/islandgate/pkg/commsutil"
)

const listenerLogPrefix = "events:listener"

// HandlerFunc receives verified events.
type HandlerFunc func(ctx context.Context, event Event)

// Listener delivers verified events or signals from a subject pattern.
// Envelopes that fail verification are logged and dropped.
type Listener struct {
	sub *comms.Subscription
}

// Listen subscribes to subject (typically EventPattern or a BusSubject) and
// hands each verified envelope to fn.
func Listen(nc *comms.Conn, codec *commsutil.Codec, subject string, fn HandlerFunc) (*Listener, error) {
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		env, err := codec.Open(msg.Data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Dropped envelope on %s: %v", listenerLogPrefix, msg.Subject, err))
			return
		}
		fn(context.Background(), Event{
			Type:  env.Op,
			Actor: env.Actor,
			Data:  env.Data,
			At:    time.UnixMilli(env.Ts),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", listenerLogPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Listening on %s", listenerLogPrefix, subject))
	return &Listener{sub: sub}, nil
}

// Close drains the subscription.
func (l *Listener) Close() error {
	return l.sub.Drain()
}
