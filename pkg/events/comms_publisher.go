package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/islandgate/pkg/commsutil"
	"github.com/morezero/islandgate/pkg/protocol"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Prefix overrides the channel prefix (e.g. from CHANNEL_PREFIX).
	Prefix string
}

// CommsPublisher seals events and publishes them on the event channel of
// their type.
type CommsPublisher struct {
	nc     *comms.Conn
	codec  *commsutil.Codec
	prefix string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, codec *commsutil.Codec, opts *CommsPublisherOpts) *CommsPublisher {
	prefix := commsutil.DefaultPrefix
	if opts != nil && opts.Prefix != "" {
		prefix = opts.Prefix
	}
	return &CommsPublisher{nc: nc, codec: codec, prefix: prefix}
}

// Publish seals event and publishes it on EventSubject(prefix, event.Type).
func (p *CommsPublisher) Publish(_ context.Context, event Event) error {
	data, err := commsutil.EncodePayload(event.Data)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event %s: %w", commsPublisherLogPrefix, event.Type, err)
	}
	subject := commsutil.EventSubject(p.prefix, event.Type)
	if err := p.send(subject, protocol.NewEvent(event.Type, event.Actor, data)); err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Published %s event for %s", commsPublisherLogPrefix, event.Type, event.Actor))
	return nil
}

// Signal publishes an ad-hoc signed message on BusSubject(prefix, topic).
func (p *CommsPublisher) Signal(_ context.Context, topic, actor string, payload any) error {
	data, err := commsutil.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("%s - failed to encode signal %s: %w", commsPublisherLogPrefix, topic, err)
	}
	return p.send(commsutil.BusSubject(p.prefix, topic), protocol.NewSignal(topic, actor, data))
}

func (p *CommsPublisher) send(subject string, env *protocol.Envelope) error {
	raw, err := p.codec.Seal(env)
	if err != nil {
		return fmt.Errorf("%s - failed to seal %s: %w", commsPublisherLogPrefix, subject, err)
	}
	if err := p.nc.Publish(subject, raw); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}
	return nil
}
