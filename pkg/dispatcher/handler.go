// Package dispatcher routes signed request envelopes to operation handlers.
// The Router owns idempotency, the owner-thread bridge, error mapping and
// event ordering; the Subscriber feeds it from the bus through a bounded
// worker pool.
package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/morezero/islandgate/pkg/commsutil"
	"github.com/morezero/islandgate/pkg/events"
	"github.com/morezero/islandgate/pkg/idempotency"
	"github.com/morezero/islandgate/pkg/protocol"
)

// Request is what a handler sees of an inbound envelope.
type Request struct {
	ID    string
	Op    protocol.Operation
	Actor string
	Data  json.RawMessage
}

// Decode unmarshals the request payload into v. Malformed payloads are
// reported as BAD_REQUEST.
func (r Request) Decode(v any) error {
	return DecodePayload(r.Data, v)
}

// DecodePayload unmarshals data into v, treating an empty payload as {}.
func DecodePayload(data json.RawMessage, v any) error {
	if err := commsutil.DecodePayload(data, v); err != nil {
		return protocol.Errorf(protocol.CodeBadRequest, "malformed payload: %v", err)
	}
	return nil
}

// Outcome is a successful handler result: the response data and the
// events the mutation produced. Events are published only after the result
// has been stored for replay.
type Outcome struct {
	Data   any
	Events []events.Event
	// Supersedes names earlier requests whose cached results no longer
	// describe the state. They are dropped from the store before the events
	// go out, so a repeat of one of them runs again.
	Supersedes []KeyRef
}

// KeyRef identifies a cached result by the parts its store key is built from.
type KeyRef struct {
	Op    protocol.Operation
	Actor string
	// Part is what the operation's KeyFunc returns ("" for ActorKey).
	Part string
}

// StoreKey returns the idempotency store key for ref.
func (ref KeyRef) StoreKey() string {
	return idempotency.Key(string(ref.Op), ref.Actor, ref.Part)
}

// HandlerFunc executes an operation. Returning a *protocol.Error reports a
// typed failure; any other error becomes INTERNAL.
type HandlerFunc func(ctx context.Context, req Request) (Outcome, error)

// KeyFunc extracts the idempotency-relevant part of a payload. The router
// combines it with the operation and actor into the store key.
type KeyFunc func(actor string, data json.RawMessage) (string, error)

// Handler binds an operation to its implementation.
type Handler struct {
	Op protocol.Operation
	// RequiresActor rejects requests without an actor as BAD_REQUEST.
	RequiresActor bool
	// OnOwner runs Func on the owner loop through the bridge.
	OnOwner bool
	// Key marks the operation idempotent. Nil means every request executes.
	Key  KeyFunc
	Func HandlerFunc
}

// ActorKey collapses every request of an actor to one key.
func ActorKey(string, json.RawMessage) (string, error) {
	return "", nil
}

// FieldKey returns a KeyFunc keyed on one string field of the payload.
// A missing field is BAD_REQUEST.
func FieldKey(field string) KeyFunc {
	return func(_ string, data json.RawMessage) (string, error) {
		var payload map[string]json.RawMessage
		if err := DecodePayload(data, &payload); err != nil {
			return "", err
		}
		raw, ok := payload[field]
		if !ok {
			return "", protocol.Errorf(protocol.CodeBadRequest, "%s is required", field)
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil || value == "" {
			return "", protocol.Errorf(protocol.CodeBadRequest, "%s must be a non-empty string", field)
		}
		return value, nil
	}
}
