package commsutil

import (
	"fmt"

	"github.com/morezero/islandgate/pkg/protocol"
)

// DefaultPrefix is the channel prefix used when none is configured.
const DefaultPrefix = "island"

// Subject namespaces under the configured prefix.
const (
	requestNamespace  = "req"
	responseNamespace = "resp"
	eventNamespace    = "evt"
	busNamespace      = "bus"
)

// RequestSubject builds the channel a request for op is published on.
// Dotted operation names become nested subject tokens.
func RequestSubject(prefix, op string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, requestNamespace, op)
}

// RequestPattern builds the wildcard the authoritative process subscribes to.
func RequestPattern(prefix string) string {
	return fmt.Sprintf("%s.%s.>", prefix, requestNamespace)
}

// ResponseSubject derives the response channel from a correlation id, so a
// response can be addressed without any directory lookup.
func ResponseSubject(prefix, id string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, responseNamespace, id)
}

// ResponsePattern builds the wildcard covering every response addressed to
// ids minted by protocol.NewID(origin).
func ResponsePattern(prefix, origin string) string {
	return fmt.Sprintf("%s.%s.%s.*", prefix, responseNamespace, protocol.SanitizeToken(origin))
}

// EventSubject builds the channel events of the given type are published on.
func EventSubject(prefix, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, eventNamespace, eventType)
}

// EventPattern builds the wildcard covering every event type.
func EventPattern(prefix string) string {
	return fmt.Sprintf("%s.%s.>", prefix, eventNamespace)
}

// BusSubject builds a free-form channel for ad-hoc cross-process signals.
func BusSubject(prefix, topic string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, busNamespace, topic)
}
