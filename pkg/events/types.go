// Package events defines the observable domain events emitted after
// successful mutations and the publishers that carry them to other processes.
package events

import (
	"encoding/json"
	"time"

	"github.com/morezero/islandgate/pkg/commsutil"
)

// Event types. The wire name is also the last token of the event channel.
const (
	TypeIslandCreated  = "island.created"
	TypeInviteCreated  = "invite.created"
	TypeInviteAccepted = "invite.accepted"
	TypeInviteDenied   = "invite.denied"
	TypeInviteRevoked  = "invite.revoked"
	TypeMemberJoined   = "member.joined"
	TypeMemberLeft     = "member.left"
)

// Event is an observable state change. Data is any JSON-encodable value when
// publishing; received events carry it as json.RawMessage.
type Event struct {
	Type  string `json:"type"`
	Actor string `json:"actor,omitempty"`
	Data  any    `json:"data,omitempty"`
	// At is the signing time of a received event; zero when publishing.
	At time.Time `json:"-"`
}

// Decode unmarshals the data of a received event into v.
func (e Event) Decode(v any) error {
	switch data := e.Data.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return commsutil.DecodePayload(data, v)
	default:
		raw, err := commsutil.EncodePayload(data)
		if err != nil {
			return err
		}
		return commsutil.DecodePayload(raw, v)
	}
}
