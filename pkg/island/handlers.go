package island

import (
	"context"

	"github.com/morezero/islandgate/pkg/dispatcher"
	"github.com/morezero/islandgate/pkg/events"
	"github.com/morezero/islandgate/pkg/protocol"
)

type targetRequest struct {
	Target string `json:"target"`
}

type inviteRequest struct {
	InviteID string `json:"inviteId"`
}

type playerRequest struct {
	Player string `json:"player"`
}

// PingResult answers ping.
type PingResult struct {
	Pong bool   `json:"pong"`
	Node string `json:"node,omitempty"`
}

// Handlers returns a handler for every operation, bound to w. Everything
// that touches w runs on the owner loop.
func Handlers(w *World, node string) []dispatcher.Handler {
	return []dispatcher.Handler{
		{
			Op: protocol.OpPing,
			Func: func(context.Context, dispatcher.Request) (dispatcher.Outcome, error) {
				return dispatcher.Outcome{Data: PingResult{Pong: true, Node: node}}, nil
			},
		},
		{
			Op:            protocol.OpIslandCreate,
			RequiresActor: true,
			OnOwner:       true,
			Key:           dispatcher.ActorKey,
			Func: tracked(w, func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				return outcome(w.Create(req.Actor))
			}),
		},
		{
			Op:            protocol.OpIslandGet,
			RequiresActor: true,
			OnOwner:       true,
			Func: func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				player, err := playerOrActor(req)
				if err != nil {
					return dispatcher.Outcome{}, err
				}
				view, err := w.Get(player)
				return dispatcher.Outcome{Data: view}, err
			},
		},
		{
			Op:            protocol.OpIslandLeave,
			RequiresActor: true,
			OnOwner:       true,
			Key:           dispatcher.ActorKey,
			Func: tracked(w, func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				return outcome(w.Leave(req.Actor))
			}),
		},
		{
			Op:            protocol.OpInviteCreate,
			RequiresActor: true,
			OnOwner:       true,
			Key:           dispatcher.FieldKey("target"),
			Func: tracked(w, func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				var in targetRequest
				if err := req.Decode(&in); err != nil {
					return dispatcher.Outcome{}, err
				}
				return outcome(w.CreateInvite(req.Actor, in.Target))
			}),
		},
		{
			// Accepting collapses to one key per actor: whichever invite is
			// accepted, a replay must not join a second island. Leaving the
			// island drops the key.
			Op:            protocol.OpInviteAccept,
			RequiresActor: true,
			OnOwner:       true,
			Key:           dispatcher.ActorKey,
			Func: tracked(w, func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				var in inviteRequest
				if err := req.Decode(&in); err != nil {
					return dispatcher.Outcome{}, err
				}
				return outcome(w.AcceptInvite(req.Actor, in.InviteID))
			}),
		},
		{
			Op:            protocol.OpInviteDeny,
			RequiresActor: true,
			OnOwner:       true,
			Key:           dispatcher.FieldKey("inviteId"),
			Func: tracked(w, func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				var in inviteRequest
				if err := req.Decode(&in); err != nil {
					return dispatcher.Outcome{}, err
				}
				return outcome(w.DenyInvite(req.Actor, in.InviteID))
			}),
		},
		{
			Op:            protocol.OpInviteRevoke,
			RequiresActor: true,
			OnOwner:       true,
			Key:           dispatcher.FieldKey("target"),
			Func: tracked(w, func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				var in targetRequest
				if err := req.Decode(&in); err != nil {
					return dispatcher.Outcome{}, err
				}
				return outcome(w.RevokeInvite(req.Actor, in.Target))
			}),
		},
		{
			Op:            protocol.OpMembersList,
			RequiresActor: true,
			OnOwner:       true,
			Func: func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				view, err := w.Get(req.Actor)
				if err != nil {
					return dispatcher.Outcome{}, protocol.NewError(protocol.CodeNoIsland, "you do not belong to an island")
				}
				return dispatcher.Outcome{Data: view.Members}, nil
			},
		},
		{
			Op:            protocol.OpMemberKick,
			RequiresActor: true,
			OnOwner:       true,
			Key:           dispatcher.FieldKey("target"),
			Func: tracked(w, func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				var in targetRequest
				if err := req.Decode(&in); err != nil {
					return dispatcher.Outcome{}, err
				}
				return outcome(w.Kick(req.Actor, in.Target))
			}),
		},
	}
}

// tracked runs a mutation and reports the cached requests its world changes
// make stale.
func tracked(w *World, fn dispatcher.HandlerFunc) dispatcher.HandlerFunc {
	return func(ctx context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
		w.TakeChanges()
		out, err := fn(ctx, req)
		changes := w.TakeChanges()
		if err != nil {
			return out, err
		}
		out.Supersedes = supersedes(changes)
		return out, nil
	}
}

// supersedes maps world changes to the keyed requests they invalidate.
func supersedes(changes []Change) []dispatcher.KeyRef {
	var refs []dispatcher.KeyRef
	for _, c := range changes {
		switch c.Kind {
		case ChangeJoined:
			// Kicks are keyed by owner and target; either side may own later.
			refs = append(refs, dispatcher.KeyRef{Op: protocol.OpIslandLeave, Actor: c.Player})
			for _, peer := range c.Peers {
				refs = append(refs,
					dispatcher.KeyRef{Op: protocol.OpMemberKick, Actor: peer, Part: c.Player},
					dispatcher.KeyRef{Op: protocol.OpMemberKick, Actor: c.Player, Part: peer})
			}
		case ChangeLeft:
			refs = append(refs,
				dispatcher.KeyRef{Op: protocol.OpIslandCreate, Actor: c.Player},
				dispatcher.KeyRef{Op: protocol.OpInviteAccept, Actor: c.Player})
		case ChangeInviteOpened:
			refs = append(refs, dispatcher.KeyRef{Op: protocol.OpInviteRevoke, Actor: c.From, Part: c.Player})
		case ChangeInviteClosed:
			refs = append(refs, dispatcher.KeyRef{Op: protocol.OpInviteCreate, Actor: c.From, Part: c.Player})
		}
	}
	return refs
}

// Register binds every island handler to r.
func Register(r *dispatcher.Router, w *World, node string) error {
	return r.Register(Handlers(w, node)...)
}

func outcome[T any](data T, evs []events.Event, err error) (dispatcher.Outcome, error) {
	if err != nil {
		return dispatcher.Outcome{}, err
	}
	return dispatcher.Outcome{Data: data, Events: evs}, nil
}

func playerOrActor(req dispatcher.Request) (string, error) {
	var in playerRequest
	if err := req.Decode(&in); err != nil {
		return "", err
	}
	if in.Player != "" {
		return in.Player, nil
	}
	return req.Actor, nil
}
