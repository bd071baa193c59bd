package island

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/morezero/islandgate/pkg/bridge"
	"github.com/morezero/islandgate/pkg/dispatcher"
	"github.com/morezero/islandgate/pkg/idempotency"
	"github.com/morezero/islandgate/pkg/protocol"
)

const replayTestPrefix = "island:replay_test"

type authority struct {
	router *dispatcher.Router
	loop   *bridge.Loop
	world  *World
}

// newAuthority wires a router over a fresh world and memory store without a
// bus.
func newAuthority(t *testing.T) *authority {
	t.Helper()
	loop := bridge.NewLoop(16)
	loop.Start()
	t.Cleanup(loop.Stop)

	world := NewWorld(4)
	router := dispatcher.NewRouter(dispatcher.RouterParams{
		Prefix:        "test",
		Store:         idempotency.NewMemoryStore(),
		Loop:          loop,
		BridgeTimeout: time.Second,
	})
	if err := Register(router, world, "authority"); err != nil {
		t.Fatalf("%s - Register failed: %v", replayTestPrefix, err)
	}
	return &authority{router: router, loop: loop, world: world}
}

func (a *authority) do(t *testing.T, op protocol.Operation, actor string, data map[string]string) protocol.Result {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	env := protocol.NewRequest(protocol.NewID("authority"), string(op), actor, raw)
	return a.router.Dispatch(context.Background(), env)
}

// islandOf reads the world on the owner loop.
func (a *authority) islandOf(t *testing.T, player string) (string, bool) {
	t.Helper()
	id, err := bridge.Call(context.Background(), a.loop, time.Second, func(context.Context) (string, error) {
		isl, ok := a.world.IslandOf(player)
		if !ok {
			return "", nil
		}
		return isl.ID, nil
	})
	if err != nil {
		t.Fatalf("%s - owner loop call failed: %v", replayTestPrefix, err)
	}
	return id, id != ""
}

func (a *authority) pendingInvites(t *testing.T, player string) []Invite {
	t.Helper()
	out, err := bridge.Call(context.Background(), a.loop, time.Second, func(context.Context) ([]Invite, error) {
		return a.world.PendingInvites(player), nil
	})
	if err != nil {
		t.Fatalf("%s - owner loop call failed: %v", replayTestPrefix, err)
	}
	return out
}

func decode[T any](t *testing.T, res protocol.Result) T {
	t.Helper()
	var v T
	if !res.Ok {
		t.Fatalf("%s - expected success, got %+v", replayTestPrefix, res.Err())
	}
	if err := res.Decode(&v); err != nil {
		t.Fatalf("%s - decode failed: %v", replayTestPrefix, err)
	}
	return v
}

func TestReplay_CreateLeaveCreate(t *testing.T) {
	a := newAuthority(t)

	first := decode[View](t, a.do(t, protocol.OpIslandCreate, "P1", nil))
	if first.IslandID != "S1" {
		t.Fatalf("%s - first create = %s, want S1", replayTestPrefix, first.IslandID)
	}
	if again := a.do(t, protocol.OpIslandCreate, "P1", nil); decode[View](t, again).IslandID != "S1" {
		t.Errorf("%s - repeated create was not replayed", replayTestPrefix)
	}

	left := decode[MembershipResult](t, a.do(t, protocol.OpIslandLeave, "P1", nil))
	if !left.Disbanded {
		t.Fatalf("%s - leave did not disband S1: %+v", replayTestPrefix, left)
	}

	second := decode[View](t, a.do(t, protocol.OpIslandCreate, "P1", nil))
	if second.IslandID != "S2" {
		t.Errorf("%s - create after leave = %s, want a new island S2", replayTestPrefix, second.IslandID)
	}
	if id, ok := a.islandOf(t, "P1"); !ok || id != "S2" {
		t.Errorf("%s - IslandOf(P1) = %q, %v, want S2", replayTestPrefix, id, ok)
	}

	// The second leave must act on S2 rather than replay the first.
	leftAgain := decode[MembershipResult](t, a.do(t, protocol.OpIslandLeave, "P1", nil))
	if leftAgain.IslandID != "S2" || !leftAgain.Disbanded {
		t.Errorf("%s - second leave = %+v, want S2 disbanded", replayTestPrefix, leftAgain)
	}
	if _, ok := a.islandOf(t, "P1"); ok {
		t.Errorf("%s - P1 still has an island", replayTestPrefix)
	}
}

func TestReplay_ReinviteAfterDeny(t *testing.T) {
	a := newAuthority(t)
	decode[View](t, a.do(t, protocol.OpIslandCreate, "P1", nil))

	first := decode[InviteResult](t, a.do(t, protocol.OpInviteCreate, "P1", map[string]string{"target": "P2"}))
	if replay := decode[InviteResult](t, a.do(t, protocol.OpInviteCreate, "P1", map[string]string{"target": "P2"})); replay != first {
		t.Errorf("%s - repeated invite = %+v, want replay of %+v", replayTestPrefix, replay, first)
	}

	decode[InviteResult](t, a.do(t, protocol.OpInviteDeny, "P2", map[string]string{"inviteId": first.InviteID}))
	if n := len(a.pendingInvites(t, "P2")); n != 0 {
		t.Fatalf("%s - %d invites pending after deny", replayTestPrefix, n)
	}

	second := decode[InviteResult](t, a.do(t, protocol.OpInviteCreate, "P1", map[string]string{"target": "P2"}))
	if second.InviteID == first.InviteID {
		t.Errorf("%s - re-invite replayed %s", replayTestPrefix, first.InviteID)
	}
	pending := a.pendingInvites(t, "P2")
	if len(pending) != 1 || pending[0].ID != second.InviteID {
		t.Errorf("%s - pending invites = %+v, want only %s", replayTestPrefix, pending, second.InviteID)
	}
}

func TestReplay_RevokeAfterReinvite(t *testing.T) {
	a := newAuthority(t)
	decode[View](t, a.do(t, protocol.OpIslandCreate, "P1", nil))
	target := map[string]string{"target": "P2"}

	first := decode[InviteResult](t, a.do(t, protocol.OpInviteCreate, "P1", target))
	decode[InviteResult](t, a.do(t, protocol.OpInviteRevoke, "P1", target))

	second := decode[InviteResult](t, a.do(t, protocol.OpInviteCreate, "P1", target))
	revoked := decode[InviteResult](t, a.do(t, protocol.OpInviteRevoke, "P1", target))
	if revoked.InviteID != second.InviteID || second.InviteID == first.InviteID {
		t.Errorf("%s - second revoke = %s, want %s", replayTestPrefix, revoked.InviteID, second.InviteID)
	}
	if n := len(a.pendingInvites(t, "P2")); n != 0 {
		t.Errorf("%s - %d invites still pending", replayTestPrefix, n)
	}
}

func TestReplay_KickRejoinKick(t *testing.T) {
	a := newAuthority(t)
	decode[View](t, a.do(t, protocol.OpIslandCreate, "P1", nil))
	target := map[string]string{"target": "P2"}

	for round := 1; round <= 2; round++ {
		inv := decode[InviteResult](t, a.do(t, protocol.OpInviteCreate, "P1", target))
		joined := decode[MembershipResult](t, a.do(t, protocol.OpInviteAccept, "P2", map[string]string{"inviteId": inv.InviteID}))
		if joined.MembersCount != 2 {
			t.Fatalf("%s - round %d: accept = %+v", replayTestPrefix, round, joined)
		}
		if id, ok := a.islandOf(t, "P2"); !ok || id != "S1" {
			t.Fatalf("%s - round %d: P2 did not join S1", replayTestPrefix, round)
		}
		decode[MembershipResult](t, a.do(t, protocol.OpMemberKick, "P1", target))
		if _, ok := a.islandOf(t, "P2"); ok {
			t.Fatalf("%s - round %d: P2 still a member after kick", replayTestPrefix, round)
		}
	}
}

func TestReplay_AcceptStillCollapsesWhileMember(t *testing.T) {
	a := newAuthority(t)
	decode[View](t, a.do(t, protocol.OpIslandCreate, "P1", nil))
	decode[View](t, a.do(t, protocol.OpIslandCreate, "P3", nil))
	i1 := decode[InviteResult](t, a.do(t, protocol.OpInviteCreate, "P1", map[string]string{"target": "P2"}))
	decode[InviteResult](t, a.do(t, protocol.OpInviteCreate, "P3", map[string]string{"target": "P2"}))

	first := a.do(t, protocol.OpInviteAccept, "P2", map[string]string{"inviteId": i1.InviteID})
	// Accepting the other invite replays the first accept.
	second := a.do(t, protocol.OpInviteAccept, "P2", nil)
	if !second.Equal(first) {
		t.Errorf("%s - second accept = %s, want replay %s", replayTestPrefix, second.Data, first.Data)
	}
	if id, _ := a.islandOf(t, "P2"); id != "S1" {
		t.Errorf("%s - P2 on %q, want S1", replayTestPrefix, id)
	}
}
