// Package island is the authoritative island/community state and the
// handlers that expose it on the bus. World is not safe for concurrent use:
// every method must run on the owner loop.
package island

import (
	"fmt"
	"sort"

	"github.com/morezero/islandgate/pkg/events"
	"github.com/morezero/islandgate/pkg/protocol"
)

// DefaultMembersLimit caps island size when no limit is configured.
const DefaultMembersLimit = 4

// Island is one community. Members[0] is the owner.
type Island struct {
	ID      string
	Members []string
}

// Owner returns the island owner.
func (i *Island) Owner() string {
	return i.Members[0]
}

func (i *Island) has(player string) bool {
	for _, m := range i.Members {
		if m == player {
			return true
		}
	}
	return false
}

func (i *Island) remove(player string) {
	for n, m := range i.Members {
		if m == player {
			i.Members = append(i.Members[:n], i.Members[n+1:]...)
			return
		}
	}
}

// Invite is a pending offer to join an island.
type Invite struct {
	ID       string
	IslandID string
	From     string
	To       string
	seq      int
}

// ChangeKind classifies a Change.
type ChangeKind int

const (
	ChangeJoined ChangeKind = iota
	ChangeLeft
	ChangeInviteOpened
	ChangeInviteClosed
)

// Change is one membership or invite transition recorded by a mutation.
type Change struct {
	Kind ChangeKind
	// Player joined or left, or is the invite's addressee.
	Player string
	// From is the invite's sender.
	From string
	// Peers are the members already on the island when Player joined.
	Peers []string
}

// World holds every island, membership and pending invite.
type World struct {
	limit    int
	islands  map[string]*Island
	memberOf map[string]string
	invites  map[string]*Invite
	changes  []Change

	nextIsland int
	nextInvite int
}

// NewWorld creates an empty world. A non-positive limit uses DefaultMembersLimit.
func NewWorld(membersLimit int) *World {
	if membersLimit <= 0 {
		membersLimit = DefaultMembersLimit
	}
	return &World{
		limit:    membersLimit,
		islands:  make(map[string]*Island),
		memberOf: make(map[string]string),
		invites:  make(map[string]*Invite),
	}
}

// Limit returns the members limit.
func (w *World) Limit() int {
	return w.limit
}

// IslandOf returns the island player belongs to.
func (w *World) IslandOf(player string) (*Island, bool) {
	id, ok := w.memberOf[player]
	if !ok {
		return nil, false
	}
	return w.islands[id], true
}

// TakeChanges returns the transitions recorded since the last call and
// clears the journal.
func (w *World) TakeChanges() []Change {
	out := w.changes
	w.changes = nil
	return out
}

func (w *World) record(c Change) {
	w.changes = append(w.changes, c)
}

// Stats summarizes the world for health reporting.
func (w *World) Stats() Stats {
	return Stats{Islands: len(w.islands), Players: len(w.memberOf), Invites: len(w.invites)}
}

// Stats counts the world's contents.
type Stats struct {
	Islands int `json:"islands"`
	Players int `json:"players"`
	Invites int `json:"invites"`
}

// View is the wire form of an island.
type View struct {
	IslandID     string   `json:"islandId"`
	Owner        string   `json:"owner"`
	Members      []string `json:"members"`
	MembersCount int      `json:"membersCount"`
	MembersLimit int      `json:"membersLimit"`
}

func (w *World) view(i *Island) View {
	members := make([]string, len(i.Members))
	copy(members, i.Members)
	return View{
		IslandID:     i.ID,
		Owner:        i.Owner(),
		Members:      members,
		MembersCount: len(i.Members),
		MembersLimit: w.limit,
	}
}

// InviteResult is returned by invite mutations.
type InviteResult struct {
	InviteID     string `json:"inviteId"`
	MembersCount int    `json:"membersCount"`
	MembersLimit int    `json:"membersLimit"`
}

// MembershipResult is returned by membership mutations.
type MembershipResult struct {
	IslandID     string `json:"islandId"`
	MembersCount int    `json:"membersCount"`
	MembersLimit int    `json:"membersLimit"`
	Disbanded    bool   `json:"disbanded,omitempty"`
}

// InvitePayload is the data of invite events.
type InvitePayload struct {
	InviteID string `json:"inviteId"`
	IslandID string `json:"islandId"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// MemberPayload is the data of membership events.
type MemberPayload struct {
	IslandID string `json:"islandId"`
	Player   string `json:"player"`
	Reason   string `json:"reason,omitempty"`
}

func (w *World) owned(actor string) (*Island, error) {
	isl, ok := w.IslandOf(actor)
	if !ok {
		return nil, protocol.NewError(protocol.CodeNoIsland, "you do not belong to an island")
	}
	if isl.Owner() != actor {
		return nil, protocol.NewError(protocol.CodeNotOwner, "only the island owner can do that")
	}
	return isl, nil
}

// Create founds a new island owned by actor.
func (w *World) Create(actor string) (View, []events.Event, error) {
	if _, ok := w.memberOf[actor]; ok {
		return View{}, nil, protocol.NewError(protocol.CodeAlreadyMember, "you already belong to an island")
	}
	w.nextIsland++
	isl := &Island{ID: fmt.Sprintf("S%d", w.nextIsland), Members: []string{actor}}
	w.islands[isl.ID] = isl
	w.memberOf[actor] = isl.ID
	w.record(Change{Kind: ChangeJoined, Player: actor})
	w.dropInvitesTo(actor)

	return w.view(isl), []events.Event{{
		Type:  events.TypeIslandCreated,
		Actor: actor,
		Data:  MemberPayload{IslandID: isl.ID, Player: actor},
	}}, nil
}

// Get returns the island of player.
func (w *World) Get(player string) (View, error) {
	isl, ok := w.IslandOf(player)
	if !ok {
		return View{}, protocol.Errorf(protocol.CodeNoIsland, "%s does not belong to an island", player)
	}
	return w.view(isl), nil
}

// Leave removes actor from their island. An owner leaving hands the island
// to the next member; the last member leaving disbands it.
func (w *World) Leave(actor string) (MembershipResult, []events.Event, error) {
	isl, ok := w.IslandOf(actor)
	if !ok {
		return MembershipResult{}, nil, protocol.NewError(protocol.CodeNoIsland, "you do not belong to an island")
	}
	isl.remove(actor)
	delete(w.memberOf, actor)
	w.record(Change{Kind: ChangeLeft, Player: actor})

	res := MembershipResult{IslandID: isl.ID, MembersCount: len(isl.Members), MembersLimit: w.limit}
	if len(isl.Members) == 0 {
		delete(w.islands, isl.ID)
		w.dropInvitesFrom(isl.ID)
		res.Disbanded = true
	}
	return res, []events.Event{{
		Type:  events.TypeMemberLeft,
		Actor: actor,
		Data:  MemberPayload{IslandID: isl.ID, Player: actor, Reason: "left"},
	}}, nil
}

// CreateInvite invites target to the island actor owns.
func (w *World) CreateInvite(actor, target string) (InviteResult, []events.Event, error) {
	if target == actor {
		return InviteResult{}, nil, protocol.NewError(protocol.CodeBadRequest, "you cannot invite yourself")
	}
	isl, err := w.owned(actor)
	if err != nil {
		return InviteResult{}, nil, err
	}
	if _, member := w.memberOf[target]; member {
		return InviteResult{}, nil, protocol.Errorf(protocol.CodeAlreadyMember, "%s already belongs to an island", target)
	}
	for _, inv := range w.invites {
		if inv.IslandID == isl.ID && inv.To == target {
			return InviteResult{}, nil, protocol.Errorf(protocol.CodeAlreadyInvited, "%s already has a pending invite", target)
		}
	}
	if len(isl.Members) >= w.limit {
		return InviteResult{}, nil, protocol.Errorf(protocol.CodeLimitReached, "island is full (%d members)", w.limit)
	}

	w.nextInvite++
	inv := &Invite{ID: fmt.Sprintf("I%d", w.nextInvite), IslandID: isl.ID, From: actor, To: target, seq: w.nextInvite}
	w.invites[inv.ID] = inv
	w.record(Change{Kind: ChangeInviteOpened, Player: target, From: actor})

	return InviteResult{InviteID: inv.ID, MembersCount: len(isl.Members), MembersLimit: w.limit},
		[]events.Event{{Type: events.TypeInviteCreated, Actor: actor, Data: invitePayload(inv)}}, nil
}

// AcceptInvite joins actor to the island of inviteID, or of their oldest
// pending invite when inviteID is empty.
func (w *World) AcceptInvite(actor, inviteID string) (MembershipResult, []events.Event, error) {
	if _, member := w.memberOf[actor]; member {
		return MembershipResult{}, nil, protocol.NewError(protocol.CodeAlreadyMember, "you already belong to an island")
	}
	inv, err := w.inviteFor(actor, inviteID)
	if err != nil {
		return MembershipResult{}, nil, err
	}
	isl, ok := w.islands[inv.IslandID]
	if !ok {
		w.closeInvite(inv)
		return MembershipResult{}, nil, protocol.NewError(protocol.CodeNotFound, "the island no longer exists")
	}
	if len(isl.Members) >= w.limit {
		return MembershipResult{}, nil, protocol.Errorf(protocol.CodeLimitReached, "island is full (%d members)", w.limit)
	}

	peers := make([]string, len(isl.Members))
	copy(peers, isl.Members)
	isl.Members = append(isl.Members, actor)
	w.memberOf[actor] = isl.ID
	w.record(Change{Kind: ChangeJoined, Player: actor, Peers: peers})
	w.dropInvitesTo(actor)

	return MembershipResult{IslandID: isl.ID, MembersCount: len(isl.Members), MembersLimit: w.limit},
		[]events.Event{
			{Type: events.TypeInviteAccepted, Actor: actor, Data: invitePayload(inv)},
			{Type: events.TypeMemberJoined, Actor: actor, Data: MemberPayload{IslandID: isl.ID, Player: actor}},
		}, nil
}

// DenyInvite discards an invite addressed to actor.
func (w *World) DenyInvite(actor, inviteID string) (InviteResult, []events.Event, error) {
	inv, err := w.inviteFor(actor, inviteID)
	if err != nil {
		return InviteResult{}, nil, err
	}
	w.closeInvite(inv)
	return InviteResult{InviteID: inv.ID, MembersCount: w.memberCount(inv.IslandID), MembersLimit: w.limit},
		[]events.Event{{Type: events.TypeInviteDenied, Actor: actor, Data: invitePayload(inv)}}, nil
}

// RevokeInvite withdraws the pending invite from actor's island to target.
func (w *World) RevokeInvite(actor, target string) (InviteResult, []events.Event, error) {
	isl, err := w.owned(actor)
	if err != nil {
		return InviteResult{}, nil, err
	}
	for _, inv := range w.invites {
		if inv.IslandID == isl.ID && inv.To == target {
			w.closeInvite(inv)
			return InviteResult{InviteID: inv.ID, MembersCount: len(isl.Members), MembersLimit: w.limit},
				[]events.Event{{Type: events.TypeInviteRevoked, Actor: actor, Data: invitePayload(inv)}}, nil
		}
	}
	return InviteResult{}, nil, protocol.Errorf(protocol.CodeInviteNotFound, "no pending invite for %s", target)
}

// Kick removes target from the island actor owns.
func (w *World) Kick(actor, target string) (MembershipResult, []events.Event, error) {
	if target == actor {
		return MembershipResult{}, nil, protocol.NewError(protocol.CodeBadRequest, "you cannot kick yourself")
	}
	isl, err := w.owned(actor)
	if err != nil {
		return MembershipResult{}, nil, err
	}
	if !isl.has(target) {
		return MembershipResult{}, nil, protocol.Errorf(protocol.CodeNotFound, "%s is not a member of your island", target)
	}
	isl.remove(target)
	delete(w.memberOf, target)
	w.record(Change{Kind: ChangeLeft, Player: target})

	return MembershipResult{IslandID: isl.ID, MembersCount: len(isl.Members), MembersLimit: w.limit},
		[]events.Event{{Type: events.TypeMemberLeft, Actor: actor, Data: MemberPayload{IslandID: isl.ID, Player: target, Reason: "kicked"}}}, nil
}

// PendingInvites returns the invites addressed to player, oldest first.
func (w *World) PendingInvites(player string) []Invite {
	var out []Invite
	for _, inv := range w.invites {
		if inv.To == player {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (w *World) inviteFor(actor, inviteID string) (*Invite, error) {
	if inviteID != "" {
		inv, ok := w.invites[inviteID]
		if !ok || inv.To != actor {
			return nil, protocol.Errorf(protocol.CodeInviteNotFound, "invite %s not found", inviteID)
		}
		return inv, nil
	}
	pending := w.PendingInvites(actor)
	if len(pending) == 0 {
		return nil, protocol.NewError(protocol.CodeInviteNotFound, "you have no pending invites")
	}
	return w.invites[pending[0].ID], nil
}

func (w *World) memberCount(islandID string) int {
	if isl, ok := w.islands[islandID]; ok {
		return len(isl.Members)
	}
	return 0
}

func (w *World) closeInvite(inv *Invite) {
	delete(w.invites, inv.ID)
	w.record(Change{Kind: ChangeInviteClosed, Player: inv.To, From: inv.From})
}

func (w *World) dropInvitesTo(player string) {
	for _, inv := range w.invites {
		if inv.To == player {
			w.closeInvite(inv)
		}
	}
}

func (w *World) dropInvitesFrom(islandID string) {
	for _, inv := range w.invites {
		if inv.IslandID == islandID {
			w.closeInvite(inv)
		}
	}
}

func invitePayload(inv *Invite) InvitePayload {
	return InvitePayload{InviteID: inv.ID, IslandID: inv.IslandID, From: inv.From, To: inv.To}
}
