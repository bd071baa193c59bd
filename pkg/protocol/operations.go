package protocol

// Operation is a member of the closed set of wire operations. The string
// value is the stable wire name; removing or renaming one breaks callers.
type Operation string

const (
	OpPing         Operation = "ping"
	OpIslandCreate Operation = "island.create"
	OpIslandGet    Operation = "island.get"
	OpIslandLeave  Operation = "island.leave"
	OpInviteCreate Operation = "invite.create"
	OpInviteAccept Operation = "invite.accept"
	OpInviteDeny   Operation = "invite.deny"
	OpInviteRevoke Operation = "invite.revoke"
	OpMembersList  Operation = "members.list"
	OpMemberKick   Operation = "member.kick"
)

var operations = []Operation{
	OpPing,
	OpIslandCreate,
	OpIslandGet,
	OpIslandLeave,
	OpInviteCreate,
	OpInviteAccept,
	OpInviteDeny,
	OpInviteRevoke,
	OpMembersList,
	OpMemberKick,
}

var operationIndex = func() map[string]Operation {
	m := make(map[string]Operation, len(operations))
	for _, op := range operations {
		m[string(op)] = op
	}
	return m
}()

// Operations returns every known operation in declaration order.
func Operations() []Operation {
	out := make([]Operation, len(operations))
	copy(out, operations)
	return out
}

// ParseOperation resolves a wire name to its operation.
func ParseOperation(name string) (Operation, bool) {
	op, ok := operationIndex[name]
	return op, ok
}

func (o Operation) String() string {
	return string(o)
}
