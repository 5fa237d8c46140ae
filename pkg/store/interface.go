package store

import (
	"context"
	"time"

	"github.com/NicolasHaas/rally/pkg/model"
)

// PartyFilter is the equality predicate of a party query or subscription.
// Empty fields match everything.
type PartyFilter struct {
	Branch   string
	MemberID string
}

// Match reports whether p satisfies the filter.
func (f PartyFilter) Match(p *model.Party) bool {
	if f.Branch != "" && p.Branch != f.Branch {
		return false
	}
	if f.MemberID != "" && !p.HasMember(f.MemberID) {
		return false
	}
	return true
}

// OpKind identifies a batched mutation.
type OpKind int

const (
	OpAddMember OpKind = iota + 1
	OpRemoveMember
	OpDeleteParty
)

func (k OpKind) String() string {
	switch k {
	case OpAddMember:
		return "add_member"
	case OpRemoveMember:
		return "remove_member"
	case OpDeleteParty:
		return "delete_party"
	default:
		return "unknown"
	}
}

// Op is one atomic set mutation against a party.
type Op struct {
	Kind    OpKind
	PartyID string
	Member  model.MemberRef
	UserID  string
}

// AddMember adds m to the party's member set.
func AddMember(partyID string, m model.MemberRef) Op {
	return Op{Kind: OpAddMember, PartyID: partyID, Member: m, UserID: m.UserID}
}

// RemoveMember removes userID from the party's member set.
func RemoveMember(partyID, userID string) Op {
	return Op{Kind: OpRemoveMember, PartyID: partyID, UserID: userID}
}

// DeleteParty removes the whole party.
func DeleteParty(partyID string) Op {
	return Op{Kind: OpDeleteParty, PartyID: partyID}
}

// Batch is a group of operations applied together. Operations against a party
// that no longer exists are skipped.
type Batch []Op

// Snapshot is the full result set of a subscription at one point in time.
type Snapshot struct {
	Parties []*model.Party `json:"parties"`
}

// PartyStore persists parties. Member mutations are set deltas that touch the
// member list and the id mirror together.
type PartyStore interface {
	// CreateParty stores a new party.
	CreateParty(ctx context.Context, p *model.Party) error

	// GetParty returns a copy of the party or model.ErrNotFound.
	GetParty(ctx context.Context, id string) (*model.Party, error)

	// ListParties returns all parties matching the filter, oldest first.
	ListParties(ctx context.Context, filter PartyFilter) ([]*model.Party, error)

	// DeleteParty removes a party. Deleting a missing party is model.ErrNotFound.
	DeleteParty(ctx context.Context, id string) error

	// AddMember adds m if absent. Returns model.ErrNotFound if the party is gone.
	AddMember(ctx context.Context, partyID string, m model.MemberRef) error

	// AddMemberExclusive adds m only if m belongs to no party at all, as one
	// conditional write. Returns model.ErrAlreadyInParty otherwise.
	AddMemberExclusive(ctx context.Context, partyID string, m model.MemberRef) error

	// RemoveMember removes userID if present. Returns model.ErrNotFound if the
	// party is gone.
	RemoveMember(ctx context.Context, partyID, userID string) error

	// Apply commits all operations of the batch or none of them.
	Apply(ctx context.Context, b Batch) error

	// Subscribe streams the current matching snapshot, then a new one after each
	// change to the result set. The channel is closed when ctx ends.
	Subscribe(ctx context.Context, filter PartyFilter) (<-chan Snapshot, error)
}

// UserStore is the user directory and the default presence source.
type UserStore interface {
	// PutUser creates or replaces the directory fields of a user. Presence is
	// left untouched for existing users.
	PutUser(ctx context.Context, u *model.User) error

	// GetUser returns a copy of the user or model.ErrNotFound.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns all users ordered by id.
	ListUsers(ctx context.Context) ([]model.User, error)

	// Presence returns the stored presence records of the requested users.
	Presence(ctx context.Context, userIDs []string) (map[string]model.Presence, error)

	// Heartbeat records a status report for a known user.
	Heartbeat(ctx context.Context, userID, status string, at time.Time) error
}

// QueueStore persists waiting lines and cooldowns.
type QueueStore interface {
	// QueueEntries returns the line in join order.
	QueueEntries(ctx context.Context, queueID string) ([]model.QueueEntry, error)

	// AppendQueueEntry appends e unless already present. It reports whether the
	// line changed, and returns model.ErrQueueFull when limit entries are queued.
	AppendQueueEntry(ctx context.Context, queueID string, e model.QueueEntry, limit int) (bool, error)

	// RemoveQueueEntry removes userID and reports whether it was present.
	RemoveQueueEntry(ctx context.Context, queueID, userID string) (bool, error)

	// PopQueueEntry removes and returns the head of the line, or model.ErrNotFound.
	PopQueueEntry(ctx context.Context, queueID string) (model.QueueEntry, error)

	// GetCooldown returns the user's cooldown. Returns (nil, nil) if there is none.
	GetCooldown(ctx context.Context, userID string) (*model.Cooldown, error)

	// SetCooldown sets or replaces a cooldown.
	SetCooldown(ctx context.Context, c model.Cooldown) error

	// ClearCooldown removes a cooldown. Clearing a missing cooldown is a no-op.
	ClearCooldown(ctx context.Context, userID string) error
}

// Store is the complete persistence contract used by the engine.
// Implementations: the SQLite Store and the in-memory MemoryStore.
type Store interface {
	PartyStore
	UserStore
	QueueStore

	// Close releases the underlying storage.
	Close() error
}

// Compile-time checks.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
