// Package party implements the party lifecycle: create, join, leave, kick and
// disband.
//
// Every membership change is a set delta against the store (add one member,
// remove one member, delete the party), so concurrent changes from different
// users commute. The one-party-per-user rule and the capacity rule are
// checked before writing and are therefore best effort, unless exclusive joins
// are enabled, in which case the store performs the membership check and the
// add as one conditional write.
package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/rally/pkg/metrics"
	"github.com/NicolasHaas/rally/pkg/model"
	"github.com/NicolasHaas/rally/pkg/notify"
	"github.com/NicolasHaas/rally/pkg/presence"
	"github.com/NicolasHaas/rally/pkg/rbac"
	"github.com/NicolasHaas/rally/pkg/store"
)

// Directory resolves users.
type Directory interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Options configures a Manager. Zero values are usable.
type Options struct {
	Oracle  *presence.Oracle
	Sink    notify.Sink
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string

	// ExclusiveJoins makes joins fail atomically when the user is already in
	// any party.
	ExclusiveJoins bool
}

// Manager owns the party lifecycle rules.
type Manager struct {
	parties   store.PartyStore
	users     Directory
	oracle    *presence.Oracle
	sink      notify.Sink
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
	exclusive bool
}

// NewManager creates a Manager.
func NewManager(parties store.PartyStore, users Directory, opts Options) *Manager {
	m := &Manager{
		parties:   parties,
		users:     users,
		oracle:    opts.Oracle,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		now:       opts.Now,
		newID:     opts.NewID,
		exclusive: opts.ExclusiveJoins,
	}
	if m.sink == nil {
		m.sink = notify.Discard{}
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString() }
	}
	return m
}

// CreateRequest describes a new party.
type CreateRequest struct {
	Branch    string `json:"branch"`
	FounderID string `json:"founder_id"`
	Name      string `json:"name"`
	Activity  string `json:"activity"`
	Capacity  int    `json:"capacity"`
}

// CreateParty founds a party with the founder as leader and sole member.
func (m *Manager) CreateParty(ctx context.Context, req CreateRequest) (*model.Party, error) {
	if req.Capacity == 0 {
		req.Capacity = model.DefaultPartyCapacity
	}
	founder, err := m.users.GetUser(ctx, req.FounderID)
	if err != nil {
		return nil, m.fail("create", err)
	}

	p := model.NewParty(m.newID(), req.Branch, founder.Ref(), req.Name, req.Activity, req.Capacity, m.now())
	if err := p.Validate(); err != nil {
		return nil, m.fail("create", err)
	}

	// Membership is checked across all branches.
	existing, err := m.parties.ListParties(ctx, store.PartyFilter{MemberID: founder.ID})
	if err != nil {
		return nil, m.fail("create", err)
	}
	if len(existing) > 0 {
		return nil, m.fail("create", fmt.Errorf("%s is in party %s: %w", founder.ID, existing[0].ID, model.ErrAlreadyInParty))
	}
	if founder.Branch != p.Branch {
		return nil, m.fail("create", model.ErrWrongBranch)
	}

	if err := m.parties.CreateParty(ctx, p); err != nil {
		return nil, m.fail("create", err)
	}
	m.metrics.PartyCreated()
	slog.Info("party created", "party", p.ID, "branch", p.Branch, "leader", p.LeaderID, "capacity", p.Capacity)
	return p, nil
}

// JoinParty adds userID to the party.
//
// The capacity check reads the party and then writes, so two joins racing for
// the last seat may both succeed. The resulting over-capacity party is left
// for the sweeper to report.
func (m *Manager) JoinParty(ctx context.Context, partyID, userID string) (*model.Party, error) {
	p, err := m.parties.GetParty(ctx, partyID)
	if err != nil {
		return nil, m.fail("join", err)
	}
	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return nil, m.fail("join", err)
	}

	if p.HasMember(u.ID) {
		return nil, m.fail("join", model.ErrAlreadyInParty)
	}
	existing, err := m.parties.ListParties(ctx, store.PartyFilter{MemberID: u.ID})
	if err != nil {
		return nil, m.fail("join", err)
	}
	if len(existing) > 0 {
		return nil, m.fail("join", fmt.Errorf("%s is in party %s: %w", u.ID, existing[0].ID, model.ErrAlreadyInParty))
	}
	if u.Branch != p.Branch {
		return nil, m.fail("join", model.ErrWrongBranch)
	}
	if p.IsFull() {
		return nil, m.fail("join", model.ErrPartyFull)
	}

	ref := u.Ref()
	if m.exclusive {
		err = m.parties.AddMemberExclusive(ctx, p.ID, ref)
	} else {
		err = m.parties.AddMember(ctx, p.ID, ref)
	}
	if err != nil {
		return nil, m.fail("join", err)
	}
	p.AddMember(ref)
	m.metrics.Joined()
	slog.Debug("party joined", "party", p.ID, "user", u.ID, "size", p.Size(), "capacity", p.Capacity)
	return p, nil
}

// LeaveParty removes userID from the party. When the leader leaves, the whole
// party is disbanded; that path requires confirm and otherwise returns
// model.ErrConfirmationRequired without changing anything. It reports whether
// the party was disbanded.
func (m *Manager) LeaveParty(ctx context.Context, partyID, userID string, confirm bool) (bool, error) {
	p, err := m.parties.GetParty(ctx, partyID)
	if err != nil {
		return false, m.fail("leave", err)
	}
	if err := rbac.Require(p, userID, rbac.PermLeave); err != nil {
		return false, m.fail("leave", err)
	}

	if p.IsLeader(userID) {
		if !confirm {
			return false, m.fail("leave", model.ErrConfirmationRequired)
		}
		if err := m.disband(ctx, p); err != nil {
			return false, m.fail("leave", err)
		}
		return true, nil
	}

	if err := m.parties.RemoveMember(ctx, p.ID, userID); err != nil {
		return false, m.fail("leave", err)
	}
	m.metrics.Left()
	slog.Debug("party left", "party", p.ID, "user", userID)
	return false, nil
}

// KickMember removes target on behalf of the leader.
func (m *Manager) KickMember(ctx context.Context, partyID, requesterID, targetID string) error {
	p, err := m.parties.GetParty(ctx, partyID)
	if err != nil {
		return m.fail("kick", err)
	}
	if err := rbac.Require(p, requesterID, rbac.PermKick); err != nil {
		return m.fail("kick", err)
	}
	if requesterID == targetID {
		return m.fail("kick", model.ErrCannotKickSelf)
	}
	if !p.HasMember(targetID) {
		return m.fail("kick", fmt.Errorf("%s is not in party %s: %w", targetID, p.ID, model.ErrNotFound))
	}

	if err := m.parties.RemoveMember(ctx, p.ID, targetID); err != nil {
		return m.fail("kick", err)
	}
	m.metrics.Kicked()
	slog.Info("party member kicked", "party", p.ID, "leader", requesterID, "user", targetID)
	m.emit(ctx, notify.Event{Kind: notify.KindKicked, PartyID: p.ID, Branch: p.Branch, UserIDs: []string{targetID}})
	return nil
}

// DisbandParty deletes the party on behalf of its leader.
func (m *Manager) DisbandParty(ctx context.Context, partyID, requesterID string) error {
	p, err := m.parties.GetParty(ctx, partyID)
	if err != nil {
		return m.fail("disband", err)
	}
	if err := rbac.Require(p, requesterID, rbac.PermDisband); err != nil {
		return m.fail("disband", err)
	}
	if err := m.disband(ctx, p); err != nil {
		return m.fail("disband", err)
	}
	return nil
}

// Disband deletes the party without a permission check.
func (m *Manager) Disband(ctx context.Context, partyID string) error {
	p, err := m.parties.GetParty(ctx, partyID)
	if err != nil {
		return m.fail("disband", err)
	}
	if err := m.disband(ctx, p); err != nil {
		return m.fail("disband", err)
	}
	return nil
}

func (m *Manager) disband(ctx context.Context, p *model.Party) error {
	if err := m.parties.DeleteParty(ctx, p.ID); err != nil {
		return err
	}
	m.metrics.PartyDisbanded()
	slog.Info("party disbanded", "party", p.ID, "branch", p.Branch, "members", p.Size())
	m.emit(ctx, notify.Event{Kind: notify.KindDisbanded, PartyID: p.ID, Branch: p.Branch, UserIDs: append([]string(nil), p.MemberIDs...)})
	return nil
}

// Get returns a party.
func (m *Manager) Get(ctx context.Context, partyID string) (*model.Party, error) {
	p, err := m.parties.GetParty(ctx, partyID)
	if err != nil {
		return nil, fmt.Errorf("party: get: %w", err)
	}
	return p, nil
}

// ListBranch returns the parties of a branch, oldest first.
func (m *Manager) ListBranch(ctx context.Context, branch string) ([]*model.Party, error) {
	if err := model.ValidateBranch(branch); err != nil {
		return nil, fmt.Errorf("party: list: %w", err)
	}
	ps, err := m.parties.ListParties(ctx, store.PartyFilter{Branch: branch})
	if err != nil {
		return nil, fmt.Errorf("party: list: %w", err)
	}
	return ps, nil
}

// PartyOf returns the party userID belongs to. If a race left the user in
// several parties, the oldest is returned.
func (m *Manager) PartyOf(ctx context.Context, userID string) (*model.Party, error) {
	ps, err := m.parties.ListParties(ctx, store.PartyFilter{MemberID: userID})
	if err != nil {
		return nil, fmt.Errorf("party: lookup member: %w", err)
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("party: lookup member %s: %w", userID, model.ErrNotFound)
	}
	return ps[0], nil
}

// RosterEntry is a member with its current presence verdict.
type RosterEntry struct {
	model.MemberRef
	Leader bool `json:"leader"`
	Online bool `json:"online"`
}

// Roster is a party as shown to users.
type Roster struct {
	Party   *model.Party  `json:"party"`
	Members []RosterEntry `json:"members"`
	Full    bool          `json:"full"`
}

// Roster returns the party with the same presence verdicts the sweeper uses.
func (m *Manager) Roster(ctx context.Context, partyID string) (*Roster, error) {
	p, err := m.parties.GetParty(ctx, partyID)
	if err != nil {
		return nil, fmt.Errorf("party: roster: %w", err)
	}
	online := map[string]bool{}
	if m.oracle != nil {
		if online, err = m.oracle.Verdicts(ctx, p.MemberIDs); err != nil {
			return nil, fmt.Errorf("party: roster: %w", err)
		}
	}
	r := &Roster{Party: p, Full: p.IsFull(), Members: make([]RosterEntry, 0, len(p.Members))}
	for _, mem := range p.Members {
		r.Members = append(r.Members, RosterEntry{
			MemberRef: mem,
			Leader:    p.IsLeader(mem.UserID),
			Online:    online[mem.UserID],
		})
	}
	return r, nil
}

func (m *Manager) emit(ctx context.Context, ev notify.Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	if err := m.sink.Notify(ctx, ev); err != nil {
		slog.Warn("party: notify failed", "kind", string(ev.Kind), "party", ev.PartyID, "err", err)
	}
}

// fail wraps err for op and counts domain rejections.
func (m *Manager) fail(op string, err error) error {
	if IsRejection(err) {
		m.metrics.Reject()
	}
	return fmt.Errorf("party: %s: %w", op, err)
}

// IsRejection reports whether err is a deterministic refusal meant for the
// user, as opposed to a missing record or a storage failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		model.ErrAlreadyInParty,
		model.ErrWrongBranch,
		model.ErrPartyFull,
		model.ErrNotLeader,
		model.ErrCannotKickSelf,
		model.ErrConfirmationRequired,
		model.ErrQueueFull,
		model.ErrOnCooldown,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
