package model

import (
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MinPartyCapacity     = 2
	MaxPartyCapacity     = 10
	MaxPartyNameLength   = 64
	MaxActivityLength    = 128
	MaxBranchNameLength  = 64
	DefaultPartyCapacity = 5
)

var ErrPartyNameEmpty = errors.New("party name must not be empty")
var ErrPartyNameTooLong = errors.New("party name too long")
var ErrActivityTooLong = errors.New("party activity too long")
var ErrInvalidCapacity = errors.New("party capacity out of range (2-10)")
var ErrBranchEmpty = errors.New("branch must not be empty")
var ErrBranchTooLong = errors.New("branch name too long")
var ErrLeaderNotMember = errors.New("party leader must be a member")
var ErrMirrorMismatch = errors.New("party member list and member id set disagree")

// Party is an ephemeral group scoped to one branch.
//
// Members and MemberIDs describe the same set of identities: Members carries the
// snapshot shown to users, MemberIDs is the flat mirror used for equality
// filtering. Both are only ever changed together through AddMember and RemoveMember.
type Party struct {
	ID        string      `json:"id" yaml:"id"`
	Branch    string      `json:"branch" yaml:"branch"`
	LeaderID  string      `json:"leader_id" yaml:"leader_id"`
	Name      string      `json:"name" yaml:"name"`
	Activity  string      `json:"activity" yaml:"activity"`
	Capacity  int         `json:"capacity" yaml:"capacity"`
	Members   []MemberRef `json:"members" yaml:"members"`
	MemberIDs []string    `json:"member_ids" yaml:"member_ids"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
}

// NewParty returns a party with founder as leader and sole member.
func NewParty(id, branch string, founder MemberRef, name, activity string, capacity int, now time.Time) *Party {
	return &Party{
		ID:        id,
		Branch:    branch,
		LeaderID:  founder.UserID,
		Name:      strings.TrimSpace(name),
		Activity:  strings.TrimSpace(activity),
		Capacity:  capacity,
		Members:   []MemberRef{founder},
		MemberIDs: []string{founder.UserID},
		CreatedAt: now.UTC(),
	}
}

// Validate checks the declared fields and structural invariants of a party.
func (p *Party) Validate() error {
	if err := ValidateBranch(p.Branch); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return ErrPartyNameEmpty
	} else if utf8.RuneCountInString(p.Name) > MaxPartyNameLength {
		return ErrPartyNameTooLong
	}
	if utf8.RuneCountInString(p.Activity) > MaxActivityLength {
		return ErrActivityTooLong
	}
	if err := ValidateCapacity(p.Capacity); err != nil {
		return err
	}
	if !p.MirrorConsistent() {
		return ErrMirrorMismatch
	}
	if !p.HasMember(p.LeaderID) {
		return ErrLeaderNotMember
	}
	return nil
}

// ValidateCapacity checks a declared party size.
func ValidateCapacity(capacity int) error {
	if capacity < MinPartyCapacity || capacity > MaxPartyCapacity {
		return ErrInvalidCapacity
	}
	return nil
}

// ValidateBranch checks a branch name.
func ValidateBranch(branch string) error {
	if strings.TrimSpace(branch) == "" {
		return ErrBranchEmpty
	}
	if utf8.RuneCountInString(branch) > MaxBranchNameLength {
		return ErrBranchTooLong
	}
	return nil
}

// HasMember reports whether userID is in the identity set.
func (p *Party) HasMember(userID string) bool {
	return slices.Contains(p.MemberIDs, userID)
}

// Member returns the member reference for userID.
func (p *Party) Member(userID string) (MemberRef, bool) {
	for _, m := range p.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return MemberRef{}, false
}

// Size returns the current member count.
func (p *Party) Size() int {
	return len(p.MemberIDs)
}

// IsFull reports whether no seat is left. Over-capacity parties are also full.
func (p *Party) IsFull() bool {
	return p.Size() >= p.Capacity
}

// IsLeader reports whether userID leads the party.
func (p *Party) IsLeader(userID string) bool {
	return userID != "" && p.LeaderID == userID
}

// AddMember adds m to both the member list and the id set if absent.
// It reports whether the party changed.
func (p *Party) AddMember(m MemberRef) bool {
	if p.HasMember(m.UserID) {
		return false
	}
	p.Members = append(p.Members, m)
	p.MemberIDs = append(p.MemberIDs, m.UserID)
	return true
}

// RemoveMember removes userID from both the member list and the id set.
// It reports whether the party changed.
func (p *Party) RemoveMember(userID string) bool {
	if !p.HasMember(userID) {
		return false
	}
	p.Members = slices.DeleteFunc(p.Members, func(m MemberRef) bool { return m.UserID == userID })
	p.MemberIDs = slices.DeleteFunc(p.MemberIDs, func(id string) bool { return id == userID })
	return true
}

// MirrorConsistent reports whether Members and MemberIDs hold exactly the same
// identities, each once.
func (p *Party) MirrorConsistent() bool {
	if len(p.Members) != len(p.MemberIDs) {
		return false
	}
	ids := make(map[string]struct{}, len(p.MemberIDs))
	for _, id := range p.MemberIDs {
		if _, dup := ids[id]; dup {
			return false
		}
		ids[id] = struct{}{}
	}
	for _, m := range p.Members {
		if _, ok := ids[m.UserID]; !ok {
			return false
		}
		delete(ids, m.UserID)
	}
	return len(ids) == 0
}

// Clone returns a deep copy.
func (p *Party) Clone() *Party {
	c := *p
	c.Members = slices.Clone(p.Members)
	c.MemberIDs = slices.Clone(p.MemberIDs)
	return &c
}
