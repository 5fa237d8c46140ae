// Package rbac provides party permission checks.
package rbac

import (
	"fmt"

	"github.com/NicolasHaas/rally/pkg/model"
)

// PartyRole is a user's standing within one party.
type PartyRole int

const (
	RoleOutsider PartyRole = iota
	RoleMember
	RoleLeader
)

func (r PartyRole) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleMember:
		return "member"
	default:
		return "outsider"
	}
}

// Permission is an action on a party.
type Permission int

const (
	PermLeave Permission = iota + 1
	PermKick
	PermDisband
)

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[PartyRole]map[Permission]bool{
	RoleLeader: {
		PermLeave:   true,
		PermKick:    true,
		PermDisband: true,
	},
	RoleMember: {
		PermLeave: true,
	},
	RoleOutsider: {
		// Nothing until they join
	},
}

// RoleOf returns userID's role in p.
func RoleOf(p *model.Party, userID string) PartyRole {
	switch {
	case p.IsLeader(userID):
		return RoleLeader
	case p.HasMember(userID):
		return RoleMember
	default:
		return RoleOutsider
	}
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role PartyRole, perm Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// Require returns nil if userID may perform perm on p. Non-members get
// model.ErrNotFound, members lacking the permission get model.ErrNotLeader.
func Require(p *model.Party, userID string, perm Permission) error {
	role := RoleOf(p, userID)
	if HasPermission(role, perm) {
		return nil
	}
	if role == RoleOutsider && perm == PermLeave {
		return fmt.Errorf("%s is not in party %s: %w", userID, p.ID, model.ErrNotFound)
	}
	return fmt.Errorf("%s requires leader: %w", permName(perm), model.ErrNotLeader)
}

func permName(p Permission) string {
	switch p {
	case PermLeave:
		return "leave"
	case PermKick:
		return "kick"
	case PermDisband:
		return "disband"
	default:
		return "unknown"
	}
}
