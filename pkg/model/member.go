// Package model defines the core domain types for rally.
package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// RoleTag is the play style a member advertises to their party.
type RoleTag string

const (
	RoleDPS    RoleTag = "DPS"
	RoleTank   RoleTag = "TANK"
	RoleHealer RoleTag = "HEALER"
	RoleHybrid RoleTag = "HYBRID"
)

const (
	MaxUserIDLength      = 64
	MaxDisplayNameLength = 32
)

var ErrUserIDEmpty = errors.New("user id must not be empty")
var ErrUserIDTooLong = fmt.Errorf("user id must not exceed %d characters", MaxUserIDLength)
var ErrDisplayNameEmpty = errors.New("display name must not be empty")
var ErrDisplayNameTooLong = fmt.Errorf("display name must not exceed %d characters", MaxDisplayNameLength)
var ErrInvalidRoleTag = errors.New("invalid role: must be DPS, TANK, HEALER or HYBRID")

// Valid returns true if the tag is one of the four known roles.
func (r RoleTag) Valid() bool {
	switch r {
	case RoleDPS, RoleTank, RoleHealer, RoleHybrid:
		return true
	default:
		return false
	}
}

func (r RoleTag) String() string {
	return string(r)
}

// ParseRoleTag converts a case-insensitive role name to a RoleTag.
func ParseRoleTag(s string) (RoleTag, error) {
	r := RoleTag(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", ErrInvalidRoleTag
	}
	return r, nil
}

// MemberRef is the snapshot of a user copied into a party when they join.
// It is never refreshed from the user record afterwards.
type MemberRef struct {
	UserID      string  `json:"user_id" yaml:"user_id"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	Role        RoleTag `json:"role" yaml:"role"`
	Avatar      string  `json:"avatar,omitempty" yaml:"avatar,omitempty"`
}

// Validate checks identity, name and role of the reference.
func (m MemberRef) Validate() error {
	if err := ValidateUserID(m.UserID); err != nil {
		return err
	}
	if strings.TrimSpace(m.DisplayName) == "" {
		return ErrDisplayNameEmpty
	} else if utf8.RuneCountInString(m.DisplayName) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	if !m.Role.Valid() {
		return ErrInvalidRoleTag
	}
	return nil
}

// ValidateUserID checks that an opaque user id is present and bounded.
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	return nil
}
