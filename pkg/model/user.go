package model

import (
	"strings"
	"time"
)

// StatusOnline is the only presence status that can make a user online.
const StatusOnline = "online"

// StatusOffline is written when a client signs off cleanly.
const StatusOffline = "offline"

// Presence is the liveness signal reported for a user by the heartbeat.
// A zero LastSeen means the record predates presence tracking.
type Presence struct {
	Status   string    `json:"status" yaml:"status"`
	LastSeen time.Time `json:"last_seen,omitempty" yaml:"last_seen,omitempty"`
}

// User is a community member as known to the directory.
type User struct {
	ID          string    `json:"id" yaml:"id"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
	Role        RoleTag   `json:"role" yaml:"role"`
	Avatar      string    `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	Branch      string    `json:"branch" yaml:"branch"`
	Presence    Presence  `json:"presence" yaml:"presence"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Ref returns the immutable snapshot copied into a party or queue.
func (u *User) Ref() MemberRef {
	return MemberRef{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Avatar:      u.Avatar,
	}
}

// Validate checks the directory fields of a user.
func (u *User) Validate() error {
	if err := u.Ref().Validate(); err != nil {
		return err
	}
	return ValidateBranch(u.Branch)
}

// NormalizeStatus lowercases and trims a reported status.
func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
