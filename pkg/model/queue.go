package model

import "time"

// DefaultQueueCapacity bounds a waiting line.
const DefaultQueueCapacity = 30

// QueueEntry is one entrant of a waiting line. Its position is derived from
// its index in the line and is never stored.
type QueueEntry struct {
	UserID      string  `json:"user_id" yaml:"user_id"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	Role        RoleTag `json:"role" yaml:"role"`
}

// QueueEntryFor builds the queue snapshot of a user.
func QueueEntryFor(u *User) QueueEntry {
	return QueueEntry{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}
}

// Cooldown blocks a user from entering any queue until it is cleared.
type Cooldown struct {
	UserID string    `json:"user_id" yaml:"user_id"`
	Reason string    `json:"reason" yaml:"reason"`
	Since  time.Time `json:"since" yaml:"since"`
}
