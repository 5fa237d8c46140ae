package model

import "errors"

// Operation outcomes returned to callers. They are deterministic and meant to be
// shown to the user as-is, except ErrNotFound (a benign read/write race) and
// ErrStoreUnavailable (retryable).
var (
	ErrAlreadyInParty       = errors.New("user already belongs to a party")
	ErrWrongBranch          = errors.New("user belongs to a different branch")
	ErrPartyFull            = errors.New("party is full")
	ErrNotLeader            = errors.New("only the party leader can do that")
	ErrCannotKickSelf       = errors.New("leader cannot kick themselves")
	ErrConfirmationRequired = errors.New("leader leaving disbands the party: confirmation required")
	ErrQueueFull            = errors.New("queue is full")
	ErrOnCooldown           = errors.New("user is on cooldown")
	ErrNotFound             = errors.New("not found")
	ErrStoreUnavailable     = errors.New("store unavailable")
)
