// Package queue coordinates first-come-first-served waiting lines with a
// capacity bound and a cooldown gate.
//
// Positions are never stored: an entrant's position is its index in the line
// plus one, computed at read time, so a leave shifts everyone behind it.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/NicolasHaas/rally/pkg/metrics"
	"github.com/NicolasHaas/rally/pkg/model"
	"github.com/NicolasHaas/rally/pkg/store"
)

// Directory resolves users.
type Directory interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Coordinator enforces the queue rules.
type Coordinator struct {
	store    store.QueueStore
	users    Directory
	capacity int
	metrics  *metrics.Metrics
}

// NewCoordinator creates a Coordinator. A non-positive capacity falls back to
// model.DefaultQueueCapacity.
func NewCoordinator(st store.QueueStore, users Directory, capacity int, m *metrics.Metrics) *Coordinator {
	if capacity <= 0 {
		capacity = model.DefaultQueueCapacity
	}
	return &Coordinator{store: st, users: users, capacity: capacity, metrics: m}
}

// Capacity returns the line bound.
func (c *Coordinator) Capacity() int {
	return c.capacity
}

// Join appends userID to the line and returns its position. A user on
// cooldown is refused whatever the length of the line. Joining again returns
// the current position.
func (c *Coordinator) Join(ctx context.Context, queueID, userID string) (int, error) {
	if strings.TrimSpace(queueID) == "" {
		return 0, fmt.Errorf("queue: join: %w", model.ErrNotFound)
	}
	cd, err := c.store.GetCooldown(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("queue: join: %w", err)
	}
	if cd != nil {
		c.metrics.Reject()
		return 0, fmt.Errorf("queue: join: %s (%s): %w", userID, cd.Reason, model.ErrOnCooldown)
	}

	entries, err := c.store.QueueEntries(ctx, queueID)
	if err != nil {
		return 0, fmt.Errorf("queue: join: %w", err)
	}
	if pos := position(entries, userID); pos > 0 {
		return pos, nil
	}
	if len(entries) >= c.capacity {
		c.metrics.Reject()
		return 0, fmt.Errorf("queue: join: %w", model.ErrQueueFull)
	}

	u, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("queue: join: %w", err)
	}
	if _, err := c.store.AppendQueueEntry(ctx, queueID, model.QueueEntryFor(u), c.capacity); err != nil {
		return 0, fmt.Errorf("queue: join: %w", err)
	}
	c.metrics.QueueJoined()

	pos, ok, err := c.PositionOf(ctx, queueID, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		// Served or removed between the append and the read.
		return 0, fmt.Errorf("queue: join: %s left %s: %w", userID, queueID, model.ErrNotFound)
	}
	slog.Debug("queue joined", "queue", queueID, "user", userID, "position", pos)
	return pos, nil
}

// Leave removes userID from the line.
func (c *Coordinator) Leave(ctx context.Context, queueID, userID string) error {
	removed, err := c.store.RemoveQueueEntry(ctx, queueID, userID)
	if err != nil {
		return fmt.Errorf("queue: leave: %w", err)
	}
	if !removed {
		return fmt.Errorf("queue: leave: %s not in %s: %w", userID, queueID, model.ErrNotFound)
	}
	c.metrics.QueueLeft()
	return nil
}

// PositionOf returns userID's 1-based position, or false if not in the line.
func (c *Coordinator) PositionOf(ctx context.Context, queueID, userID string) (int, bool, error) {
	entries, err := c.store.QueueEntries(ctx, queueID)
	if err != nil {
		return 0, false, fmt.Errorf("queue: position: %w", err)
	}
	pos := position(entries, userID)
	return pos, pos > 0, nil
}

// Entries returns the line in order.
func (c *Coordinator) Entries(ctx context.Context, queueID string) ([]model.QueueEntry, error) {
	entries, err := c.store.QueueEntries(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("queue: entries: %w", err)
	}
	return entries, nil
}

// Serve removes and returns the head of the line.
func (c *Coordinator) Serve(ctx context.Context, queueID string) (model.QueueEntry, error) {
	e, err := c.store.PopQueueEntry(ctx, queueID)
	if err != nil {
		return model.QueueEntry{}, fmt.Errorf("queue: serve: %w", err)
	}
	c.metrics.Served()
	slog.Info("queue served", "queue", queueID, "user", e.UserID)
	return e, nil
}

// GrantCooldown blocks userID from every queue until cleared. It is driven by
// events outside the coordinator, such as a win declaration.
func (c *Coordinator) GrantCooldown(ctx context.Context, userID, reason string) error {
	if err := c.store.SetCooldown(ctx, model.Cooldown{UserID: userID, Reason: reason}); err != nil {
		return fmt.Errorf("queue: grant cooldown: %w", err)
	}
	slog.Info("cooldown granted", "user", userID, "reason", reason)
	return nil
}

// ClearCooldown lifts a cooldown.
func (c *Coordinator) ClearCooldown(ctx context.Context, userID string) error {
	if err := c.store.ClearCooldown(ctx, userID); err != nil {
		return fmt.Errorf("queue: clear cooldown: %w", err)
	}
	return nil
}

// Cooldown returns the user's cooldown, or nil.
func (c *Coordinator) Cooldown(ctx context.Context, userID string) (*model.Cooldown, error) {
	cd, err := c.store.GetCooldown(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("queue: cooldown: %w", err)
	}
	return cd, nil
}

func position(entries []model.QueueEntry, userID string) int {
	return slices.IndexFunc(entries, func(e model.QueueEntry) bool { return e.UserID == userID }) + 1
}
