package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/rally/pkg/model"
	"github.com/NicolasHaas/rally/pkg/store"
)

// UserYAML is a directory entry in a seed file.
type UserYAML struct {
	ID          string    `yaml:"id"`
	DisplayName string    `yaml:"display_name"`
	Role        string    `yaml:"role"`
	Avatar      string    `yaml:"avatar,omitempty"`
	Branch      string    `yaml:"branch"`
	Status      string    `yaml:"status,omitempty"`
	LastSeen    time.Time `yaml:"last_seen,omitempty"`
}

// QueueYAML is a standing waiting line.
type QueueYAML struct {
	ID    string   `yaml:"id"`
	Users []string `yaml:"users"`
}

// CooldownYAML blocks a user from queueing.
type CooldownYAML struct {
	UserID string `yaml:"user_id"`
	Reason string `yaml:"reason"`
}

// Seed is the top-level YAML of a seed file.
type Seed struct {
	Users     []UserYAML     `yaml:"users"`
	Queues    []QueueYAML    `yaml:"queues,omitempty"`
	Cooldowns []CooldownYAML `yaml:"cooldowns,omitempty"`
}

// SeedStats counts what an import wrote.
type SeedStats struct {
	Users     int
	Queued    int
	Cooldowns int
}

// PartiesExport is the top-level YAML of a party export.
type PartiesExport struct {
	Parties []*model.Party `yaml:"parties"`
}

// UsersExport is the top-level YAML of a user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadSeedFile reads a seed file and imports it into st.
func LoadSeedFile(ctx context.Context, path string, st store.Store, queueCapacity int) (SeedStats, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return SeedStats{}, fmt.Errorf("server: read seed file: %w", err)
	}
	return ImportSeedYAML(ctx, data, st, queueCapacity)
}

// ImportSeedYAML upserts users, appends standing queue entries and sets
// cooldowns. Invalid users are logged and skipped; store failures abort.
func ImportSeedYAML(ctx context.Context, data []byte, st store.Store, queueCapacity int) (SeedStats, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return SeedStats{}, fmt.Errorf("server: parse seed: %w", err)
	}

	var stats SeedStats
	for _, uy := range seed.Users {
		if err := importUser(ctx, st, uy); err != nil {
			if errors.Is(err, model.ErrStoreUnavailable) {
				return stats, err
			}
			slog.Error("skipping seed user", "id", uy.ID, "err", err)
			continue
		}
		stats.Users++
	}

	for _, q := range seed.Queues {
		for _, id := range q.Users {
			u, err := st.GetUser(ctx, id)
			if err != nil {
				slog.Error("skipping seed queue entry", "queue", q.ID, "user", id, "err", err)
				continue
			}
			added, err := st.AppendQueueEntry(ctx, q.ID, model.QueueEntryFor(u), queueCapacity)
			if err != nil {
				if errors.Is(err, model.ErrQueueFull) {
					slog.Warn("seed queue full", "queue", q.ID, "user", id)
					break
				}
				return stats, fmt.Errorf("server: seed queue %s: %w", q.ID, err)
			}
			if added {
				stats.Queued++
			}
		}
	}

	for _, c := range seed.Cooldowns {
		if err := st.SetCooldown(ctx, model.Cooldown{UserID: c.UserID, Reason: c.Reason}); err != nil {
			if errors.Is(err, model.ErrStoreUnavailable) {
				return stats, err
			}
			slog.Error("skipping seed cooldown", "user", c.UserID, "err", err)
			continue
		}
		stats.Cooldowns++
	}

	slog.Info("imported seed", "users", stats.Users, "queued", stats.Queued, "cooldowns", stats.Cooldowns)
	return stats, nil
}

func importUser(ctx context.Context, st store.UserStore, uy UserYAML) error {
	role, err := model.ParseRoleTag(uy.Role)
	if err != nil {
		return err
	}
	u := &model.User{
		ID:          uy.ID,
		DisplayName: uy.DisplayName,
		Role:        role,
		Avatar:      uy.Avatar,
		Branch:      uy.Branch,
		Presence:    model.Presence{Status: uy.Status, LastSeen: uy.LastSeen},
	}
	if err := st.PutUser(ctx, u); err != nil {
		return err
	}
	// PutUser leaves presence of existing users alone.
	if !uy.LastSeen.IsZero() {
		return st.Heartbeat(ctx, uy.ID, uy.Status, uy.LastSeen)
	}
	return nil
}

// ExportPartiesYAML exports all parties as YAML, oldest first.
func ExportPartiesYAML(ctx context.Context, st store.PartyStore) ([]byte, error) {
	parties, err := st.ListParties(ctx, store.PartyFilter{})
	if err != nil {
		return nil, fmt.Errorf("server: export parties: %w", err)
	}
	if parties == nil {
		parties = []*model.Party{}
	}
	return yaml.Marshal(&PartiesExport{Parties: parties})
}

// ExportUsersYAML exports the user directory in seed format.
func ExportUsersYAML(ctx context.Context, st store.UserStore) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("server: export users: %w", err)
	}
	export := UsersExport{Users: make([]UserYAML, 0, len(users))}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Role:        u.Role.String(),
			Avatar:      u.Avatar,
			Branch:      u.Branch,
			Status:      u.Presence.Status,
			LastSeen:    u.Presence.LastSeen,
		})
	}
	return yaml.Marshal(&export)
}
