package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/rally/pkg/model"
)

// ErrConflict is returned when a create collides with an existing record.
var ErrConflict = errors.New("store: record already exists")

// MemoryStore provides an in-memory Store implementation for tests and for
// single-process deployments. It mirrors SQLite behavior for validation and
// error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now  func() time.Time
	feed *Feed

	parties   map[string]*model.Party
	users     map[string]*model.User
	queues    map[string][]model.QueueEntry
	cooldowns map[string]model.Cooldown
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &MemoryStore{
		now:       now,
		parties:   make(map[string]*model.Party),
		users:     make(map[string]*model.User),
		queues:    make(map[string][]model.QueueEntry),
		cooldowns: make(map[string]model.Cooldown),
	}
	s.feed = NewFeed(s.ListParties)
	return s
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) changed(ctx context.Context) {
	s.feed.Notify(context.WithoutCancel(ctx))
}

// ---- Parties ----

// CreateParty stores a new party.
func (s *MemoryStore) CreateParty(ctx context.Context, p *model.Party) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("store: create party: %w", err)
	}
	s.mu.Lock()
	if _, exists := s.parties[p.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("store: create party %s: %w", p.ID, ErrConflict)
	}
	s.parties[p.ID] = p.Clone()
	s.mu.Unlock()

	s.changed(ctx)
	return nil
}

// GetParty returns a copy of the party.
func (s *MemoryStore) GetParty(_ context.Context, id string) (*model.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[id]
	if !ok {
		return nil, fmt.Errorf("store: get party %s: %w", id, model.ErrNotFound)
	}
	return p.Clone(), nil
}

// ListParties returns copies of all parties matching filter, oldest first.
func (s *MemoryStore) ListParties(_ context.Context, filter PartyFilter) ([]*model.Party, error) {
	s.mu.RLock()
	out := make([]*model.Party, 0, len(s.parties))
	for _, p := range s.parties {
		if filter.Match(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	sortParties(out)
	return out, nil
}

// DeleteParty removes a party.
func (s *MemoryStore) DeleteParty(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.parties[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: delete party %s: %w", id, model.ErrNotFound)
	}
	delete(s.parties, id)
	s.mu.Unlock()

	s.changed(ctx)
	return nil
}

// AddMember adds m to the party if absent.
func (s *MemoryStore) AddMember(ctx context.Context, partyID string, m model.MemberRef) error {
	s.mu.Lock()
	p, ok := s.parties[partyID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: add member: party %s: %w", partyID, model.ErrNotFound)
	}
	changed := p.AddMember(m)
	s.mu.Unlock()

	if changed {
		s.changed(ctx)
	}
	return nil
}

// AddMemberExclusive adds m only if m is not a member of any party.
func (s *MemoryStore) AddMemberExclusive(ctx context.Context, partyID string, m model.MemberRef) error {
	s.mu.Lock()
	p, ok := s.parties[partyID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: add member: party %s: %w", partyID, model.ErrNotFound)
	}
	for _, other := range s.parties {
		if other.HasMember(m.UserID) {
			s.mu.Unlock()
			return fmt.Errorf("store: add member: %w", model.ErrAlreadyInParty)
		}
	}
	p.AddMember(m)
	s.mu.Unlock()

	s.changed(ctx)
	return nil
}

// RemoveMember removes userID from the party if present.
func (s *MemoryStore) RemoveMember(ctx context.Context, partyID, userID string) error {
	s.mu.Lock()
	p, ok := s.parties[partyID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: remove member: party %s: %w", partyID, model.ErrNotFound)
	}
	changed := p.RemoveMember(userID)
	s.mu.Unlock()

	if changed {
		s.changed(ctx)
	}
	return nil
}

// Apply commits the batch as a whole. Operations on missing parties are skipped.
func (s *MemoryStore) Apply(ctx context.Context, b Batch) error {
	if len(b) == 0 {
		return nil
	}
	for _, op := range b {
		if op.Kind < OpAddMember || op.Kind > OpDeleteParty {
			return fmt.Errorf("store: apply: unknown op %d", op.Kind)
		}
	}

	s.mu.Lock()
	changed := false
	for _, op := range b {
		p, ok := s.parties[op.PartyID]
		if !ok {
			continue
		}
		switch op.Kind {
		case OpAddMember:
			changed = p.AddMember(op.Member) || changed
		case OpRemoveMember:
			changed = p.RemoveMember(op.UserID) || changed
		case OpDeleteParty:
			delete(s.parties, op.PartyID)
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.changed(ctx)
	}
	return nil
}

// Subscribe streams snapshots of the parties matching filter.
func (s *MemoryStore) Subscribe(ctx context.Context, filter PartyFilter) (<-chan Snapshot, error) {
	return s.feed.Subscribe(ctx, filter)
}

// ---- Users ----

// PutUser creates or replaces a user's directory fields.
func (s *MemoryStore) PutUser(_ context.Context, u *model.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("store: put user: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *u
	if existing, ok := s.users[u.ID]; ok {
		stored.Presence = existing.Presence
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.Presence.Status = model.NormalizeStatus(stored.Presence.Status)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now().UTC()
		}
	}
	s.users[u.ID] = &stored
	return nil
}

// GetUser returns a copy of the user.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("store: get user %s: %w", id, model.ErrNotFound)
	}
	copyUser := *u
	return &copyUser, nil
}

// ListUsers returns all users ordered by id.
func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Presence returns the presence records of known users.
func (s *MemoryStore) Presence(_ context.Context, userIDs []string) (map[string]model.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Presence, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			out[id] = u.Presence
		}
	}
	return out, nil
}

// Heartbeat records a status report.
func (s *MemoryStore) Heartbeat(_ context.Context, userID, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("store: heartbeat %s: %w", userID, model.ErrNotFound)
	}
	u.Presence = model.Presence{Status: model.NormalizeStatus(status), LastSeen: at.UTC()}
	return nil
}

// ---- Queues ----

// QueueEntries returns a copy of the line.
func (s *MemoryStore) QueueEntries(_ context.Context, queueID string) ([]model.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.queues[queueID]), nil
}

// AppendQueueEntry appends e unless already present or the line is full.
func (s *MemoryStore) AppendQueueEntry(_ context.Context, queueID string, e model.QueueEntry, limit int) (bool, error) {
	if limit <= 0 {
		limit = model.DefaultQueueCapacity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	line := s.queues[queueID]
	if slices.ContainsFunc(line, func(q model.QueueEntry) bool { return q.UserID == e.UserID }) {
		return false, nil
	}
	if len(line) >= limit {
		return false, fmt.Errorf("store: append queue entry: %w", model.ErrQueueFull)
	}
	s.queues[queueID] = append(line, e)
	return true, nil
}

// RemoveQueueEntry removes userID from the line.
func (s *MemoryStore) RemoveQueueEntry(_ context.Context, queueID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := s.queues[queueID]
	idx := slices.IndexFunc(line, func(q model.QueueEntry) bool { return q.UserID == userID })
	if idx < 0 {
		return false, nil
	}
	s.queues[queueID] = slices.Delete(line, idx, idx+1)
	return true, nil
}

// PopQueueEntry removes and returns the head of the line.
func (s *MemoryStore) PopQueueEntry(_ context.Context, queueID string) (model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := s.queues[queueID]
	if len(line) == 0 {
		return model.QueueEntry{}, fmt.Errorf("store: pop queue %s: %w", queueID, model.ErrNotFound)
	}
	head := line[0]
	s.queues[queueID] = slices.Delete(line, 0, 1)
	return head, nil
}

// GetCooldown returns the user's cooldown, or nil.
func (s *MemoryStore) GetCooldown(_ context.Context, userID string) (*model.Cooldown, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cooldowns[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// SetCooldown sets or replaces a cooldown.
func (s *MemoryStore) SetCooldown(_ context.Context, c model.Cooldown) error {
	if err := model.ValidateUserID(c.UserID); err != nil {
		return fmt.Errorf("store: set cooldown: %w", err)
	}
	if c.Since.IsZero() {
		c.Since = s.now()
	}
	c.Since = c.Since.UTC()
	s.mu.Lock()
	s.cooldowns[c.UserID] = c
	s.mu.Unlock()
	return nil
}

// ClearCooldown removes a cooldown.
func (s *MemoryStore) ClearCooldown(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.cooldowns, userID)
	s.mu.Unlock()
	return nil
}

func sortParties(ps []*model.Party) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
