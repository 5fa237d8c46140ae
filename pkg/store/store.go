// Package store provides persistence for parties, users, queues and cooldowns,
// with a SQLite-backed Store and an in-memory MemoryStore behind one contract.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/rally/pkg/model"
)

// Fixed-width so that lexical order equals chronological order.
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps all engine state in one SQLite database. Party membership
// lives in a join table keyed by (party, user), so the member list and the id
// mirror of a party are always read from the same rows.
type SQLiteStore struct {
	db   *sql.DB
	now  func() time.Time
	feed *Feed
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// One connection serializes writers; every batch is a single transaction on it.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable FK: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	s.feed = NewFeed(s.ListParties)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS parties (
		id         TEXT    PRIMARY KEY,
		branch     TEXT    NOT NULL CHECK(length(branch) > 0),
		leader_id  TEXT    NOT NULL,
		name       TEXT    NOT NULL,
		activity   TEXT    NOT NULL DEFAULT '',
		capacity   INTEGER NOT NULL CHECK(capacity >= 2 AND capacity <= 10),
		created_at TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS party_members (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		party_id     TEXT    NOT NULL REFERENCES parties(id) ON DELETE CASCADE,
		user_id      TEXT    NOT NULL,
		display_name TEXT    NOT NULL,
		role         TEXT    NOT NULL,
		avatar       TEXT    NOT NULL DEFAULT '',
		UNIQUE(party_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		role         TEXT NOT NULL,
		avatar       TEXT NOT NULL DEFAULT '',
		branch       TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT '',
		last_seen    TEXT,
		created_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		queue_id     TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		display_name TEXT NOT NULL,
		role         TEXT NOT NULL,
		UNIQUE(queue_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS cooldowns (
		user_id TEXT PRIMARY KEY,
		reason  TEXT NOT NULL DEFAULT '',
		since   TEXT NOT NULL
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_party_members_user ON party_members(user_id)",
				"CREATE INDEX IF NOT EXISTS idx_parties_branch ON parties(branch)",
			},
			ignoreErrors: true,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("store: update schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func parseDBTimePtr(value sql.NullString) (time.Time, error) {
	if !value.Valid || value.String == "" {
		return time.Time{}, nil
	}
	return parseDBTime(value.String)
}

// unavailable marks a driver failure as retryable.
func unavailable(op string, err error) error {
	return fmt.Errorf("store: %s: %w", op, errors.Join(model.ErrStoreUnavailable, err))
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *SQLiteStore) changed(ctx context.Context) {
	s.feed.Notify(context.WithoutCancel(ctx))
}

// ---- Parties ----

func partyExists(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM parties WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateParty stores a new party with its founding members.
func (s *SQLiteStore) CreateParty(ctx context.Context, p *model.Party) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("store: create party: %w", err)
	}
	err := s.withTx(ctx, "create party", func(tx *sql.Tx) error {
		exists, err := partyExists(ctx, tx, p.ID)
		if err != nil {
			return unavailable("create party", err)
		}
		if exists {
			return fmt.Errorf("store: create party %s: %w", p.ID, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO parties (id, branch, leader_id, name, activity, capacity, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			p.ID, p.Branch, p.LeaderID, p.Name, p.Activity, p.Capacity, formatDBTime(p.CreatedAt),
		); err != nil {
			return unavailable("create party", err)
		}
		for _, m := range p.Members {
			if _, err := insertMember(ctx, tx, p.ID, m); err != nil {
				return unavailable("create party", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(ctx)
	return nil
}

func insertMember(ctx context.Context, tx *sql.Tx, partyID string, m model.MemberRef) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO party_members (party_id, user_id, display_name, role, avatar) VALUES (?, ?, ?, ?, ?)",
		partyID, m.UserID, m.DisplayName, string(m.Role), m.Avatar,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func deleteMember(ctx context.Context, tx *sql.Tx, partyID, userID string) (bool, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM party_members WHERE party_id = ? AND user_id = ?", partyID, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func deleteParty(ctx context.Context, tx *sql.Tx, partyID string) (bool, error) {
	if _, err := tx.ExecContext(ctx, "DELETE FROM party_members WHERE party_id = ?", partyID); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM parties WHERE id = ?", partyID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetParty retrieves a party with its members.
func (s *SQLiteStore) GetParty(ctx context.Context, id string) (*model.Party, error) {
	parties, err := s.selectParties(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(parties) == 0 {
		return nil, fmt.Errorf("store: get party %s: %w", id, model.ErrNotFound)
	}
	return parties[0], nil
}

// ListParties returns all parties matching filter, oldest first.
func (s *SQLiteStore) ListParties(ctx context.Context, filter PartyFilter) ([]*model.Party, error) {
	var conds []string
	var args []any
	if filter.Branch != "" {
		conds = append(conds, "branch = ?")
		args = append(args, filter.Branch)
	}
	if filter.MemberID != "" {
		conds = append(conds, "id IN (SELECT party_id FROM party_members WHERE user_id = ?)")
		args = append(args, filter.MemberID)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return s.selectParties(ctx, where, args...)
}

// selectParties loads parties first and members second; the single
// connection cannot serve a nested query while rows are open.
func (s *SQLiteStore) selectParties(ctx context.Context, where string, args ...any) ([]*model.Party, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, branch, leader_id, name, activity, capacity, created_at FROM parties "+where+" ORDER BY created_at, id",
		args...,
	)
	if err != nil {
		return nil, unavailable("list parties", err)
	}

	var parties []*model.Party
	byID := make(map[string]*model.Party)
	for rows.Next() {
		p := &model.Party{Members: []model.MemberRef{}, MemberIDs: []string{}}
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Branch, &p.LeaderID, &p.Name, &p.Activity, &p.Capacity, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scan party: %w", err)
		}
		if p.CreatedAt, err = parseDBTime(createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scan party: %w", err)
		}
		parties = append(parties, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, unavailable("list parties", err)
	}
	_ = rows.Close()

	if len(parties) == 0 {
		return parties, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(parties)), ",")
	ids := make([]any, 0, len(parties))
	for _, p := range parties {
		ids = append(ids, p.ID)
	}
	mrows, err := s.db.QueryContext(ctx,
		"SELECT party_id, user_id, display_name, role, avatar FROM party_members WHERE party_id IN ("+placeholders+") ORDER BY seq",
		ids...,
	)
	if err != nil {
		return nil, unavailable("list party members", err)
	}
	defer func() { _ = mrows.Close() }()

	for mrows.Next() {
		var partyID, role string
		var m model.MemberRef
		if err := mrows.Scan(&partyID, &m.UserID, &m.DisplayName, &role, &m.Avatar); err != nil {
			return nil, fmt.Errorf("store: scan party member: %w", err)
		}
		m.Role = model.RoleTag(role)
		if p, ok := byID[partyID]; ok {
			p.AddMember(m)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, unavailable("list party members", err)
	}
	return parties, nil
}

// DeleteParty removes a party and its members.
func (s *SQLiteStore) DeleteParty(ctx context.Context, id string) error {
	err := s.withTx(ctx, "delete party", func(tx *sql.Tx) error {
		deleted, err := deleteParty(ctx, tx, id)
		if err != nil {
			return unavailable("delete party", err)
		}
		if !deleted {
			return fmt.Errorf("store: delete party %s: %w", id, model.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(ctx)
	return nil
}

// AddMember adds m to the party if absent.
func (s *SQLiteStore) AddMember(ctx context.Context, partyID string, m model.MemberRef) error {
	return s.addMember(ctx, partyID, m, false)
}

// AddMemberExclusive adds m only if m belongs to no party.
func (s *SQLiteStore) AddMemberExclusive(ctx context.Context, partyID string, m model.MemberRef) error {
	return s.addMember(ctx, partyID, m, true)
}

func (s *SQLiteStore) addMember(ctx context.Context, partyID string, m model.MemberRef, exclusive bool) error {
	changed := false
	err := s.withTx(ctx, "add member", func(tx *sql.Tx) error {
		exists, err := partyExists(ctx, tx, partyID)
		if err != nil {
			return unavailable("add member", err)
		}
		if !exists {
			return fmt.Errorf("store: add member: party %s: %w", partyID, model.ErrNotFound)
		}
		if exclusive {
			var count int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM party_members WHERE user_id = ?", m.UserID).Scan(&count); err != nil {
				return unavailable("add member", err)
			}
			if count > 0 {
				return fmt.Errorf("store: add member: %w", model.ErrAlreadyInParty)
			}
		}
		changed, err = insertMember(ctx, tx, partyID, m)
		if err != nil {
			return unavailable("add member", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.changed(ctx)
	}
	return nil
}

// RemoveMember removes userID from the party if present.
func (s *SQLiteStore) RemoveMember(ctx context.Context, partyID, userID string) error {
	changed := false
	err := s.withTx(ctx, "remove member", func(tx *sql.Tx) error {
		exists, err := partyExists(ctx, tx, partyID)
		if err != nil {
			return unavailable("remove member", err)
		}
		if !exists {
			return fmt.Errorf("store: remove member: party %s: %w", partyID, model.ErrNotFound)
		}
		changed, err = deleteMember(ctx, tx, partyID, userID)
		if err != nil {
			return unavailable("remove member", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.changed(ctx)
	}
	return nil
}

// Apply commits the batch in one transaction. Operations on missing parties
// are skipped.
func (s *SQLiteStore) Apply(ctx context.Context, b Batch) error {
	if len(b) == 0 {
		return nil
	}
	changed := false
	err := s.withTx(ctx, "apply", func(tx *sql.Tx) error {
		for _, op := range b {
			exists, err := partyExists(ctx, tx, op.PartyID)
			if err != nil {
				return unavailable("apply", err)
			}
			if !exists {
				continue
			}
			var did bool
			switch op.Kind {
			case OpAddMember:
				did, err = insertMember(ctx, tx, op.PartyID, op.Member)
			case OpRemoveMember:
				did, err = deleteMember(ctx, tx, op.PartyID, op.UserID)
			case OpDeleteParty:
				did, err = deleteParty(ctx, tx, op.PartyID)
			default:
				return fmt.Errorf("store: apply: unknown op %d", op.Kind)
			}
			if err != nil {
				return unavailable("apply "+op.Kind.String(), err)
			}
			changed = changed || did
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.changed(ctx)
	}
	return nil
}

// Subscribe streams snapshots of the parties matching filter.
func (s *SQLiteStore) Subscribe(ctx context.Context, filter PartyFilter) (<-chan Snapshot, error) {
	return s.feed.Subscribe(ctx, filter)
}

// ---- Users ----

// PutUser inserts a user or updates its directory fields.
func (s *SQLiteStore) PutUser(ctx context.Context, u *model.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("store: put user: %w", err)
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	var lastSeen *string
	if !u.Presence.LastSeen.IsZero() {
		value := formatDBTime(u.Presence.LastSeen)
		lastSeen = &value
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, role, avatar, branch, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			avatar = excluded.avatar,
			branch = excluded.branch`,
		u.ID, u.DisplayName, string(u.Role), u.Avatar, u.Branch,
		model.NormalizeStatus(u.Presence.Status), lastSeen, formatDBTime(createdAt),
	)
	if err != nil {
		return unavailable("put user", err)
	}
	return nil
}

func scanUser(scan func(dest ...any) error) (*model.User, error) {
	u := &model.User{}
	var role, createdAt string
	var lastSeen sql.NullString
	if err := scan(&u.ID, &u.DisplayName, &role, &u.Avatar, &u.Branch, &u.Presence.Status, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	u.Role = model.RoleTag(role)
	var err error
	if u.Presence.LastSeen, err = parseDBTimePtr(lastSeen); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return u, nil
}

const userColumns = "id, display_name, role, avatar, branch, status, last_seen, created_at"

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: get user %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by id.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer func() { _ = rows.Close() }()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

// Presence returns the presence records of known users.
func (s *SQLiteStore) Presence(ctx context.Context, userIDs []string) (map[string]model.Presence, error) {
	out := make(map[string]model.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, status, last_seen FROM users WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, unavailable("presence", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var p model.Presence
		var lastSeen sql.NullString
		if err := rows.Scan(&id, &p.Status, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan presence: %w", err)
		}
		if p.LastSeen, err = parseDBTimePtr(lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan presence: %w", err)
		}
		out[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("presence", err)
	}
	return out, nil
}

// Heartbeat records a status report for a known user.
func (s *SQLiteStore) Heartbeat(ctx context.Context, userID, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET status = ?, last_seen = ? WHERE id = ?",
		model.NormalizeStatus(status), formatDBTime(at), userID)
	if err != nil {
		return unavailable("heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: heartbeat %s: %w", userID, model.ErrNotFound)
	}
	return nil
}

// ---- Queues ----

// QueueEntries returns the line in join order.
func (s *SQLiteStore) QueueEntries(ctx context.Context, queueID string) ([]model.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id, display_name, role FROM queue_entries WHERE queue_id = ? ORDER BY seq", queueID)
	if err != nil {
		return nil, unavailable("queue entries", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []model.QueueEntry{}
	for rows.Next() {
		var e model.QueueEntry
		var role string
		if err := rows.Scan(&e.UserID, &e.DisplayName, &role); err != nil {
			return nil, fmt.Errorf("store: scan queue entry: %w", err)
		}
		e.Role = model.RoleTag(role)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("queue entries", err)
	}
	return entries, nil
}

// AppendQueueEntry appends e unless already present or the line is full.
func (s *SQLiteStore) AppendQueueEntry(ctx context.Context, queueID string, e model.QueueEntry, limit int) (bool, error) {
	if limit <= 0 {
		limit = model.DefaultQueueCapacity
	}
	appended := false
	err := s.withTx(ctx, "append queue entry", func(tx *sql.Tx) error {
		var present int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_entries WHERE queue_id = ? AND user_id = ?", queueID, e.UserID).Scan(&present); err != nil {
			return unavailable("append queue entry", err)
		}
		if present > 0 {
			return nil
		}
		var length int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_entries WHERE queue_id = ?", queueID).Scan(&length); err != nil {
			return unavailable("append queue entry", err)
		}
		if length >= limit {
			return fmt.Errorf("store: append queue entry: %w", model.ErrQueueFull)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO queue_entries (queue_id, user_id, display_name, role) VALUES (?, ?, ?, ?)",
			queueID, e.UserID, e.DisplayName, string(e.Role),
		); err != nil {
			return unavailable("append queue entry", err)
		}
		appended = true
		return nil
	})
	return appended, err
}

// RemoveQueueEntry removes userID from the line.
func (s *SQLiteStore) RemoveQueueEntry(ctx context.Context, queueID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM queue_entries WHERE queue_id = ? AND user_id = ?", queueID, userID)
	if err != nil {
		return false, unavailable("remove queue entry", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PopQueueEntry removes and returns the head of the line.
func (s *SQLiteStore) PopQueueEntry(ctx context.Context, queueID string) (model.QueueEntry, error) {
	var head model.QueueEntry
	err := s.withTx(ctx, "pop queue entry", func(tx *sql.Tx) error {
		var seq int64
		var role string
		err := tx.QueryRowContext(ctx,
			"SELECT seq, user_id, display_name, role FROM queue_entries WHERE queue_id = ? ORDER BY seq LIMIT 1", queueID,
		).Scan(&seq, &head.UserID, &head.DisplayName, &role)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: pop queue %s: %w", queueID, model.ErrNotFound)
		}
		if err != nil {
			return unavailable("pop queue entry", err)
		}
		head.Role = model.RoleTag(role)
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue_entries WHERE seq = ?", seq); err != nil {
			return unavailable("pop queue entry", err)
		}
		return nil
	})
	if err != nil {
		return model.QueueEntry{}, err
	}
	return head, nil
}

// GetCooldown returns the user's cooldown, or nil.
func (s *SQLiteStore) GetCooldown(ctx context.Context, userID string) (*model.Cooldown, error) {
	c := &model.Cooldown{}
	var since string
	err := s.db.QueryRowContext(ctx, "SELECT user_id, reason, since FROM cooldowns WHERE user_id = ?", userID).
		Scan(&c.UserID, &c.Reason, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get cooldown", err)
	}
	if c.Since, err = parseDBTime(since); err != nil {
		return nil, fmt.Errorf("store: get cooldown: %w", err)
	}
	return c, nil
}

// SetCooldown sets or replaces a cooldown.
func (s *SQLiteStore) SetCooldown(ctx context.Context, c model.Cooldown) error {
	if err := model.ValidateUserID(c.UserID); err != nil {
		return fmt.Errorf("store: set cooldown: %w", err)
	}
	if c.Since.IsZero() {
		c.Since = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (user_id, reason, since) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET reason = excluded.reason, since = excluded.since`,
		c.UserID, c.Reason, formatDBTime(c.Since),
	)
	if err != nil {
		return unavailable("set cooldown", err)
	}
	return nil
}

// ClearCooldown removes a cooldown.
func (s *SQLiteStore) ClearCooldown(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cooldowns WHERE user_id = ?", userID); err != nil {
		return unavailable("clear cooldown", err)
	}
	return nil
}
