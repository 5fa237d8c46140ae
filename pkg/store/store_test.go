package store_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/NicolasHaas/rally/pkg/model"
	"github.com/NicolasHaas/rally/pkg/store"
)

var baseTime = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

func NewTestSqlConn(t *testing.T) (*store.SQLiteStore, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

// withStores runs fn against the in-memory store and a fresh SQLite database.
func withStores(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemoryWithClock(func() time.Time { return baseTime }))
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := NewTestSqlConn(t)
		if err != nil {
			t.Fatalf("failed to open test connection: %v", err)
		}
		fn(t, st)
	})
}

func ref(id string) model.MemberRef {
	return model.MemberRef{UserID: id, DisplayName: "name-" + id, Role: model.RoleDPS}
}

func newParty(id, branch, leader string, capacity int, offset time.Duration) *model.Party {
	return model.NewParty(id, branch, ref(leader), "party "+id, "raid", capacity, baseTime.Add(offset))
}

func memberIDs(p *model.Party) []string {
	ids := append([]string(nil), p.MemberIDs...)
	sort.Strings(ids)
	return ids
}

func TestPartyCRUD(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		p := newParty("p1", "north", "lead", 5, 0)
		if err := st.CreateParty(ctx, p); err != nil {
			t.Fatalf("CreateParty: unexpected error: %v", err)
		}
		if err := st.CreateParty(ctx, p); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("CreateParty duplicate: err = %v, want ErrConflict", err)
		}

		got, err := st.GetParty(ctx, "p1")
		if err != nil {
			t.Fatalf("GetParty: unexpected error: %v", err)
		}
		if diff := cmp.Diff(p, got); diff != "" {
			t.Errorf("GetParty mismatch (-want +got):\n%s", diff)
		}

		if err := st.AddMember(ctx, "p1", ref("bob")); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
		if err := st.AddMember(ctx, "p1", ref("bob")); err != nil {
			t.Fatalf("AddMember duplicate: %v", err)
		}
		got, _ = st.GetParty(ctx, "p1")
		if diff := cmp.Diff([]string{"bob", "lead"}, memberIDs(got)); diff != "" {
			t.Errorf("members after add mismatch (-want +got):\n%s", diff)
		}

		if err := st.RemoveMember(ctx, "p1", "bob"); err != nil {
			t.Fatalf("RemoveMember: %v", err)
		}
		if err := st.RemoveMember(ctx, "p1", "nobody"); err != nil {
			t.Fatalf("RemoveMember of non-member: %v", err)
		}

		if err := st.DeleteParty(ctx, "p1"); err != nil {
			t.Fatalf("DeleteParty: %v", err)
		}
		if _, err := st.GetParty(ctx, "p1"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("GetParty after delete: err = %v, want ErrNotFound", err)
		}
		if err := st.DeleteParty(ctx, "p1"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("DeleteParty twice: err = %v, want ErrNotFound", err)
		}
		if err := st.AddMember(ctx, "p1", ref("bob")); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("AddMember on deleted party: err = %v, want ErrNotFound", err)
		}
		if err := st.RemoveMember(ctx, "p1", "lead"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("RemoveMember on deleted party: err = %v, want ErrNotFound", err)
		}
	})
}

func TestCreatePartyValidates(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		p := newParty("p1", "north", "lead", 11, 0)
		if err := st.CreateParty(context.Background(), p); !errors.Is(err, model.ErrInvalidCapacity) {
			t.Fatalf("CreateParty: err = %v, want ErrInvalidCapacity", err)
		}
	})
}

func TestListPartiesFilter(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		for _, p := range []*model.Party{
			newParty("a", "north", "u1", 5, time.Second),
			newParty("b", "south", "u2", 5, 2*time.Second),
			newParty("c", "north", "u3", 5, 3*time.Second),
		} {
			if err := st.CreateParty(ctx, p); err != nil {
				t.Fatalf("CreateParty(%s): %v", p.ID, err)
			}
		}
		if err := st.AddMember(ctx, "c", ref("u9")); err != nil {
			t.Fatalf("AddMember: %v", err)
		}

		tests := map[string]struct {
			filter store.PartyFilter
			want   []string
		}{
			"all":             {store.PartyFilter{}, []string{"a", "b", "c"}},
			"branch":          {store.PartyFilter{Branch: "north"}, []string{"a", "c"}},
			"member":          {store.PartyFilter{MemberID: "u9"}, []string{"c"}},
			"branch_member":   {store.PartyFilter{Branch: "south", MemberID: "u9"}, nil},
			"unknown_member":  {store.PartyFilter{MemberID: "ghost"}, nil},
			"unknown_branch":  {store.PartyFilter{Branch: "east"}, nil},
			"leader_is_found": {store.PartyFilter{MemberID: "u2"}, []string{"b"}},
		}
		for name, tc := range tests {
			t.Run(name, func(t *testing.T) {
				parties, err := st.ListParties(ctx, tc.filter)
				if err != nil {
					t.Fatalf("ListParties: %v", err)
				}
				var got []string
				for _, p := range parties {
					got = append(got, p.ID)
				}
				if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("ListParties mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})
}

func TestAddMemberExclusive(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		_ = st.CreateParty(ctx, newParty("a", "north", "u1", 5, 0))
		_ = st.CreateParty(ctx, newParty("b", "north", "u2", 5, time.Second))

		if err := st.AddMemberExclusive(ctx, "a", ref("u3")); err != nil {
			t.Fatalf("AddMemberExclusive: %v", err)
		}
		if err := st.AddMemberExclusive(ctx, "b", ref("u3")); !errors.Is(err, model.ErrAlreadyInParty) {
			t.Fatalf("AddMemberExclusive second party: err = %v, want ErrAlreadyInParty", err)
		}
		if err := st.AddMemberExclusive(ctx, "b", ref("u1")); !errors.Is(err, model.ErrAlreadyInParty) {
			t.Fatalf("AddMemberExclusive leader elsewhere: err = %v, want ErrAlreadyInParty", err)
		}
		if err := st.AddMemberExclusive(ctx, "zzz", ref("u4")); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("AddMemberExclusive missing party: err = %v, want ErrNotFound", err)
		}
		b, _ := st.GetParty(ctx, "b")
		if b.HasMember("u3") {
			t.Fatalf("rejected exclusive add must not change the party")
		}
	})
}

func TestApplyBatch(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		_ = st.CreateParty(ctx, newParty("a", "north", "u1", 5, 0))
		_ = st.CreateParty(ctx, newParty("b", "north", "u2", 5, time.Second))
		_ = st.AddMember(ctx, "a", ref("x"))
		_ = st.AddMember(ctx, "a", ref("y"))

		batch := store.Batch{
			store.RemoveMember("a", "x"),
			store.RemoveMember("a", "y"),
			store.DeleteParty("b"),
			store.RemoveMember("b", "u2"),
			store.DeleteParty("vanished"),
			store.RemoveMember("vanished", "x"),
		}
		if err := st.Apply(ctx, batch); err != nil {
			t.Fatalf("Apply: %v", err)
		}

		a, err := st.GetParty(ctx, "a")
		if err != nil {
			t.Fatalf("GetParty(a): %v", err)
		}
		if diff := cmp.Diff([]string{"u1"}, memberIDs(a)); diff != "" {
			t.Errorf("party a members mismatch (-want +got):\n%s", diff)
		}
		if _, err := st.GetParty(ctx, "b"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("party b should be deleted, err = %v", err)
		}

		// Re-applying the same batch is a no-op.
		if err := st.Apply(ctx, batch); err != nil {
			t.Fatalf("Apply again: %v", err)
		}
		if err := st.Apply(ctx, nil); err != nil {
			t.Fatalf("Apply empty: %v", err)
		}
	})
}

// The member list and the id mirror hold the same identities after any
// sequence of set mutations.
func TestMirrorInvariantRandomOps(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		rng := rand.New(rand.NewSource(42))
		partyIDs := []string{"p0", "p1", "p2"}
		users := []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7"}

		shadow := make(map[string]map[string]bool)
		for i, id := range partyIDs {
			leader := "lead" + id
			if err := st.CreateParty(ctx, newParty(id, "north", leader, 10, time.Duration(i)*time.Second)); err != nil {
				t.Fatalf("CreateParty: %v", err)
			}
			shadow[id] = map[string]bool{leader: true}
		}

		for step := 0; step < 200; step++ {
			pid := partyIDs[rng.Intn(len(partyIDs))]
			uid := users[rng.Intn(len(users))]
			var err error
			switch rng.Intn(4) {
			case 0:
				err = st.AddMember(ctx, pid, ref(uid))
				shadow[pid][uid] = true
			case 1:
				err = st.RemoveMember(ctx, pid, uid)
				delete(shadow[pid], uid)
			case 2:
				other := partyIDs[rng.Intn(len(partyIDs))]
				err = st.Apply(ctx, store.Batch{store.AddMember(pid, ref(uid)), store.RemoveMember(other, uid)})
				shadow[pid][uid] = true
				delete(shadow[other], uid)
			case 3:
				err = st.Apply(ctx, store.Batch{store.RemoveMember(pid, uid), store.AddMember(pid, ref(uid))})
				shadow[pid][uid] = true
			}
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
		}

		for _, pid := range partyIDs {
			p, err := st.GetParty(ctx, pid)
			if err != nil {
				t.Fatalf("GetParty(%s): %v", pid, err)
			}
			if !p.MirrorConsistent() {
				t.Fatalf("party %s: mirror inconsistent: members=%v ids=%v", pid, p.Members, p.MemberIDs)
			}
			var want []string
			for uid := range shadow[pid] {
				want = append(want, uid)
			}
			sort.Strings(want)
			if diff := cmp.Diff(want, memberIDs(p)); diff != "" {
				t.Errorf("party %s members mismatch (-want +got):\n%s", pid, diff)
			}
		}
	})
}

func TestUsersAndPresence(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		u := &model.User{ID: "alice", DisplayName: "Alice", Role: model.RoleHealer, Branch: "north", CreatedAt: baseTime}
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
		if err := st.PutUser(ctx, &model.User{ID: "bad", DisplayName: "Bad", Role: "MAGE", Branch: "north"}); !errors.Is(err, model.ErrInvalidRoleTag) {
			t.Fatalf("PutUser invalid role: err = %v", err)
		}

		at := baseTime.Add(time.Minute)
		if err := st.Heartbeat(ctx, "alice", "ONLINE", at); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		if err := st.Heartbeat(ctx, "ghost", "online", at); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("Heartbeat unknown: err = %v, want ErrNotFound", err)
		}

		// Updating directory fields keeps presence.
		u.DisplayName = "Alice B"
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser update: %v", err)
		}

		got, err := st.GetUser(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		want := &model.User{
			ID: "alice", DisplayName: "Alice B", Role: model.RoleHealer, Branch: "north",
			Presence:  model.Presence{Status: "online", LastSeen: at},
			CreatedAt: baseTime,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("GetUser mismatch (-want +got):\n%s", diff)
		}

		recs, err := st.Presence(ctx, []string{"alice", "ghost"})
		if err != nil {
			t.Fatalf("Presence: %v", err)
		}
		if diff := cmp.Diff(map[string]model.Presence{"alice": {Status: "online", LastSeen: at}}, recs); diff != "" {
			t.Errorf("Presence mismatch (-want +got):\n%s", diff)
		}

		if _, err := st.GetUser(ctx, "ghost"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("GetUser unknown: err = %v, want ErrNotFound", err)
		}
		all, err := st.ListUsers(ctx)
		if err != nil || len(all) != 1 {
			t.Fatalf("ListUsers = %v, %v", all, err)
		}
	})
}

func TestSeededPresenceWithoutLastSeen(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		u := &model.User{ID: "old", DisplayName: "Old", Role: model.RoleTank, Branch: "north",
			Presence: model.Presence{Status: "online"}}
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
		recs, err := st.Presence(ctx, []string{"old"})
		if err != nil {
			t.Fatalf("Presence: %v", err)
		}
		if diff := cmp.Diff(model.Presence{Status: "online"}, recs["old"]); diff != "" {
			t.Errorf("Presence mismatch (-want +got):\n%s", diff)
		}
	})
}

func entry(id string) model.QueueEntry {
	return model.QueueEntry{UserID: id, DisplayName: "name-" + id, Role: model.RoleTank}
}

func TestQueueEntries(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			ok, err := st.AppendQueueEntry(ctx, "q", entry(id), 3)
			if err != nil || !ok {
				t.Fatalf("AppendQueueEntry(%s) = %t, %v", id, ok, err)
			}
		}
		if ok, err := st.AppendQueueEntry(ctx, "q", entry("a"), 3); ok || err != nil {
			t.Fatalf("AppendQueueEntry duplicate = %t, %v; want false, nil", ok, err)
		}
		if _, err := st.AppendQueueEntry(ctx, "q", entry("d"), 3); !errors.Is(err, model.ErrQueueFull) {
			t.Fatalf("AppendQueueEntry full: err = %v, want ErrQueueFull", err)
		}
		if ok, err := st.AppendQueueEntry(ctx, "other", entry("d"), 3); !ok || err != nil {
			t.Fatalf("AppendQueueEntry other queue = %t, %v", ok, err)
		}

		if ok, err := st.RemoveQueueEntry(ctx, "q", "b"); !ok || err != nil {
			t.Fatalf("RemoveQueueEntry = %t, %v", ok, err)
		}
		if ok, err := st.RemoveQueueEntry(ctx, "q", "b"); ok || err != nil {
			t.Fatalf("RemoveQueueEntry twice = %t, %v", ok, err)
		}

		got, err := st.QueueEntries(ctx, "q")
		if err != nil {
			t.Fatalf("QueueEntries: %v", err)
		}
		if diff := cmp.Diff([]model.QueueEntry{entry("a"), entry("c")}, got); diff != "" {
			t.Errorf("QueueEntries mismatch (-want +got):\n%s", diff)
		}

		head, err := st.PopQueueEntry(ctx, "q")
		if err != nil || head.UserID != "a" {
			t.Fatalf("PopQueueEntry = %+v, %v", head, err)
		}
		_, _ = st.PopQueueEntry(ctx, "q")
		if _, err := st.PopQueueEntry(ctx, "q"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("PopQueueEntry empty: err = %v, want ErrNotFound", err)
		}
		empty, err := st.QueueEntries(ctx, "never")
		if err != nil || len(empty) != 0 {
			t.Fatalf("QueueEntries unknown queue = %v, %v", empty, err)
		}
	})
}

func TestCooldowns(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		c, err := st.GetCooldown(ctx, "alice")
		if err != nil || c != nil {
			t.Fatalf("GetCooldown before set = %v, %v", c, err)
		}

		want := model.Cooldown{UserID: "alice", Reason: "won the last encounter", Since: baseTime}
		if err := st.SetCooldown(ctx, want); err != nil {
			t.Fatalf("SetCooldown: %v", err)
		}
		c, err = st.GetCooldown(ctx, "alice")
		if err != nil {
			t.Fatalf("GetCooldown: %v", err)
		}
		if diff := cmp.Diff(&want, c); diff != "" {
			t.Errorf("GetCooldown mismatch (-want +got):\n%s", diff)
		}

		if err := st.ClearCooldown(ctx, "alice"); err != nil {
			t.Fatalf("ClearCooldown: %v", err)
		}
		if err := st.ClearCooldown(ctx, "alice"); err != nil {
			t.Fatalf("ClearCooldown twice: %v", err)
		}
		if c, _ := st.GetCooldown(ctx, "alice"); c != nil {
			t.Fatalf("cooldown still set after clear: %+v", c)
		}
	})
}

func recv(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return store.Snapshot{}
}

func TestSubscribe(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := st.Subscribe(ctx, store.PartyFilter{Branch: "north"})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if snap := recv(t, ch); len(snap.Parties) != 0 {
			t.Fatalf("initial snapshot = %d parties, want 0", len(snap.Parties))
		}

		bg := context.Background()
		if err := st.CreateParty(bg, newParty("p1", "north", "lead", 5, 0)); err != nil {
			t.Fatalf("CreateParty: %v", err)
		}
		snap := recv(t, ch)
		if len(snap.Parties) != 1 || snap.Parties[0].ID != "p1" {
			t.Fatalf("snapshot after create = %+v", snap.Parties)
		}

		// Changes outside the filter are not delivered.
		if err := st.CreateParty(bg, newParty("p2", "south", "other", 5, time.Second)); err != nil {
			t.Fatalf("CreateParty: %v", err)
		}
		select {
		case snap := <-ch:
			t.Fatalf("unexpected snapshot for other branch: %+v", snap.Parties)
		default:
		}

		if err := st.AddMember(bg, "p1", ref("bob")); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
		snap = recv(t, ch)
		if got := memberIDs(snap.Parties[0]); !cmp.Equal(got, []string{"bob", "lead"}) {
			t.Fatalf("snapshot members = %v", got)
		}

		if err := st.DeleteParty(bg, "p1"); err != nil {
			t.Fatalf("DeleteParty: %v", err)
		}
		if snap := recv(t, ch); len(snap.Parties) != 0 {
			t.Fatalf("snapshot after delete = %+v", snap.Parties)
		}

		cancel()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatalf("subscription not closed after cancel")
			}
		}
	})
}
