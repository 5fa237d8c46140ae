package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/rally/pkg/metrics"
	"github.com/NicolasHaas/rally/pkg/model"
	"github.com/NicolasHaas/rally/pkg/party"
	"github.com/NicolasHaas/rally/pkg/presence"
	"github.com/NicolasHaas/rally/pkg/queue"
	"github.com/NicolasHaas/rally/pkg/store"
)

var now = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

type env struct {
	st     *store.MemoryStore
	router http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := func() time.Time { return now }
	st := store.NewMemoryWithClock(clock)
	met := metrics.New()
	var seq atomic.Int64
	mgr := party.NewManager(st, st, party.Options{
		Oracle:  presence.NewOracleWithClock(st, presence.Window, clock),
		Metrics: met,
		Now:     clock,
		NewID:   func() string { return fmt.Sprintf("party-%d", seq.Add(1)) },
	})
	for _, id := range []string{"lead", "m1", "m2", "south1"} {
		branch := "north"
		if strings.HasPrefix(id, "south") {
			branch = "south"
		}
		u := &model.User{ID: id, DisplayName: id, Role: model.RoleTank, Branch: branch}
		if err := st.PutUser(context.Background(), u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	r := NewRouter(Deps{
		Parties:  mgr,
		Queues:   queue.NewCoordinator(st, st, 2, met),
		Presence: st,
		Feed:     st,
		Metrics:  met,
		Now:      clock,
	})
	return &env{st: st, router: r}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestPartyLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/branches/north/parties",
		map[string]any{"founder_id": "lead", "name": "Raid", "activity": "raid", "capacity": 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	p := decode[model.Party](t, w)
	if p.ID != "party-1" || p.LeaderID != "lead" {
		t.Fatalf("created party = %+v", p)
	}

	if w := e.do(t, http.MethodPost, "/api/parties/party-1/join", map[string]string{"user_id": "m1"}); w.Code != http.StatusOK {
		t.Fatalf("join status = %d, body %s", w.Code, w.Body)
	}

	w = e.do(t, http.MethodPost, "/api/parties/party-1/join", map[string]string{"user_id": "m2"})
	if w.Code != http.StatusConflict || decode[errorBody](t, w).Code != "party_full" {
		t.Fatalf("join full party: status %d, body %s", w.Code, w.Body)
	}

	w = e.do(t, http.MethodGet, "/api/branches/north/parties", nil)
	list := decode[struct {
		Parties []model.Party `json:"parties"`
	}](t, w)
	if len(list.Parties) != 1 {
		t.Fatalf("list = %+v", list)
	}

	w = e.do(t, http.MethodGet, "/api/users/m1/party", nil)
	if got := decode[model.Party](t, w); got.ID != "party-1" {
		t.Fatalf("party of m1 = %q", got.ID)
	}

	w = e.do(t, http.MethodPost, "/api/parties/party-1/leave", map[string]any{"user_id": "lead"})
	if w.Code != http.StatusPreconditionRequired {
		t.Fatalf("leader leave without confirm: status %d", w.Code)
	}
	w = e.do(t, http.MethodPost, "/api/parties/party-1/leave", map[string]any{"user_id": "lead", "confirm": true})
	if got := decode[map[string]any](t, w); got["disbanded"] != true {
		t.Fatalf("leader leave = %v", got)
	}
	if w := e.do(t, http.MethodGet, "/api/parties/party-1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get disbanded party: status %d", w.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := map[string]struct {
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		"missing_founder": {
			method: http.MethodPost, path: "/api/branches/north/parties",
			body:     map[string]any{"name": "Raid"},
			wantCode: http.StatusBadRequest, wantErr: "invalid",
		},
		"wrong_branch": {
			method: http.MethodPost, path: "/api/branches/south/parties",
			body:     map[string]any{"founder_id": "lead", "name": "Raid"},
			wantCode: http.StatusForbidden, wantErr: "wrong_branch",
		},
		"bad_capacity": {
			method: http.MethodPost, path: "/api/branches/north/parties",
			body:     map[string]any{"founder_id": "lead", "name": "Raid", "capacity": 11},
			wantCode: http.StatusBadRequest, wantErr: "invalid",
		},
		"unknown_party": {
			method: http.MethodPost, path: "/api/parties/nope/join",
			body:     map[string]string{"user_id": "m1"},
			wantCode: http.StatusNotFound, wantErr: "not_found",
		},
		"malformed_body": {
			method: http.MethodPost, path: "/api/parties/nope/join",
			body:     "not an object",
			wantCode: http.StatusBadRequest, wantErr: "invalid",
		},
		"serve_empty_queue": {
			method: http.MethodPost, path: "/api/queues/q/serve",
			wantCode: http.StatusNotFound, wantErr: "not_found",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			w := e.do(t, tc.method, tc.path, tc.body)
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.wantCode, w.Body)
			}
			if got := decode[errorBody](t, w).Code; got != tc.wantErr {
				t.Errorf("code = %q, want %q", got, tc.wantErr)
			}
		})
	}
}

func TestKickAndDisbandOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/branches/north/parties", map[string]any{"founder_id": "lead", "name": "Raid"})
	e.do(t, http.MethodPost, "/api/parties/party-1/join", map[string]string{"user_id": "m1"})

	w := e.do(t, http.MethodPost, "/api/parties/party-1/kick", map[string]string{"requester_id": "m1", "target_id": "lead"})
	if w.Code != http.StatusForbidden || decode[errorBody](t, w).Code != "not_leader" {
		t.Fatalf("kick by member: status %d body %s", w.Code, w.Body)
	}
	w = e.do(t, http.MethodPost, "/api/parties/party-1/kick", map[string]string{"requester_id": "lead", "target_id": "lead"})
	if decode[errorBody](t, w).Code != "cannot_kick_self" {
		t.Fatalf("kick self: body %s", w.Body)
	}
	if w := e.do(t, http.MethodPost, "/api/parties/party-1/kick", map[string]string{"requester_id": "lead", "target_id": "m1"}); w.Code != http.StatusNoContent {
		t.Fatalf("kick: status %d body %s", w.Code, w.Body)
	}
	if w := e.do(t, http.MethodDelete, "/api/parties/party-1?requester_id=lead", nil); w.Code != http.StatusNoContent {
		t.Fatalf("disband: status %d body %s", w.Code, w.Body)
	}
}

func TestHeartbeatFeedsRoster(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/branches/north/parties", map[string]any{"founder_id": "lead", "name": "Raid"})
	e.do(t, http.MethodPost, "/api/parties/party-1/join", map[string]string{"user_id": "m1"})

	w := e.do(t, http.MethodPost, "/api/presence/heartbeat", map[string]string{"user_id": "lead", "status": " Online "})
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat: status %d body %s", w.Code, w.Body)
	}
	if w := e.do(t, http.MethodPost, "/api/presence/heartbeat", map[string]string{"user_id": "ghost"}); w.Code != http.StatusNotFound {
		t.Fatalf("heartbeat unknown user: status %d", w.Code)
	}

	roster := decode[party.Roster](t, e.do(t, http.MethodGet, "/api/parties/party-1", nil))
	got := map[string]bool{}
	for _, m := range roster.Members {
		got[m.UserID] = m.Online
	}
	want := map[string]bool{"lead": true, "m1": false}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("online verdicts mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueOverHTTP(t *testing.T) {
	e := newEnv(t)

	for i, id := range []string{"lead", "m1"} {
		w := e.do(t, http.MethodPost, "/api/queues/q/join", map[string]string{"user_id": id})
		if got := decode[map[string]any](t, w)["position"]; got != float64(i+1) {
			t.Fatalf("join %s position = %v", id, got)
		}
	}
	w := e.do(t, http.MethodPost, "/api/queues/q/join", map[string]string{"user_id": "m2"})
	if decode[errorBody](t, w).Code != "queue_full" {
		t.Fatalf("join full queue: body %s", w.Body)
	}

	w = e.do(t, http.MethodGet, "/api/queues/q/position/m1", nil)
	if got := decode[map[string]any](t, w)["position"]; got != float64(2) {
		t.Fatalf("position of m1 = %v", got)
	}

	if w := e.do(t, http.MethodPost, "/api/queues/q/leave", map[string]string{"user_id": "lead"}); w.Code != http.StatusNoContent {
		t.Fatalf("leave: status %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/api/queues/q", nil)
	entries := decode[struct {
		Entries []queueSlot `json:"entries"`
	}](t, w).Entries
	if len(entries) != 1 || entries[0].UserID != "m1" || entries[0].Position != 1 {
		t.Fatalf("entries = %+v", entries)
	}

	w = e.do(t, http.MethodPost, "/api/queues/q/serve", nil)
	if got := decode[model.QueueEntry](t, w); got.UserID != "m1" {
		t.Fatalf("served = %+v", got)
	}
	if w := e.do(t, http.MethodGet, "/api/queues/q/position/m1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("position after serve: status %d", w.Code)
	}
}

func TestCooldownOverHTTP(t *testing.T) {
	e := newEnv(t)

	if w := e.do(t, http.MethodGet, "/api/cooldowns/m1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get missing cooldown: status %d", w.Code)
	}
	if w := e.do(t, http.MethodPut, "/api/cooldowns/m1", map[string]string{"reason": "left early"}); w.Code != http.StatusNoContent {
		t.Fatalf("set cooldown: status %d body %s", w.Code, w.Body)
	}
	cd := decode[model.Cooldown](t, e.do(t, http.MethodGet, "/api/cooldowns/m1", nil))
	if cd.Reason != "left early" {
		t.Fatalf("cooldown = %+v", cd)
	}

	w := e.do(t, http.MethodPost, "/api/queues/q/join", map[string]string{"user_id": "m1"})
	if decode[errorBody](t, w).Code != "on_cooldown" {
		t.Fatalf("join on cooldown: body %s", w.Body)
	}

	e.do(t, http.MethodDelete, "/api/cooldowns/m1", nil)
	if w := e.do(t, http.MethodPost, "/api/queues/q/join", map[string]string{"user_id": "m1"}); w.Code != http.StatusOK {
		t.Fatalf("join after clear: status %d body %s", w.Code, w.Body)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/branches/north/parties", map[string]any{"founder_id": "lead", "name": "Raid"})

	w := e.do(t, http.MethodGet, "/metrics", nil)
	if !strings.Contains(w.Body.String(), "rally_parties_created_total 1") {
		t.Errorf("metrics body missing created counter:\n%s", w.Body)
	}
	if w := e.do(t, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestStreamParties(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/parties?branch=north"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Delivery is latest-wins, so intermediate snapshots may be skipped.
	readUntil := func(done func(store.Snapshot) bool) store.Snapshot {
		t.Helper()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var snap store.Snapshot
			if err := conn.ReadJSON(&snap); err != nil {
				t.Fatalf("read snapshot: %v", err)
			}
			if done(snap) {
				return snap
			}
		}
	}

	if snap := readUntil(func(store.Snapshot) bool { return true }); len(snap.Parties) != 0 {
		t.Fatalf("initial snapshot = %+v", snap)
	}

	e.do(t, http.MethodPost, "/api/branches/north/parties", map[string]any{"founder_id": "lead", "name": "Raid"})
	e.do(t, http.MethodPost, "/api/parties/party-1/join", map[string]string{"user_id": "m1"})
	snap := readUntil(func(s store.Snapshot) bool {
		return len(s.Parties) == 1 && len(s.Parties[0].MemberIDs) == 2
	})
	if diff := cmp.Diff([]string{"lead", "m1"}, snap.Parties[0].MemberIDs); diff != "" {
		t.Errorf("member ids mismatch (-want +got):\n%s", diff)
	}

	// A south party never reaches a north subscriber.
	e.do(t, http.MethodPost, "/api/branches/south/parties", map[string]any{"founder_id": "south1", "name": "Other"})
	e.do(t, http.MethodPost, "/api/parties/party-1/leave", map[string]string{"user_id": "m1"})
	snap = readUntil(func(s store.Snapshot) bool {
		return len(s.Parties) == 1 && len(s.Parties[0].MemberIDs) == 1
	})
	if snap.Parties[0].Branch != "north" {
		t.Errorf("branch = %q, want north", snap.Parties[0].Branch)
	}
}
