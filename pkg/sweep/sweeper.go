// Package sweep reconciles parties against presence on a fixed period.
//
// Each tick reads every party, asks the presence oracle about every member and
// commits all corrections as one batch: a party whose leader is offline is
// deleted, otherwise its offline members are removed. A failed batch is not
// retried until the next tick. Re-running a tick on consistent state produces
// no operations.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/rally/pkg/metrics"
	"github.com/NicolasHaas/rally/pkg/model"
	"github.com/NicolasHaas/rally/pkg/notify"
	"github.com/NicolasHaas/rally/pkg/store"
)

// DefaultInterval is the sweep period.
const DefaultInterval = 60 * time.Second

// Store is the subset of the store used by the sweeper.
type Store interface {
	ListParties(ctx context.Context, filter store.PartyFilter) ([]*model.Party, error)
	Apply(ctx context.Context, b store.Batch) error
}

// Oracle returns online verdicts. *presence.Oracle implements it.
type Oracle interface {
	Verdicts(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Report summarizes one tick.
type Report struct {
	Parties      int                 `json:"parties"`
	Disbanded    []string            `json:"disbanded,omitempty"`
	Evicted      map[string][]string `json:"evicted,omitempty"`
	OverCapacity []string            `json:"over_capacity,omitempty"`
	Ops          int                 `json:"ops"`
}

// Sweeper runs reconciliation ticks.
type Sweeper struct {
	store    Store
	oracle   Oracle
	sink     notify.Sink
	metrics  *metrics.Metrics
	interval time.Duration
	now      func() time.Time

	// Leader-absent disbands planned by a tick whose batch failed. If such a
	// party is gone by the next tick its members are still owed the notice.
	mu      sync.Mutex
	pending map[string]planned
}

type planned struct {
	branch  string
	members []string
}

// Options configures a Sweeper. Zero values are usable.
type Options struct {
	Sink     notify.Sink
	Metrics  *metrics.Metrics
	Interval time.Duration
	Now      func() time.Time
}

// New creates a Sweeper.
func New(st Store, oracle Oracle, opts Options) *Sweeper {
	s := &Sweeper{
		store:    st,
		oracle:   oracle,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		interval: opts.Interval,
		now:      opts.Now,
		pending:  make(map[string]planned),
	}
	if s.sink == nil {
		s.sink = notify.Discard{}
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Interval returns the sweep period.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Run ticks every interval until ctx is cancelled. Tick errors are logged and
// the next tick proceeds as usual.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				slog.Error("sweep failed", "err", err)
			}
		}
	}
}

// Tick performs one reconciliation pass.
func (s *Sweeper) Tick(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report
	parties, err := s.store.ListParties(ctx, store.PartyFilter{})
	if err != nil {
		s.metrics.SweepFailed()
		return rep, fmt.Errorf("sweep: list parties: %w", err)
	}
	rep.Parties = len(parties)

	live := make(map[string]bool, len(parties))
	for _, p := range parties {
		live[p.ID] = true
	}
	for id, pl := range s.pending {
		if !live[id] {
			s.emit(ctx, notify.Event{Kind: notify.KindLeaderAbsent, PartyID: id, Branch: pl.branch, UserIDs: pl.members})
		}
		delete(s.pending, id)
	}

	verdicts, err := s.oracle.Verdicts(ctx, memberIDs(parties))
	if err != nil {
		s.metrics.SweepFailed()
		return rep, fmt.Errorf("sweep: presence: %w", err)
	}

	var batch store.Batch
	disbands := make(map[string]planned)
	for _, p := range parties {
		if !verdicts[p.LeaderID] {
			batch = append(batch, store.DeleteParty(p.ID))
			rep.Disbanded = append(rep.Disbanded, p.ID)
			disbands[p.ID] = planned{branch: p.Branch, members: append([]string(nil), p.MemberIDs...)}
			continue
		}
		for _, id := range p.MemberIDs {
			if id == p.LeaderID || verdicts[id] {
				continue
			}
			batch = append(batch, store.RemoveMember(p.ID, id))
			if rep.Evicted == nil {
				rep.Evicted = make(map[string][]string)
			}
			rep.Evicted[p.ID] = append(rep.Evicted[p.ID], id)
		}
		// Detected only; which racing joiner should go is left to the leader.
		if p.Size()-len(rep.Evicted[p.ID]) > p.Capacity {
			rep.OverCapacity = append(rep.OverCapacity, p.ID)
			slog.Warn("party over capacity", "party", p.ID, "size", p.Size(), "capacity", p.Capacity)
		}
	}
	rep.Ops = len(batch)

	if len(batch) == 0 {
		s.metrics.Swept()
		s.metrics.OverCapacitySeen(len(rep.OverCapacity))
		slog.Debug("sweep clean", "parties", rep.Parties)
		return rep, nil
	}

	if err := s.store.Apply(ctx, batch); err != nil {
		for id, pl := range disbands {
			s.pending[id] = pl
		}
		s.metrics.SweepFailed()
		return rep, fmt.Errorf("sweep: apply %d ops: %w", len(batch), err)
	}

	s.metrics.Swept()
	s.metrics.OverCapacitySeen(len(rep.OverCapacity))
	s.metrics.LeaderAbsent(len(rep.Disbanded))

	for _, p := range parties {
		if pl, ok := disbands[p.ID]; ok {
			slog.Info("party disbanded, leader offline", "party", p.ID, "leader", p.LeaderID, "members", len(pl.members))
			s.emit(ctx, notify.Event{Kind: notify.KindLeaderAbsent, PartyID: p.ID, Branch: pl.branch, UserIDs: pl.members})
			continue
		}
		if evicted := rep.Evicted[p.ID]; len(evicted) > 0 {
			s.metrics.Evicted(len(evicted))
			slog.Info("members evicted, offline", "party", p.ID, "users", evicted)
			s.emit(ctx, notify.Event{Kind: notify.KindEvicted, PartyID: p.ID, Branch: p.Branch, UserIDs: evicted})
		}
	}
	slog.Debug("sweep applied", "parties", rep.Parties, "ops", rep.Ops, "disbanded", len(rep.Disbanded))
	return rep, nil
}

func (s *Sweeper) emit(ctx context.Context, ev notify.Event) {
	ev.At = s.now()
	if err := s.sink.Notify(ctx, ev); err != nil {
		slog.Warn("sweep: notify failed", "kind", string(ev.Kind), "party", ev.PartyID, "err", err)
	}
}

func memberIDs(parties []*model.Party) []string {
	seen := make(map[string]struct{})
	for _, p := range parties {
		seen[p.LeaderID] = struct{}{}
		for _, id := range p.MemberIDs {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
