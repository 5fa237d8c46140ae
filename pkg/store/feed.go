package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/NicolasHaas/rally/pkg/model"
)

// ListFunc evaluates a party filter against the current state.
type ListFunc func(ctx context.Context, filter PartyFilter) ([]*model.Party, error)

// Feed fans party snapshots out to subscribers. Every subscriber sees the full
// matching result set, and only when that result set changed since the last
// delivery. Delivery is latest-wins: a slow reader skips intermediate states.
type Feed struct {
	list ListFunc

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	filter PartyFilter
	ch     chan Snapshot
	digest [blake2b.Size256]byte
}

// NewFeed creates a feed that re-evaluates subscriptions with list.
func NewFeed(list ListFunc) *Feed {
	return &Feed{list: list, subs: make(map[int]*subscription)}
}

// Subscribe registers a subscription and delivers the initial snapshot.
func (f *Feed) Subscribe(ctx context.Context, filter PartyFilter) (<-chan Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, digest, err := f.snapshot(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("store: subscribe: %w", err)
	}
	sub := &subscription{filter: filter, ch: make(chan Snapshot, 1), digest: digest}
	sub.ch <- snap

	id := f.nextID
	f.nextID++
	f.subs[id] = sub

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// Notify re-evaluates every subscription after a write.
func (f *Feed) Notify(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, sub := range f.subs {
		snap, digest, err := f.snapshot(ctx, sub.filter)
		if err != nil {
			slog.Warn("store: feed refresh failed", "subscription", id, "err", err)
			continue
		}
		if digest == sub.digest {
			continue
		}
		sub.digest = digest
		deliver(sub.ch, snap)
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) snapshot(ctx context.Context, filter PartyFilter) (Snapshot, [blake2b.Size256]byte, error) {
	parties, err := f.list(ctx, filter)
	if err != nil {
		return Snapshot{}, [blake2b.Size256]byte{}, err
	}
	if parties == nil {
		parties = []*model.Party{}
	}
	snap := Snapshot{Parties: parties}
	raw, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, [blake2b.Size256]byte{}, err
	}
	return snap, blake2b.Sum256(raw), nil
}

// deliver replaces any undelivered snapshot with snap.
func deliver(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
