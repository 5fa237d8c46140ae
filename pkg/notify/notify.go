// Package notify carries observable membership transitions out of the engine.
// Sinks translate them into logs, bus messages or user-facing notices.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies a transition.
type Kind string

const (
	// KindLeaderAbsent: the party existed last tick, its leader was offline, and
	// the sweeper deleted it. UserIDs lists the former members.
	KindLeaderAbsent Kind = "party.disbanded.leader_absent"
	// KindEvicted: offline members removed by the sweeper.
	KindEvicted Kind = "party.member.evicted"
	// KindKicked: a member removed by the leader.
	KindKicked Kind = "party.member.kicked"
	// KindDisbanded: a party removed by its leader.
	KindDisbanded Kind = "party.disbanded"
)

// Event is one transition.
type Event struct {
	Kind    Kind      `json:"kind"`
	PartyID string    `json:"party_id"`
	Branch  string    `json:"branch"`
	UserIDs []string  `json:"user_ids"`
	At      time.Time `json:"at"`
}

// Sink receives transitions. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// LogSink writes transitions to slog.
type LogSink struct {
	Logger *slog.Logger
}

// Notify logs ev at info level.
func (s LogSink) Notify(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "party transition",
		"kind", string(ev.Kind),
		"party", ev.PartyID,
		"branch", ev.Branch,
		"users", ev.UserIDs,
	)
	return nil
}

// Fanout delivers each event to every sink.
type Fanout []Sink

// Notify delivers to all sinks and joins their errors.
func (f Fanout) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Notify does nothing.
func (Discard) Notify(context.Context, Event) error { return nil }

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify records ev.
func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
