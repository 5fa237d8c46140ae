// Package presence decides whether a member is online from the status flag and
// last-seen timestamp reported by the heartbeat.
//
// The same verdict function is used by the read path (party rosters) and by the
// reconciliation sweeper so the two can never disagree about a member.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/NicolasHaas/rally/pkg/model"
)

// Window is the staleness bound after which a last-seen timestamp no longer
// counts as online.
const Window = 3 * time.Minute

// IsOnline reports whether p is online at now using the fixed Window.
func IsOnline(p model.Presence, now time.Time) bool {
	return IsOnlineWithin(p, now, Window)
}

// IsOnlineWithin reports whether p is online at now. The status must be
// "online" and the last-seen timestamp, if present, must be strictly younger
// than window. A record exactly window old is offline.
func IsOnlineWithin(p model.Presence, now time.Time, window time.Duration) bool {
	if model.NormalizeStatus(p.Status) != model.StatusOnline {
		return false
	}
	if p.LastSeen.IsZero() {
		return true
	}
	return now.Sub(p.LastSeen) < window
}

// Source returns the latest presence record for each requested user. Users
// without a record are omitted from the result.
type Source interface {
	Presence(ctx context.Context, userIDs []string) (map[string]model.Presence, error)
}

// Writer records a heartbeat.
type Writer interface {
	Heartbeat(ctx context.Context, userID, status string, at time.Time) error
}

// Oracle evaluates presence records from a Source against a clock.
type Oracle struct {
	src    Source
	window time.Duration
	now    func() time.Time
}

// NewOracle creates an Oracle using time.Now().UTC().
func NewOracle(src Source, window time.Duration) *Oracle {
	return NewOracleWithClock(src, window, func() time.Time { return time.Now().UTC() })
}

// NewOracleWithClock creates an Oracle with a custom clock.
// A non-positive window falls back to Window.
func NewOracleWithClock(src Source, window time.Duration, now func() time.Time) *Oracle {
	if window <= 0 {
		window = Window
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Oracle{src: src, window: window, now: now}
}

// Now returns the oracle's current time.
func (o *Oracle) Now() time.Time {
	return o.now()
}

// Verdicts returns the online verdict for every requested user. A user with no
// presence record is offline.
func (o *Oracle) Verdicts(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	records, err := o.src.Presence(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("presence: lookup: %w", err)
	}
	now := o.now()
	for _, id := range userIDs {
		rec, ok := records[id]
		out[id] = ok && IsOnlineWithin(rec, now, o.window)
	}
	return out, nil
}

// IsOnline returns the verdict for a single user.
func (o *Oracle) IsOnline(ctx context.Context, userID string) (bool, error) {
	v, err := o.Verdicts(ctx, []string{userID})
	if err != nil {
		return false, err
	}
	return v[userID], nil
}
