package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultTTL is how long a message stays visible after creation.
const DefaultTTL = 600 * time.Second

// Policy stamps creation and expiry times on new messages.
type Policy struct {
	TTL time.Duration
}

// Stamp returns createdAt and expiresAt for a message created at now.
// Timestamps are truncated to the millisecond, the store's resolution, so
// expiresAt - createdAt is exactly TTL after a round trip.
func (p Policy) Stamp(now time.Time) (time.Time, time.Time) {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	created := now.UTC().Truncate(time.Millisecond)
	return created, created.Add(ttl)
}

// Visible reports whether something expiring at expiresAt is still readable at now.
func Visible(expiresAt, now time.Time) bool {
	return now.Before(expiresAt)
}

// Expirer flips overdue messages to the expired state. An empty roomID
// covers every room.
type Expirer interface {
	ExpireMessages(ctx context.Context, roomID string, now time.Time) (int64, error)
}

// Sweeper periodically expires overdue messages on a cron schedule. It never
// broadcasts anything; expiry is silent.
type Sweeper struct {
	cron  string
	store Expirer
	now   func() time.Time

	mu      sync.Mutex
	running bool
}

// NewSweeper validates cron and returns a sweeper over store.
func NewSweeper(cron string, store Expirer, now func() time.Time) (*Sweeper, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid sweep cron %q", cron)
	}
	if store == nil {
		return nil, fmt.Errorf("sweep store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{cron: cron, store: store, now: now}, nil
}

// Run sweeps on every cron tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("expiry sweeper started", "cron", s.cron)
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			slog.Error("expiry next tick failed", "cron", s.cron, "err", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("expiry sweep failed", "err", err)
			}
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return
		}
	}
}

// RunOnce performs a single sweep. Overlapping calls are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	n, err := s.store.ExpireMessages(ctx, "", s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("expiry sweep", "expired", n)
	} else {
		slog.Debug("expiry sweep", "expired", 0)
	}
	return n, nil
}
