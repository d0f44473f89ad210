package allocation

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper expires lapsed reservations in the background. Expiry is
// self-healing infrastructure, not a caller-facing failure: sweep errors
// are logged and retried on the next tick, never surfaced.
type Sweeper struct {
	svc      *Service
	interval time.Duration
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{svc: svc, interval: interval}
}

// Run sweeps until ctx is cancelled. Must be called in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.svc.store.ListExpiredReservations(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("expiry sweep failed", "err", err)
		return
	}

	for i := range expired {
		a := expired[i]
		if err := s.svc.Expire(ctx, &a); err != nil {
			slog.Error("failed to expire reservation", "allocation", a.ID, "err", err)
		}
	}
}
