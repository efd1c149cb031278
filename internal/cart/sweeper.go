package cart

import (
	"context"
	"github.com/Sertturk16/e-commerce-api/internal/metrics"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/rs/zerolog/log"
	"time"
)

// Sweeper periodically deletes expired carts and lapsed reservations, so
// abandoned holds return to the sellable pool without waiting for the next
// read of the cart.
type Sweeper struct {
	DB       postgres.DB
	Store    Store
	Interval time.Duration
	Now      func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := s.now()
	carts, err := s.Store.SweepExpiredCarts(ctx, s.DB, now)
	if err != nil {
		log.Error().Err(err).Msg("cart sweep failed")
		return
	}
	items, err := s.Store.SweepExpiredReservations(ctx, s.DB, now)
	if err != nil {
		log.Error().Err(err).Msg("reservation sweep failed")
		return
	}
	metrics.ReservationsSweptTotal.Add(float64(items))
	if carts > 0 || items > 0 {
		log.Info().Int64("carts", carts).Int64("items", items).Msg("swept expired holds")
	}
}
