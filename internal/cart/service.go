package cart

import (
	"context"
	"fmt"
	"github.com/Sertturk16/e-commerce-api/internal/catalog"
	"github.com/Sertturk16/e-commerce-api/internal/metrics"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/Sertturk16/e-commerce-api/internal/redisx"
	"github.com/google/uuid"
	"time"
)

// Locker is the slice of the lock manager the cart needs.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// Service owns the reservation ledger. Availability is always computed and
// acted on inside the product's stock lock, so two processes cannot both
// admit the last unit.
type Service struct {
	DB             postgres.DB
	Store          Store
	Stock          catalog.Store
	Locks          Locker
	ReservationTTL time.Duration
	AnonCartTTL    time.Duration
	Now            func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Resolve finds the owner's current cart or creates one. Anonymous carts get
// an absolute expiry; an expired one found here is discarded and replaced.
// A duplicate-key race on create adopts the winner's row instead of failing.
func (s *Service) Resolve(ctx context.Context, userID, sessionID string) (*Cart, error) {
	if userID == "" && sessionID == "" {
		return nil, ErrNoOwner
	}

	existing, err := s.lookup(ctx, userID, sessionID)
	if err != nil && err != ErrCartNotFound {
		return nil, err
	}
	if existing != nil {
		if !s.expired(existing) {
			return existing, nil
		}
		if err := s.Store.Delete(ctx, s.DB, existing.ID); err != nil {
			return nil, err
		}
	}

	c := &Cart{ID: uuid.NewString(), UserID: userID, SessionID: sessionID}
	if userID == "" {
		exp := s.now().Add(s.AnonCartTTL)
		c.ExpiresAt = &exp
	}
	if err := s.Store.Create(ctx, s.DB, c); err != nil {
		if postgres.IsUniqueViolation(err) {
			return s.lookup(ctx, userID, sessionID)
		}
		return nil, err
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	return c, nil
}

func (s *Service) lookup(ctx context.Context, userID, sessionID string) (*Cart, error) {
	if userID != "" {
		return s.Store.ByUser(ctx, s.DB, userID)
	}
	return s.Store.BySession(ctx, s.DB, sessionID)
}

func (s *Service) expired(c *Cart) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(s.now())
}

// Get returns the owner's cart after sweeping it: expired reservations and
// items of sold-out products are deleted first, so callers never see holds
// that cannot be fulfilled.
func (s *Service) Get(ctx context.Context, userID, sessionID string) (*Cart, []Item, error) {
	c, err := s.Resolve(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.sweep(ctx, c.ID); err != nil {
		return nil, nil, err
	}
	items, err := s.Store.Items(ctx, s.DB, c.ID)
	if err != nil {
		return nil, nil, err
	}
	return c, items, nil
}

func (s *Service) sweep(ctx context.Context, cartID string) error {
	expired, err := s.Store.DeleteExpiredItems(ctx, s.DB, cartID, s.now())
	if err != nil {
		return err
	}
	dead, err := s.Store.DeleteDeadStockItems(ctx, s.DB, cartID)
	if err != nil {
		return err
	}
	metrics.ReservationsSweptTotal.Add(float64(expired + dead))
	return nil
}

// UpsertItem sets the quantity of a product in the owner's cart. Quantity 0
// deletes the row and is idempotent. A repeat add replaces the quantity, it
// never sums. The availability check and the write share one lock scope.
func (s *Service) UpsertItem(ctx context.Context, userID, sessionID, productID string, qty int) (*Cart, []Item, error) {
	if qty < 0 {
		return nil, nil, ErrInvalidQuantity
	}
	c, err := s.Resolve(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	if qty == 0 {
		if err := s.Store.DeleteItem(ctx, s.DB, c.ID, productID); err != nil {
			return nil, nil, err
		}
	} else {
		key := fmt.Sprintf(redisx.KeyProductStock, productID)
		err = s.Locks.WithLock(ctx, key, func() error {
			p, err := s.Stock.Get(ctx, s.DB, productID)
			if err != nil {
				return err
			}
			reserved, err := s.Store.ReservedByOthers(ctx, s.DB, productID, s.now(), []string{c.ID})
			if err != nil {
				return err
			}
			if p.Stock-reserved < qty {
				return catalog.ErrInsufficientStock
			}
			return s.Store.UpsertItem(ctx, s.DB, &Item{
				ID:            uuid.NewString(),
				CartID:        c.ID,
				ProductID:     productID,
				Quantity:      qty,
				ReservedUntil: s.now().Add(s.ReservationTTL),
			})
		})
		if err != nil {
			return nil, nil, err
		}
	}

	// Every mutating cart op renews the whole cart's holds.
	if err := s.Store.RefreshReservations(ctx, s.DB, c.ID, s.now().Add(s.ReservationTTL)); err != nil {
		return nil, nil, err
	}
	items, err := s.Store.Items(ctx, s.DB, c.ID)
	if err != nil {
		return nil, nil, err
	}
	return c, items, nil
}

// Available is the advisory availability formula: authoritative stock minus
// active holds outside the excluded carts. Callers deciding a write on the
// result must hold the product's stock lock.
func (s *Service) Available(ctx context.Context, db postgres.DB, productID string, now time.Time, exclude ...string) (int, error) {
	p, err := s.Stock.Get(ctx, db, productID)
	if err != nil {
		return 0, err
	}
	reserved, err := s.Store.ReservedByOthers(ctx, db, productID, now, exclude)
	if err != nil {
		return 0, err
	}
	return p.Stock - reserved, nil
}

// MergeAnonymous folds the session's cart into the user's at login. Per item,
// under the product lock, the summed quantity is admitted only if it fits
// availability computed without the source and destination rows; an item that
// does not fit is dropped whole, never partially filled. The anonymous cart
// is deleted afterward.
func (s *Service) MergeAnonymous(ctx context.Context, userID, sessionID string) (*Cart, []Item, error) {
	if userID == "" || sessionID == "" {
		return nil, nil, ErrNoOwner
	}

	anon, err := s.Store.BySession(ctx, s.DB, sessionID)
	if err == ErrCartNotFound {
		return s.Get(ctx, userID, "")
	}
	if err != nil {
		return nil, nil, err
	}

	dst, err := s.Resolve(ctx, userID, "")
	if err != nil {
		return nil, nil, err
	}

	srcItems, err := s.Store.Items(ctx, s.DB, anon.ID)
	if err != nil {
		return nil, nil, err
	}
	dstItems, err := s.Store.Items(ctx, s.DB, dst.ID)
	if err != nil {
		return nil, nil, err
	}
	dstQty := make(map[string]int, len(dstItems))
	for _, it := range dstItems {
		dstQty[it.ProductID] = it.Quantity
	}

	if !s.expired(anon) {
		for _, src := range srcItems {
			key := fmt.Sprintf(redisx.KeyProductStock, src.ProductID)
			err := s.Locks.WithLock(ctx, key, func() error {
				avail, err := s.Available(ctx, s.DB, src.ProductID, s.now(), anon.ID, dst.ID)
				if err == catalog.ErrProductNotFound {
					return nil // product gone, drop the hold
				}
				if err != nil {
					return err
				}
				want := src.Quantity + dstQty[src.ProductID]
				if want > avail {
					return nil // does not fit, drop whole
				}
				return s.Store.UpsertItem(ctx, s.DB, &Item{
					ID:            uuid.NewString(),
					CartID:        dst.ID,
					ProductID:     src.ProductID,
					Quantity:      want,
					ReservedUntil: s.now().Add(s.ReservationTTL),
				})
			})
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if err := s.Store.Delete(ctx, s.DB, anon.ID); err != nil {
		return nil, nil, err
	}
	if err := s.Store.RefreshReservations(ctx, s.DB, dst.ID, s.now().Add(s.ReservationTTL)); err != nil {
		return nil, nil, err
	}
	items, err := s.Store.Items(ctx, s.DB, dst.ID)
	if err != nil {
		return nil, nil, err
	}
	return dst, items, nil
}

// ForUser returns the user's current cart and raw items without sweeping, so
// checkout can see lapsed holds and report them instead of silently dropping
// the rows.
func (s *Service) ForUser(ctx context.Context, userID string) (*Cart, []Item, error) {
	c, err := s.Store.ByUser(ctx, s.DB, userID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.Store.Items(ctx, s.DB, c.ID)
	if err != nil {
		return nil, nil, err
	}
	return c, items, nil
}

// ClearItems empties a cart inside the caller's unit of work.
func (s *Service) ClearItems(ctx context.Context, db postgres.DB, cartID string) error {
	return s.Store.ClearItems(ctx, db, cartID)
}
