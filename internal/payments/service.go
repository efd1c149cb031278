package payments

import (
	"context"
	"fmt"
	kafkax "github.com/Sertturk16/e-commerce-api/internal/kafka"
	"github.com/Sertturk16/e-commerce-api/internal/order"
	"github.com/Sertturk16/e-commerce-api/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"
)

// Orders is the slice of the orchestrator the payment consumers drive.
type Orders interface {
	MarkPaid(ctx context.Context, orderID string) error
	MarkFailed(ctx context.Context, orderID, reason string) error
}

// Service applies gateway payment events to orders. A handler returns nil
// only after the transition landed, so offsets commit on success; the redis
// dedup keeps redelivered events from reapplying on top of that.
type Service struct {
	Orders      Orders
	Redis       *redis.Client // optional, event dedup
	ServiceName string
}

// HandlePaymentAuthorized is wired as the consumer handler for
// payment.authorized.
func (s *Service) HandlePaymentAuthorized(ctx context.Context, m kafkago.Message) error {
	var env order.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != order.EventPaymentAuthorized {
		return nil // ignore
	}
	if s.seen(ctx, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[order.PaymentAuthorizedPayload](env.Payload)
	if err != nil {
		return err
	}
	if err := s.Orders.MarkPaid(ctx, p.OrderID); err != nil {
		return err
	}
	log.Info().Str("order_id", p.OrderID).Msg("payment authorized, order confirmed")
	s.markSeen(ctx, env.EventID)
	return nil
}

// HandlePaymentFailed records the decline. Stock stays deducted; release
// happens only through explicit cancellation.
func (s *Service) HandlePaymentFailed(ctx context.Context, m kafkago.Message) error {
	var env order.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != order.EventPaymentFailed {
		return nil // ignore
	}
	if s.seen(ctx, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[order.PaymentFailedPayload](env.Payload)
	if err != nil {
		return err
	}
	if err := s.Orders.MarkFailed(ctx, p.OrderID, p.Reason); err != nil {
		return err
	}
	log.Info().Str("order_id", p.OrderID).Str("reason", p.Reason).Msg("payment failed recorded")
	s.markSeen(ctx, env.EventID)
	return nil
}

func (s *Service) seen(ctx context.Context, eventID string) bool {
	if s.Redis == nil {
		return false
	}
	ok, _ := redisx.Exists(ctx, s.Redis, fmt.Sprintf(redisx.KeyDedup, s.ServiceName, eventID))
	return ok
}

func (s *Service) markSeen(ctx context.Context, eventID string) {
	if s.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, eventID)
	_ = s.Redis.Set(ctx, key, "1", redisx.TTLDedup).Err()
}
