package kafka

import (
	"context"
	"github.com/Sertturk16/e-commerce-api/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"time"
)

// Producer buffers messages for any topic and writes them from one goroutine.
// Publish never blocks the request path longer than the inbox allows.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
}

func NewProducer(brokers []string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start launches the writer goroutine. Shut down with either ctx cancellation
// or Close, not both: each path closes the inbox exactly once.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(p.inbox)
				for m := range p.inbox {
					p.write(m)
				}
				_ = p.w.Close()
				close(p.closeCh)
				return
			case m, ok := <-p.inbox:
				if !ok {
					_ = p.w.Close()
					close(p.closeCh)
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		log.Error().Err(err).Str("topic", m.Topic).Msg("kafka write failed")
	}
}

// Publish queues one message for topic. Messages still queued at Close are
// flushed before the writer shuts down.
func (p *Producer) Publish(topic string, key, value []byte) {
	metrics.EventsPublishedTotal.WithLabelValues(topic).Inc()
	p.inbox <- kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}
}

// Close stops intake; the writer goroutine flushes the remainder and exits.
func (p *Producer) Close() { close(p.inbox) }

// WaitClosed blocks until the writer goroutine has flushed and exited.
func (p *Producer) WaitClosed() { <-p.closeCh }
