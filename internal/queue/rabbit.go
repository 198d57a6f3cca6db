package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Exchange is the durable topic exchange every event is published to.
const Exchange = "cinema.events"

// RabbitBus publishes to and consumes from RabbitMQ. The publishing
// connection is opened lazily and re-dialled after a failure.
type RabbitBus struct {
	url string
	log *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewRabbitBus(url string, log *zap.Logger) *RabbitBus {
	return &RabbitBus{url: url, log: log.Named("rabbit-bus")}
}

// Publish sends ev as a persistent JSON message routed by its kind.
func (b *RabbitBus) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue.Publish: marshal: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return fmt.Errorf("queue.Publish: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		MessageId:    ev.ID,
		Type:         string(ev.Kind),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, Exchange, string(ev.Kind), false, false, pub); err != nil {
		b.resetLocked()
		return fmt.Errorf("queue.Publish: %w", err)
	}
	return nil
}

func (b *RabbitBus) channelLocked() (*amqp.Channel, error) {
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	b.resetLocked()
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn, b.ch = conn, ch
	return ch, nil
}

func (b *RabbitBus) resetLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn, b.ch = nil, nil
}

// Close releases the publishing connection.
func (b *RabbitBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	return nil
}

func declareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	return nil
}

// Consume binds a durable queue to kinds and feeds deliveries to h. It
// reconnects with exponential backoff until ctx is cancelled, then returns
// nil.
func (b *RabbitBus) Consume(ctx context.Context, queue string, kinds []Kind, h Handler) error {
	log := b.log.With(zap.String("queue", queue))
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := amqp.Dial(b.url)
		if err != nil {
			log.Warn("failed to dial broker, retrying", zap.Duration("backoff", backoff), zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = b.consumeLoop(ctx, conn, queue, kinds, h, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleepCtx(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (b *RabbitBus) consumeLoop(ctx context.Context, conn *amqp.Connection, queue string, kinds []Kind, h Handler, log *zap.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("set QoS failed", zap.Error(err))
	}
	if err := declareExchange(ch); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, k := range kinds {
		if err := ch.QueueBind(queue, string(k), Exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s: %w", k, err)
		}
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			b.deliver(ctx, d, h, log)
		}
	}
}

// deliver acks on success. A failed delivery is requeued once; a second
// failure drops it so a poison message cannot spin the consumer.
func (b *RabbitBus) deliver(ctx context.Context, d amqp.Delivery, h Handler, log *zap.Logger) {
	var ev Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		log.Error("undecodable message dropped", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := h(ctx, ev); err != nil {
		if d.Redelivered {
			log.Error("handler failed on redelivery, dropping",
				zap.String("kind", string(ev.Kind)), zap.String("subject", ev.SubjectID()), zap.Error(err))
			_ = d.Nack(false, false)
			return
		}
		log.Warn("handler failed, requeueing",
			zap.String("kind", string(ev.Kind)), zap.String("subject", ev.SubjectID()), zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
