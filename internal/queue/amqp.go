package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/telemetry"
)

const prefetchCount = 4

// Channel is the subset of *amqp.Channel the broker uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection the broker uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP dials RabbitMQ with streadway/amqp.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// AMQPConfig controls the broker link and its reconnect policy.
type AMQPConfig struct {
	URL   string
	AppID string
	// InitialInterval and MaxInterval bound the exponential reconnect delay.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the initial connect; zero retries until the context ends.
	MaxElapsed time.Duration
}

// AMQPBroker owns one connection and channel, declares durable queues on first use
// and re-establishes the link in the background when the broker drops it.
type AMQPBroker struct {
	cfg  AMQPConfig
	dial Dialer

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	notify   chan *amqp.Error
	chNotify chan *amqp.Error
	declared map[string]bool
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAMQPBroker builds a broker that is not yet connected.
func NewAMQPBroker(cfg AMQPConfig, dial Dialer) *AMQPBroker {
	if dial == nil {
		dial = DialAMQP
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 15 * time.Second
	}
	return &AMQPBroker{
		cfg:      cfg,
		dial:     dial,
		declared: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Connect establishes the link, retrying with backoff until MaxElapsed, then keeps
// it alive until ctx is cancelled or Close is called.
func (b *AMQPBroker) Connect(ctx context.Context) error {
	if err := b.connectWithBackoff(ctx, b.cfg.MaxElapsed); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	b.wg.Add(1)
	go b.supervise(ctx)
	return nil
}

func (b *AMQPBroker) connectWithBackoff(ctx context.Context, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitialInterval
	policy.MaxInterval = b.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.connectOnce()
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Broker connect failed")
		}),
	)
	return err
}

func (b *AMQPBroker) connectOnce() error {
	conn, err := b.dial(b.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("creating channel: %w", err)
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("setting prefetch attributes: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = ch.Close()
		_ = conn.Close()
		return backoff.Permanent(ErrNotConnected)
	}
	b.conn = conn
	b.ch = ch
	b.notify = conn.NotifyClose(make(chan *amqp.Error, 1))
	b.chNotify = ch.NotifyClose(make(chan *amqp.Error, 1))
	b.declared = make(map[string]bool)
	log.Info().Msg("Broker connected")
	return nil
}

// supervise rebuilds the link when either the connection or its channel closes.
// A channel exception leaves the connection open, so both are replaced.
func (b *AMQPBroker) supervise(ctx context.Context) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		notify, chNotify := b.notify, b.chNotify
		b.mu.Unlock()

		var (
			amqpErr *amqp.Error
			ok      bool
			what    string
		)
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case amqpErr, ok = <-notify:
			what = "connection"
		case amqpErr, ok = <-chNotify:
			what = "channel"
		}
		if !ok && amqpErr == nil && b.stopping() {
			// A closed channel without an error is a clean shutdown of ours.
			return
		}
		log.Error().Interface("reason", amqpErr).Str("scope", what).Msg("Broker link lost")

		b.mu.Lock()
		conn := b.conn
		b.conn = nil
		b.ch = nil
		b.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}

		if err := b.connectWithBackoff(ctx, 0); err != nil {
			log.Error().Err(err).Msg("Broker reconnect abandoned")
			return
		}
		telemetry.BrokerReconnects.Inc()
	}
}

func (b *AMQPBroker) stopping() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Connected reports whether a channel is currently available.
func (b *AMQPBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch != nil
}

// Publish sends msg to queue with persistent delivery. It does not wait for a consumer.
func (b *AMQPBroker) Publish(_ context.Context, queue string, msg models.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		return ErrNotConnected
	}
	if err := b.declareLocked(queue); err != nil {
		return err
	}
	err = b.ch.Publish(
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			AppId:        b.cfg.AppID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (b *AMQPBroker) declareLocked(queue string) error {
	if b.declared[queue] {
		return nil
	}
	_, err := b.ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	b.declared[queue] = true
	return nil
}

// Consume subscribes to the queues with manual acknowledgement. The returned channel
// closes when ctx ends or the broker closes the subscription.
func (b *AMQPBroker) Consume(ctx context.Context, queues ...string) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.ch == nil {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	sources := make([]<-chan amqp.Delivery, 0, len(queues))
	for _, q := range queues {
		if err := b.declareLocked(q); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		src, err := b.ch.Consume(
			q,     // queue
			"",    // consumer
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("consume %s: %w", q, err)
		}
		sources = append(sources, src)
	}
	b.mu.Unlock()

	out := make(chan Delivery)
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(queue string, src <-chan amqp.Delivery) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-src:
					if !ok {
						return
					}
					var msg models.QueueMessage
					if err := json.Unmarshal(d.Body, &msg); err != nil {
						log.Error().Err(err).Str("queue", queue).Msg("Dropping malformed message")
						_ = d.Nack(false, false)
						continue
					}
					delivery := Delivery{
						Queue:   queue,
						Message: msg,
						Ack:     func() error { return d.Ack(false) },
						Nack:    func(requeue bool) error { return d.Nack(false, requeue) },
					}
					select {
					case out <- delivery:
					case <-ctx.Done():
						_ = d.Nack(false, true)
						return
					}
				}
			}
		}(queues[i], src)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Close stops the supervisor and closes the channel and connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	ch, conn := b.ch, b.conn
	b.ch, b.conn = nil, nil
	b.mu.Unlock()

	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	b.wg.Wait()
	return errors.Join(errs...)
}
