package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// RabbitQueue maps each topic to a durable RabbitMQ queue of the same name.
// Failed deliveries are republished with an incremented x-retry-count header
// until MaxRetries is reached, then dropped.
type RabbitQueue struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	MaxRetries int

	log zerolog.Logger
}

func DialRabbit(url string, log zerolog.Logger) (*RabbitQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RabbitQueue{
		conn:       conn,
		pub:        ch,
		declared:   map[string]bool{},
		ctx:        ctx,
		cancel:     cancel,
		MaxRetries: 3,
		log:        log.With().Str("component", "rabbitmq").Logger(),
	}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return nil
}

func (q *RabbitQueue) Publish(_ context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return q.publish(topic, body, 0)
}

func (q *RabbitQueue) publish(topic string, body []byte, retries int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.declared[topic] {
		if err := declare(q.pub, topic); err != nil {
			return err
		}
		q.declared[topic] = true
	}
	err := q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: retries},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer on its own channel. Deliveries are processed
// one at a time and acknowledged after the handler returns.
func (q *RabbitQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		ch.Close()
		return err
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer on %s: %w", topic, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-q.ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					q.log.Warn().Str("topic", topic).Msg("delivery channel closed")
					return
				}
				q.handle(topic, d, handler)
			}
		}
	}()
	q.log.Info().Str("topic", topic).Msg("consumer registered")
	return nil
}

func (q *RabbitQueue) handle(topic string, d amqp.Delivery, handler Handler) {
	err := handler(q.ctx, d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if int(retries) >= q.MaxRetries {
		q.log.Error().Err(err).Str("topic", topic).Int32("retries", retries).Msg("message permanently failed")
		d.Ack(false)
		return
	}
	q.log.Warn().Err(err).Str("topic", topic).Int32("retries", retries).Msg("message failed, requeueing")
	if perr := q.publish(topic, d.Body, retries+1); perr != nil {
		q.log.Error().Err(perr).Str("topic", topic).Msg("requeue failed")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 0
}

// Close stops consumers and closes the connection.
func (q *RabbitQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.mu.Lock()
	q.pub.Close()
	q.mu.Unlock()
	return q.conn.Close()
}
