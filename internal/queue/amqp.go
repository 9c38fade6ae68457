package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// AMQPBroker publishes to a durable work queue. Delayed jobs sit in a
// per-delay queue whose TTL dead-letters them back onto the work queue.
type AMQPBroker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string

	mu       sync.Mutex
	declared map[string]bool
	msgs     <-chan amqp.Delivery
}

func OpenAMQP(url, name string, prefetch int) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	b := &AMQPBroker{conn: conn, ch: ch, name: name, declared: map[string]bool{}}

	for _, q := range []string{name, name + ".dead"} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("declare %s: %w", q, err)
		}
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("qos: %w", err)
		}
	}
	return b, nil
}

func (b *AMQPBroker) delayQueue(delay time.Duration) (string, error) {
	ms := delay.Milliseconds()
	q := fmt.Sprintf("%s.delay.%d", b.name, ms)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[q] {
		return q, nil
	}
	_, err := b.ch.QueueDeclare(q, true, false, false, false, amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.name,
	})
	if err != nil {
		return "", err
	}
	b.declared[q] = true
	return q, nil
}

func (b *AMQPBroker) publish(q string, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.ch.Publish("", q, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         job.Name,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (b *AMQPBroker) Publish(_ context.Context, job *Job, delay time.Duration) error {
	q := b.name
	if delay > 0 {
		var err error
		if q, err = b.delayQueue(delay); err != nil {
			return fmt.Errorf("declare delay queue: %w", err)
		}
	}
	return b.publish(q, job)
}

func (b *AMQPBroker) consume() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs != nil {
		return b.msgs, nil
	}
	msgs, err := b.ch.Consume(b.name, "", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	b.msgs = msgs
	return msgs, nil
}

func (b *AMQPBroker) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	msgs, err := b.consume()
	if err != nil {
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case d, ok := <-msgs:
		if !ok {
			return nil, ErrClosed
		}
		var job Job
		if err := json.Unmarshal(d.Body, &job); err != nil {
			_ = d.Nack(false, false)
			return nil, fmt.Errorf("decode job: %w", err)
		}
		return &Delivery{Job: &job, ack: func() error { return d.Ack(false) }}, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *AMQPBroker) Dead(_ context.Context, job *Job, reason string) error {
	cp := *job
	cp.LastError = reason
	return b.publish(b.name+".dead", &cp)
}

func (b *AMQPBroker) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	return b.conn.Close()
}
