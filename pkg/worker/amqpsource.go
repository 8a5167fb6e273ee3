package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPSource delivers tasks over a RabbitMQ broker. Each queue category
// maps to one durable AMQP queue named "rollcall.<queue>". Deliveries are
// acknowledged manually with a prefetch of one, so an unacked task goes
// back on the queue when the worker dies mid-dispatch.
type AMQPSource struct {
	conn   *amqp.Connection
	logger zerolog.Logger

	mu sync.Mutex
}

// DialAMQP connects to the broker at url and wraps the connection as a
// task source and publisher.
func DialAMQP(url string, logger zerolog.Logger) (*AMQPSource, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}
	return NewAMQPSource(conn, logger), nil
}

// NewAMQPSource wraps an established connection. The source takes
// ownership of closing it.
func NewAMQPSource(conn *amqp.Connection, logger zerolog.Logger) *AMQPSource {
	return &AMQPSource{
		conn:   conn,
		logger: logger.With().Str("component", "amqpsource").Logger(),
	}
}

func amqpQueueName(queue string) string {
	return "rollcall." + queue
}

func (s *AMQPSource) declareQueue(ch *amqp.Channel, queue string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		amqpQueueName(queue),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

// Publish enqueues a task as a persistent JSON message on the queue named
// by the task itself.
func (s *AMQPSource) Publish(ctx context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		return fmt.Errorf("amqp connection is not available")
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	if _, err := s.declareQueue(ch, task.Queue); err != nil {
		return fmt.Errorf("declare queue %q: %w", task.Queue, err)
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	err = ch.PublishWithContext(ctx,
		"",                        // default exchange
		amqpQueueName(task.Queue), // routing key
		false,                     // mandatory
		false,                     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish task for job %s: %w", task.JobID, err)
	}
	return nil
}

// Consume reads tasks from the named queue until ctx is cancelled. A nil
// handler result acks the delivery, a non-retryable error rejects it
// without requeue, and any other error requeues it for redelivery.
func (s *AMQPSource) Consume(ctx context.Context, queue string, handle HandleFunc) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	if _, err := s.declareQueue(ch, queue); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(
		amqpQueueName(queue),
		"",    // consumer tag, auto-generated
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer on %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp delivery channel for %q closed", queue)
			}
			s.handleDelivery(ctx, queue, d, handle)
		}
	}
}

func (s *AMQPSource) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handle HandleFunc) {
	var task Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		s.logger.Error().Err(err).Str("queue", queue).Msg("rejecting malformed task payload")
		if err := d.Nack(false, false); err != nil {
			s.logger.Error().Err(err).Msg("nack failed")
		}
		return
	}
	if task.Queue == "" {
		task.Queue = queue
	}

	err := handle(ctx, task)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			s.logger.Error().Err(err).Str("job_id", task.JobID).Msg("ack failed")
		}
	case IsNonRetryable(err):
		s.logger.Error().Err(err).Str("job_id", task.JobID).Msg("dropping undeliverable task")
		if err := d.Nack(false, false); err != nil {
			s.logger.Error().Err(err).Msg("nack failed")
		}
	default:
		s.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("requeueing task after dispatch failure")
		if err := d.Nack(false, true); err != nil {
			s.logger.Error().Err(err).Msg("nack failed")
		}
	}
}

// Close shuts the broker connection down.
func (s *AMQPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}
