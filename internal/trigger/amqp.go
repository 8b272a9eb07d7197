package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// AMQPConfig configures the message queue trigger
type AMQPConfig struct {
	URL      string
	Queue    string
	Consumer string
	// RetryDelay is the wait before reconnecting after the broker goes away
	RetryDelay time.Duration
}

// AMQPConsumer runs one batch per delivery on a queue.
// Deliveries are acknowledged after the batch, whatever its outcome.
type AMQPConsumer struct {
	batcher Batcher
	cfg     AMQPConfig
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAMQPConsumer creates a consumer; nothing connects until Start
func NewAMQPConsumer(b Batcher, cfg AMQPConfig, logger *slog.Logger) *AMQPConsumer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "mailrun"
	}
	return &AMQPConsumer{
		batcher: b,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start connects to the broker and begins consuming.
// The first connection error is returned; later ones trigger reconnects.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	deliveries, err := c.connect()
	if err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run(ctx, deliveries)

	c.logger.Info("amqp trigger started", "queue", c.cfg.Queue)
	return nil
}

// Stop closes the connection and waits for an in-flight batch. The batch
// stops at the next recipient boundary; no delivery in flight is aborted.
func (c *AMQPConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()
}

func (c *AMQPConsumer) connect() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %q: %w", c.cfg.Queue, err)
	}

	// One unacknowledged tick at a time
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		c.cfg.Consumer,
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return deliveries, nil
}

func (c *AMQPConsumer) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *AMQPConsumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		c.consume(ctx, deliveries)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("amqp delivery channel closed, reconnecting", "retry_in", c.cfg.RetryDelay)
		c.closeConn()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.RetryDelay):
			}

			var err error
			deliveries, err = c.connect()
			if err == nil {
				c.logger.Info("amqp trigger reconnected", "queue", c.cfg.Queue)
				break
			}
			c.logger.Error("amqp reconnect failed", "error", err)
		}
	}
}

// consume handles deliveries until the channel closes or ctx ends
func (c *AMQPConsumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	runBatch(ctx, c.batcher, "amqp", c.logger)

	if err := d.Ack(false); err != nil {
		c.logger.Warn("failed to ack amqp delivery", "delivery_tag", d.DeliveryTag, "error", err)
	}
}
