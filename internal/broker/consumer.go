package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/model"
)

// Delivery is one received invocation awaiting acknowledgement
type Delivery interface {
	Invocation() *model.Invocation
	// NumDelivered is how many times the broker has delivered this message
	NumDelivered() uint64
	Ack(ctx context.Context) error
	// Nak requests redelivery after delay
	Nak(delay time.Duration) error
	// Term stops redelivery of the message
	Term() error
	// InProgress extends the ack deadline
	InProgress() error
}

// Consumer yields deliveries from the shared worker consumer. It is safe for
// concurrent use by many worker slots and cannot be restarted after Close.
type Consumer struct {
	sub       *nats.Subscription
	fetchWait time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	closed atomic.Bool
}

func newConsumer(sub *nats.Subscription, fetchWait time.Duration, logger *zap.Logger) *Consumer {
	return &Consumer{
		sub:       sub,
		fetchWait: fetchWait,
		logger:    logger,
	}
}

// Next blocks until a delivery is available, ctx is done or the consumer is
// closed. Undecodable messages are terminated and skipped.
func (c *Consumer) Next(ctx context.Context) (Delivery, error) {
	for {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := c.fetch(ctx)
		if err != nil {
			if c.closed.Load() {
				return nil, ErrClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) {
				return nil, ErrClosed
			}
			return nil, classify(err)
		}
		if msg == nil {
			continue
		}

		var inv model.Invocation
		if err := json.Unmarshal(msg.Data, &inv); err != nil || inv.JobID == "" {
			c.logger.Error("Dropping undecodable invocation",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			if termErr := msg.Term(); termErr != nil {
				c.logger.Warn("Failed to terminate message", zap.Error(termErr))
			}
			continue
		}

		return &jsDelivery{msg: msg, inv: &inv}, nil
	}
}

func (c *Consumer) fetch(ctx context.Context) (*nats.Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchWait)
	defer cancel()

	msgs, err := c.sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// Close stops the consumer; unacknowledged deliveries are redelivered to
// other consumers after the ack wait.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

type jsDelivery struct {
	msg *nats.Msg
	inv *model.Invocation
}

func (d *jsDelivery) Invocation() *model.Invocation {
	return d.inv
}

func (d *jsDelivery) NumDelivered() uint64 {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 0
	}
	return meta.NumDelivered
}

func (d *jsDelivery) Ack(ctx context.Context) error {
	return classify(d.msg.AckSync(nats.Context(ctx)))
}

func (d *jsDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return classify(d.msg.Nak())
	}
	return classify(d.msg.NakWithDelay(delay))
}

func (d *jsDelivery) Term() error {
	return classify(d.msg.Term())
}

func (d *jsDelivery) InProgress() error {
	return classify(d.msg.InProgress())
}
