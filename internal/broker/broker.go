// Package broker carries job invocations between the beat, producers and
// workers over a NATS JetStream work-queue stream.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/backoff"
	"github.com/t77yq/taskbeat/internal/model"
)

const (
	StreamName    = "INVOCATIONS"
	SubjectPrefix = "invocation."
	SubjectAll    = SubjectPrefix + ">"
	ConsumerName  = "workers"

	duplicateWindow  = 2 * time.Minute
	maxAckPending    = 1024
	operationTimeout = 10 * time.Second
)

var (
	// ErrUnavailable is returned when the broker cannot be reached
	ErrUnavailable = errors.New("queue unavailable")

	// ErrClosed is returned by a consumer after Close
	ErrClosed = errors.New("consumer closed")
)

// Config holds broker connection and consumer settings
type Config struct {
	URL            string
	Name           string
	AckWait        time.Duration
	FetchWait      time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	// MemoryStorage keeps the stream in memory instead of on disk
	MemoryStorage bool
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "taskbeat"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// Connect dials NATS, retrying with backoff up to MaxReconnects times
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	cfg = cfg.withDefaults()
	logger = logger.Named("broker")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	attempts := cfg.MaxReconnects
	if attempts < 1 {
		attempts = 1
	}

	var nc *nats.Conn
	attempt := 0
	err := backoff.Retry(ctx, backoff.Exponential{
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}, attempts, nil, func(ctx context.Context) error {
		attempt++
		conn, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			logger.Warn("Failed to connect to NATS, retrying...",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		nc = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %w", ErrUnavailable, cfg.URL, err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	return nc, nil
}

// Broker publishes invocations to the stream and hands out consumers
type Broker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *zap.Logger
}

// New provisions the invocation stream and the shared worker consumer
func New(nc *nats.Conn, cfg Config, logger *zap.Logger) (*Broker, error) {
	js, err := nc.JetStream(nats.MaxWait(operationTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &Broker{
		nc:     nc,
		js:     js,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("broker"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := b.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", classify(err))
	}
	if err := b.setupConsumer(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup consumer: %w", classify(err))
	}

	return b, nil
}

func (b *Broker) setupStream(ctx context.Context) error {
	storage := nats.FileStorage
	if b.cfg.MemoryStorage {
		storage = nats.MemoryStorage
	}
	cfg := &nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectAll},
		Retention:  nats.WorkQueuePolicy,
		Storage:    storage,
		Duplicates: duplicateWindow,
		MaxMsgs:    -1,
	}

	_, err := b.js.AddStream(cfg, nats.Context(ctx))
	if err == nil {
		b.logger.Info("Stream created successfully", zap.String("stream", StreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}

	if _, err := b.js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
		return err
	}
	b.logger.Info("Stream already exists", zap.String("stream", StreamName))
	return nil
}

func (b *Broker) setupConsumer(ctx context.Context) error {
	cfg := &nats.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: SubjectAll,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: maxAckPending,
	}

	_, err := b.js.ConsumerInfo(StreamName, ConsumerName, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		_, err = b.js.AddConsumer(StreamName, cfg, nats.Context(ctx))
	case err == nil:
		_, err = b.js.UpdateConsumer(StreamName, cfg, nats.Context(ctx))
	}
	return err
}

// JetStream exposes the JetStream context for key-value buckets
func (b *Broker) JetStream() nats.JetStreamContext {
	return b.js
}

// Healthy reports whether the NATS connection is currently up
func (b *Broker) Healthy() bool {
	return b.nc.IsConnected()
}

// Publish enqueues an invocation. Re-publishing the same job attempt within
// the duplicate window is a no-op broker side.
func (b *Broker) Publish(ctx context.Context, inv *model.Invocation) error {
	if inv.PublishedAt.IsZero() {
		inv.PublishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}

	msg := nats.NewMsg(SubjectPrefix + inv.Task)
	msg.Header.Set(nats.MsgIdHdr, inv.MsgID())
	msg.Data = data

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	ack, err := b.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish invocation %s: %w", inv.MsgID(), classify(err))
	}

	b.logger.Debug("Invocation published",
		zap.String("job_id", inv.JobID),
		zap.String("task", inv.Task),
		zap.Int("attempt", inv.Attempt),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))

	return nil
}

// Consume binds a new pull subscription to the shared worker consumer
func (b *Broker) Consume(ctx context.Context) (*Consumer, error) {
	sub, err := b.js.PullSubscribe(SubjectAll, ConsumerName,
		nats.Bind(StreamName, ConsumerName),
		nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to bind consumer: %w", classify(err))
	}
	return newConsumer(sub, b.cfg.FetchWait, b.logger), nil
}

// classify maps connectivity failures to ErrUnavailable
func classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	for _, target := range []error{
		nats.ErrConnectionClosed,
		nats.ErrConnectionDraining,
		nats.ErrConnectionReconnecting,
		nats.ErrNoServers,
		nats.ErrTimeout,
		nats.ErrNoResponders,
		nats.ErrNoStreamResponse,
		nats.ErrJetStreamNotEnabled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return err
}
