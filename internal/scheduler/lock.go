package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	LockBucket = "taskbeat_locks"
	LeaderKey  = "beat.leader"
)

// LeaseLock is a lease stored in a JetStream key-value bucket whose TTL is
// the lease duration. A holder that stops renewing loses the key on expiry.
type LeaseLock struct {
	kv     nats.KeyValue
	key    string
	holder string
	logger *zap.Logger

	mu       sync.Mutex
	revision uint64
	held     bool
}

// NewLeaseLock binds (creating if needed) the lock bucket with the given TTL
func NewLeaseLock(js nats.JetStreamContext, ttl time.Duration, holder string, logger *zap.Logger) (*LeaseLock, error) {
	kv, err := js.KeyValue(LockBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      LockBucket,
			Description: "taskbeat leader lease",
			TTL:         ttl,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind lock bucket: %w", err)
	}
	if err := ensureBucketTTL(js, kv, ttl, logger); err != nil {
		return nil, err
	}

	return &LeaseLock{
		kv:     kv,
		key:    LeaderKey,
		holder: holder,
		logger: logger.Named("lease"),
	}, nil
}

// ensureBucketTTL moves an existing bucket to the configured lease duration.
// The KV API cannot edit a bucket, so the backing stream is updated.
func ensureBucketTTL(js nats.JetStreamContext, kv nats.KeyValue, ttl time.Duration, logger *zap.Logger) error {
	status, err := kv.Status()
	if err != nil {
		return fmt.Errorf("failed to read lock bucket status: %w", err)
	}
	if status.TTL() == ttl {
		return nil
	}

	stream := "KV_" + LockBucket
	info, err := js.StreamInfo(stream)
	if err != nil {
		return fmt.Errorf("failed to read lock bucket stream: %w", err)
	}
	cfg := info.Config
	cfg.MaxAge = ttl
	// same duplicate window CreateKeyValue derives from the TTL
	cfg.Duplicates = 2 * time.Minute
	if ttl < cfg.Duplicates {
		cfg.Duplicates = ttl
	}
	if _, err := js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("failed to update lock bucket ttl: %w", err)
	}

	logger.Info("Updated beat lease duration",
		zap.Duration("from", status.TTL()),
		zap.Duration("to", ttl))
	return nil
}

// Acquire implements Locker
func (l *LeaseLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rev, err := l.kv.Create(l.key, []byte(l.holder))
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	l.revision = rev
	l.held = true
	l.logger.Info("Acquired beat lease",
		zap.String("holder", l.holder),
		zap.Uint64("revision", rev))
	return true, nil
}

// Renew implements Locker
func (l *LeaseLock) Renew(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return ErrLockLost
	}

	rev, err := l.kv.Update(l.key, []byte(l.holder), l.revision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || errors.Is(err, nats.ErrKeyNotFound) {
			l.held = false
			l.logger.Warn("Beat lease lost", zap.String("holder", l.holder))
			return ErrLockLost
		}
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	l.revision = rev
	return nil
}

// Release implements Locker
func (l *LeaseLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	err := l.kv.Delete(l.key, nats.LastRevision(l.revision))
	if err != nil && !errors.Is(err, nats.ErrKeyExists) {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	l.logger.Info("Released beat lease", zap.String("holder", l.holder))
	return nil
}

// Held implements Locker
func (l *LeaseLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
