package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/model"
)

func TestResourceGate(t *testing.T) {
	t.Run("Disabled gate never blocks", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{}, zap.NewNop())
		gate.sample = func(ctx context.Context) (model.HostStats, error) {
			t.Fatal("disabled gate must not sample")
			return model.HostStats{}, nil
		}
		assert.False(t, gate.Enabled())
		assert.NoError(t, gate.Wait(context.Background()))
	})

	t.Run("Waits until usage drops", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{MaxCPU: 80}, zap.NewNop())
		gate.interval = 5 * time.Millisecond

		var samples atomic.Int32
		gate.sample = func(ctx context.Context) (model.HostStats, error) {
			if samples.Add(1) < 3 {
				return model.HostStats{CPUUsage: 95}, nil
			}
			return model.HostStats{CPUUsage: 40, MemoryUsage: 99}, nil
		}

		require.NoError(t, gate.Wait(context.Background()))
		assert.Equal(t, int32(3), samples.Load())
		assert.Equal(t, 40.0, gate.Stats().CPUUsage)
	})

	t.Run("Memory limit", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{MaxMemory: 90}, zap.NewNop())
		gate.interval = 5 * time.Millisecond
		gate.sample = func(ctx context.Context) (model.HostStats, error) {
			return model.HostStats{MemoryUsage: 95}, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, gate.Wait(ctx), context.DeadlineExceeded)
	})

	t.Run("Sampling errors let work through", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{MaxCPU: 50}, zap.NewNop())
		gate.sample = func(ctx context.Context) (model.HostStats, error) {
			return model.HostStats{}, errors.New("no /proc")
		}
		assert.NoError(t, gate.Wait(context.Background()))
	})

	t.Run("Running jobs", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{}, zap.NewNop())
		gate.Acquire()
		gate.Acquire()
		gate.Release()
		assert.Equal(t, 1, gate.Stats().RunningJobs)
	})
}

func TestSampleHost(t *testing.T) {
	stats, err := SampleHost(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, stats.MemoryUsage, 0.0)
	assert.False(t, stats.CollectedAt.IsZero())
}
