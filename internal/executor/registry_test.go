package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/taskbeat/internal/model"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	noop := HandlerFunc(func(ctx context.Context, job *model.Job) ([]byte, error) {
		return []byte("ok"), nil
	})

	require.NoError(t, registry.Register("emails.send", noop))
	require.NoError(t, registry.Register("alpha", noop))

	assert.ErrorIs(t, registry.Register("emails.send", noop), ErrDuplicateHandler)
	assert.ErrorIs(t, registry.Register("bad name", noop), model.ErrInvalidTaskName)
	assert.Panics(t, func() { registry.MustRegister("alpha", noop) })

	h, err := registry.Lookup("emails.send")
	require.NoError(t, err)
	result, err := h.Handle(context.Background(), &model.Job{})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)

	_, err = registry.Lookup("missing")
	assert.ErrorIs(t, err, ErrTaskNotRegistered)

	assert.Equal(t, []string{"alpha", "emails.send"}, registry.Names())
}

func TestDecodeArgs(t *testing.T) {
	var args struct {
		To string `json:"to"`
	}

	require.NoError(t, DecodeArgs(&model.Job{Task: "x", Args: []byte(`{"to":"a"}`)}, &args))
	assert.Equal(t, "a", args.To)

	require.NoError(t, DecodeArgs(&model.Job{Task: "x"}, &args))

	err := DecodeArgs(&model.Job{Task: "x", Args: []byte(`{"to":1}`)}, &args)
	require.Error(t, err)
	assert.Equal(t, ClassPermanent, Classify(err))
}
