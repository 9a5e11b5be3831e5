package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultramaker/mmbot/internal/domain"
)

type namedStrategy struct{ name string }

func (n namedStrategy) Name() string { return n.name }
func (n namedStrategy) Evaluate(context.Context, Input) (*domain.Signal, error) {
	return nil, nil
}

func TestRegistryPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedStrategy{"alpha"}, "BTCUSDT"))
	require.NoError(t, r.Register(namedStrategy{"beta"}, "BTCUSDT", "ETHUSDT"))
	require.NoError(t, r.Register(namedStrategy{"gamma"}, "BTCUSDT"))

	got := r.ForSymbol("BTCUSDT")
	require.Len(t, got, 3)
	assert.Equal(t, "alpha", got[0].Name())
	assert.Equal(t, "beta", got[1].Name())
	assert.Equal(t, "gamma", got[2].Name())

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, r.Names())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, r.Symbols())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedStrategy{"alpha"}, "BTCUSDT"))
	require.Error(t, r.Register(namedStrategy{"alpha"}, "ETHUSDT"))
}

func TestRegistryRejectsNoSymbols(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(namedStrategy{"alpha"}))
}
