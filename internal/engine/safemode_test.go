package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSafeModeToggle(t *testing.T) {
	m := NewSafeModeManager(nil, zap.NewNop())
	assert.False(t, m.IsEnabled())

	require.NoError(t, m.Enable(context.Background(), "db outage", "oncall"))
	assert.True(t, m.IsEnabled())
	assert.Equal(t, "db outage", m.State().Reason)
	assert.Equal(t, "oncall", m.State().Actor)

	require.NoError(t, m.Disable(context.Background(), "oncall"))
	assert.False(t, m.IsEnabled())
}

func TestSafeModeSignalPayload(t *testing.T) {
	m := NewSafeModeManager(nil, zap.NewNop())

	m.applyPayload(`{"enabled":true,"reason":"manual","actor":"admin"}`)
	assert.True(t, m.IsEnabled())

	// Битый сигнал не должен сбрасывать валидное состояние
	m.applyPayload(`{garbage`)
	assert.True(t, m.IsEnabled())

	m.applyPayload(`{"enabled":false}`)
	assert.False(t, m.IsEnabled())
}
