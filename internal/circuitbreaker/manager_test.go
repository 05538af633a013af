package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(testLogger())

	a := m.GetOrCreate("analytics", Config{MaxFailures: 2})
	b := m.GetOrCreate("analytics", Config{MaxFailures: 9})
	assert.Same(t, a, b)
	assert.Equal(t, 2, a.maxFailures, "first config wins")

	_, ok := m.Get("identity")
	assert.False(t, ok)

	got, ok := m.Get("analytics")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestManagerSnapshotAndReset(t *testing.T) {
	m := NewManager(testLogger())
	m.GetOrCreate("orders-publisher", Config{})
	sink := m.GetOrCreate("analytics-sink", Config{MaxFailures: 1, Cooldown: time.Minute})

	sink.Execute(context.Background(), fail)
	require.True(t, m.AnyOpen())

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "analytics-sink", snap[0].Name)
	assert.Equal(t, "orders-publisher", snap[1].Name)
	assert.Equal(t, "open", snap[0].State)

	assert.True(t, m.Reset("analytics-sink"))
	assert.False(t, m.Reset("missing"))
	assert.False(t, m.AnyOpen())
}
