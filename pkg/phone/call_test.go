package phone

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCallLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newCall(7, DirectionOutbound, "sip:2000@pbx", discardLogger(), nil)

	assert.Equal(t, StateNone, c.State())
	assert.Equal(t, engine.InvalidSlot, c.Slot())

	require.True(t, c.fire(ctx, eventRing))
	assert.Equal(t, StateRinging, c.State())

	require.True(t, c.fire(ctx, eventConfirm))
	assert.Equal(t, StateConfirmed, c.State())
	assert.False(t, c.ConfirmedAt().IsZero())

	require.True(t, c.activateMedia(ctx, 3))
	assert.Equal(t, StateActiveMedia, c.State())
	assert.Equal(t, engine.Slot(3), c.Slot())

	require.True(t, c.fire(ctx, eventEnd))
	assert.Equal(t, StateEnded, c.State())
}

func TestCallEndedIsTerminal(t *testing.T) {
	ctx := context.Background()
	c := newCall(1, DirectionInbound, "", discardLogger(), nil)
	c.fire(ctx, eventRing)
	require.True(t, c.fire(ctx, eventEnd))

	assert.False(t, c.fire(ctx, eventConfirm))
	assert.False(t, c.activateMedia(ctx, 2))
	assert.False(t, c.fire(ctx, eventEnd))
	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, engine.InvalidSlot, c.Slot())
}

func TestCallMediaRequiresSlot(t *testing.T) {
	ctx := context.Background()
	c := newCall(1, DirectionInbound, "", discardLogger(), nil)
	c.fire(ctx, eventRing)

	assert.False(t, c.activateMedia(ctx, engine.InvalidSlot))
	assert.Equal(t, StateRinging, c.State())

	// входящий вызов может получить медиа прямо из RINGING
	assert.True(t, c.activateMedia(ctx, 4))
	assert.Equal(t, StateActiveMedia, c.State())
}

func TestCallFireIgnoresCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newCall(1, DirectionOutbound, "", discardLogger(), nil)
	assert.True(t, c.fire(ctx, eventRing))
	assert.True(t, c.fire(ctx, eventEnd))
	assert.Equal(t, StateEnded, c.State())
}

func TestCallTransitionsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(MetricsConfig{Namespace: "test", Subsystem: "line", Registerer: reg})

	ctx := context.Background()
	c := newCall(1, DirectionOutbound, "", discardLogger(), m)
	c.fire(ctx, eventRing)
	c.fire(ctx, eventConfirm)
	c.fire(ctx, eventEnd)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("NONE", "RINGING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("RINGING", "CONFIRMED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("CONFIRMED", "ENDED")))
}
