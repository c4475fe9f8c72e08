package phone

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.registration("ok", time.Second)
		m.unregistration("ok")
		m.call("outbound", "confirmed")
		m.confirmed(time.Second)
		m.transition(StateNone, StateRinging)
		m.signalingFailure("dtmf")
		m.waitTimeout("register")
		m.workerAttached(1)
	})
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(MetricsConfig{Namespace: "test", Subsystem: "line", Registerer: reg})

	m.registration("ok", 200*time.Millisecond)
	m.registration("timeout", 0)
	m.signalingFailure("dtmf")
	m.signalingFailure("dtmf")
	m.workerAttached(1)
	m.workerAttached(1)
	m.workerAttached(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.signalingFailures.WithLabelValues("dtmf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linesActive))
}

func TestResultsConcurrentAppend(t *testing.T) {
	r := &Results{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Append(ResultError)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len())
	assert.True(t, r.HasErrors())

	entries := r.Entries()
	entries[0] = "mutated"
	assert.Equal(t, ResultError, r.Entries()[0])
}
