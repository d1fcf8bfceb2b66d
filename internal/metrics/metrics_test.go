package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetOnlineUsers(3)
	m.Event("login", "ok")
	m.Event("login", "ok")
	m.Event("send_message", "forbidden")
	m.MessageStored()
	m.Delivered(4)
	m.Delivered(0)
	m.SlowConsumer()
	m.HTTPRequest("GET", "/api/conversations", 200, 15*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.onlineUsers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("login", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("send_message", "forbidden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesStored))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.deliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.slowConsumers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/conversations", "200")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.SetOnlineUsers(1)
		m.Event("login", "ok")
		m.MessageStored()
		m.Delivered(1)
		m.SlowConsumer()
		m.HTTPRequest("GET", "/", 200, time.Second)
	})
}
