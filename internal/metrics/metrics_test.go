package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// values gathers reg into name -> value, summing labelled series.
func values(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestMetrics_RecordsSessionActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.MessageSent()
	m.SendFailed()
	m.DuplicateDropped()
	m.UpdateDropped()
	m.ReadMarked(3)
	m.ReadMarked(0)
	m.TypingPublished(true)
	m.TypingPublished(false)

	v := values(t, reg)
	assert.Equal(t, 1.0, v["dmsync_sessions_active"])
	assert.Equal(t, 2.0, v["dmsync_sessions_opened_total"])
	assert.Equal(t, 1.0, v["dmsync_messages_sent_total"])
	assert.Equal(t, 1.0, v["dmsync_send_failures_total"])
	assert.Equal(t, 1.0, v["dmsync_feed_duplicates_dropped_total"])
	assert.Equal(t, 1.0, v["dmsync_feed_updates_dropped_total"])
	assert.Equal(t, 3.0, v["dmsync_messages_marked_read_total"])
	assert.Equal(t, 2.0, v["dmsync_typing_publishes_total"])
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed()
		m.MessageSent()
		m.SendFailed()
		m.DuplicateDropped()
		m.UpdateDropped()
		m.ReadMarked(2)
		m.TypingPublished(true)
	})
}
