package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryops/camdash/internal/alerts"
	"github.com/sentryops/camdash/internal/metrics"
	"github.com/sentryops/camdash/internal/signaling"
)

type fakeSources struct{}

func (fakeSources) StateCounts() map[string]int {
	return map[string]int{"CONNECTED": 2, "FAILED": 1}
}

func (fakeSources) SubscriberCounts() map[string]int {
	return map[string]int{"cam-entrance": 3}
}

func (fakeSources) Stats() alerts.Stats {
	return alerts.Stats{Pending: 4, Confirmed: 1, PersistFailures: 2, SirenTriggers: 1}
}

type fakeChannel struct{}

func (fakeChannel) Stats() signaling.Stats {
	return signaling.Stats{Connected: true, Reconnects: 5, DroppedSends: 7}
}

func TestCollector_ExposesPolledGauges(t *testing.T) {
	src := fakeSources{}
	c := metrics.NewCollector(metrics.Sources{
		Sessions: src,
		Streams:  src,
		Alerts:   src,
		Channel:  fakeChannel{},
	})
	c.Collect()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `camdash_peer_sessions{state="CONNECTED"} 2`)
	assert.Contains(t, out, `camdash_peer_sessions{state="FAILED"} 1`)
	assert.Contains(t, out, `camdash_stream_subscribers{device_id="cam-entrance"} 3`)
	assert.Contains(t, out, `camdash_alerts{status="PENDING"} 4`)
	assert.Contains(t, out, `camdash_alert_persist_failures_total 2`)
	assert.Contains(t, out, `camdash_hub_connected 1`)
	assert.Contains(t, out, `camdash_hub_reconnects_total 5`)
	assert.Contains(t, out, `camdash_hub_dropped_sends_total 7`)
}

func TestCollector_NilSourcesAreSkipped(t *testing.T) {
	c := metrics.NewCollector(metrics.Sources{})
	assert.NotPanics(t, c.Collect)
}
