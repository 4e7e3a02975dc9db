package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	m := New()

	m.SessionCreated()
	m.SessionCreated()
	m.SessionFailed("START_TIMEOUT")
	m.TerminalAttached()
	m.TerminalAttached()
	m.TerminalDetached()
	m.FileOp("read", "ok")
	m.ObservePhase("PullingImage", 2*time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.sessionsCreated), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.failures.WithLabelValues("START_TIMEOUT")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.attachments), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fileOps.WithLabelValues("read", "ok")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.phaseDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionCreated()
		m.SessionFailed("UNKNOWN")
		m.TerminalAttached()
		m.TerminalDetached()
		m.FileOp("list", "ok")
		m.ObservePhase("Ready", time.Second)
		m.RegisterPhaseGauge(func() map[string]int { return nil })
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.RegisterPhaseGauge(func() map[string]int {
		return map[string]int{"Ready": 2, "Starting": 1}
	})
	m.SessionCreated()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "devbox_sessions_created_total 1"), text)
	assert.Contains(t, text, `devbox_sessions{phase="Ready"} 2`)
	assert.Contains(t, text, `devbox_sessions{phase="Starting"} 1`)
}
