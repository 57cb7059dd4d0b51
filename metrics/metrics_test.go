package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandCounter(t *testing.T) {
	before := testutil.ToFloat64(metricCommands.WithLabelValues("NOOP", "ok"))
	CommandObserve("NOOP", "ok", time.Now())
	CommandObserve("NOOP", "ok", time.Now())
	assert.Equal(t, before+2, testutil.ToFloat64(metricCommands.WithLabelValues("NOOP", "ok")))
}

func TestActiveConnections(t *testing.T) {
	before := testutil.ToFloat64(metricActiveConnections)
	ConnectionOpened(false)
	assert.Equal(t, before+1, testutil.ToFloat64(metricActiveConnections))
	ConnectionClosed()
	assert.Equal(t, before, testutil.ToFloat64(metricActiveConnections))
}

func TestHandler(t *testing.T) {
	UploadInc("simple", 120)
	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "mailsync_server_uploaded_bytes_total")
}
