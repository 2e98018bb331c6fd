package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(RegistryOverflow)
	RegistryOverflow.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(RegistryOverflow))

	opens := Events.WithLabelValues("FileOpen")
	before = testutil.ToFloat64(opens)
	opens.Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(opens))
}

func TestHandlerExposesCounters(t *testing.T) {
	EventsDropped.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "fdscope_events_dropped_total"))
}
