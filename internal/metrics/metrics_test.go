package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("t")
	c := r.Counter("hits_total", "hits", nil)
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())
	assert.Same(t, c, r.Counter("hits_total", "hits", nil))

	g := r.Gauge("level", "level", nil)
	g.Set(3)
	g.Dec()
	g.Inc()
	g.Inc()
	assert.Equal(t, int64(4), g.Value())
}

func TestLabelledSeriesAreDistinct(t *testing.T) {
	r := NewRegistry("t")
	a := r.Counter("status_total", "s", Labels{"status": "SUCCESS"})
	b := r.Counter("status_total", "s", Labels{"status": "FAILED"})
	assert.NotSame(t, a, b)
	a.Inc()
	assert.Equal(t, uint64(0), b.Value())
}

func TestLabelsString(t *testing.T) {
	assert.Equal(t, "", Labels(nil).String())
	assert.Equal(t, `{a="1",b="2"}`, Labels{"b": "2", "a": "1"}.String())
}

func TestHistogram(t *testing.T) {
	r := NewRegistry("t")
	h := r.Histogram("op_seconds", "op", nil, []float64{1, 5})
	h.Observe(0.5)
	h.Observe(2)
	h.ObserveDuration(10 * time.Second)

	assert.Equal(t, uint64(3), h.Count())
	assert.InDelta(t, 12.5, h.Sum(), 0.0001)

	counts, _, _ := h.cumulative()
	assert.Equal(t, []uint64{1, 2, 3}, counts)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("securetrack")
	r.Counter("sms_sent_total", "sent", nil).Add(2)
	r.Counter("status_total", "by status", Labels{"status": "SUCCESS"}).Inc()
	r.Counter("status_total", "by status", Labels{"status": "FAILED"}).Inc()
	r.Histogram("locate_seconds", "locate", Labels{"source": "gps"}, []float64{1}).Observe(0.2)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, "securetrack_sms_sent_total 2")
	assert.Contains(t, out, `securetrack_status_total{status="FAILED"} 1`)
	assert.Equal(t, 1, strings.Count(out, "# TYPE securetrack_status_total counter"))
	assert.Contains(t, out, `securetrack_locate_seconds_bucket{source="gps",le="1"} 1`)
	assert.Contains(t, out, `securetrack_locate_seconds_bucket{source="gps",le="+Inf"} 1`)
	assert.Contains(t, out, `securetrack_locate_seconds_count{source="gps"} 1`)
}

func TestHTTPHandlerNegotiates(t *testing.T) {
	m := NewSecureTrack(NewRegistry("securetrack"))
	m.SmsSent.Inc()
	m.CommandStatus("LOCATE", "SUCCESS")
	m.Tamper("sim")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Registry().HTTPHandler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "securetrack_sms_sent_total 1")
	assert.Contains(t, rec.Body.String(), `securetrack_tamper_events_total{detector="sim"} 1`)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	m.Registry().HTTPHandler().ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 1, snap[`securetrack_command_status_total{command="LOCATE",status="SUCCESS"}`])
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
