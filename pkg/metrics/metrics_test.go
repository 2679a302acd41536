package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MergesTotal.WithLabelValues("success").Inc()
	m.IndexDocuments.WithLabelValues("default").Set(42)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["index_merges_total"])
	assert.Equal(t, 42.0, values["index_documents"])
}

func TestNewTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestNewMuxServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.DocumentUpdatesTotal.WithLabelValues("put").Add(3)

	rec := httptest.NewRecorder()
	NewMux(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `index_document_updates_total{op="put"} 3`)
}
