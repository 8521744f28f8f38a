package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ContainersCreatedTotal.Inc()
	m.ContainersRunning.Set(3)
	m.ContainerExitsTotal.WithLabelValues("exited").Inc()
	m.OOMKillsTotal.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		names[f.GetName()] = f
	}

	require.Contains(t, names, "conmon_go_containers_created_total")
	require.Equal(t, 1.0, names["conmon_go_containers_created_total"].Metric[0].Counter.GetValue())
	require.Contains(t, names, "conmon_go_containers_running")
	require.Equal(t, 3.0, names["conmon_go_containers_running"].Metric[0].Gauge.GetValue())
	require.Contains(t, names, "conmon_go_container_exits_total")
	require.Contains(t, names, "conmon_go_oom_kills_total")
}

func TestHandlerServesTheRegistryPassedToNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ContainersCreatedTotal.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "conmon_go_containers_created_total 1")
}
