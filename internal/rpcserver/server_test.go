package rpcserver

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/containers/conmon-go/internal/metrics"
	"github.com/containers/conmon-go/internal/registry"
	"github.com/containers/conmon-go/internal/rpcwire"
)

func newTestServer() *Server {
	return New(Config{
		Log:      zerolog.Nop(),
		Registry: registry.New(),
	})
}

func TestVersionReportsBuildinfoCurrent(t *testing.T) {
	s := newTestServer()
	resp, err := s.Version(context.Background(), &rpcwire.VersionRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Version)
	require.NotEmpty(t, resp.InstanceID)
}

func TestStopAcceptingWorkRejectsCreateContainer(t *testing.T) {
	s := newTestServer()
	s.StopAcceptingWork()

	_, err := s.CreateContainer(context.Background(), &rpcwire.CreateContainerRequest{ContainerID: "c1", BundlePath: "/tmp/bundle"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeShuttingDown, rerr.Code)
}

func TestStopAcceptingWorkRejectsCreateNamespaces(t *testing.T) {
	s := newTestServer()
	s.StopAcceptingWork()

	_, err := s.CreateNamespaces(context.Background(), &rpcwire.CreateNamespacesRequest{PodID: "pod1"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeShuttingDown, rerr.Code)
}

func TestCreateContainerRejectsMissingFields(t *testing.T) {
	s := newTestServer()
	_, err := s.CreateContainer(context.Background(), &rpcwire.CreateContainerRequest{})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeInvalid, rerr.Code)
}

func TestCreateNamespacesRejectsEmptyPodID(t *testing.T) {
	s := newTestServer()
	_, err := s.CreateNamespaces(context.Background(), &rpcwire.CreateNamespacesRequest{})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeInvalid, rerr.Code)
}

func TestExecSyncContainerNotFound(t *testing.T) {
	s := newTestServer()
	_, err := s.ExecSyncContainer(context.Background(), &rpcwire.ExecSyncContainerRequest{ContainerID: "missing"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeNotFound, rerr.Code)
}

func TestAttachContainerNotFound(t *testing.T) {
	s := newTestServer()
	_, err := s.AttachContainer(context.Background(), &rpcwire.AttachContainerRequest{ContainerID: "missing"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeNotFound, rerr.Code)
}

func TestAttachContainerWithoutActivePumpIsInvalid(t *testing.T) {
	s := newTestServer()
	require.NoError(t, s.reg.Insert(registry.NewRecord("c1", 100, false)))

	_, err := s.AttachContainer(context.Background(), &rpcwire.AttachContainerRequest{ContainerID: "c1"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeInvalid, rerr.Code)
}

func TestReopenLogContainerNotFound(t *testing.T) {
	s := newTestServer()
	_, err := s.ReopenLogContainer(context.Background(), &rpcwire.ReopenLogContainerRequest{ContainerID: "missing"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeNotFound, rerr.Code)
}

func TestSetWindowSizeContainerNotFound(t *testing.T) {
	s := newTestServer()
	_, err := s.SetWindowSizeContainer(context.Background(), &rpcwire.SetWindowSizeContainerRequest{ContainerID: "missing"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeNotFound, rerr.Code)
}

func TestServePortForwardContainerRequiresKnownPod(t *testing.T) {
	s := newTestServer()
	_, err := s.ServePortForwardContainer(context.Background(), &rpcwire.ServePortForwardContainerRequest{PodID: "missing"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeNotFound, rerr.Code)
}

func TestServePortForwardContainerReportsUnsupportedForKnownPod(t *testing.T) {
	s := newTestServer()
	require.NoError(t, s.reg.InsertNamespaceSet(&registry.NamespaceSet{PodID: "pod1"}))

	_, err := s.ServePortForwardContainer(context.Background(), &rpcwire.ServePortForwardContainerRequest{PodID: "pod1"})
	require.Error(t, err)
	rerr, ok := err.(*rpcwire.Error)
	require.True(t, ok)
	require.Equal(t, rpcwire.CodeUnsupported, rerr.Code)
}

func TestBuildLogDriverRejectsUnknownName(t *testing.T) {
	s := newTestServer()
	_, err := s.buildLogDriver("unknown-driver", "c1")
	require.Error(t, err)
}

func TestBuildLogDriverAcceptsStdoutAndJournald(t *testing.T) {
	s := newTestServer()
	drv, err := s.buildLogDriver("stdout", "c1")
	require.NoError(t, err)
	require.NotNil(t, drv)

	drv, err = s.buildLogDriver("journald", "c1")
	require.NoError(t, err)
	require.NotNil(t, drv)
}

func TestShutdownReturnsImmediatelyWithNoContainers(t *testing.T) {
	s := newTestServer()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Shutdown(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return promptly with no live containers")
	}
}

func TestByteReaderReadsThenEOFs(t *testing.T) {
	r := newByteReader([]byte("hello"))
	buf := make([]byte, 3)

	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "hel", string(buf[:n]))

	n, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "lo", string(buf[:n]))

	_, err = r.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestMetricsInterceptorIsNoopWithoutMetrics(t *testing.T) {
	s := newTestServer()
	called := false
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return "ok", nil
	}
	resp, err := s.metricsInterceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/conmon.Monitor/Version"}, handler)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "ok", resp)
}

func TestMetricsInterceptorObservesRequestDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := New(Config{Log: zerolog.Nop(), Registry: registry.New(), Metrics: m})

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}
	_, err := s.metricsInterceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/conmon.Monitor/ExecSyncContainer"}, handler)
	require.Error(t, err)

	families, gatherErr := reg.Gather()
	require.NoError(t, gatherErr)
	var found bool
	for _, f := range families {
		if f.GetName() == "conmon_go_rpc_request_duration_seconds" {
			found = true
			require.Len(t, f.Metric, 1)
		}
	}
	require.True(t, found, "expected rpc_request_duration_seconds to have been observed")
}

func TestTraceContextInterceptorInvokesHandlerAndPropagatesResponse(t *testing.T) {
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "done", nil
	}
	resp, err := traceContextInterceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/conmon.Monitor/Version"}, handler)
	require.NoError(t, err)
	require.Equal(t, "done", resp)
}

func TestTraceContextInterceptorPropagatesHandlerError(t *testing.T) {
	wantErr := errors.New("handler failed")
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, wantErr
	}
	_, err := traceContextInterceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/conmon.Monitor/Version"}, handler)
	require.ErrorIs(t, err, wantErr)
}
