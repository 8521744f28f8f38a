// Package rpcserver implements C8: the gRPC-transported method set callers
// use to drive the monitor (Version, CreateContainer, ExecSyncContainer,
// AttachContainer, ReopenLogContainer, SetWindowSizeContainer,
// CreateNamespaces, ServeExecContainer, ServeAttachContainer,
// ServePortForwardContainer), dispatching into the other internal
// packages.
//
// Grounded on cuemby-warren's grpc.NewServer/service-registration pattern
// for the transport shape, and on cmd/lxcri-conmon/main.go for which
// lifecycle operations a conmon-compatible monitor must expose over its
// control channel. The service is registered through a hand-built
// grpc.ServiceDesc (see service.go, and the codec in internal/rpcwire)
// instead of protoc-gen-go output, for the reason recorded in
// internal/rpcwire and DESIGN.md.
package rpcserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/containers/conmon-go/internal/attachhub"
	"github.com/containers/conmon-go/internal/buildinfo"
	"github.com/containers/conmon-go/internal/cgroupwatch"
	"github.com/containers/conmon-go/internal/child"
	"github.com/containers/conmon-go/internal/logdriver"
	"github.com/containers/conmon-go/internal/metrics"
	"github.com/containers/conmon-go/internal/nsutil"
	"github.com/containers/conmon-go/internal/reaper"
	"github.com/containers/conmon-go/internal/registry"
	"github.com/containers/conmon-go/internal/rpcwire"
	"github.com/containers/conmon-go/internal/runtimeinvoker"
	"github.com/containers/conmon-go/internal/streampump"
)

// containerState is the server-side bookkeeping for one registered
// container that doesn't belong in registry.Record (which is shared with
// the reaper and is kept free of RPC-layer concerns).
type containerState struct {
	handle     *child.Handle
	pump       *streampump.Pump
	hub        *attachhub.Hub
	logDrivers []logdriver.Driver
	pumpWG     sync.WaitGroup
}

// Server implements the RPC method set by coordinating the registry, the
// runtime invoker, and each container's pump/attach hub.
type Server struct {
	log     zerolog.Logger
	reg     *registry.Registry
	invoker *runtimeinvoker.Invoker
	reaper  *reaper.Reaper
	metrics *metrics.Metrics
	nsBase  string
	runDir  string

	cgroupVersion cgroupwatch.Version

	shuttingDown int32

	mu         sync.Mutex
	containers map[string]*containerState
}

// Config bundles the dependencies Server needs; constructed once at
// startup by cmd/conmon-go.
type Config struct {
	Log           zerolog.Logger
	Registry      *registry.Registry
	Invoker       *runtimeinvoker.Invoker
	Reaper        *reaper.Reaper
	Metrics       *metrics.Metrics
	NamespaceBase string
	RunDir        string
	CgroupVersion cgroupwatch.Version
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		log:           cfg.Log,
		reg:           cfg.Registry,
		invoker:       cfg.Invoker,
		reaper:        cfg.Reaper,
		metrics:       cfg.Metrics,
		nsBase:        cfg.NamespaceBase,
		runDir:        cfg.RunDir,
		cgroupVersion: cfg.CgroupVersion,
		containers:    make(map[string]*containerState),
	}
}

// StopAcceptingWork marks the server as shutting down; new RPCs that
// would allocate resources (CreateContainer, ExecSyncContainer,
// CreateNamespaces) are rejected with CodeShuttingDown from here on, as
// part of the graceful-shutdown sequence. Already in-flight operations
// are unaffected.
func (s *Server) StopAcceptingWork() {
	s.mu.Lock()
	s.shuttingDown = 1
	s.mu.Unlock()
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown != 0
}

// Version reports the monitor's own build metadata.
func (s *Server) Version(ctx context.Context, req *rpcwire.VersionRequest) (*rpcwire.VersionResponse, error) {
	info := buildinfo.Current()
	return &rpcwire.VersionResponse{Version: info.Version, GitCommit: info.GitCommit, BuildDate: info.BuildDate, InstanceID: info.InstanceID}, nil
}

// CreateContainer creates a container's init process via the configured
// OCI runtime, wires up its log drivers and stream pump, inserts it into
// the registry, and starts its exit/OOM watch.
func (s *Server) CreateContainer(ctx context.Context, req *rpcwire.CreateContainerRequest) (*rpcwire.CreateContainerResponse, error) {
	if s.isShuttingDown() {
		return nil, rpcwire.Errorf(rpcwire.CodeShuttingDown, "monitor is shutting down")
	}
	if req.ContainerID == "" || req.BundlePath == "" {
		return nil, rpcwire.Errorf(rpcwire.CodeInvalid, "container_id and bundle_path are required")
	}
	if !s.invoker.SupportsCgroupManager(req.CgroupManager) {
		return nil, rpcwire.Errorf(rpcwire.CodeUnsupported, "cgroup manager %q is not supported by this monitor", req.CgroupManager)
	}

	pidFilePath := fmt.Sprintf("%s/%s.pid", s.runDir, req.ContainerID)
	consoleSocketPath := req.ConsoleSocketPath
	if req.Terminal && consoleSocketPath == "" {
		consoleSocketPath = fmt.Sprintf("%s/%s-console.sock", s.runDir, req.ContainerID)
	}

	result, err := s.invoker.Create(ctx, req.ContainerID, req.BundlePath, pidFilePath, req.Terminal, consoleSocketPath, req.Stdin)
	if err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeRuntimeFailed, "create container: %s", err)
	}

	rec := registry.NewRecord(req.ContainerID, result.PID, req.Terminal)
	rec.ExitPaths = req.ExitPaths
	rec.OOMExitPaths = req.OOMExitPaths
	rec.LogDrivers = req.LogDrivers
	rec.CleanupCommand = req.CleanupCommand
	rec.CgroupManager = s.invoker.ResolveCgroupManager(req.CgroupManager)

	if err := s.reg.Insert(rec); err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeAlreadyExists, "container %s: %s", req.ContainerID, err)
	}

	h := child.New()
	stdio := child.Stdio{
		Console: result.ConsoleMaster,
		Stdout:  result.StdoutPipe,
		Stderr:  result.StderrPipe,
		Stdin:   result.StdinPipe,
	}
	if err := h.Adopt(result.PID, stdio); err != nil {
		s.reg.Remove(req.ContainerID)
		return nil, rpcwire.Errorf(rpcwire.CodeRuntimeFailed, "adopt child: %s", err)
	}

	pump := streampump.New(s.log, 0)
	var drivers []logdriver.Driver
	for _, driverName := range req.LogDrivers {
		drv, err := s.buildLogDriver(driverName, req.ContainerID)
		if err != nil {
			s.log.Warn().Err(err).Str("container_id", req.ContainerID).Msg("skipping unconfigurable log driver")
			continue
		}
		sink := streampump.LogSink{Driver: drv}
		if s.metrics != nil {
			sink.OnDegrade = s.metrics.LogDriverDegradedTotal.Inc
		}
		pump.AddLogSink(sink)
		drivers = append(drivers, drv)
	}

	st := &containerState{handle: h, pump: pump, logDrivers: drivers}
	s.mu.Lock()
	s.containers[req.ContainerID] = st
	s.mu.Unlock()

	runPump := func(pipe logdriver.PipeID, r io.Reader) {
		st.pumpWG.Add(1)
		go func() {
			defer st.pumpWG.Done()
			pump.Run(pipe, r)
		}()
	}
	switch {
	case result.ConsoleMaster != nil:
		runPump(logdriver.Stdout, result.ConsoleMaster)
	default:
		if result.StdoutPipe != nil {
			runPump(logdriver.Stdout, result.StdoutPipe)
		}
		if result.StderrPipe != nil {
			runPump(logdriver.Stderr, result.StderrPipe)
		}
	}

	cgroupPath := fmt.Sprintf("/sys/fs/cgroup/%s", req.ContainerID)
	s.reaper.Watch(req.ContainerID, result.PID, s.cgroupVersion, cgroupPath, s.onExit)

	if s.metrics != nil {
		s.metrics.ContainersCreatedTotal.Inc()
		s.metrics.ContainersRunning.Inc()
	}

	return &rpcwire.CreateContainerResponse{PID: result.PID}, nil
}

// onExit is the reaper.ExitObserver wired in for every created container.
func (s *Server) onExit(containerID string, status registry.ExitStatus) {
	rec, err := s.reg.Get(containerID)
	if err != nil {
		return
	}
	if err := reaper.WriteExitFiles(rec.ExitPaths, rec.OOMExitPaths, status); err != nil {
		s.log.Warn().Err(err).Str("container_id", containerID).Msg("failed to write exit files")
	}
	if err := rec.SetExitStatus(status); err != nil {
		s.log.Warn().Err(err).Str("container_id", containerID).Msg("exit status already set")
	}
	if s.metrics != nil {
		outcome := "exited"
		if status.OOMKilled {
			outcome = "oom_killed"
			s.metrics.OOMKillsTotal.Inc()
		} else if status.Signaled {
			outcome = "signaled"
		}
		s.metrics.ContainerExitsTotal.WithLabelValues(outcome).Inc()
		s.metrics.ContainersRunning.Dec()
	}
	reaper.RunCleanupCommand(s.log, containerID, rec.CleanupCommand)

	// The record is only eligible for destruction once its exit files are
	// durable (just written above) and its attach subscribers are
	// detached: do the drain and runtime cleanup off the reaper's
	// goroutine so a slow log sink doesn't stall reaping of the next
	// container.
	go s.finalizeExit(containerID)
}

// finalizeExit waits for every stdio pump on containerID to drain (so no
// byte the container wrote is lost to a log driver mid-flush), disconnects
// any attach subscribers, asks the runtime invoker to release the
// container's on-disk runtime state, and removes the record from the
// registry, making the container-id available to a fresh CreateContainer.
func (s *Server) finalizeExit(containerID string) {
	s.mu.Lock()
	st := s.containers[containerID]
	s.mu.Unlock()
	if st == nil {
		return
	}

	st.pumpWG.Wait()
	if st.hub != nil {
		st.hub.Close()
		if s.metrics != nil {
			s.metrics.AttachSessionsActive.Dec()
		}
	}
	st.pump.Close()
	for _, drv := range st.logDrivers {
		if err := drv.Close(); err != nil {
			s.log.Warn().Err(err).Str("container_id", containerID).Msg("failed to close log driver")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Skip the delete if the runtime no longer knows this id (typical
	// after an external `delete`) or disagrees that it stopped; either
	// way a delete call would just add log noise for a no-op or a
	// rejected transition.
	if state, err := s.invoker.State(ctx, containerID); err == nil && state.Status == specs.StateStopped {
		if err := s.invoker.Delete(ctx, containerID, true); err != nil {
			s.log.Warn().Err(err).Str("container_id", containerID).Msg("failed to delete runtime state after exit")
		}
	}

	s.mu.Lock()
	delete(s.containers, containerID)
	s.mu.Unlock()
	s.reg.Remove(containerID)
}

// ExecSyncContainer runs a synchronous exec inside an existing container.
func (s *Server) ExecSyncContainer(ctx context.Context, req *rpcwire.ExecSyncContainerRequest) (*rpcwire.ExecSyncContainerResponse, error) {
	if s.isShuttingDown() {
		return nil, rpcwire.Errorf(rpcwire.CodeShuttingDown, "monitor is shutting down")
	}
	if _, err := s.reg.Get(req.ContainerID); err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeNotFound, "container %s: %s", req.ContainerID, err)
	}

	execCtx := ctx
	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	res, err := s.invoker.Exec(execCtx, req.ContainerID, req.Command)
	if err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeRuntimeFailed, "exec: %s", err)
	}
	if res.TimedOut {
		// A timed-out exec is a successful RPC, not an error.
		return &rpcwire.ExecSyncContainerResponse{TimedOut: true}, nil
	}
	return &rpcwire.ExecSyncContainerResponse{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// AttachContainer opens the attach socket for an existing container.
func (s *Server) AttachContainer(ctx context.Context, req *rpcwire.AttachContainerRequest) (*rpcwire.AttachContainerResponse, error) {
	rec, err := s.reg.Get(req.ContainerID)
	if err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeNotFound, "container %s: %s", req.ContainerID, err)
	}

	s.mu.Lock()
	st, ok := s.containers[req.ContainerID]
	s.mu.Unlock()
	if !ok {
		return nil, rpcwire.Errorf(rpcwire.CodeInvalid, "no stream pump active for %s", req.ContainerID)
	}
	if st.hub != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeInvalid, "attach already active for %s", req.ContainerID)
	}

	var resizer attachhub.Resizer
	if st.handle != nil && st.handle.Stdio().Console != nil {
		console := st.handle.Stdio().Console
		resizer = resizerFunc(func(cols, rows uint16) error { return attachhub.SetWinsizeFD(console, cols, rows) })
	}
	var stdin attachhub.StdinWriter
	if st.handle != nil && st.handle.Stdio().Stdin != nil {
		stdin = st.handle.Stdio().Stdin
	} else if st.handle != nil && st.handle.Stdio().Console != nil {
		stdin = st.handle.Stdio().Console
	}

	hub := attachhub.New(req.SocketPath, st.pump, stdin, resizer)
	if err := hub.Listen(); err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeIOFailure, "listen attach socket: %s", err)
	}
	go hub.Serve()

	s.mu.Lock()
	st.hub = hub
	s.mu.Unlock()

	rec.IncAttachSubscribers()
	if s.metrics != nil {
		s.metrics.AttachSessionsActive.Inc()
	}
	return &rpcwire.AttachContainerResponse{}, nil
}

type resizerFunc func(cols, rows uint16) error

func (f resizerFunc) SetWinsize(cols, rows uint16) error { return f(cols, rows) }

// ServeAttachContainer is the CRI-style counterpart of AttachContainer: it
// opens the attach socket and hands the client the path to dial, instead
// of the engine supplying that path up front. Like AttachContainer, it
// fails with Invalid if an attach socket is already open for the container.
func (s *Server) ServeAttachContainer(ctx context.Context, req *rpcwire.ServeAttachContainerRequest) (*rpcwire.ServeAttachContainerResponse, error) {
	socketPath := fmt.Sprintf("%s/%s-attach.sock", s.runDir, req.ContainerID)
	if _, err := s.AttachContainer(ctx, &rpcwire.AttachContainerRequest{ContainerID: req.ContainerID, SocketPath: socketPath}); err != nil {
		return nil, err
	}
	return &rpcwire.ServeAttachContainerResponse{SocketPath: socketPath}, nil
}

// ServeExecContainer opens a one-time attach-framed socket for an exec that
// runs in the background, as opposed to ExecSyncContainer's blocking
// capture-and-return call. The exec gets no stdin; once it exits, its
// captured stdout and then stderr are sent to the clients connected at
// that moment, and the socket is closed.
func (s *Server) ServeExecContainer(ctx context.Context, req *rpcwire.ServeExecContainerRequest) (*rpcwire.ServeExecContainerResponse, error) {
	if s.isShuttingDown() {
		return nil, rpcwire.Errorf(rpcwire.CodeShuttingDown, "monitor is shutting down")
	}
	if _, err := s.reg.Get(req.ContainerID); err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeNotFound, "container %s: %s", req.ContainerID, err)
	}

	socketPath := fmt.Sprintf("%s/%s-exec-%d.sock", s.runDir, req.ContainerID, time.Now().UnixNano())
	pump := streampump.New(s.log, 0)
	hub := attachhub.New(socketPath, pump, nil, nil)
	if err := hub.Listen(); err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeIOFailure, "listen exec socket: %s", err)
	}

	go func() {
		defer hub.Close()
		defer pump.Close()
		res, err := s.invoker.Exec(context.Background(), req.ContainerID, req.Command)
		if err != nil {
			s.log.Warn().Err(err).Str("container_id", req.ContainerID).Msg("interactive exec failed")
			return
		}
		if len(res.Stdout) > 0 {
			pump.Run(logdriver.Stdout, newByteReader(res.Stdout))
		}
		if len(res.Stderr) > 0 {
			pump.Run(logdriver.Stderr, newByteReader(res.Stderr))
		}
	}()
	go hub.Serve()

	return &rpcwire.ServeExecContainerResponse{SocketPath: socketPath}, nil
}

// ServePortForwardContainer only validates the request: it returns NotFound
// for a pod with no namespace set, and Unsupported otherwise. No port is
// forwarded.
func (s *Server) ServePortForwardContainer(ctx context.Context, req *rpcwire.ServePortForwardContainerRequest) (*rpcwire.ServePortForwardContainerResponse, error) {
	if _, err := s.reg.GetNamespaceSet(req.PodID); err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeNotFound, "pod %s: %s", req.PodID, err)
	}
	return nil, rpcwire.Errorf(rpcwire.CodeUnsupported, "port forwarding is not implemented")
}

// ReopenLogContainer forces every log driver for a container to rotate,
// for external log-rotation tools (logrotate, etc.).
func (s *Server) ReopenLogContainer(ctx context.Context, req *rpcwire.ReopenLogContainerRequest) (*rpcwire.ReopenLogContainerResponse, error) {
	if _, err := s.reg.Get(req.ContainerID); err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeNotFound, "container %s: %s", req.ContainerID, err)
	}
	s.mu.Lock()
	st := s.containers[req.ContainerID]
	s.mu.Unlock()
	if st == nil {
		return nil, rpcwire.Errorf(rpcwire.CodeNotFound, "container %s not found", req.ContainerID)
	}
	for _, d := range st.logDrivers {
		if err := d.Rotate(true); err != nil {
			s.log.Warn().Err(err).Str("container_id", req.ContainerID).Msg("rotate failed")
		}
	}
	return &rpcwire.ReopenLogContainerResponse{}, nil
}

// SetWindowSizeContainer resizes a container's console.
func (s *Server) SetWindowSizeContainer(ctx context.Context, req *rpcwire.SetWindowSizeContainerRequest) (*rpcwire.SetWindowSizeContainerResponse, error) {
	s.mu.Lock()
	st := s.containers[req.ContainerID]
	s.mu.Unlock()
	if st == nil {
		return nil, rpcwire.Errorf(rpcwire.CodeNotFound, "container %s not found", req.ContainerID)
	}
	console := st.handle.Stdio().Console
	if console == nil {
		return nil, rpcwire.Errorf(rpcwire.CodeUnsupported, "container %s has no console", req.ContainerID)
	}
	if err := attachhub.SetWinsizeFD(console, req.Cols, req.Rows); err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeIOFailure, "resize: %s", err)
	}
	return &rpcwire.SetWindowSizeContainerResponse{}, nil
}

// CreateNamespaces bind-mounts a namespace set for a pod. The namespaces
// bound are the monitor process's own; no new namespaces are unshared. It
// is explicitly non-idempotent: a second call for the same pod fails with
// AlreadyExists.
func (s *Server) CreateNamespaces(ctx context.Context, req *rpcwire.CreateNamespacesRequest) (*rpcwire.CreateNamespacesResponse, error) {
	if s.isShuttingDown() {
		return nil, rpcwire.Errorf(rpcwire.CodeShuttingDown, "monitor is shutting down")
	}
	if req.PodID == "" {
		return nil, rpcwire.Errorf(rpcwire.CodeInvalid, "pod_id is required")
	}
	base := req.BasePath
	if base == "" {
		base = s.nsBase
	}

	kinds := make([]registry.NamespaceKind, 0, len(req.Namespaces))
	for _, n := range req.Namespaces {
		kinds = append(kinds, registry.NamespaceKind(n))
	}

	pausePID := os.Getpid()
	descs, err := nsutil.Create(base, req.PodID, pausePID, kinds)
	if err != nil {
		return nil, rpcwire.Errorf(rpcwire.CodeIOFailure, "create namespaces: %s", err)
	}

	set := &registry.NamespaceSet{PodID: req.PodID, Namespaces: descs}
	if err := s.reg.InsertNamespaceSet(set); err != nil {
		nsutil.Remove(descs)
		return nil, rpcwire.Errorf(rpcwire.CodeAlreadyExists, "pod %s: %s", req.PodID, err)
	}

	resp := &rpcwire.CreateNamespacesResponse{}
	for _, d := range descs {
		resp.Namespaces = append(resp.Namespaces, rpcwire.NamespaceMount{Kind: string(d.Kind), Path: d.Path})
	}
	return resp, nil
}

func (s *Server) buildLogDriver(name, containerID string) (logdriver.Driver, error) {
	switch name {
	case "stdout":
		return logdriver.NewStdoutDriver(os.Stdout), nil
	case "journald":
		return logdriver.NewJournaldDriver(containerID), nil
	default:
		return nil, fmt.Errorf("unknown log driver %q (supported: \"stdout\", \"journald\")", name)
	}
}

// Shutdown implements the monitor's graceful-shutdown action: stop
// accepting new RPCs (already done by the caller via StopAcceptingWork),
// SIGKILL every live container, and block until each has been reaped and
// its exit files are durable, or ctx expires first. It never forwards
// SIGTERM — the engine is the only entity that knows the container's own
// termination protocol, so the monitor's only job on the way out is to
// leave no orphans.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.containers))
	for id, st := range s.containers {
		if st.handle != nil {
			if err := st.handle.Signal(unix.SIGKILL); err != nil {
				s.log.Warn().Err(err).Str("container_id", id).Msg("failed to signal container during shutdown")
			}
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for len(ids) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		remaining := ids[:0]
		for _, id := range ids {
			rec, err := s.reg.Get(id)
			if err != nil || rec.ExitStatus() != nil {
				continue
			}
			remaining = append(remaining, id)
		}
		ids = remaining
	}
}

// tracer names every span this package starts, so they're attributable to
// this service in whatever backend --tracing-endpoint points at.
var tracer = otel.Tracer("conmon-go/rpcserver")

// NewGRPCServer wires the service's method set into a *grpc.Server
// listening over a unix socket, with OTel trace-context extraction and
// RPC latency metrics wrapped around every call.
func NewGRPCServer(s *Server) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(traceContextInterceptor, s.metricsInterceptor))
	srv.RegisterService(&ServiceDesc, s)
	return srv
}

// metricsInterceptor records RPCRequestDuration for every call, labeled by
// method. A no-op when the server was constructed without metrics.
func (s *Server) metricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if s.metrics == nil {
		return handler(ctx, req)
	}
	start := time.Now()
	resp, err := handler(ctx, req)
	s.metrics.RPCRequestDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
	return resp, err
}

// traceContextInterceptor extracts an incoming trace context from gRPC
// metadata (the W3C traceparent header), starts a server span as its
// child, and records the RPC's outcome on it.
func traceContextInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		carrier := make(propagation.MapCarrier)
		for k, v := range md {
			if len(v) > 0 {
				carrier.Set(k, v[0])
			}
		}
		ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	}

	ctx, span := tracer.Start(ctx, info.FullMethod, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	resp, err := handler(ctx, req)
	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}

// Listen opens the RPC unix socket at path.
func Listen(path string) (net.Listener, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen rpc socket %s: %w", path, err)
	}
	return ln, nil
}

// byteReader lets ServeExecContainer feed an already-captured []byte
// through the same streampump.Pump.Run line-segmentation path attach uses
// for live stdio, instead of duplicating the CRI line-splitting logic.
type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{buf: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}
