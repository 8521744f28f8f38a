// Command conmon-go is the pod-level OCI container monitor binary: its
// CLI surface, wired to the internal packages implementing C1-C9.
//
// Grounded on cmd/lxcri-conmon/main.go's flag table (runtime path, log
// level/driver, systemd cgroup switch) and on lxcri's own
// urfave/cli/v2 usage elsewhere in its command tree, generalized from a
// single-binary liblxc conmon stub into the full pod-monitor surface this
// monitor needs: namespace base path, tracing exporter, metrics listener,
// and a --sync single-fork mode for engines that want to stay its direct
// parent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/containers/conmon-go/internal/buildinfo"
	"github.com/containers/conmon-go/internal/cgroupwatch"
	"github.com/containers/conmon-go/internal/metrics"
	"github.com/containers/conmon-go/internal/monlog"
	"github.com/containers/conmon-go/internal/reaper"
	"github.com/containers/conmon-go/internal/registry"
	"github.com/containers/conmon-go/internal/rpcserver"
	"github.com/containers/conmon-go/internal/runtimeinvoker"
	"github.com/containers/conmon-go/internal/supervisor"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	app := &cli.App{
		Name:  "conmon-go",
		Usage: "pod-level OCI container monitor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "runtime", Required: true, Usage: "path to the OCI runtime binary"},
			&cli.StringFlag{Name: "runtime-dir", Required: true, Usage: "run directory: socket, pidfile, logs"},
			&cli.StringFlag{Name: "runtime-root", Usage: "runtime state directory (runtime's --root)"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace,debug,info,warn,error,off"},
			&cli.StringFlag{Name: "log-driver", Value: "stdout", Usage: "stdout,systemd,file"},
			&cli.StringFlag{Name: "cgroup-manager", Value: "cgroupfs", Usage: "systemd,cgroupfs,per-command"},
			&cli.StringFlag{Name: "namespace-base", Value: "/var/run/conmon-go/ns", Usage: "base directory for pod namespace bind mounts"},
			&cli.BoolFlag{Name: "enable-tracing"},
			&cli.StringFlag{Name: "tracing-endpoint", Usage: "OTLP/gRPC collector endpoint"},
			&cli.StringFlag{Name: "metrics-listen", Usage: "address to serve Prometheus metrics on, e.g. 127.0.0.1:9090"},
			&cli.BoolFlag{Name: "sync", Usage: "keep conmon-go as the engine's direct child (no self-re-exec, for systemd Type=exec)"},
			&cli.BoolFlag{Name: "version-json"},
			&cli.BoolFlag{Name: "v", Aliases: []string{"version"}, Usage: "print version and exit"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("v") {
		fmt.Println(buildinfo.Current().String())
		return nil
	}
	if c.Bool("version-json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Current())
	}

	runDir := c.String("runtime-dir")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir %s: %w", runDir, err)
	}
	sockPath := runDir + "/conmon.sock"
	pidFilePath := runDir + "/pidfile"

	if supervisor.AlreadyRunning(sockPath) {
		fmt.Fprintln(os.Stderr, "a monitor is already running in this run directory, reusing it")
		return nil
	}

	sync := c.Bool("sync")
	if !sync && !supervisor.IsDaemonChild() {
		pid, err := supervisor.Daemonize(pidFilePath)
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		fmt.Println(pid)
		return nil
	}

	level, err := monlog.ParseLevel(c.String("log-level"))
	if err != nil {
		failStartup(sync, err)
		return err
	}
	driver, err := monlog.ParseDriver(c.String("log-driver"))
	if err != nil {
		failStartup(sync, err)
		return err
	}
	log, closeLog, err := monlog.New(level, driver, runDir+"/logs")
	if err != nil {
		failStartup(sync, err)
		return err
	}
	defer closeLog()

	if err := supervisor.WritePIDFile(pidFilePath, os.Getpid()); err != nil {
		failStartup(sync, err)
		return err
	}
	defer supervisor.RemovePIDFile(pidFilePath)

	if c.Bool("enable-tracing") {
		shutdownTracing, err := setupTracing(c.String("tracing-endpoint"))
		if err != nil {
			log.Warn().Err(err).Msg("failed to configure tracing, continuing without it")
		} else {
			defer shutdownTracing(context.Background())
		}
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	if addr := c.String("metrics-listen"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(promReg))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
		defer srv.Close()
	}

	cgroupManager := c.String("cgroup-manager")
	invoker := &runtimeinvoker.Invoker{
		RuntimePath:             c.String("runtime"),
		RuntimeRoot:             c.String("runtime-root"),
		DefaultCgroupManager:    cgroupManager,
		SupportedCgroupManagers: []string{"systemd", "cgroupfs", "per-command"},
	}

	reg := registry.New()
	rp := reaper.New(log)
	go rp.Run()
	defer rp.Close()

	cgroupVersion := cgroupwatch.V2
	if _, err := os.Stat("/sys/fs/cgroup/memory"); err == nil {
		cgroupVersion = cgroupwatch.V1
	}

	srv := rpcserver.New(rpcserver.Config{
		Log:           log,
		Registry:      reg,
		Invoker:       invoker,
		Reaper:        rp,
		Metrics:       m,
		NamespaceBase: c.String("namespace-base"),
		RunDir:        runDir,
		CgroupVersion: cgroupVersion,
	})

	ln, err := rpcserver.Listen(sockPath)
	if err != nil {
		failStartup(sync, err)
		return err
	}
	grpcServer := rpcserver.NewGRPCServer(srv)

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(ln) }()

	if sync {
		log.Info().Str("sock", sockPath).Msg("conmon-go running in sync mode")
	} else {
		supervisor.SignalReady(os.Getpid())
		log.Info().Str("sock", sockPath).Msg("conmon-go daemonized")
	}

	loop := supervisor.New(log)
	go loop.Run(func() {
		srv.StopAcceptingWork()
		ctx, cancel := context.WithTimeout(context.Background(), 9*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		grpcServer.GracefulStop()
		os.Remove(sockPath)
	})

	select {
	case <-loop.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("rpc server stopped unexpectedly")
		}
	}
	return nil
}

func failStartup(sync bool, err error) {
	if !sync {
		supervisor.SignalFailed(err)
	}
}

// setupTracing wires --tracing-endpoint to an OTLP/gRPC exporter, grounded
// on the go.opentelemetry.io/otel/sdk/trace TracerProvider construction
// pattern.
func setupTracing(endpoint string) (func(context.Context) error, error) {
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName("conmon-go")),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
