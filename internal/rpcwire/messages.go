package rpcwire

// Request/response message shapes for every RPC method this monitor
// exposes. Each is a plain json-tagged struct instead of generated
// protobuf code (see codec.go).

// VersionRequest carries nothing; Version takes no parameters.
type VersionRequest struct{}

// VersionResponse reports the monitor's own build metadata.
type VersionResponse struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
}

// CreateContainerRequest asks the monitor to create (but not start) a
// container's init process.
type CreateContainerRequest struct {
	ContainerID       string   `json:"container_id"`
	BundlePath        string   `json:"bundle_path"`
	Terminal          bool     `json:"terminal"`
	Stdin             bool     `json:"stdin"`
	ConsoleSocketPath string   `json:"console_socket_path,omitempty"`
	ExitPaths         []string `json:"exit_paths,omitempty"`
	OOMExitPaths      []string `json:"oom_exit_paths,omitempty"`
	LogDrivers        []string `json:"log_drivers,omitempty"`
	CleanupCommand    []string `json:"cleanup_command,omitempty"`
	CgroupManager     string   `json:"cgroup_manager,omitempty"`
}

// CreateContainerResponse reports the created init process's pid.
type CreateContainerResponse struct {
	PID int `json:"pid"`
}

// ExecSyncContainerRequest runs a one-shot synchronous exec.
type ExecSyncContainerRequest struct {
	ContainerID string   `json:"container_id"`
	Command     []string `json:"command"`
	TimeoutSec  int64    `json:"timeout_sec,omitempty"`
}

// ExecSyncContainerResponse is the captured result of a synchronous exec.
type ExecSyncContainerResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// AttachContainerRequest opens the attach socket for a container. A second
// request while that socket is open fails with Invalid.
type AttachContainerRequest struct {
	ContainerID string `json:"container_id"`
	SocketPath  string `json:"socket_path"`
}

// AttachContainerResponse acknowledges the attach socket is listening.
type AttachContainerResponse struct{}

// ReopenLogContainerRequest forces every configured log driver to rotate.
type ReopenLogContainerRequest struct {
	ContainerID string `json:"container_id"`
}

// ReopenLogContainerResponse acknowledges rotation completed.
type ReopenLogContainerResponse struct{}

// SetWindowSizeContainerRequest resizes a container's console.
type SetWindowSizeContainerRequest struct {
	ContainerID string `json:"container_id"`
	Cols        uint16 `json:"cols"`
	Rows        uint16 `json:"rows"`
}

// SetWindowSizeContainerResponse acknowledges the resize.
type SetWindowSizeContainerResponse struct{}

// CreateNamespacesRequest asks the monitor to bind-mount a namespace set
// for a pod (the monitor process's own namespaces; none are unshared).
type CreateNamespacesRequest struct {
	PodID      string   `json:"pod_id"`
	Namespaces []string `json:"namespaces"`
	BasePath   string   `json:"base_path"`
}

// NamespaceMount is one created namespace's kind and bind-mount path.
type NamespaceMount struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// CreateNamespacesResponse reports the created namespace set.
type CreateNamespacesResponse struct {
	Namespaces []NamespaceMount `json:"namespaces"`
}

// ServeExecContainerRequest asks the monitor to run a (non-sync) exec
// behind a one-time streaming endpoint, the CRI "exec" verb as opposed to
// ExecSyncContainer's blocking call. Terminal and Stdin are accepted but
// not acted on: the exec gets no TTY and no stdin.
type ServeExecContainerRequest struct {
	ContainerID string   `json:"container_id"`
	Command     []string `json:"command"`
	Terminal    bool     `json:"terminal"`
	Stdin       bool     `json:"stdin"`
}

// ServeExecContainerResponse carries the local socket path a client dials
// to stream the exec session's stdio, framed identically to the attach
// protocol.
type ServeExecContainerResponse struct {
	SocketPath string `json:"socket_path"`
}

// ServeAttachContainerRequest asks the monitor to prepare a one-time
// streaming endpoint for attaching to a container's existing stdio.
type ServeAttachContainerRequest struct {
	ContainerID string `json:"container_id"`
}

// ServeAttachContainerResponse carries the local socket path a client
// dials to stream the container's stdio over the attach protocol.
type ServeAttachContainerResponse struct {
	SocketPath string `json:"socket_path"`
}

// ServePortForwardContainerRequest asks the monitor to prepare a one-time
// streaming endpoint that forwards bytes to a port inside the container's
// network namespace.
type ServePortForwardContainerRequest struct {
	PodID string `json:"pod_id"`
	Port  int32  `json:"port"`
}

// ServePortForwardContainerResponse carries the local socket path a client
// dials to stream the forwarded port's traffic.
type ServePortForwardContainerResponse struct {
	SocketPath string `json:"socket_path"`
}
