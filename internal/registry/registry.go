// Package registry implements C6: the process-wide container registry.
//
// It owns two maps — container-id -> *Record and pod-id -> *NamespaceSet —
// and enforces the uniqueness/lifecycle invariants this monitor requires:
// insert fails with ErrAlreadyExists on a colliding key, the keying
// operation itself is exclusive, but the referenced Record is shared and
// mutated through its own lock by every other component (pump, reaper,
// attach hub) for the lifetime of the container.
//
// Grounded on lxcri's container-directory-keyed lookup scheme in
// runtime.go's Runtime.Load, generalized from an on-disk lookup into an
// in-memory index (the runtime invoker still owns the on-disk state in
// its own run directory).
package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyExists is returned by Insert when the key is already present.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned by Get/Remove when the key is absent.
	ErrNotFound = errors.New("not found")
)

// NamespaceKind enumerates the namespace kinds a pod namespace set carries.
type NamespaceKind string

const (
	NamespaceIPC  NamespaceKind = "ipc"
	NamespaceNet  NamespaceKind = "net"
	NamespacePID  NamespaceKind = "pid"
	NamespaceUser NamespaceKind = "user"
	NamespaceUTS  NamespaceKind = "uts"
)

// NamespaceDescriptor is one (kind, bind-mount path) pair.
type NamespaceDescriptor struct {
	Kind NamespaceKind
	Path string
}

// NamespaceSet is the ordered list of namespace descriptors for one pod.
type NamespaceSet struct {
	PodID      string
	Namespaces []NamespaceDescriptor
}

// ExitStatus is the immutable result of a reaped process.
type ExitStatus struct {
	ExitCode int
	Signaled bool
	OOMKilled bool
}

// Record is a container record. It holds no process handle: C1's
// *child.Handle is kept by internal/rpcserver alongside the record, so
// registry does not import internal/child.
type Record struct {
	mu sync.Mutex

	ContainerID string
	Terminal    bool
	CgroupManager string

	// At most one of the console and the stdout/stderr pipe forms is
	// populated; NewRecord sets all of these to -1.
	ConsoleMasterFD int // -1 if unused
	StdoutPipeFD    int // -1 if unused
	StderrPipeFD    int // -1 if unused
	StdinWriteFD    int // -1 if stdin was not requested

	PID int

	exitStatus *ExitStatus

	ExitPaths    []string
	OOMExitPaths []string

	LogDrivers []string

	CleanupCommand []string

	CreatedAt time.Time

	attachSubscribers int
}

// NewRecord constructs a container record. pid must already be known; it
// is set before the record is inserted into the registry.
func NewRecord(containerID string, pid int, terminal bool) *Record {
	return &Record{
		ContainerID:     containerID,
		Terminal:        terminal,
		PID:             pid,
		ConsoleMasterFD: -1,
		StdoutPipeFD:    -1,
		StderrPipeFD:    -1,
		StdinWriteFD:    -1,
		CreatedAt:       time.Now(),
	}
}

// SetExitStatus fills the exit slot exactly once. Subsequent calls are
// rejected to preserve the absent -> present-once invariant.
func (r *Record) SetExitStatus(s ExitStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exitStatus != nil {
		return errors.New("exit slot already filled")
	}
	r.exitStatus = &s
	return nil
}

// ExitStatus returns the exit slot, or nil if the container hasn't exited.
func (r *Record) ExitStatus() *ExitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitStatus
}

// MarkOOMKilled sets the OOM flag on an already-filled exit slot. If the
// slot is still empty it does nothing; the flag is not remembered for a
// later SetExitStatus.
func (r *Record) MarkOOMKilled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exitStatus != nil {
		r.exitStatus.OOMKilled = true
	}
}

// IncAttachSubscribers / DecAttachSubscribers track outstanding attach
// clients so Destroyable can assert they have all detached.
func (r *Record) IncAttachSubscribers() {
	r.mu.Lock()
	r.attachSubscribers++
	r.mu.Unlock()
}

func (r *Record) DecAttachSubscribers() {
	r.mu.Lock()
	if r.attachSubscribers > 0 {
		r.attachSubscribers--
	}
	r.mu.Unlock()
}

// Destroyable reports whether the record may be removed from the registry:
// exit observed, and no attach subscribers left.
func (r *Record) Destroyable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitStatus != nil && r.attachSubscribers == 0
}

// Registry is the process-wide container/pod index.
type Registry struct {
	mu         sync.RWMutex
	containers map[string]*Record
	pods       map[string]*NamespaceSet
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		containers: make(map[string]*Record),
		pods:       make(map[string]*NamespaceSet),
	}
}

// Insert adds a new container record, failing with ErrAlreadyExists if the
// container-id is already present: a reaped-and-durable container frees
// its id for reuse, everything else keeps it reserved.
func (reg *Registry) Insert(rec *Record) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.containers[rec.ContainerID]; ok {
		return ErrAlreadyExists
	}
	reg.containers[rec.ContainerID] = rec
	return nil
}

// Get returns the record for containerID, or ErrNotFound.
func (reg *Registry) Get(containerID string) (*Record, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.containers[containerID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Remove deletes a record from the registry. Callers must have already
// confirmed Record.Destroyable().
func (reg *Registry) Remove(containerID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.containers[containerID]; !ok {
		return ErrNotFound
	}
	delete(reg.containers, containerID)
	return nil
}

// List returns a snapshot of all container ids currently registered.
func (reg *Registry) List() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.containers))
	for id := range reg.containers {
		ids = append(ids, id)
	}
	return ids
}

// InsertNamespaceSet creates a pod namespace set, failing with
// ErrAlreadyExists if one is already present for the pod — CreateNamespaces
// is explicitly not idempotent because mount paths are externally
// observable.
func (reg *Registry) InsertNamespaceSet(ns *NamespaceSet) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.pods[ns.PodID]; ok {
		return ErrAlreadyExists
	}
	reg.pods[ns.PodID] = ns
	return nil
}

// GetNamespaceSet returns the namespace set for a pod, or ErrNotFound.
func (reg *Registry) GetNamespaceSet(podID string) (*NamespaceSet, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ns, ok := reg.pods[podID]
	if !ok {
		return nil, ErrNotFound
	}
	return ns, nil
}

// RemoveNamespaceSet releases a pod's namespace set (explicit request or
// monitor shutdown).
func (reg *Registry) RemoveNamespaceSet(podID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.pods[podID]; !ok {
		return ErrNotFound
	}
	delete(reg.pods, podID)
	return nil
}

// ListPods returns a snapshot of all pod ids with a namespace set.
func (reg *Registry) ListPods() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.pods))
	for id := range reg.pods {
		ids = append(ids, id)
	}
	return ids
}
