// Package nsutil implements the CreateNamespaces RPC's filesystem side
// effect: bind-mounting a set of Linux namespaces into a well-known layout
// so they outlive the process that created them and can be joined by pods
// created later.
//
// Grounded on lxcri's bind-mount helpers in lxcontainer/create.go
// (createFile/configureContainer's mount-handling idiom of building a path,
// creating an empty placeholder file, and bind-mounting over it), adapted
// here from rootfs bind mounts to namespace bind mounts under a pod-keyed
// directory tree.
package nsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/containers/conmon-go/internal/registry"
)

// Layout returns the bind-mount target path for one namespace kind under a
// pod, following <base>/{ipc,pid,net,user,uts}ns/<pod-id>.
func Layout(base string, kind registry.NamespaceKind, podID string) string {
	return filepath.Join(base, string(kind)+"ns", podID)
}

// orderedKinds fixes the creation order: user before the namespaces that
// may be owned by it, net and uts last.
var orderedKinds = []registry.NamespaceKind{
	registry.NamespaceUser,
	registry.NamespaceIPC,
	registry.NamespacePID,
	registry.NamespaceNet,
	registry.NamespaceUTS,
}

// Create bind-mounts /proc/<pid>/ns/<kind> onto a fresh placeholder file for
// every requested kind, in orderedKinds order, returning the resulting
// descriptor set. The namespaces bound are those pid is in; Create does not
// unshare or start any process itself.
func Create(base string, podID string, pid int, kinds []registry.NamespaceKind) ([]registry.NamespaceDescriptor, error) {
	requested := make(map[registry.NamespaceKind]bool, len(kinds))
	for _, k := range kinds {
		requested[k] = true
	}

	var created []registry.NamespaceDescriptor
	for _, kind := range orderedKinds {
		if !requested[kind] {
			continue
		}
		target := Layout(base, kind, podID)
		if err := bindOne(pid, kind, target); err != nil {
			// best-effort unwind of namespaces already bound this call
			for _, d := range created {
				unix.Unmount(d.Path, unix.MNT_DETACH)
				os.Remove(d.Path)
			}
			return nil, err
		}
		created = append(created, registry.NamespaceDescriptor{Kind: kind, Path: target})
	}
	return created, nil
}

func bindOne(pid int, kind registry.NamespaceKind, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create namespace dir for %s: %w", kind, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_RDONLY, 0o444)
	if err != nil {
		return fmt.Errorf("create namespace placeholder %s: %w", target, err)
	}
	f.Close()

	src := fmt.Sprintf("/proc/%d/ns/%s", pid, kind)
	if err := unix.Mount(src, target, "", unix.MS_BIND, ""); err != nil {
		os.Remove(target)
		return fmt.Errorf("bind mount %s onto %s: %w", src, target, err)
	}
	return nil
}

// Remove unmounts and deletes every descriptor in ns, continuing past
// individual errors and returning the first one encountered.
func Remove(descs []registry.NamespaceDescriptor) error {
	var firstErr error
	for _, d := range descs {
		if err := unix.Unmount(d.Path, unix.MNT_DETACH); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmount %s: %w", d.Path, err)
		}
		if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", d.Path, err)
		}
	}
	return firstErr
}
