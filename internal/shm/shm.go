// Package shm implements the POSIX-style named shared-memory objects H
// creates for each pod and pods map read-write, per spec.md §4.1 and §6.
//
// Go has no unix.ShmOpen binding, so this follows the glibc convention
// shm_open itself uses on Linux: objects live as regular files under
// /dev/shm, named without the leading slash POSIX's abstract namespace
// implies. The mmap/ftruncate sequence mirrors the raw-syscall idiom in
// other_examples' go-ublk queue runner.
package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	shmRoot     = "/dev/shm"
	permissions = 0o666
)

// ObjectName returns the shared-memory object name for a pod, per spec.md
// §6: "shm-<pod-id>".
func ObjectName(podID uint32) string {
	return fmt.Sprintf("shm-%d", podID)
}

// Page is a mapped shared-memory region: a pinned host virtual address
// (here, a Go byte slice backed by an mmap'd region) plus the resources
// needed to unmap and unlink it.
type Page struct {
	Name string
	Size int

	fd   int
	data []byte
}

// Addr returns the mapped region's backing bytes. Reads/writes into this
// slice are the "pinned host virtual address" spec.md refers to; no syscall
// is involved in touching it.
func (p *Page) Addr() []byte { return p.data }

func shmPath(name string) string {
	return filepath.Join(shmRoot, name)
}

// Create creates (or truncates, if present) a shared-memory object of the
// given size and maps it read-write. This is H's half of §4.1 step 2: "host
// agent creates a shared-memory object ... sized to a configured block
// size, and truncates it", followed immediately by the mmap used at
// connection-build time (§4.2 ADDR_RESOLVED: "register the shared page as
// an MR").
func Create(name string, size int) (*Page, error) {
	path := shmPath(name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, permissions)
	if err != nil {
		return nil, fmt.Errorf("create shared memory object %s: %w", name, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("truncate shared memory object %s to %d bytes: %w", name, size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap shared memory object %s: %w", name, err)
	}

	return &Page{Name: name, Size: size, fd: fd, data: data}, nil
}

// Open maps an existing shared-memory object read-write. This is the pod's
// half of the local handshake (§4.1): the pod receives the object name over
// TCP and maps it itself; this package's caller lives on the pod side of
// that boundary conceptually, even though spec.md treats the pod-internal
// update API as an external collaborator — Open exists here because the
// handshake and the mapping share the same shm naming convention.
func Open(name string, size int) (*Page, error) {
	path := shmPath(name)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open shared memory object %s: %w", name, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap shared memory object %s: %w", name, err)
	}

	return &Page{Name: name, Size: size, fd: fd, data: data}, nil
}

// Unmap unmaps the page and closes its backing file descriptor. It does not
// unlink the name; call Unlink separately, which only the owning host agent
// should do (invariant 4, spec.md §3: a pod's page is never unmapped while
// its RDMA connection is in states other than disconnected — callers are
// responsible for sequencing Unmap after teardown).
func (p *Page) Unmap() error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	closeErr := unix.Close(p.fd)
	if err != nil {
		return fmt.Errorf("munmap shared memory object %s: %w", p.Name, err)
	}
	if closeErr != nil {
		return fmt.Errorf("close shared memory object %s: %w", p.Name, closeErr)
	}
	return nil
}

// Unlink removes the named shared-memory object. spec.md §9 documents that
// shm_unlink "sometimes fails during teardown" for an undocumented reason;
// per the Open Question resolution in DESIGN.md, the caller decides whether
// to treat the returned error as fatal (ignoreErr controls only logging
// upstream, not this function's return value).
func Unlink(name string) error {
	path := shmPath(name)
	if err := unix.Unlink(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("unlink shared memory object %s: %w", name, err)
	}
	return nil
}
