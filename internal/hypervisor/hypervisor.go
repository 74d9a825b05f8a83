// Package hypervisor implements the Hypervisor Handle: discovering a
// target's KVM and VCPU file descriptors, performing cross-process
// vectored memory I/O against its address space, and stopping/resuming
// it around disruptive operations. Grounded on
// original_source/src/kvm/mod.rs's Hypervisor/find_vm_fd/get_hypervisor.
package hypervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sandtrail/coattach/internal/coattacherr"
	"github.com/sandtrail/coattach/internal/procfs"
)

// VCPU identifies one VCPU file descriptor the target holds open.
type VCPU struct {
	Index int
	FD    int
}

// Handle owns everything discovery learned about the target: its pid, its
// single VM fd, its VCPU fds, and the imported Mapping list. VCPU-Thread
// States and the Memslot Table built from these mappings are owned by the
// higher layers (internal/interceptor, internal/guestmem) that borrow the
// Handle for a session.
type Handle struct {
	Pid      int
	VMFd     int
	VCPUs    []VCPU
	Mappings []procfs.Mapping

	log *logrus.Entry
}

// Discover finds exactly one VM fd and the set of VCPU fds of pid via
// /proc introspection, rejecting multi-VM topologies and duplicate VCPU
// indices outright — a partial or ambiguous result is never returned as
// success (invariant 1 of the testable properties).
func Discover(pid int) (*Handle, error) {
	fds, err := procfs.FDs(pid)
	if err != nil {
		return nil, coattacherr.New(procfsErrKind(err), fmt.Errorf("list fds of %d: %w", pid, err))
	}

	var vmFds []int
	var vcpus []VCPU
	for _, fd := range fds {
		name := fd.Target
		switch {
		case name == "anon_inode:kvm-vm":
			vmFds = append(vmFds, fd.Num)
		case strings.HasPrefix(name, "anon_inode:kvm-vcpu:"):
			parts := strings.SplitN(name, ":", 3)
			if len(parts) != 3 {
				continue
			}
			idx, err := strconv.Atoi(parts[2])
			if err != nil {
				continue
			}
			vcpus = append(vcpus, VCPU{Index: idx, FD: fd.Num})
		}
	}

	if len(vmFds) == 0 {
		return nil, coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("no KVM VM found in process %d", pid))
	}
	if len(vmFds) > 1 {
		return nil, coattacherr.Unsupported("multiple VMs found")
	}
	if len(vcpus) == 0 {
		return nil, coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("found KVM instance in %d but no VCPUs", pid))
	}
	seen := make(map[int]bool, len(vcpus))
	for _, v := range vcpus {
		if seen[v.Index] {
			return nil, coattacherr.Unsupported("found multiple vcpus with same index %d, assuming multiple VMs", v.Index)
		}
		seen[v.Index] = true
	}

	mappings, err := procfs.Maps(pid)
	if err != nil {
		return nil, coattacherr.New(procfsErrKind(err), fmt.Errorf("read maps of %d: %w", pid, err))
	}

	h := &Handle{
		Pid:      pid,
		VMFd:     vmFds[0],
		VCPUs:    vcpus,
		Mappings: mappings,
		log:       logrus.WithFields(logrus.Fields{"component": "hypervisor", "pid": pid}),
	}
	h.log.WithField("vcpus", len(vcpus)).Info("hypervisor discovered")
	return h, nil
}

// procfsErrKind classifies a /proc read failure: an access-control denial
// is KindPermission, anything else KindDiscovery.
func procfsErrKind(err error) coattacherr.Kind {
	if errors.Is(err, os.ErrPermission) {
		return coattacherr.KindPermission
	}
	return coattacherr.KindDiscovery
}

// ReadInto copies sizeof(dst's pointee) bytes from the target's virtual
// address addr into dst using process_vm_readv. Partial transfers are
// reported as errors, never silently truncated.
func ReadInto[T any](h *Handle, addr uintptr, dst *T) error {
	size := int(unsafe.Sizeof(*dst))
	local := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(dst))}}
	local[0].SetLen(size)
	remote := []unix.RemoteIovec{{Base: addr, Len: size}}

	n, err := unix.ProcessVMReadv(h.Pid, local, remote, 0)
	if err != nil {
		return coattacherr.New(coattacherr.KindTransient, fmt.Errorf("process_vm_readv from %d at %#x: %w", h.Pid, addr, err))
	}
	if n != size {
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("process_vm_readv read %d bytes, expected %d", n, size))
	}
	return nil
}

// Write copies sizeof(*src) bytes from src into the target's virtual
// address addr using process_vm_writev.
func Write[T any](h *Handle, addr uintptr, src *T) error {
	size := int(unsafe.Sizeof(*src))
	local := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(src))}}
	local[0].SetLen(size)
	remote := []unix.RemoteIovec{{Base: addr, Len: size}}

	n, err := unix.ProcessVMWritev(h.Pid, local, remote, 0)
	if err != nil {
		return coattacherr.New(coattacherr.KindTransient, fmt.Errorf("process_vm_writev to %d at %#x: %w", h.Pid, addr, err))
	}
	if n != size {
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("process_vm_writev wrote %d bytes, expected %d", n, size))
	}
	return nil
}

// ReadBytes copies len(buf) bytes from the target's virtual address addr
// into buf.
func ReadBytes(h *Handle, addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMReadv(h.Pid, local, remote, 0)
	if err != nil {
		return coattacherr.New(coattacherr.KindTransient, fmt.Errorf("process_vm_readv from %d at %#x: %w", h.Pid, addr, err))
	}
	if n != len(buf) {
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("process_vm_readv read %d bytes, expected %d", n, len(buf)))
	}
	return nil
}

// WriteBytes copies buf into the target's virtual address addr.
func WriteBytes(h *Handle, addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMWritev(h.Pid, local, remote, 0)
	if err != nil {
		return coattacherr.New(coattacherr.KindTransient, fmt.Errorf("process_vm_writev to %d at %#x: %w", h.Pid, addr, err))
	}
	if n != len(buf) {
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("process_vm_writev wrote %d bytes, expected %d", n, len(buf)))
	}
	return nil
}

// Stop SIGSTOPs the target's whole process group, used around disruptive
// operations like memslot import.
func (h *Handle) Stop() error {
	if err := unix.Kill(-h.Pid, unix.SIGSTOP); err != nil {
		return coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("SIGSTOP %d: %w", h.Pid, err))
	}
	return nil
}

// Resume SIGCONTs the target's process group.
func (h *Handle) Resume() error {
	if err := unix.Kill(-h.Pid, unix.SIGCONT); err != nil {
		return coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("SIGCONT %d: %w", h.Pid, err))
	}
	return nil
}
