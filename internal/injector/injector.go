// Package injector implements remote syscall injection: stopping a target
// thread under ptrace, rewriting its registers to invoke a syscall through
// a `syscall` instruction already mapped into the target's own address
// space, single-stepping it across that instruction, and restoring the
// thread's original state. This is the only mechanism by which the
// controller can invoke KVM ioctls against the target's own fd table —
// grounded on original_source/src/wrap_syscall.rs's Thread bookkeeping and
// original_source/src/kvm/mod.rs's Tracee (vm_ioctl, vm_ioctl_with_ref,
// mmap).
package injector

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sandtrail/coattach/internal/coattacherr"
	"github.com/sandtrail/coattach/internal/procfs"
)

// syscallOpcode is the two-byte x86-64 `syscall` instruction.
var syscallOpcode = []byte{0x0f, 0x05}

// Tracee represents "the target is stopped and ready to execute a syscall
// on our behalf". At most one Tracee should exist per target at a time —
// holding one forbids the KVM-Run Interceptor from advancing VCPUs, since
// both drive ptrace on the same tracer thread.
type Tracee struct {
	pid         int
	syscallAddr uintptr
	saved       unix.PtraceRegs
	log         *logrus.Entry
}

// Attach seizes the target's main thread, locates a `syscall` instruction
// in one of its readable+executable mappings (never patching bytes into
// the target), and saves its register state for later restoration.
func Attach(pid int) (*Tracee, error) {
	log := logrus.WithFields(logrus.Fields{"component": "injector", "pid": pid})

	if err := unix.PtraceSeize(pid); err != nil {
		if err == unix.EPERM {
			return nil, coattacherr.New(coattacherr.KindPermission, fmt.Errorf("ptrace seize %d: %w", pid, err))
		}
		return nil, coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("ptrace seize %d: %w", pid, err))
	}
	if err := unix.PtraceInterrupt(pid); err != nil {
		return nil, coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("ptrace interrupt %d: %w", pid, err))
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("wait4 after interrupt %d: %w", pid, err))
	}
	if ws.Exited() || ws.Signaled() {
		return nil, coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("target %d gone before injection: %v", pid, ws))
	}

	addr, err := findSyscallInstruction(pid)
	if err != nil {
		unix.PtraceDetach(pid)
		return nil, coattacherr.New(coattacherr.KindDiscovery, err)
	}

	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &saved); err != nil {
		unix.PtraceDetach(pid)
		return nil, coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("ptrace getregs %d: %w", pid, err))
	}

	log.WithField("syscall_addr", fmt.Sprintf("%#x", addr)).Debug("tracee attached")
	return &Tracee{pid: pid, syscallAddr: addr, saved: saved, log: log}, nil
}

// findSyscallInstruction scans the target's executable mappings for the
// two-byte `syscall` opcode, the way the original injector locates one in
// the mapped libc rather than ever writing code into the target.
func findSyscallInstruction(pid int) (uintptr, error) {
	mappings, err := procfs.Maps(pid)
	if err != nil {
		return 0, fmt.Errorf("read maps of %d: %w", pid, err)
	}
	for _, m := range mappings {
		if m.Prot&unix.PROT_EXEC == 0 || m.Path == "" {
			continue
		}
		f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
		if err != nil {
			continue
		}
		buf := make([]byte, m.End-m.Start)
		n, err := f.ReadAt(buf, int64(m.Start))
		f.Close()
		if err != nil && n == 0 {
			continue
		}
		if idx := bytes.Index(buf[:n], syscallOpcode); idx >= 0 {
			return m.Start + uintptr(idx), nil
		}
	}
	return 0, fmt.Errorf("no syscall instruction found in any executable mapping of %d", pid)
}

// Syscall invokes syscall number nr with up to six arguments in the
// target, returning the kernel's return value. A negative kernel return is
// reported as an error carrying the errno, matching the convention the
// original injector uses for Ok/Err across the ptrace boundary.
func (t *Tracee) Syscall(nr uintptr, args ...uintptr) (int64, error) {
	var a [6]uintptr
	copy(a[:], args)

	regs := t.saved
	regs.Rip = uint64(t.syscallAddr)
	regs.Rax = uint64(nr)
	regs.Rdi = uint64(a[0])
	regs.Rsi = uint64(a[1])
	regs.Rdx = uint64(a[2])
	regs.R10 = uint64(a[3])
	regs.R8 = uint64(a[4])
	regs.R9 = uint64(a[5])

	if err := unix.PtraceSetRegs(t.pid, &regs); err != nil {
		return 0, coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("setregs for injected syscall %d: %w", nr, err))
	}
	if err := unix.PtraceSingleStep(t.pid); err != nil {
		return 0, coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("singlestep over syscall %d: %w", nr, err))
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
		return 0, coattacherr.New(coattacherr.KindTransient, fmt.Errorf("wait4 after singlestep: %w", err))
	}
	if ws.Exited() || ws.Signaled() {
		return 0, coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("target %d died during injected syscall %d: %v", t.pid, nr, ws))
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &after); err != nil {
		return 0, coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("getregs after injected syscall %d: %w", nr, err))
	}

	ret := int64(after.Rax)
	if err := unix.PtraceSetRegs(t.pid, &t.saved); err != nil {
		return ret, coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("restore regs after injected syscall %d: %w", nr, err))
	}

	if ret < 0 {
		return ret, fmt.Errorf("injected syscall %d returned errno %d", nr, -ret)
	}
	return ret, nil
}

// Mmap asks the target to mmap anonymous shared memory of the given
// length, for use as a scratch page to pass an ioctl argument struct by
// reference. The page is intentionally never munmapped — see DESIGN.md's
// Open Question 2 for why that mirrors the reference implementation.
func (t *Tracee) Mmap(length uintptr) (uintptr, error) {
	ret, err := t.Syscall(unix.SYS_MMAP, 0, length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_ANONYMOUS),
		^uintptr(0), 0)
	if err != nil {
		return 0, err
	}
	return uintptr(ret), nil
}

// Ioctl invokes ioctl(fd, req, arg) in the target.
func (t *Tracee) Ioctl(fd int, req uintptr, arg uintptr) (int64, error) {
	return t.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
}

// Close restores the target's original register state and detaches,
// resuming it. Idempotent with respect to register state: Syscall already
// restores registers after each call, so Close only needs to detach.
func (t *Tracee) Close() error {
	if err := unix.PtraceDetach(t.pid); err != nil {
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("detach %d: %w", t.pid, err))
	}
	t.log.Debug("tracee released")
	return nil
}
