// Package interceptor implements the KVM-Run Interceptor: ptrace-attaching
// every thread of a target hypervisor, driving each through repeated
// PTRACE_SYSCALL stops, recognizing the entry/exit pair of
// ioctl(vcpu_fd, KVM_RUN, NULL), and decoding any resulting MMIO exit for
// dispatch to an mmiobus.Bus. Grounded on
// original_source/src/wrap_syscall.rs's KvmRunWrapper/Thread/waitpid_busy/
// process_status state machine.
package interceptor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sandtrail/coattach/internal/coattacherr"
	"github.com/sandtrail/coattach/internal/hypervisor"
	"github.com/sandtrail/coattach/internal/kvmabi"
	"github.com/sandtrail/coattach/internal/mmiobus"
	"github.com/sandtrail/coattach/internal/procfs"
)

// thread is one ptrace-seized OS thread of the target. isRunning is true
// from the moment we issue PTRACE_SYSCALL until the next stop is reaped;
// inSyscall toggles on every syscall-stop, ioctl or not, so consecutive
// stops for the same call can be told apart as entry and exit.
type thread struct {
	tid           int
	isRunning     bool
	inSyscall     bool
	pendingSignal int
}

// Interceptor owns the ptrace session across every thread of one target
// process and the table correlating each known VCPU fd to the
// host-virtual address of its mmap'd kvm_run page.
type Interceptor struct {
	hv       *hypervisor.Handle
	runAddrs map[int]uintptr // vcpu fd -> kvm_run page address
	threads  []*thread
	mainTid  int
	log      *logrus.Entry

	irq        *irqInjector
	irqMu      sync.Mutex
	pendingGSI []uint32
}

// Attach resolves each VCPU's kvm_run page address from h.Mappings (the
// mapping tagged "anon_inode:kvm-vcpu:<index>", the same tag
// internal/hypervisor.Discover used to find the fd itself — address
// spaces are shared process-wide, so any thread's view of that address
// reaches the same page), then seizes every thread of h.Pid.
//
// Holding an injector.Tracee and an Interceptor on the same target at once
// is a programming error: both drive ptrace on the target's threads and
// would race.
func Attach(h *hypervisor.Handle) (*Interceptor, error) {
	runAddrs, err := resolveRunAddrs(h)
	if err != nil {
		return nil, err
	}

	tids, err := procfs.Tasks(h.Pid)
	if err != nil {
		return nil, coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("list threads of %d: %w", h.Pid, err))
	}

	log := logrus.WithFields(logrus.Fields{"component": "interceptor", "pid": h.Pid})
	ic := &Interceptor{hv: h, runAddrs: runAddrs, mainTid: h.Pid, log: log, irq: newIRQInjector(h.Pid, h.VMFd)}

	for _, tid := range tids {
		if err := ic.seize(tid); err != nil {
			ic.detachAll()
			return nil, err
		}
	}

	log.WithField("threads", len(ic.threads)).Info("all threads seized")
	return ic, nil
}

func resolveRunAddrs(h *hypervisor.Handle) (map[int]uintptr, error) {
	fdByIndex := make(map[int]int, len(h.VCPUs))
	for _, v := range h.VCPUs {
		fdByIndex[v.Index] = v.FD
	}

	const prefix = "anon_inode:kvm-vcpu:"
	runAddrs := make(map[int]uintptr, len(h.VCPUs))
	for _, m := range h.Mappings {
		if !strings.HasPrefix(m.Path, prefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(m.Path, prefix))
		if err != nil {
			continue
		}
		if fd, ok := fdByIndex[idx]; ok {
			runAddrs[fd] = m.Start
		}
	}
	if len(runAddrs) != len(h.VCPUs) {
		return nil, coattacherr.New(coattacherr.KindDiscovery,
			fmt.Errorf("resolved kvm_run pages for %d of %d vcpus", len(runAddrs), len(h.VCPUs)))
	}
	return runAddrs, nil
}

func (ic *Interceptor) seize(tid int) error {
	if err := unix.PtraceSeize(tid); err != nil {
		if err == unix.EPERM {
			return coattacherr.New(coattacherr.KindPermission, fmt.Errorf("ptrace seize thread %d: %w", tid, err))
		}
		return coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("ptrace seize thread %d: %w", tid, err))
	}
	if err := unix.PtraceInterrupt(tid); err != nil {
		return coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("ptrace interrupt thread %d: %w", tid, err))
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("wait4 after interrupt %d: %w", tid, err))
	}
	if ws.Exited() || ws.Signaled() {
		return coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("thread %d gone before interception: %v", tid, ws))
	}
	// Make syscall-stops report SIGTRAP|0x80 (see syscallTrapSignal).
	if err := unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACESYSGOOD); err != nil {
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("ptrace setoptions thread %d: %w", tid, err))
	}
	ic.threads = append(ic.threads, &thread{tid: tid})
	return nil
}

// detachAll best-effort detaches every seized thread without reporting
// errors, used on setup failure and when Run exits. PTRACE_DETACH only
// succeeds on a stopped tracee, so a thread still running is interrupted
// and reaped first.
func (ic *Interceptor) detachAll() {
	for _, th := range ic.threads {
		if th.isRunning {
			if err := unix.PtraceInterrupt(th.tid); err == nil {
				var ws unix.WaitStatus
				_, _ = unix.Wait4(th.tid, &ws, 0, nil)
			}
			th.isRunning = false
		}
		_ = unix.PtraceDetach(th.tid)
	}
}

// Close detaches every thread, leaving the target running exactly as
// before Attach.
func (ic *Interceptor) Close() error {
	var firstErr error
	for _, th := range ic.threads {
		if err := unix.PtraceDetach(th.tid); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("detach thread %d: %w", th.tid, err)
		}
	}
	return firstErr
}

// Run drives every seized thread through PTRACE_SYSCALL stops until ctx is
// canceled, dispatching decoded MMIO exits to bus. It returns nil on a
// clean cancellation and a coattacherr if the target dies or ptrace fails.
// Every thread is detached before Run returns, by any path.
func (ic *Interceptor) Run(ctx context.Context, bus *mmiobus.Bus) error {
	defer ic.detachAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		for _, th := range ic.threads {
			if th.isRunning {
				continue
			}
			sig := th.pendingSignal
			th.pendingSignal = 0
			if err := unix.PtraceSyscall(th.tid, sig); err != nil {
				return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("ptrace syscall thread %d: %w", th.tid, err))
			}
			th.isRunning = true
		}

		th, ws, err := ic.waitpidBusy(ctx)
		if err != nil {
			return err
		}
		if th == nil {
			return nil
		}
		if err := ic.processStatus(th, ws, bus); err != nil {
			return err
		}
		if th.tid == ic.mainTid {
			ic.flushPendingIRQs()
		}
	}
}

// RaiseIRQ asks the Interceptor to deliver gsi to the guest via
// KVM_IRQ_LINE. The injection itself can only run while the target's main
// thread is ptrace-stopped, so a request arriving while that thread is
// mid-flight between stops is queued and flushed the next time Run reaps
// a stop on it — within one scheduling quantum in practice.
func (ic *Interceptor) RaiseIRQ(gsi uint32) error {
	ic.irqMu.Lock()
	defer ic.irqMu.Unlock()

	for _, th := range ic.threads {
		if th.tid == ic.mainTid && !th.isRunning {
			return ic.irq.raise(gsi)
		}
	}
	ic.pendingGSI = append(ic.pendingGSI, gsi)
	return nil
}

func (ic *Interceptor) flushPendingIRQs() {
	ic.irqMu.Lock()
	pending := ic.pendingGSI
	ic.pendingGSI = nil
	ic.irqMu.Unlock()

	for _, gsi := range pending {
		if err := ic.irq.raise(gsi); err != nil {
			ic.log.WithError(err).WithField("gsi", gsi).Warn("flush pending irq")
		}
	}
}

// waitpidBusy round-robins a non-blocking wait4 across every running
// thread until one reports a status change, sleeping briefly between
// sweeps — ported from wrap_syscall.rs's waitpid_busy, which exists
// because Linux has no primitive to block on "any of these specific tids".
func (ic *Interceptor) waitpidBusy(ctx context.Context) (*thread, unix.WaitStatus, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, 0, nil
		default:
		}

		for _, th := range ic.threads {
			if !th.isRunning {
				continue
			}
			var ws unix.WaitStatus
			wpid, err := unix.Wait4(th.tid, &ws, unix.WNOHANG, nil)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return nil, 0, coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("wait4 thread %d: %w", th.tid, err))
			}
			if wpid == 0 {
				continue
			}
			th.isRunning = false
			return th, ws, nil
		}

		time.Sleep(time.Millisecond)
	}
}

// syscallTrapSignal is the stop signal a PTRACE_SYSCALL-induced stop
// carries: SIGTRAP with the high bit set, distinguishing it from an
// ordinary signal-delivery stop.
const syscallTrapSignal = unix.SIGTRAP | 0x80

// processStatus dispatches one reaped stop. Mirrors process_status's match
// over WaitStatus in wrap_syscall.rs.
func (ic *Interceptor) processStatus(th *thread, ws unix.WaitStatus, bus *mmiobus.Bus) error {
	switch {
	case ws.Exited():
		return coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("target thread %d exited with status %d", th.tid, ws.ExitStatus()))
	case ws.Signaled():
		return coattacherr.New(coattacherr.KindTargetGone, fmt.Errorf("target thread %d killed by signal %v", th.tid, ws.Signal()))
	case ws.Stopped() && ws.StopSignal() == syscallTrapSignal:
		return ic.processSyscallStop(th, bus)
	case ws.Stopped():
		sig := ws.StopSignal()
		if sig != unix.SIGTRAP {
			// A genuine signal-delivery or group-stop: forward it on the
			// next PTRACE_SYSCALL so the target's own disposition applies.
			th.pendingSignal = int(sig)
		}
		ic.log.WithFields(logrus.Fields{"tid": th.tid, "signal": sig}).Debug("non-syscall stop")
		return nil
	default:
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("unexpected wait status %v for thread %d", ws, th.tid))
	}
}

// processSyscallStop toggles th's entry/exit state and, on the exit half
// of an ioctl(fd, KVM_RUN, NULL) where fd is a known vcpu, reads that
// vcpu's kvm_run page and routes any MMIO exit to bus.
func (ic *Interceptor) processSyscallStop(th *thread, bus *mmiobus.Bus) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(th.tid, &regs); err != nil {
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("getregs thread %d: %w", th.tid, err))
	}

	th.inSyscall = !th.inSyscall
	if regs.Orig_rax != unix.SYS_IOCTL {
		return nil
	}
	if th.inSyscall {
		// Entry stop: nothing observable until the matching exit.
		return nil
	}

	fd := int(regs.Rdi)
	req := uintptr(regs.Rsi)
	if req != kvmabi.KVMRunIoctl {
		return nil
	}
	runAddr, ok := ic.runAddrs[fd]
	if !ok {
		// ioctl(fd, KVM_RUN) on an fd that wasn't one of the vcpus
		// discovery found — not ours to service.
		return nil
	}

	var run kvmabi.KVMRun
	if err := hypervisor.ReadInto(ic.hv, runAddr, &run); err != nil {
		return fmt.Errorf("read kvm_run at %#x for fd %d: %w", runAddr, fd, err)
	}
	if run.ExitReason != kvmabi.ExitMMIO {
		return nil
	}

	physAddr, data, length, isWrite := run.MMIO()
	exit := mmiobus.MmioExit{GuestPhysAddr: physAddr, IsWrite: isWrite, Data: data, Len: uint8(length)}
	serviced, err := bus.Dispatch(&exit)
	if err != nil {
		ic.log.WithError(err).WithField("gpa", fmt.Sprintf("%#x", physAddr)).Warn("device error servicing mmio exit")
		return nil
	}
	if !serviced {
		return nil
	}

	if !isWrite {
		// The target's own exit-handling code still runs next, unaware the
		// access was serviced; give it the device's answer in the same
		// place it would have found the hardware's.
		copy(run.Union[8:16], exit.Data[:])
		if err := hypervisor.Write(ic.hv, runAddr, &run); err != nil {
			return fmt.Errorf("write back mmio response at %#x for fd %d: %w", runAddr, fd, err)
		}
	}
	ic.log.WithFields(logrus.Fields{"gpa": fmt.Sprintf("%#x", physAddr), "write": isWrite}).Debug("mmio exit serviced")
	return nil
}
