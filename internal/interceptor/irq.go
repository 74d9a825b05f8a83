package interceptor

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sandtrail/coattach/internal/coattacherr"
	"github.com/sandtrail/coattach/internal/kvmabi"
)

// irqInjector raises legacy GSIs in the target via KVM_IRQ_LINE, injected
// as a remote syscall on the target's main thread. It reuses the same
// find-an-existing-`syscall`-instruction technique as internal/injector,
// but executes inline against a thread the Interceptor already holds
// under ptrace rather than seizing a second time — seizing twice would
// conflict with the Interceptor's own session on that tid.
type irqInjector struct {
	mu          sync.Mutex
	mainTid     int
	vmFd        int
	syscallAddr uintptr
	scratchAddr uintptr // scratch page holding the kvm_irq_level argument
	ready       bool
}

func newIRQInjector(pid, vmFd int) *irqInjector {
	return &irqInjector{mainTid: pid, vmFd: vmFd}
}

// ensureReady locates a syscall instruction and allocates the scratch page
// once, the first time an interrupt must be raised. The main thread must
// already be ptrace-stopped when this runs.
func (ij *irqInjector) ensureReady() error {
	if ij.ready {
		return nil
	}
	addr, err := scanForSyscallOpcode(ij.mainTid)
	if err != nil {
		return err
	}
	ij.syscallAddr = addr

	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(ij.mainTid, &saved); err != nil {
		return fmt.Errorf("irq injector: getregs: %w", err)
	}
	scratch, _, err := ij.inject(&saved, unix.SYS_MMAP, 0, uintptr(unix.Getpagesize()),
		uintptr(unix.PROT_READ|unix.PROT_WRITE), uintptr(unix.MAP_SHARED|unix.MAP_ANONYMOUS),
		^uintptr(0), 0)
	if err != nil {
		return fmt.Errorf("irq injector: mmap scratch page: %w", err)
	}
	ij.scratchAddr = uintptr(scratch)
	ij.ready = true
	return nil
}

// scanForSyscallOpcode finds a mapped `syscall` instruction in pid's
// executable mappings. Duplicates internal/injector's equivalent scan
// rather than importing it: importing would pull in Tracee's own
// PTRACE_SEIZE/Attach, which this type must not call against a tid the
// Interceptor already owns.
func scanForSyscallOpcode(pid int) (uintptr, error) {
	mappings, err := mapsOf(pid)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return 0, fmt.Errorf("open /proc/%d/mem: %w", pid, err)
	}
	defer f.Close()

	for _, m := range mappings {
		if m.prot&unix.PROT_EXEC == 0 {
			continue
		}
		buf := make([]byte, m.end-m.start)
		n, err := f.ReadAt(buf, int64(m.start))
		if err != nil && n == 0 {
			continue
		}
		if idx := bytes.Index(buf[:n], []byte{0x0f, 0x05}); idx >= 0 {
			return m.start + uintptr(idx), nil
		}
	}
	return 0, fmt.Errorf("no syscall instruction found in any executable mapping of %d", pid)
}

type mapRange struct {
	start, end uintptr
	prot       int
}

func mapsOf(pid int) ([]mapRange, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	var out []mapRange
	for _, line := range splitLines(raw) {
		var start, end uint64
		var perms string
		if _, err := fmt.Sscanf(line, "%x-%x %4s", &start, &end, &perms); err != nil {
			continue
		}
		prot := 0
		if len(perms) >= 3 && perms[0] == 'r' {
			prot |= unix.PROT_READ
		}
		if len(perms) >= 3 && perms[2] == 'x' {
			prot |= unix.PROT_EXEC
		}
		out = append(out, mapRange{start: uintptr(start), end: uintptr(end), prot: prot})
	}
	return out, nil
}

func splitLines(raw []byte) []string {
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, string(raw[start:i]))
			start = i + 1
		}
	}
	return lines
}

// inject rewrites regs to invoke syscall nr with args at ij.syscallAddr,
// single-steps over it, and restores the original registers — the same
// sequence as internal/injector.Tracee.Syscall, inlined because this
// tid's ptrace session belongs to the Interceptor, not a Tracee.
func (ij *irqInjector) inject(saved *unix.PtraceRegs, nr uintptr, args ...uintptr) (int64, unix.PtraceRegs, error) {
	var a [6]uintptr
	copy(a[:], args)

	regs := *saved
	regs.Rip = uint64(ij.syscallAddr)
	regs.Rax = uint64(nr)
	regs.Rdi = uint64(a[0])
	regs.Rsi = uint64(a[1])
	regs.Rdx = uint64(a[2])
	regs.R10 = uint64(a[3])
	regs.R8 = uint64(a[4])
	regs.R9 = uint64(a[5])

	if err := unix.PtraceSetRegs(ij.mainTid, &regs); err != nil {
		return 0, regs, fmt.Errorf("setregs: %w", err)
	}
	if err := unix.PtraceSingleStep(ij.mainTid); err != nil {
		return 0, regs, fmt.Errorf("singlestep: %w", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(ij.mainTid, &ws, 0, nil); err != nil {
		return 0, regs, fmt.Errorf("wait4: %w", err)
	}
	if ws.Exited() || ws.Signaled() {
		return 0, regs, fmt.Errorf("target died during irq injection: %v", ws)
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(ij.mainTid, &after); err != nil {
		return 0, regs, fmt.Errorf("getregs after injection: %w", err)
	}
	if err := unix.PtraceSetRegs(ij.mainTid, saved); err != nil {
		return int64(after.Rax), regs, fmt.Errorf("restore regs after injection: %w", err)
	}
	return int64(after.Rax), regs, nil
}

// raise performs one KVM_IRQ_LINE(gsi, level=1) against the target,
// assuming the main thread is currently ptrace-stopped.
func (ij *irqInjector) raise(gsi uint32) error {
	ij.mu.Lock()
	defer ij.mu.Unlock()

	if err := ij.ensureReady(); err != nil {
		return err
	}

	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(ij.mainTid, &saved); err != nil {
		return fmt.Errorf("irq injector: getregs: %w", err)
	}

	level := kvmabi.IRQLevel{IRQ: gsi, Level: 1}
	if err := pokeBytes(ij.mainTid, ij.scratchAddr, structBytes(level)); err != nil {
		return fmt.Errorf("irq injector: write kvm_irq_level: %w", err)
	}

	ret, _, err := ij.inject(&saved, unix.SYS_IOCTL, uintptr(ij.vmFd), kvmabi.KVMIRQLine, ij.scratchAddr)
	if err != nil {
		return coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("inject KVM_IRQ_LINE: %w", err))
	}
	if ret < 0 {
		return coattacherr.New(coattacherr.KindDevice, fmt.Errorf("KVM_IRQ_LINE returned errno %d", -ret))
	}
	return nil
}

func structBytes(level kvmabi.IRQLevel) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(level.IRQ)
	buf[1] = byte(level.IRQ >> 8)
	buf[2] = byte(level.IRQ >> 16)
	buf[3] = byte(level.IRQ >> 24)
	l := uint32(level.Level)
	buf[4] = byte(l)
	buf[5] = byte(l >> 8)
	buf[6] = byte(l >> 16)
	buf[7] = byte(l >> 24)
	return buf
}

// pokeBytes writes data into the target's memory at addr via
// PTRACE_POKEDATA. raise calls it before every KVM_IRQ_LINE injection to
// store that call's kvm_irq_level argument in the scratch page.
func pokeBytes(pid int, addr uintptr, data []byte) error {
	_, err := unix.PtracePokeData(pid, addr, data)
	return err
}
