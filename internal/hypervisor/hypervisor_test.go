package hypervisor

import (
	"errors"
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestDiscoverRejectsProcessWithoutKVM(t *testing.T) {
	// Our own test process (almost certainly) holds no kvm-vm fd.
	_, err := Discover(os.Getpid())
	if err == nil {
		t.Fatalf("expected discovery to fail for a non-hypervisor process")
	}
}

func TestReadBytesSelf(t *testing.T) {
	// process_vm_readv/writev require CAP_SYS_PTRACE (or same-uid) even
	// against self in some sandboxes; skip gracefully if denied.
	h := &Handle{Pid: os.Getpid()}
	var value uint64 = 0x1122334455667788
	buf := make([]byte, 8)
	addr := uintptr(unsafe.Pointer(&value))

	if err := ReadBytes(h, addr, buf); err != nil {
		if errors.Is(err, unix.EPERM) {
			t.Skip("process_vm_readv denied in this sandbox")
		}
		t.Fatalf("ReadBytes: %v", err)
	}
	var got uint64
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(buf[i])
	}
	if got != value {
		t.Fatalf("got %#x, want %#x", got, value)
	}
}
