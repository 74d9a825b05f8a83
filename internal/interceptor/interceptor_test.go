package interceptor

import (
	"os"
	"testing"

	"github.com/sandtrail/coattach/internal/hypervisor"
	"github.com/sandtrail/coattach/internal/procfs"
)

func TestResolveRunAddrsMatchesByIndex(t *testing.T) {
	h := &hypervisor.Handle{
		VCPUs: []hypervisor.VCPU{{Index: 0, FD: 7}, {Index: 1, FD: 9}},
		Mappings: []procfs.Mapping{
			{Start: 0x7f0000000000, Path: "anon_inode:kvm-vcpu:0"},
			{Start: 0x7f0000002000, Path: "anon_inode:kvm-vcpu:1"},
			{Start: 0x7f0000004000, Path: "/lib/libc.so.6"},
		},
	}

	runAddrs, err := resolveRunAddrs(h)
	if err != nil {
		t.Fatalf("resolveRunAddrs: %v", err)
	}
	if runAddrs[7] != 0x7f0000000000 {
		t.Fatalf("fd 7: got %#x, want %#x", runAddrs[7], 0x7f0000000000)
	}
	if runAddrs[9] != 0x7f0000002000 {
		t.Fatalf("fd 9: got %#x, want %#x", runAddrs[9], 0x7f0000002000)
	}
}

func TestResolveRunAddrsFailsWhenAVcpuIsUnmapped(t *testing.T) {
	h := &hypervisor.Handle{
		VCPUs: []hypervisor.VCPU{{Index: 0, FD: 7}, {Index: 1, FD: 9}},
		Mappings: []procfs.Mapping{
			{Start: 0x7f0000000000, Path: "anon_inode:kvm-vcpu:0"},
		},
	}
	if _, err := resolveRunAddrs(h); err == nil {
		t.Fatalf("expected an error when a known vcpu has no matching mapping")
	}
}

func TestAttachRequiresRoot(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("this test only exercises the non-root permission path")
	}
	h := &hypervisor.Handle{
		Pid:      os.Getpid(),
		VCPUs:    nil,
		Mappings: nil,
	}
	// No VCPUs means resolveRunAddrs trivially succeeds with an empty map,
	// so Attach proceeds to seize our own threads — which ptrace forbids
	// (a thread cannot seize its own process).
	if _, err := Attach(h); err == nil {
		t.Fatalf("expected Attach against our own process to fail")
	}
}
