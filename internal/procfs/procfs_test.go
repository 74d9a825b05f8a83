package procfs

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestParseMapsLinePrivate(t *testing.T) {
	m, ok, err := parseMapsLine("7f2a40000000-7f2a40021000 rw-p 00001000 08:01 131074   /lib/x86_64-linux-gnu/libc.so.6")
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if !ok {
		t.Fatalf("expected a mapping")
	}
	if m.Start != 0x7f2a40000000 || m.End != 0x7f2a40021000 {
		t.Fatalf("unexpected range: %#x-%#x", m.Start, m.End)
	}
	if m.Prot&unix.PROT_READ == 0 || m.Prot&unix.PROT_WRITE == 0 {
		t.Fatalf("expected read+write prot, got %#x", m.Prot)
	}
	if m.Prot&unix.PROT_EXEC != 0 {
		t.Fatalf("did not expect exec prot, got %#x", m.Prot)
	}
	if m.Flags != unix.MAP_PRIVATE {
		t.Fatalf("expected MAP_PRIVATE, got %#x", m.Flags)
	}
	if m.Path != "/lib/x86_64-linux-gnu/libc.so.6" {
		t.Fatalf("unexpected path %q", m.Path)
	}
	if m.Offset != 0x1000 {
		t.Fatalf("unexpected offset %#x", m.Offset)
	}
}

func TestParseMapsLineShared(t *testing.T) {
	m, ok, err := parseMapsLine("55a000000000-55a000c00000 rwxs 00000000 00:00 0 ")
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if !ok {
		t.Fatalf("expected a mapping")
	}
	if m.Flags != unix.MAP_SHARED {
		t.Fatalf("expected MAP_SHARED, got %#x", m.Flags)
	}
	if m.Prot&unix.PROT_EXEC == 0 {
		t.Fatalf("expected exec prot, got %#x", m.Prot)
	}
}

func TestParseMapsLineMalformed(t *testing.T) {
	if _, _, err := parseMapsLine("garbage"); err == nil {
		t.Fatalf("expected an error for a malformed line")
	}
}

func TestEnvironParsesOwnProcess(t *testing.T) {
	env, err := Environ(unix.Getpid())
	if err != nil {
		t.Fatalf("Environ: %v", err)
	}
	if len(env) == 0 {
		t.Fatalf("expected at least one environment variable")
	}
}

func TestFDsListsOwnProcess(t *testing.T) {
	fds, err := FDs(unix.Getpid())
	if err != nil {
		t.Fatalf("FDs: %v", err)
	}
	if len(fds) == 0 {
		t.Fatalf("expected at least one open fd")
	}
}
