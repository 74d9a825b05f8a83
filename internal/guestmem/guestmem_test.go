package guestmem

import (
	"os"
	"testing"

	"github.com/sandtrail/coattach/internal/procfs"
)

func newBackingFile(t *testing.T, size int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "memslot-*.img")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return f.Name()
}

func TestImportAndTranslateRoundTrip(t *testing.T) {
	path := newBackingFile(t, 4096)
	mappings := []procfs.Mapping{
		{
			Start:       0x1000,
			End:         0x2000,
			Path:        path,
			PhysAddr:    0xC000_0000,
			HasPhysAddr: true,
		},
	}

	table, err := Import(mappings)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	defer table.Close()

	payload := []byte("hello")
	if err := table.WriteBytes(0xC000_0000, payload); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got, err := table.ReadBytes(0xC000_0000, uint64(len(payload)))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestTranslateReturnsOnlyThePrefixWithinOneRegion(t *testing.T) {
	path := newBackingFile(t, 4096)
	mappings := []procfs.Mapping{
		{Start: 0x1000, End: 0x2000, Path: path, PhysAddr: 0xC000_0000, HasPhysAddr: true},
	}
	table, err := Import(mappings)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	defer table.Close()

	chunk, err := table.Translate(0xC000_0FF0, 0x20)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(chunk) != 0x10 {
		t.Fatalf("expected Translate to truncate to the region boundary, got %d bytes", len(chunk))
	}
}

func TestReadWriteBytesSplitAcrossAdjacentMemslots(t *testing.T) {
	pathA := newBackingFile(t, 4096)
	pathB := newBackingFile(t, 4096)
	mappings := []procfs.Mapping{
		{Start: 0x1000, End: 0x2000, Path: pathA, PhysAddr: 0xC000_0000, HasPhysAddr: true},
		{Start: 0x1000, End: 0x2000, Path: pathB, PhysAddr: 0xC000_1000, HasPhysAddr: true},
	}
	table, err := Import(mappings)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	defer table.Close()

	// gpa 0xC000_0FF8 is 8 bytes from the end of the first memslot, so a
	// 16-byte access spans both regions.
	payload := []byte("crossingbounds!!")
	if len(payload) != 16 {
		t.Fatalf("test payload must be 16 bytes, got %d", len(payload))
	}
	if err := table.WriteBytes(0xC000_0FF8, payload); err != nil {
		t.Fatalf("WriteBytes across memslot boundary: %v", err)
	}
	got, err := table.ReadBytes(0xC000_0FF8, uint64(len(payload)))
	if err != nil {
		t.Fatalf("ReadBytes across memslot boundary: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadBytesReportsGapBetweenNonAdjacentMemslots(t *testing.T) {
	pathA := newBackingFile(t, 4096)
	pathB := newBackingFile(t, 4096)
	mappings := []procfs.Mapping{
		{Start: 0x1000, End: 0x2000, Path: pathA, PhysAddr: 0xC000_0000, HasPhysAddr: true},
		{Start: 0x1000, End: 0x2000, Path: pathB, PhysAddr: 0xC000_2000, HasPhysAddr: true},
	}
	table, err := Import(mappings)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	defer table.Close()

	if _, err := table.ReadBytes(0xC000_0FF0, 0x20); err == nil {
		t.Fatalf("expected an error for an access spanning an unbacked gap")
	}
}

func TestImportRejectsOverlappingMemslots(t *testing.T) {
	path := newBackingFile(t, 8192)
	mappings := []procfs.Mapping{
		{Start: 0x1000, End: 0x3000, Path: path, PhysAddr: 0xC000_0000, HasPhysAddr: true},
		{Start: 0x3000, End: 0x5000, Path: path, PhysAddr: 0xC000_1000, HasPhysAddr: true},
	}
	if _, err := Import(mappings); err == nil {
		t.Fatalf("expected overlapping memslots to fail import")
	}
}

func TestImportIgnoresMappingsWithoutPhysAddr(t *testing.T) {
	mappings := []procfs.Mapping{
		{Start: 0x1000, End: 0x2000, Path: "/lib/libc.so.6", HasPhysAddr: false},
	}
	if _, err := Import(mappings); err == nil {
		t.Fatalf("expected import to fail when no memslot-backed mapping exists")
	}
}
