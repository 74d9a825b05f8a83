package virtioblk

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/sandtrail/coattach/internal/guestmem"
	"github.com/sandtrail/coattach/internal/procfs"
)

type fakeIRQ struct {
	raised []uint32
}

func (f *fakeIRQ) RaiseIRQ(gsi uint32) error {
	f.raised = append(f.raised, gsi)
	return nil
}

func newTestMem(t *testing.T, size int) *guestmem.MemslotTable {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "gmem-*.img")
	if err != nil {
		t.Fatalf("create guest mem file: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	table, err := guestmem.Import([]procfs.Mapping{
		{Start: 0x1000, End: uintptr(0x1000 + size), Path: f.Name(), PhysAddr: 0xC000_0000, HasPhysAddr: true},
	})
	if err != nil {
		t.Fatalf("guestmem.Import: %v", err)
	}
	t.Cleanup(func() { table.Close() })
	return table
}

func putReg(t *testing.T, d *Device, offset uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := d.WriteAt(offset, buf[:]); err != nil {
		t.Fatalf("WriteAt(%#x): %v", offset, err)
	}
}

func TestMagicAndDeviceID(t *testing.T) {
	mem := newTestMem(t, 0x10000)
	disk, err := os.CreateTemp(t.TempDir(), "disk-*.img")
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	if err := disk.Truncate(4096); err != nil {
		t.Fatalf("truncate disk: %v", err)
	}
	dev, err := New(disk, false, false, true, mem, &fakeIRQ{}, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf [4]byte
	if err := dev.ReadAt(regMagicValue, buf[:]); err != nil {
		t.Fatalf("ReadAt magic: %v", err)
	}
	if binary.LittleEndian.Uint32(buf[:]) != magicValue {
		t.Fatalf("magic value mismatch: got %#x", buf)
	}

	if err := dev.ReadAt(regDeviceID, buf[:]); err != nil {
		t.Fatalf("ReadAt device id: %v", err)
	}
	if binary.LittleEndian.Uint32(buf[:]) != blkDeviceID {
		t.Fatalf("device id mismatch: got %#x", buf)
	}
}

func readDeviceFeatures(t *testing.T, dev *Device) uint64 {
	t.Helper()
	var low, high [4]byte
	putReg(t, dev, regDeviceFeaturesSel, 0)
	if err := dev.ReadAt(regDeviceFeatures, low[:]); err != nil {
		t.Fatalf("ReadAt device features (low): %v", err)
	}
	putReg(t, dev, regDeviceFeaturesSel, 1)
	if err := dev.ReadAt(regDeviceFeatures, high[:]); err != nil {
		t.Fatalf("ReadAt device features (high): %v", err)
	}
	return uint64(binary.LittleEndian.Uint32(low[:])) | uint64(binary.LittleEndian.Uint32(high[:]))<<32
}

func TestDeviceFeaturesReflectRootDeviceAndFlushConfig(t *testing.T) {
	mem := newTestMem(t, 0x10000)
	disk, err := os.CreateTemp(t.TempDir(), "disk-*.img")
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	if err := disk.Truncate(4096); err != nil {
		t.Fatalf("truncate disk: %v", err)
	}

	plain, err := New(disk, false, false, false, mem, &fakeIRQ{}, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	features := readDeviceFeatures(t, plain)
	if features&featFlush != 0 {
		t.Fatalf("expected FLUSH unset when advertiseFlush=false, got features %#x", features)
	}
	if features&featRootDevice != 0 {
		t.Fatalf("expected ROOT_DEVICE unset when rootDevice=false, got features %#x", features)
	}

	root, err := New(disk, false, true, true, mem, &fakeIRQ{}, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	features = readDeviceFeatures(t, root)
	if features&featFlush == 0 {
		t.Fatalf("expected FLUSH set when advertiseFlush=true, got features %#x", features)
	}
	if features&featRootDevice == 0 {
		t.Fatalf("expected ROOT_DEVICE set when rootDevice=true, got features %#x", features)
	}
}

func TestProcessQueueServicesReadRequest(t *testing.T) {
	mem := newTestMem(t, 0x10000)

	disk, err := os.CreateTemp(t.TempDir(), "disk-*.img")
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	sector0 := make([]byte, 512)
	copy(sector0, []byte("hello from the backing disk image"))
	if _, err := disk.WriteAt(sector0, 0); err != nil {
		t.Fatalf("seed disk: %v", err)
	}

	irq := &fakeIRQ{}
	dev, err := New(disk, false, false, true, mem, irq, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const (
		descGPA   = 0xC000_1000
		availGPA  = 0xC000_2000
		usedGPA   = 0xC000_3000
		hdrGPA    = 0xC000_4000
		dataGPA   = 0xC000_5000
		statusGPA = 0xC000_6000
	)

	writeDesc := func(idx int, addr uint64, length uint32, flags, next uint16) {
		var raw [16]byte
		binary.LittleEndian.PutUint64(raw[0:8], addr)
		binary.LittleEndian.PutUint32(raw[8:12], length)
		binary.LittleEndian.PutUint16(raw[12:14], flags)
		binary.LittleEndian.PutUint16(raw[14:16], next)
		if err := mem.WriteBytes(descGPA+uint64(idx)*16, raw[:]); err != nil {
			t.Fatalf("write descriptor %d: %v", idx, err)
		}
	}
	writeDesc(0, hdrGPA, 16, descFNext, 1)
	writeDesc(1, dataGPA, 512, descFNext|descFWrite, 2)
	writeDesc(2, statusGPA, 1, 0, 0)

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], ReqIn)
	binary.LittleEndian.PutUint64(hdr[8:16], 0)
	if err := mem.WriteBytes(hdrGPA, hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}

	var avail [8]byte
	binary.LittleEndian.PutUint16(avail[2:4], 1)
	if err := mem.WriteBytes(availGPA, avail[:]); err != nil {
		t.Fatalf("write avail ring: %v", err)
	}

	putReg(t, dev, regQueueSel, 0)
	putReg(t, dev, regQueueNum, 8)
	putReg(t, dev, regQueueDescLow, uint32(descGPA))
	putReg(t, dev, regQueueAvailLow, uint32(availGPA))
	putReg(t, dev, regQueueUsedLow, uint32(usedGPA))
	putReg(t, dev, regQueueReady, 1)

	putReg(t, dev, regQueueNotify, 0)

	got, err := mem.ReadBytes(dataGPA, uint64(len(sector0)))
	if err != nil {
		t.Fatalf("read back data: %v", err)
	}
	for i := range sector0 {
		if got[i] != sector0[i] {
			t.Fatalf("data mismatch at byte %d: got %v, want %v", i, got[:40], sector0[:40])
		}
	}

	status, err := mem.ReadBytes(statusGPA, 1)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status[0] != StatusOK {
		t.Fatalf("request status = %d, want StatusOK", status[0])
	}

	usedIdxRaw, err := mem.ReadBytes(usedGPA+2, 2)
	if err != nil {
		t.Fatalf("read used idx: %v", err)
	}
	if binary.LittleEndian.Uint16(usedIdxRaw) != 1 {
		t.Fatalf("used idx = %d, want 1", binary.LittleEndian.Uint16(usedIdxRaw))
	}

	if len(irq.raised) != 1 || irq.raised[0] != 5 {
		t.Fatalf("expected one interrupt raised on gsi 5, got %v", irq.raised)
	}
}

func TestReadOnlyDeviceRejectsWrites(t *testing.T) {
	mem := newTestMem(t, 0x10000)
	disk, err := os.CreateTemp(t.TempDir(), "disk-*.img")
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	if err := disk.Truncate(4096); err != nil {
		t.Fatalf("truncate disk: %v", err)
	}
	dev, err := New(disk, true, false, true, mem, &fakeIRQ{}, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status := dev.executeRequest(ReqOut, 0, nil)
	if status != StatusIOErr {
		t.Fatalf("write on read-only device: got status %d, want StatusIOErr", status)
	}
}
