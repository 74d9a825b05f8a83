// Package virtioblk implements a virtio-mmio block device: the MMIO
// register file (magic value, feature negotiation, queue configuration,
// the status byte state machine) plus the virtqueue descriptor-chain walk
// and request executor for virtio-blk. Register offsets and the request
// protocol are grounded on
// _examples/other_examples/86fa548e_tinyrange-cc__internal-devices-virtio-mmio.go.go
// and
// _examples/other_examples/50269732_tinyrange-cc__internal-devices-virtio-blk.go.go;
// the interrupt-raising seam follows
// _teacher_core_engine/devices/ne2000_constants.go's InterruptRaiser
// pattern, generalized from an 8-bit PIC line to a KVM GSI.
package virtioblk

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sandtrail/coattach/internal/guestmem"
)

// Virtio-mmio register offsets (version-2 layout).
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	magicValue   = 0x74726976 // "virt", little-endian
	mmioVersion  = 2
	vendorID     = 0x554d4551 // "QEMU"
	blkDeviceID  = 2
	featuresVer1 = uint64(1) << 32

	intVring  = 0x1
	intConfig = 0x2
)

// Virtio block request types.
const (
	ReqIn     = 0
	ReqOut    = 1
	ReqFlush  = 4
	ReqGetID  = 8
	ReqDiscard = 11
	ReqWriteZeroes = 13
)

// Virtio block status codes.
const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

// Virtio block feature bits.
const (
	featSizeMax = 1 << 1
	featSegMax  = 1 << 2
	featBlkSize = 1 << 6
	featFlush   = 1 << 9
	featRO      = 1 << 5

	// featRootDevice has no assigned bit in the published virtio-blk
	// feature list; original_source/src/device/mod.rs's BlockArgs carries
	// root_device as a separate boolean rather than a negotiated feature,
	// but spec.md calls for it as a bit in the same advertised-features
	// register as FLUSH/RO, so it is given an unused high bit of the
	// 64-bit feature space (selected via deviceFeaturesSel==1) reserved
	// for coattach's own out-of-band marker rather than a spec-assigned one.
	featRootDevice = uint64(1) << 63
)

// Status byte states (driver-written bits of the device status register).
const (
	statusReset      = 0
	statusAck        = 1
	statusDriver     = 2
	statusFailed     = 128
	statusFeaturesOK = 8
	statusDriverOK   = 4
)

const (
	descFNext  = 1
	descFWrite = 2
)

// IRQRaiser notifies the guest of a pending interrupt, generalizing
// _teacher_core_engine/devices/ne2000_constants.go's InterruptRaiser from
// an 8259 IRQ line to a KVM GSI. cmd/coattach passes the
// interceptor.Interceptor, which raises the GSI by injecting KVM_IRQ_LINE
// into the target.
type IRQRaiser interface {
	RaiseIRQ(gsi uint32) error
}

// descriptor mirrors one virtq_desc entry.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// queueState is the single request virtqueue's negotiated geometry.
type queueState struct {
	size      uint32
	ready     bool
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	lastAvail uint16
}

// Device is a virtio-mmio block device sitting at a 4 KiB guest-physical
// window. It implements mmiobus.Device (ReadAt/WriteAt relative to its own
// base) so it can be registered directly on an mmiobus.Bus.
type Device struct {
	mem            *guestmem.MemslotTable
	file           *os.File
	readOnly       bool
	rootDevice     bool
	advertiseFlush bool
	gsi            uint32
	irq            IRQRaiser
	capacity       uint64 // 512-byte sectors

	mu               sync.Mutex
	deviceFeaturesSel uint32
	driverFeatures    [2]uint32
	driverFeaturesSel uint32
	queueSel          uint32
	queue             queueState
	status            uint32
	interruptStatus   uint32
	configGeneration  uint32

	log *logrus.Entry
}

// New builds a block device backed by file, serviced over mem, raising
// interrupts via irq on gsi when requests complete. file must be
// seekable; capacity is derived from its current size. rootDevice and
// advertiseFlush gate the matching advertised feature bits, the same way
// readOnly already gates featRO below.
func New(file *os.File, readOnly, rootDevice, advertiseFlush bool, mem *guestmem.MemslotTable, irq IRQRaiser, gsi uint32) (*Device, error) {
	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("virtioblk: stat backing file: %w", err)
	}
	return &Device{
		file:           file,
		readOnly:       readOnly,
		rootDevice:     rootDevice,
		advertiseFlush: advertiseFlush,
		mem:            mem,
		irq:            irq,
		gsi:            gsi,
		capacity:       uint64(fi.Size()) / 512,
		log:            logrus.WithField("component", "virtioblk"),
	}, nil
}

// ReadAt services a guest read of length len(data) at offset (relative to
// the device's own MMIO base).
func (d *Device) ReadAt(offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= regConfig {
		return readConfigWindow(offset-regConfig, d.configBytes(), data)
	}

	var v uint32
	switch offset {
	case regMagicValue:
		v = magicValue
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = blkDeviceID
	case regVendorID:
		v = vendorID
	case regDeviceFeatures:
		features := featuresVer1 | featSizeMax | featSegMax | featBlkSize
		if d.advertiseFlush {
			features |= featFlush
		}
		if d.readOnly {
			features |= featRO
		}
		if d.rootDevice {
			features |= featRootDevice
		}
		if d.deviceFeaturesSel == 0 {
			v = uint32(features)
		} else {
			v = uint32(features >> 32)
		}
	case regQueueNumMax:
		v = maxQueueSize
	case regQueueReady:
		if d.queue.ready {
			v = 1
		}
	case regInterruptStatus:
		v = d.interruptStatus
	case regStatus:
		v = d.status
	case regConfigGeneration:
		v = d.configGeneration
	default:
		v = 0
	}
	putLE(data, v)
	return nil
}

// WriteAt services a guest write of data at offset.
func (d *Device) WriteAt(offset uint64, data []byte) error {
	d.mu.Lock()
	if offset >= regConfig {
		d.mu.Unlock()
		// Block device config is read-only; ignore driver writes.
		return nil
	}
	v := getLE(data)

	switch offset {
	case regDeviceFeaturesSel:
		d.deviceFeaturesSel = v
	case regDriverFeatures:
		d.driverFeatures[d.driverFeaturesSel&1] = v
	case regDriverFeaturesSel:
		d.driverFeaturesSel = v
	case regQueueSel:
		d.queueSel = v
	case regQueueNum:
		d.queue.size = v
	case regQueueReady:
		d.queue.ready = v != 0
	case regQueueDescLow:
		d.queue.descAddr = setLow(d.queue.descAddr, v)
	case regQueueDescHigh:
		d.queue.descAddr = setHigh(d.queue.descAddr, v)
	case regQueueAvailLow:
		d.queue.availAddr = setLow(d.queue.availAddr, v)
	case regQueueAvailHigh:
		d.queue.availAddr = setHigh(d.queue.availAddr, v)
	case regQueueUsedLow:
		d.queue.usedAddr = setLow(d.queue.usedAddr, v)
	case regQueueUsedHigh:
		d.queue.usedAddr = setHigh(d.queue.usedAddr, v)
	case regInterruptAck:
		d.interruptStatus &^= v
	case regStatus:
		d.setStatus(v)
	case regQueueNotify:
		d.mu.Unlock()
		if v == 0 {
			d.processQueue()
		}
		return nil
	}
	d.mu.Unlock()
	return nil
}

// setStatus applies the driver's status write, resetting all device and
// queue state when the driver writes 0 — the virtio reset operation.
func (d *Device) setStatus(v uint32) {
	if v == statusReset {
		d.queue = queueState{}
		d.driverFeatures = [2]uint32{}
		d.interruptStatus = 0
		d.status = 0
		d.log.Debug("device reset")
		return
	}
	d.status = v
}

const maxQueueSize = 128

// processQueue walks newly-available descriptor chains on the single
// request queue and executes each as a virtio-blk request, mirroring
// tinyrange-cc's Blk.processRequestQueue/processRequest/executeRequest.
func (d *Device) processQueue() {
	d.mu.Lock()
	q := d.queue
	if !q.ready || q.size == 0 {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	availIdx, err := d.readAvailIdx(q)
	if err != nil {
		d.log.WithError(err).Warn("read avail idx")
		return
	}

	processed := false
	for d.queue.lastAvail != availIdx {
		head, err := d.readAvailEntry(q, d.queue.lastAvail)
		if err != nil {
			d.log.WithError(err).Warn("read avail entry")
			return
		}
		n, err := d.executeChain(q, head)
		if err != nil {
			d.log.WithError(err).Warn("execute request chain")
			return
		}
		if err := d.writeUsedEntry(q, head, n); err != nil {
			d.log.WithError(err).Warn("write used entry")
			return
		}
		d.queue.lastAvail++
		processed = true
	}

	if processed {
		d.mu.Lock()
		d.interruptStatus |= intVring
		d.mu.Unlock()
		if d.irq != nil {
			if err := d.irq.RaiseIRQ(d.gsi); err != nil {
				d.log.WithError(err).Warn("raise irq")
			}
		}
	}
}

// executeChain reads the descriptor chain starting at head, executes the
// virtio-blk request it encodes, and writes the status byte into the
// chain's final descriptor. It returns the byte count to record in the
// used ring (conventionally 1, the status byte).
func (d *Device) executeChain(q queueState, head uint16) (uint32, error) {
	var hdr struct {
		reqType  uint32
		reserved uint32
		sector   uint64
	}
	var dataDescs []descriptor
	var statusDesc descriptor
	haveStatus := false

	index := head
	for i := uint32(0); i < q.size; i++ {
		desc, err := d.readDescriptor(q, index)
		if err != nil {
			return 0, err
		}
		switch {
		case i == 0:
			if desc.flags&descFWrite != 0 {
				return 0, fmt.Errorf("virtioblk: header descriptor is writable")
			}
			if desc.len < 16 {
				return 0, fmt.Errorf("virtioblk: header too short: %d", desc.len)
			}
			raw, err := d.mem.ReadBytes(desc.addr, 16)
			if err != nil {
				return 0, err
			}
			hdr.reqType = binary.LittleEndian.Uint32(raw[0:4])
			hdr.reserved = binary.LittleEndian.Uint32(raw[4:8])
			hdr.sector = binary.LittleEndian.Uint64(raw[8:16])
		case desc.flags&descFNext == 0:
			statusDesc = desc
			haveStatus = true
		default:
			dataDescs = append(dataDescs, desc)
		}
		if desc.flags&descFNext == 0 {
			break
		}
		index = desc.next
	}
	if !haveStatus {
		return 0, fmt.Errorf("virtioblk: descriptor chain has no status descriptor")
	}

	status := d.executeRequest(hdr.reqType, hdr.sector, dataDescs)
	if err := d.mem.WriteBytes(statusDesc.addr, []byte{status}); err != nil {
		return 0, err
	}
	return 1, nil
}

func (d *Device) executeRequest(reqType uint32, sector uint64, dataDescs []descriptor) byte {
	offset := int64(sector) * 512

	switch reqType {
	case ReqIn:
		for _, desc := range dataDescs {
			if desc.flags&descFWrite == 0 {
				return StatusIOErr
			}
			buf := make([]byte, desc.len)
			n, err := d.file.ReadAt(buf, offset)
			if err != nil && n == 0 {
				return StatusIOErr
			}
			if err := d.mem.WriteBytes(desc.addr, buf[:n]); err != nil {
				return StatusIOErr
			}
			offset += int64(n)
		}
		return StatusOK

	case ReqOut:
		if d.readOnly {
			return StatusIOErr
		}
		for _, desc := range dataDescs {
			if desc.flags&descFWrite != 0 {
				return StatusIOErr
			}
			buf, err := d.mem.ReadBytes(desc.addr, uint64(desc.len))
			if err != nil {
				return StatusIOErr
			}
			n, err := d.file.WriteAt(buf, offset)
			if err != nil {
				return StatusIOErr
			}
			offset += int64(n)
		}
		return StatusOK

	case ReqFlush:
		if err := d.file.Sync(); err != nil {
			return StatusIOErr
		}
		return StatusOK

	case ReqGetID:
		id := make([]byte, 20)
		copy(id, "coattach-blk")
		if len(dataDescs) > 0 && dataDescs[0].flags&descFWrite != 0 {
			if err := d.mem.WriteBytes(dataDescs[0].addr, id); err != nil {
				return StatusIOErr
			}
		}
		return StatusOK

	default:
		return StatusUnsupp
	}
}

func (d *Device) readDescriptor(q queueState, index uint16) (descriptor, error) {
	raw, err := d.mem.ReadBytes(q.descAddr+uint64(index)*16, 16)
	if err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:  binary.LittleEndian.Uint64(raw[0:8]),
		len:   binary.LittleEndian.Uint32(raw[8:12]),
		flags: binary.LittleEndian.Uint16(raw[12:14]),
		next:  binary.LittleEndian.Uint16(raw[14:16]),
	}, nil
}

func (d *Device) readAvailIdx(q queueState) (uint16, error) {
	raw, err := d.mem.ReadBytes(q.availAddr+2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(raw), nil
}

func (d *Device) readAvailEntry(q queueState, slot uint16) (uint16, error) {
	off := q.availAddr + 4 + uint64(slot%uint16(q.size))*2
	raw, err := d.mem.ReadBytes(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(raw), nil
}

func (d *Device) writeUsedEntry(q queueState, descIdx uint16, length uint32) error {
	usedIdxRaw, err := d.mem.ReadBytes(q.usedAddr+2, 2)
	if err != nil {
		return err
	}
	usedIdx := binary.LittleEndian.Uint16(usedIdxRaw)

	elemOff := q.usedAddr + 4 + uint64(usedIdx%uint16(q.size))*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(descIdx))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := d.mem.WriteBytes(elemOff, elem[:]); err != nil {
		return err
	}

	usedIdx++
	var idxBytes [2]byte
	binary.LittleEndian.PutUint16(idxBytes[:], usedIdx)
	return d.mem.WriteBytes(q.usedAddr+2, idxBytes[:])
}

// configBytes serializes the virtio-blk config space: capacity plus the
// geometry/size-limit fields tinyrange-cc's Blk.configBytes also reports.
func (d *Device) configBytes() []byte {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], d.capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20)
	binary.LittleEndian.PutUint32(buf[12:16], 128)
	binary.LittleEndian.PutUint32(buf[20:24], 512)
	return buf[:]
}

func readConfigWindow(offset uint64, cfg []byte, data []byte) error {
	for i := range data {
		if offset+uint64(i) < uint64(len(cfg)) {
			data[i] = cfg[offset+uint64(i)]
		} else {
			data[i] = 0
		}
	}
	return nil
}

func putLE(data []byte, v uint32) {
	for i := 0; i < len(data) && i < 4; i++ {
		data[i] = byte(v >> (8 * i))
	}
}

func getLE(data []byte) uint32 {
	var v uint32
	for i := 0; i < len(data) && i < 4; i++ {
		v |= uint32(data[i]) << (8 * i)
	}
	return v
}

func setLow(v uint64, low uint32) uint64  { return (v &^ 0xffffffff) | uint64(low) }
func setHigh(v uint64, high uint32) uint64 { return (v & 0xffffffff) | uint64(high)<<32 }
