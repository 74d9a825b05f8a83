// Package mmiobus routes MMIO exits to registered devices by guest
// physical address range. Adapted from
// _teacher_core_engine/devices/iobus.go's IOBus/PioDevice pair,
// generalized from 16-bit I/O ports to 64-bit MMIO address ranges and
// from a per-port map to a sorted, disjointness-checked range list.
package mmiobus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// MmioExit is the decoded shape of a VCPU's MMIO exit: a guest-physical
// address, direction, and up to 8 bytes of data, exactly as the
// KVM-Run Interceptor reads it out of the target's kvm_run page.
type MmioExit struct {
	GuestPhysAddr uint64
	IsWrite       bool
	Data          [8]byte
	Len           uint8
}

// Device is the capability set a device registered on the bus must
// implement: byte-addressed reads and writes relative to the device's own
// range. There is no separate queue-notification method; a doorbell write
// (such as virtio's QueueNotify register) reaches the device as an
// ordinary WriteAt.
type Device interface {
	ReadAt(offset uint64, data []byte) error
	WriteAt(offset uint64, data []byte) error
}

type binding struct {
	base, size uint64
	device     Device
}

// Bus maintains a sorted, non-overlapping set of (range -> device)
// bindings and dispatches MmioExits to the device whose range contains
// the exit's address.
type Bus struct {
	mu       sync.Mutex
	bindings []binding
	log      *logrus.Entry
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{log: logrus.WithField("component", "mmiobus")}
}

// Register binds device to the half-open range [base, base+size). It
// returns an error if the range overlaps any existing registration —
// registration requires disjointness, per the bus's documented contract.
// The lock is held only for the duration of registration bookkeeping, not
// across device construction, per DESIGN.md's Open Question 1 decision.
func (b *Bus) Register(base, size uint64, device Device) error {
	if device == nil {
		return fmt.Errorf("mmiobus: cannot register a nil device")
	}
	if size == 0 {
		return fmt.Errorf("mmiobus: cannot register a zero-size range at %#x", base)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	end := base + size
	for _, existing := range b.bindings {
		existingEnd := existing.base + existing.size
		if base < existingEnd && existing.base < end {
			return fmt.Errorf("mmiobus: range [%#x, %#x) overlaps existing registration [%#x, %#x)",
				base, end, existing.base, existingEnd)
		}
	}

	b.bindings = append(b.bindings, binding{base: base, size: size, device: device})
	sort.Slice(b.bindings, func(i, j int) bool { return b.bindings[i].base < b.bindings[j].base })
	b.log.WithField("range", fmt.Sprintf("[%#x,%#x)", base, end)).Debug("device registered")
	return nil
}

// Unregister removes the binding starting at base, if any.
func (b *Bus) Unregister(base uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, bd := range b.bindings {
		if bd.base == base {
			b.bindings = append(b.bindings[:i], b.bindings[i+1:]...)
			return
		}
	}
}

// find returns the binding containing addr, or nil.
func (b *Bus) find(addr uint64) *binding {
	idx := sort.Search(len(b.bindings), func(i int) bool {
		return b.bindings[i].base+b.bindings[i].size > addr
	})
	if idx < len(b.bindings) && b.bindings[idx].base <= addr {
		return &b.bindings[idx]
	}
	return nil
}

// Dispatch routes exit to the unique device whose range contains its
// address. On a read it fills exit.Data in place, so exit must be passed
// by pointer — a by-value exit would let the filled data vanish with the
// caller's copy. It reports serviced=false, err=nil when no range matches
// — the caller must pass the access back to the target untouched so the
// target's own KVM_RUN handling proceeds with its unchanged exit_reason
// (scenario S5).
func (b *Bus) Dispatch(exit *MmioExit) (serviced bool, err error) {
	b.mu.Lock()
	bd := b.find(exit.GuestPhysAddr)
	b.mu.Unlock()
	if bd == nil {
		return false, nil
	}

	offset := exit.GuestPhysAddr - bd.base
	n := exit.Len
	if n == 0 || n > 8 {
		return true, fmt.Errorf("mmiobus: invalid access length %d at %#x", n, exit.GuestPhysAddr)
	}

	if exit.IsWrite {
		if err := bd.device.WriteAt(offset, exit.Data[:n]); err != nil {
			return true, fmt.Errorf("mmiobus: write to device at offset %#x: %w", offset, err)
		}
		return true, nil
	}

	buf := make([]byte, n)
	if err := bd.device.ReadAt(offset, buf); err != nil {
		return true, fmt.Errorf("mmiobus: read from device at offset %#x: %w", offset, err)
	}
	copy(exit.Data[:n], buf)
	return true, nil
}
