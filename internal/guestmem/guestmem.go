// Package guestmem builds the Memslot Table: the sorted, non-overlapping
// set of the target's Mappings that are KVM memslot-backed, re-mapped in
// the controller from the same backing file at the same offset and length
// so the pages are the literal same physical pages the guest's memslot
// covers (MAP_SHARED aliases the page cache, not the virtual address).
// Grounded on original_source/src/device/mod.rs's convert(), which builds
// its GuestMemoryMmap the same way: re-opening each mapping's backing
// file and mmapping the same range.
package guestmem

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/sandtrail/coattach/internal/coattacherr"
	"github.com/sandtrail/coattach/internal/procfs"
)

// region is one re-mapped memslot: the host-virtual bytes backing
// [GPA, GPA+Len) of guest physical memory.
type region struct {
	GPA  uint64
	Len  uint64
	Host []byte // mmap'd view, same address/length as in the target
}

// MemslotTable is a sorted, non-overlapping GPA-indexed view over guest
// RAM, built once per attach session and read/written by the virtio
// device model during descriptor-chain processing.
type MemslotTable struct {
	regions []region
}

// Import filters mappings to those carrying a guest-physical address and
// constructs a MemslotTable by re-opening each mapping's backing file and
// mmapping the same offset and length MAP_SHARED. The controller's view is
// placed wherever the kernel chooses, not at the mapping's host-virtual
// address in the target; the two views share the file's pages, not their
// address. Overlapping regions fail discovery outright, matching the
// invariant that the memslot table is a non-overlapping partition of used
// GPA space.
func Import(mappings []procfs.Mapping) (*MemslotTable, error) {
	var regions []region
	for _, m := range mappings {
		if !m.HasPhysAddr {
			continue
		}
		if m.Path == "" {
			return nil, coattacherr.New(coattacherr.KindDiscovery,
				fmt.Errorf("memslot at gpa %#x has no backing file; anonymous memslots are not supported", m.PhysAddr))
		}

		f, err := os.OpenFile(m.Path, os.O_RDWR, 0)
		if err != nil {
			return nil, coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("open backing file %q: %w", m.Path, err))
		}
		length := int(m.End - m.Start)
		data, err := unix.Mmap(int(f.Fd()), m.Offset, length,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		f.Close()
		if err != nil {
			return nil, coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("mmap backing file %q: %w", m.Path, err))
		}

		regions = append(regions, region{
			GPA:  m.PhysAddr,
			Len:  uint64(length),
			Host: data,
		})
	}

	if len(regions) == 0 {
		return nil, coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("no memslot-backed mappings found"))
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].GPA < regions[j].GPA })
	for i := 1; i < len(regions); i++ {
		if regions[i].GPA < regions[i-1].GPA+regions[i-1].Len {
			return nil, coattacherr.New(coattacherr.KindDiscovery,
				fmt.Errorf("overlapping memslots at gpa %#x and %#x", regions[i-1].GPA, regions[i].GPA))
		}
	}

	return &MemslotTable{regions: regions}, nil
}

// find returns the region containing gpa, or nil.
func (t *MemslotTable) find(gpa uint64) *region {
	idx := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].GPA+t.regions[i].Len > gpa
	})
	if idx < len(t.regions) && t.regions[idx].GPA <= gpa {
		return &t.regions[idx]
	}
	return nil
}

// Translate returns the host-virtual slice backing the longest prefix of
// [gpa, gpa+n) that lies within a single memslot. Callers that need the
// whole range split across region boundaries must use ReadBytes/WriteBytes,
// which loop over Translate themselves; Translate itself can only ever
// return one contiguous host slice, so it cannot represent a split access.
func (t *MemslotTable) Translate(gpa uint64, n uint64) ([]byte, error) {
	r := t.find(gpa)
	if r == nil {
		return nil, coattacherr.New(coattacherr.KindProtocol, fmt.Errorf("gpa %#x not backed by any memslot", gpa))
	}
	off := gpa - r.GPA
	avail := r.Len - off
	if avail > n {
		avail = n
	}
	return r.Host[off : off+avail], nil
}

// ReadBytes copies n bytes starting at gpa into a fresh slice, splitting
// the access across consecutive memslots as needed — per spec, a guest
// buffer is not guaranteed to lie within a single memslot.
func (t *MemslotTable) ReadBytes(gpa uint64, n uint64) ([]byte, error) {
	out := make([]byte, n)
	var copied uint64
	for copied < n {
		chunk, err := t.Translate(gpa+copied, n-copied)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, coattacherr.New(coattacherr.KindProtocol,
				fmt.Errorf("gap in guest memory at gpa %#x reading [%#x, %#x)", gpa+copied, gpa, gpa+n))
		}
		copy(out[copied:], chunk)
		copied += uint64(len(chunk))
	}
	return out, nil
}

// WriteBytes copies data into guest memory starting at gpa, splitting the
// access across consecutive memslots as needed.
func (t *MemslotTable) WriteBytes(gpa uint64, data []byte) error {
	var written uint64
	n := uint64(len(data))
	for written < n {
		chunk, err := t.Translate(gpa+written, n-written)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return coattacherr.New(coattacherr.KindProtocol,
				fmt.Errorf("gap in guest memory at gpa %#x writing [%#x, %#x)", gpa+written, gpa, gpa+n))
		}
		copy(chunk, data[written:written+uint64(len(chunk))])
		written += uint64(len(chunk))
	}
	return nil
}

// Close unmaps every region. Safe to call once after the attach session
// ends; devices must not be used afterward.
func (t *MemslotTable) Close() error {
	var firstErr error
	for _, r := range t.regions {
		if err := unix.Munmap(r.Host); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
