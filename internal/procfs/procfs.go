// Package procfs reads /proc/<pid> surfaces needed to discover a target
// hypervisor: its open file descriptors, its virtual memory mappings, and
// its environment. All failures here are treated as fatal by callers —
// a missing entry means the target died or we lack permission, and there
// is nothing to retry.
package procfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// FD describes one open file descriptor of a process, as seen through
// /proc/<pid>/fd/<num> — a symlink whose target names the underlying
// resource (a real path, or a pseudo name like "anon_inode:kvm-vm").
type FD struct {
	Num    int
	Target string
}

// Mapping is a virtual region of a process's address space, decoded from
// /proc/<pid>/maps. PhysAddr is only meaningful when HasPhysAddr is true —
// KVM does not expose guest-physical addresses through /proc/maps itself,
// and procfs only fills the host-virtual fields. No other code in this
// module sets PhysAddr/HasPhysAddr either: hypervisor.Discover keeps Maps'
// output as is, so only Mappings whose creator sets these fields (as the
// guestmem and virtioblk tests do) count as memslot-backed for
// guestmem.Import.
type Mapping struct {
	Start, End  uintptr
	Prot        int
	Flags       int
	Path        string
	Offset      int64
	PhysAddr    uint64
	HasPhysAddr bool
}

// FDs lists every open file descriptor of pid.
func FDs(pid int) ([]FD, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("procfs: read %s: %w", dir, err)
	}
	fds := make([]FD, 0, len(entries))
	for _, e := range entries {
		num, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			// the fd can close between ReadDir and Readlink; this is not
			// fatal to the overall scan, just skip it.
			continue
		}
		fds = append(fds, FD{Num: num, Target: target})
	}
	return fds, nil
}

// Maps parses /proc/<pid>/maps into Mappings. Protection and flag bits are
// decoded to their OS-level bitfields verbatim (PROT_READ|PROT_WRITE|...,
// MAP_PRIVATE or MAP_SHARED).
func Maps(pid int) ([]Mapping, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("procfs: open %s: %w", path, err)
	}
	defer f.Close()

	var out []Mapping
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m, ok, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("procfs: parse %s: %w", path, err)
		}
		if ok {
			out = append(out, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("procfs: scan %s: %w", path, err)
	}
	return out, nil
}

// parseMapsLine decodes one /proc/pid/maps line, e.g.:
// 7f2a40000000-7f2a40021000 rw-p 00000000 00:00 0   [or a real path]
func parseMapsLine(line string) (Mapping, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false, fmt.Errorf("malformed line %q", line)
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Mapping{}, false, fmt.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("bad start addr %q: %w", addrs[0], err)
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("bad end addr %q: %w", addrs[1], err)
	}

	perms := fields[1]
	var prot int
	if strings.ContainsRune(perms, 'r') {
		prot |= unix.PROT_READ
	}
	if strings.ContainsRune(perms, 'w') {
		prot |= unix.PROT_WRITE
	}
	if strings.ContainsRune(perms, 'x') {
		prot |= unix.PROT_EXEC
	}
	flags := unix.MAP_PRIVATE
	if strings.ContainsRune(perms, 's') {
		flags = unix.MAP_SHARED
	}

	offset, err := strconv.ParseInt(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("bad offset %q: %w", fields[2], err)
	}

	var path string
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	return Mapping{
		Start:  uintptr(start),
		End:    uintptr(end),
		Prot:   prot,
		Flags:  flags,
		Path:   path,
		Offset: offset,
	}, true, nil
}

// Environ splits the NUL-delimited /proc/<pid>/environ into name/value
// pairs, mirroring the split-on-NUL-then-first-'=' logic the original
// vmsh stage2 cmd helper uses to read a process's environment.
func Environ(pid int) (map[string]string, error) {
	path := fmt.Sprintf("/proc/%d/environ", pid)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("procfs: read %s: %w", path, err)
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(string(raw), "\x00") {
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// Tasks lists the thread ids of pid by reading /proc/<pid>/task.
func Tasks(pid int) ([]int, error) {
	dir := fmt.Sprintf("/proc/%d/task", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("procfs: read %s: %w", dir, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}
