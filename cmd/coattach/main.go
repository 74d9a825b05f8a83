// Command coattach attaches to a running KVM hypervisor process from the
// outside and exposes a virtio-MMIO block device to its guest, without
// the target's own code ever being modified. Orchestration mirrors
// original_source/src/attach.rs's attach(): get the hypervisor, stop it,
// build the device, resume it, then run forever.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sandtrail/coattach/internal/coattacherr"
	"github.com/sandtrail/coattach/internal/guestmem"
	"github.com/sandtrail/coattach/internal/hypervisor"
	"github.com/sandtrail/coattach/internal/interceptor"
	"github.com/sandtrail/coattach/internal/mmiobus"
	"github.com/sandtrail/coattach/internal/virtioblk"
)

// Guest-visible surface: a 4 KiB virtio-mmio window at this guest physical
// address, wired to IRQ GSI 5.
const (
	mmioMemStart = 0xC000_0000
	mmioWindow   = 0x1000
	blockGSI     = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] != "attach" {
		fmt.Fprintln(os.Stderr, "usage: coattach attach <pid> [--disk path] [--read-only] [--root-device] [--flush=false] [--timeout dur] [--debug]")
		return 1
	}

	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	diskPath := fs.String("disk", "", "path to the backing file for the injected virtio-blk device")
	readOnly := fs.Bool("read-only", false, "expose the block device as read-only to the guest")
	rootDevice := fs.Bool("root-device", false, "advertise this device as the guest's root device")
	flush := fs.Bool("flush", true, "advertise VIRTIO_BLK_F_FLUSH support to the guest")
	timeout := fs.Duration("timeout", 0, "stop intercepting after this long (0 disables the timeout)")
	debug := fs.Bool("debug", false, "enable debug-level logging")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: coattach attach <pid> [--disk path] [--read-only] [--root-device] [--flush=false] [--timeout dur] [--debug]")
		return 1
	}
	pid, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pid %q: %v\n", fs.Arg(0), err)
		return 1
	}
	if *diskPath == "" {
		fmt.Fprintln(os.Stderr, "--disk is required")
		return 1
	}

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "cmd/coattach")

	if err := attach(log, pid, *diskPath, *readOnly, *rootDevice, *flush, *timeout); err != nil {
		log.WithError(err).Error("attach failed")
		return coattacherr.ExitCode(err)
	}
	return 0
}

func attach(log *logrus.Entry, pid int, diskPath string, readOnly, rootDevice, flush bool, timeout time.Duration) error {
	h, err := hypervisor.Discover(pid)
	if err != nil {
		return fmt.Errorf("discover hypervisor in pid %d: %w", pid, err)
	}

	if err := h.Stop(); err != nil {
		return fmt.Errorf("stop target: %w", err)
	}
	resumed := false
	resume := func() {
		if !resumed {
			resumed = true
			if err := h.Resume(); err != nil {
				log.WithError(err).Warn("failed to resume target")
			}
		}
	}
	defer resume()

	mem, err := guestmem.Import(h.Mappings)
	if err != nil {
		return fmt.Errorf("import guest memory: %w", err)
	}
	defer mem.Close()

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	diskFile, err := os.OpenFile(diskPath, flags, 0)
	if err != nil {
		return coattacherr.New(coattacherr.KindDiscovery, fmt.Errorf("open backing file %q: %w", diskPath, err))
	}
	defer diskFile.Close()

	ic, err := interceptor.Attach(h)
	if err != nil {
		return fmt.Errorf("attach interceptor: %w", err)
	}

	dev, err := virtioblk.New(diskFile, readOnly, rootDevice, flush, mem, ic, blockGSI)
	if err != nil {
		return fmt.Errorf("create virtio-blk device: %w", err)
	}

	bus := mmiobus.New()
	if err := bus.Register(mmioMemStart, mmioWindow, dev); err != nil {
		return fmt.Errorf("register virtio-blk device: %w", err)
	}

	resume()
	log.WithFields(logrus.Fields{"pid": pid, "disk": diskPath, "read_only": readOnly}).Info("attached, interposing")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, timeout)
		defer timeoutCancel()
	}

	return ic.Run(ctx, bus)
}
