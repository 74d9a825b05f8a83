// Package coattacherr defines the typed error kinds shared across the
// attach pipeline and their mapping onto CLI exit codes.
package coattacherr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react without string matching.
type Kind int

const (
	// KindDiscovery covers a missing target, a target that is not a KVM
	// hypervisor, or an unsupported topology (multi-VM, VCPU remap).
	KindDiscovery Kind = iota
	// KindPermission covers anything blocked by ptrace or /proc access
	// control (missing CAP_SYS_PTRACE, wrong uid).
	KindPermission
	// KindTargetGone covers the target exiting or being signaled mid-operation.
	KindTargetGone
	// KindTransient covers EINTR/EAGAIN class failures worth a bounded retry.
	KindTransient
	// KindProtocol covers unexpected ptrace events or malformed kvm_run state.
	KindProtocol
	// KindDevice covers backing-file I/O errors surfaced to the guest via
	// the virtio used ring, not fatal to the controller.
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindPermission:
		return "permission"
	case KindTargetGone:
		return "target-gone"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Error wraps a causal error with a Kind and optional diagnostic context
// gathered by the interceptor (the tid and exit reason in play when the
// failure was observed).
type Error struct {
	Kind       Kind
	Tid        int
	ExitReason string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Kind, e.Err)
	if e.Tid != 0 {
		msg = fmt.Sprintf("%s (tid=%d)", msg, e.Tid)
	}
	if e.ExitReason != "" {
		msg = fmt.Sprintf("%s (exit_reason=%s)", msg, e.ExitReason)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind, with no extra context.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithTid attaches the observed thread id to an existing coattacherr error,
// constructing one with KindProtocol if err isn't already typed.
func WithTid(err error, tid int) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		clone := *ce
		clone.Tid = tid
		return &clone
	}
	return &Error{Kind: KindProtocol, Tid: tid, Err: err}
}

// WithExitReason attaches the last observed KVM exit reason.
func WithExitReason(err error, reason string) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		clone := *ce
		clone.ExitReason = reason
		return &clone
	}
	return &Error{Kind: KindProtocol, ExitReason: reason, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindProtocol for errors
// that never passed through this package.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindProtocol
}

// ExitCode maps err to the process exit code documented for `attach`:
// 0 success, 1 discovery, 2 permission, 3 unsupported configuration,
// 4 runtime failure after attach. Unsupported-topology errors are built
// with KindDiscovery (see Unsupported), so they must be checked ahead of
// the Kind switch or they would collapse into exit code 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if IsUnsupported(err) {
		return 3
	}
	switch KindOf(err) {
	case KindDiscovery:
		return 1
	case KindPermission:
		return 2
	case KindTargetGone, KindProtocol, KindDevice, KindTransient:
		return 4
	default:
		return 4
	}
}

// Unsupported builds a discovery-kind error for a rejected topology (e.g.
// multi-VM, VCPU remap) that maps to exit code 3 rather than 1.
func Unsupported(format string, args ...any) error {
	return &Error{Kind: KindDiscovery, Err: fmt.Errorf(format, args...), ExitReason: "unsupported"}
}

// IsUnsupported reports whether err was built by Unsupported. Unsupported
// errors carry KindDiscovery like ordinary discovery failures, so this is
// the only way to tell them apart; ExitCode checks it first.
func IsUnsupported(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindDiscovery && ce.ExitReason == "unsupported"
	}
	return false
}
