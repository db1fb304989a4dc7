package sl4a

import "context"

// Adb is the collaborator the core consumes to talk to the Android Debug
// Bridge. Production code uses internal/adbshell's implementation, which
// shells out to the real adb binary; tests substitute a fake.
type Adb interface {
	// Serial returns the device serial this Adb instance targets.
	Serial() string

	// Shell runs a shell command on the device and returns its stdout. If
	// ignoreStatus is false, a non-zero exit status is returned as an
	// error.
	Shell(ctx context.Context, cmd string, ignoreStatus bool) ([]byte, error)

	// Forward creates a host-to-device TCP port forward. hostPort of 0
	// requests an OS-assigned port; the chosen host port is returned.
	Forward(ctx context.Context, hostPort, devicePort int) (int, error)

	// RemoveForward tears down a previously created forward.
	RemoveForward(ctx context.Context, hostPort int) error

	// ForwardList returns the raw output of `adb forward --list`.
	ForwardList(ctx context.Context) (string, error)

	// Devices returns the raw output of `adb devices -l`.
	Devices(ctx context.Context) (string, error)

	// IsRoot reports whether the adbd on the device is currently running
	// as root.
	IsRoot(ctx context.Context) (bool, error)

	// EnsureRoot restarts adbd as root if it is not already, blocking
	// until the device reappears.
	EnsureRoot(ctx context.Context) error

	// VersionNumber returns the numeric ADB protocol version reported by
	// the host adb binary.
	VersionNumber(ctx context.Context) (int, error)
}
