package usbtransport

import "errors"

// Sentinel errors for the §7 taxonomy. Callers use errors.Is against
// these, mirroring the teacher's cgminer_client.go wrapping pattern.
var (
	// ErrNoDevice means libusb reported the device gone: DeviceLost (§7).
	ErrNoDevice = errors.New("usbtransport: no device")

	// ErrTimeout is Transient (§7): never fatal, callers retry in place.
	ErrTimeout = errors.New("usbtransport: transfer timed out")

	// ErrIgnoreDescriptor means acquire should let another table entry
	// claim this physical device (ConfigurationError, §7).
	ErrIgnoreDescriptor = errors.New("usbtransport: descriptor does not match device")

	// ErrBusy means the device is already held by this or another
	// process instance (the cross-process bus/address lock is held).
	ErrBusy = errors.New("usbtransport: device busy")

	// ErrConfigDrift is returned when the active configuration changes
	// out from under acquire between steps 5 and 8 of §4.1.
	ErrConfigDrift = errors.New("usbtransport: configuration drifted during acquire")
)
