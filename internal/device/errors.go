package device

import "errors"

// Domain errors for the device package. Check with errors.Is.
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose ID is taken.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device fields fail validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrGroupNotFound is returned when a group ID does not exist.
	ErrGroupNotFound = errors.New("device: group not found")

	// ErrGroupExists is returned when creating a group whose ID is taken.
	ErrGroupExists = errors.New("device: group already exists")

	// ErrInvalidGroup is returned when group fields fail validation.
	ErrInvalidGroup = errors.New("device: invalid group")

	// ErrInvalidCommand is returned when a queued command has no type.
	ErrInvalidCommand = errors.New("device: invalid command")

	// ErrInvalidSecretHash is returned when a stored hash is not a usable argon2id PHC string.
	ErrInvalidSecretHash = errors.New("device: invalid secret hash")
)
