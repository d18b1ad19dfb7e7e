package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrorInvalidTransition = errors.New("invalid session phase transition")
	ErrorNotSupported      = errors.New("device does not support this operation")
	ErrorFailed            = errors.New("session failed, begin again")
)

/* FlashError carries where in the session something went wrong */
type FlashError struct {
	Phase   Phase
	Chunk   int
	Address uint64
	Err     error
}

func (e *FlashError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("%v: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%v chunk %d @0x%08x: %v", e.Phase, e.Chunk, e.Address, e.Err)
}

func (e *FlashError) Unwrap() error {
	return e.Err
}

type InvalidFirmwareError struct {
	Reason string
	Err    error
}

func (e *InvalidFirmwareError) Error() string {
	if e.Err != nil {
		return "invalid firmware: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid firmware: " + e.Reason
}

func (e *InvalidFirmwareError) Unwrap() error {
	return e.Err
}

type ChecksumMismatchError struct {
	Address  uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch @0x%08x: expected 0x%04x, got 0x%04x", e.Address, e.Expected, e.Actual)
}

func IsChecksumMismatch(err error) bool {
	var ce *ChecksumMismatchError
	return errors.As(err, &ce)
}
