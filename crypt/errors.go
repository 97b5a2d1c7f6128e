package crypt

import (
	"fmt"
	"strings"
)

// MissingKeyError reports that no normal key could be derived for a keyslot,
// typically because boot9 or an OTP dump has not been loaded.
type MissingKeyError struct {
	Keyslot Keyslot
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("crypt: normal key for keyslot 0x%02X is not set up", uint8(e.Keyslot))
}

// BootromNotFoundError reports that no ARM9 bootROM dump could be located.
type BootromNotFoundError struct {
	Tried []string
}

func (e *BootromNotFoundError) Error() string {
	return fmt.Sprintf("crypt: boot9 not found, tried: %s", strings.Join(e.Tried, ", "))
}

// CorruptOTPError reports that an OTP dump failed its hash check, which
// usually means it belongs to another console or the wrong boot9 was loaded.
type CorruptOTPError struct {
	Expected []byte
	Actual   []byte
}

func (e *CorruptOTPError) Error() string {
	return fmt.Sprintf("crypt: OTP hash mismatch: expected %x, got %x", e.Expected, e.Actual)
}

// SeedMissingError reports that no seed is known for a title that requires
// seed crypto.
type SeedMissingError struct {
	ProgramID uint64
}

func (e *SeedMissingError) Error() string {
	return fmt.Sprintf("crypt: no seed for title %016X", e.ProgramID)
}
