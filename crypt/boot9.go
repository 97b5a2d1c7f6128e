package crypt

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	boot9KeyblobOffset = 0x5860
	boot9OTPKeyOffset  = 0x56E0
)

// SetupBoot9 extracts the keyslot constants embedded in an ARM9 bootROM dump.
// Both a full 0x10000 dump and a protected-region dump are accepted.
func (e *Engine) SetupBoot9(data []byte) error {
	if e.b9Loaded {
		return nil
	}

	keyblobOffset := boot9KeyblobOffset
	otpKeyOffset := boot9OTPKeyOffset
	if e.Dev {
		keyblobOffset += 0x400
		otpKeyOffset += 0x20
	}
	if len(data) == 0x10000 {
		keyblobOffset += 0x8000
		otpKeyOffset += 0x8000
	}
	if len(data) < keyblobOffset+0x230 {
		return fmt.Errorf("crypt: boot9 dump too short: %d bytes", len(data))
	}

	e.otpKey = append([]byte(nil), data[otpKeyOffset:otpKeyOffset+0x10]...)
	e.otpIV = append([]byte(nil), data[otpKeyOffset+0x10:otpKeyOffset+0x20]...)

	keyblob := data[keyblobOffset : keyblobOffset+0x230]
	e.b9ExtdataKeygen = append([]byte(nil), keyblob[0:0x200]...)
	e.b9ExtdataOTP = e.b9ExtdataKeygen[0:0x24]

	// Original NCCH
	e.SetKeyX(KeyslotNCCH, keyblob[0x170:0x180])

	// SD keys
	e.SetKeyX(KeyslotSD, keyblob[0x190:0x1A0])
	e.SetKeyX(Keyslot(0x35), keyblob[0x190:0x1A0])

	// Ticket common key
	e.SetKeyX(KeyslotCommon, keyblob[0x1C0:0x1D0])

	// NAND keys, with a 0x10 gap after the 0x04 KeyY.
	// The 0x05 KeyY is not in the keyblob; it is a known constant.
	e.SetKeyY(KeyslotCTRNANDOld, keyblob[0x1F0:0x200])
	e.SetKeyY(KeyslotFIRM, keyblob[0x210:0x220])
	e.SetKeyY(KeyslotAGB, keyblob[0x220:0x230])

	e.b9Loaded = true
	return nil
}

// Boot9Loaded reports whether bootROM key material has been set up.
func (e *Engine) Boot9Loaded() bool {
	return e.b9Loaded
}

// LoadBoot9 locates and loads an ARM9 bootROM dump. The explicit path is
// tried first when non-empty, then the usual dump names in the given config
// directories.
func (e *Engine) LoadBoot9(path string, configDirs []string) error {
	if e.b9Loaded {
		return nil
	}

	var paths []string
	if path != "" {
		paths = append(paths, path)
	}
	paths = append(paths, "boot9.bin", "boot9_prot.bin")
	for _, dir := range configDirs {
		paths = append(paths, filepath.Join(dir, "boot9.bin"))
	}
	for _, dir := range configDirs {
		paths = append(paths, filepath.Join(dir, "boot9_prot.bin"))
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		return e.SetupBoot9(data)
	}

	return &BootromNotFoundError{Tried: paths}
}
