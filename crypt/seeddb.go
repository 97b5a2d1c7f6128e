package crypt

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// LoadSeedDB parses a seeddb.bin dump and registers every seed it contains.
func (e *Engine) LoadSeedDB(data []byte) error {
	if len(data) < 0x10 {
		return fmt.Errorf("crypt: seeddb too short: %d bytes", len(data))
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	offset := 0x10
	for i := 0; i < count; i++ {
		if offset+0x20 > len(data) {
			return fmt.Errorf("crypt: seeddb truncated at entry %d", i)
		}
		entry := data[offset : offset+0x20]
		programID := binary.LittleEndian.Uint64(entry[0:8])
		e.SetSeed(programID, entry[0x08:0x18])
		offset += 0x20
	}
	return nil
}

// LoadSeedDBFile locates and loads a seeddb.bin dump. The explicit path is
// tried first when non-empty, then the given config directories.
func (e *Engine) LoadSeedDBFile(path string, configDirs []string) error {
	var paths []string
	if path != "" {
		paths = append(paths, path)
	}
	for _, dir := range configDirs {
		paths = append(paths, filepath.Join(dir, "seeddb.bin"))
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		return e.LoadSeedDB(data)
	}

	return fmt.Errorf("crypt: seeddb not found, tried: %v", paths)
}

// SetSeed registers the seed of a title.
func (e *Engine) SetSeed(programID uint64, seed []byte) {
	e.seeds[programID] = append([]byte(nil), seed[:16]...)
}

// Seed returns the registered seed of a title.
func (e *Engine) Seed(programID uint64) ([]byte, error) {
	seed, ok := e.seeds[programID]
	if !ok {
		return nil, &SeedMissingError{ProgramID: programID}
	}
	return seed, nil
}
