package ninvfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

// ncchMediaUnit is the NCCH media unit size: all region offsets and sizes in
// the header are counted in these units.
const ncchMediaUnit = 0x200

// extraCryptoKeyslots maps the crypto method flag to the extra keyslot used
// for RomFS and most of ExeFS.
var extraCryptoKeyslots = map[uint8]crypt.Keyslot{
	0x00: crypt.KeyslotNCCH,
	0x01: crypt.KeyslotNCCH70,
	0x0A: crypt.KeyslotNCCH93,
	0x0B: crypt.KeyslotNCCH96,
}

// NCCHRegion locates one section inside an NCCH container, in bytes.
type NCCHRegion struct {
	Offset int64
	Size   int64
}

// NCCHFlags holds the decoded crypto and content flags of an NCCH header.
type NCCHFlags struct {
	CryptoMethod   uint8
	Executable     bool
	FixedCryptoKey bool
	NoRomFS        bool
	NoCrypto       bool
	UsesSeed       bool
}

// NCCH mounts an NCCH container, exposing its sections as decrypted files
// plus nested exefs/ and romfs/ directories and a fully decrypted image.
type NCCH struct {
	KeyY          Hex
	ContentSize   int64
	PartitionID   Hex64
	ProgramID     Hex64
	ProductCode   string
	ExtHeaderSize int64
	Flags         NCCHFlags
	Plain         NCCHRegion
	Logo          NCCHRegion
	ExeFSRegion   NCCHRegion
	RomFSRegion   NCCHRegion

	engine  *crypt.Engine
	backing io.ReaderAt
	header  []byte
	tree    *dirTree

	exefs *ExeFS
	romfs *RomFS
}

var _ FS = &NCCH{}

// OpenNCCH parses an NCCH container and mounts it. The engine carries the
// key material and is dedicated to this container: its NCCH keyslots are
// reconfigured from the header. Titles using seed crypto require their seed
// to be registered in the engine beforehand.
func OpenNCCH(backing io.ReaderAt, engine *crypt.Engine) (*NCCH, error) {
	header := make([]byte, 0x200)
	if _, err := backing.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("ncch: failed to read header: %w", err)
	}

	if string(header[0x100:0x104]) != "NCCH" {
		return nil, &InvalidHeaderError{Format: "ncch", Reason: "magic not found"}
	}

	flagsRaw := header[0x188:0x190]
	fs := &NCCH{
		KeyY:          Hex(append([]byte(nil), header[0x0:0x10]...)),
		ContentSize:   int64(ctrutil.LE32(header, 0x104)) * ncchMediaUnit,
		PartitionID:   Hex64(ctrutil.LE64(header, 0x108)),
		ProgramID:     Hex64(ctrutil.LE64(header, 0x118)),
		ProductCode:   string(bytes.TrimRight(header[0x150:0x160], "\x00")),
		ExtHeaderSize: int64(ctrutil.LE32(header, 0x180)),
		Flags: NCCHFlags{
			CryptoMethod:   flagsRaw[3],
			Executable:     flagsRaw[5]&0x2 != 0,
			FixedCryptoKey: flagsRaw[7]&0x1 != 0,
			NoRomFS:        flagsRaw[7]&0x2 != 0,
			NoCrypto:       flagsRaw[7]&0x4 != 0,
			UsesSeed:       flagsRaw[7]&0x20 != 0,
		},
		Plain:       ncchRegion(header, 0x190),
		Logo:        ncchRegion(header, 0x198),
		ExeFSRegion: ncchRegion(header, 0x1A0),
		RomFSRegion: ncchRegion(header, 0x1B0),

		engine:  engine,
		backing: backing,
		header:  header,
		tree:    newDirTree(),
	}

	if err := fs.setupKeys(header[0x114:0x118]); err != nil {
		return nil, err
	}
	if err := fs.init(); err != nil {
		return nil, err
	}
	return fs, nil
}

func ncchRegion(header []byte, offset int) NCCHRegion {
	return NCCHRegion{
		Offset: int64(ctrutil.LE32(header, offset)) * ncchMediaUnit,
		Size:   int64(ctrutil.LE32(header, offset+4)) * ncchMediaUnit,
	}
}

// extraKeyslot returns the keyslot selected by the crypto method flag.
func (fs *NCCH) extraKeyslot() (crypt.Keyslot, error) {
	slot, ok := extraCryptoKeyslots[fs.Flags.CryptoMethod]
	if !ok {
		return 0, &InvalidHeaderError{
			Format: "ncch",
			Reason: fmt.Sprintf("unknown crypto method 0x%02X", fs.Flags.CryptoMethod),
		}
	}
	return slot, nil
}

// setupKeys loads the header KeyY, and the seeded KeyY when seed crypto is
// used, into the engine.
func (fs *NCCH) setupKeys(seedVerify []byte) error {
	if fs.Flags.NoCrypto {
		return nil
	}

	if fs.Flags.FixedCryptoKey {
		// System titles use the fixed system key, everything else all
		// zeros.
		key := make([]byte, 16)
		if uint64(fs.ProgramID)&(0x10<<32) != 0 {
			key = crypt.FixedSystemKey
		}
		fs.engine.SetNormalKey(crypt.KeyslotNCCH, key)
		return nil
	}

	extra, err := fs.extraKeyslot()
	if err != nil {
		return err
	}

	keyY := []byte(fs.KeyY)
	fs.engine.SetKeyY(crypt.KeyslotNCCH, keyY)

	if fs.Flags.UsesSeed {
		seed, err := fs.engine.Seed(uint64(fs.ProgramID))
		if err != nil {
			return err
		}

		verify := sha256.Sum256(append(append([]byte(nil), seed...), seedBytes(uint64(fs.ProgramID))...))
		if !bytes.Equal(verify[0:4], seedVerify) {
			return &InvalidHeaderError{Format: "ncch", Reason: "seed does not match verify hash"}
		}

		seeded := sha256.Sum256(append(append([]byte(nil), keyY...), seed...))
		keyY = seeded[0:16]
	}
	fs.engine.SetKeyY(extra, keyY)
	return nil
}

func seedBytes(programID uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, programID)
	return b
}

// sectionIV builds the CTR IV of a section: partition id shifted into the
// upper half with the section tag below it.
func (fs *NCCH) sectionIV(tag uint8) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[0:8], uint64(fs.PartitionID))
	iv[8] = tag
	return iv
}

// section builds the decrypted view of one region.
func (fs *NCCH) section(region NCCHRegion, slot crypt.Keyslot, tag uint8) Section {
	if fs.Flags.NoCrypto {
		return newPlainSection(fs.backing, region.Offset, region.Size)
	}
	return &ctrSection{
		parent:     fs.backing,
		engine:     fs.engine,
		slot:       slot,
		counter:    fs.sectionIV(tag),
		cryptoBase: region.Offset,
		start:      region.Offset,
		size:       region.Size,
	}
}

func (fs *NCCH) init() error {
	fs.tree.addFile("ncch.bin", "ncch.bin", newBytesSection(fs.header))

	extra, err := fs.extraKeyslot()
	if err != nil {
		return err
	}

	var extheader Section
	if fs.ExtHeaderSize != 0 {
		extheader = fs.section(NCCHRegion{Offset: 0x200, Size: 0x800}, crypt.KeyslotNCCH, 1)
		fs.tree.addFile("extheader.bin", "extheader.bin", extheader)
	}

	if fs.Plain.Offset != 0 {
		fs.tree.addFile("plain.bin", "plain.bin", newPlainSection(fs.backing, fs.Plain.Offset, fs.Plain.Size))
	}
	if fs.Logo.Offset != 0 {
		fs.tree.addFile("logo.bin", "logo.bin", newPlainSection(fs.backing, fs.Logo.Offset, fs.Logo.Size))
	}

	var exefsSection Section
	if fs.ExeFSRegion.Offset != 0 {
		exefsSection = fs.exefsSection(extra)
		fs.tree.addFile("exefs.bin", "exefs.bin", exefsSection)
	}

	var romfsSection Section
	if !fs.Flags.NoRomFS && fs.RomFSRegion.Offset != 0 {
		romfsSection = fs.section(fs.RomFSRegion, extra, 3)
		fs.tree.addFile("romfs.bin", "romfs.bin", romfsSection)
	}

	fs.initNested(extheader, exefsSection, romfsSection)
	fs.initFullDecrypted(extheader, exefsSection, romfsSection)
	return nil
}

// exefsSection builds the ExeFS view: the file table always uses the NCCH
// keyslot, and once the table is known, so do icon and banner.
func (fs *NCCH) exefsSection(extra crypt.Keyslot) Section {
	if fs.Flags.NoCrypto {
		return newPlainSection(fs.backing, fs.ExeFSRegion.Offset, fs.ExeFSRegion.Size)
	}

	base := ctrSection{
		parent:     fs.backing,
		engine:     fs.engine,
		slot:       extra,
		counter:    fs.sectionIV(2),
		cryptoBase: fs.ExeFSRegion.Offset,
		start:      fs.ExeFSRegion.Offset,
		size:       fs.ExeFSRegion.Size,
	}
	if extra == crypt.KeyslotNCCH {
		return &base
	}

	section := &rangedCTRSection{
		ctrSection: base,
		ranges:     []keyRange{{start: 0, end: 0x200, slot: crypt.KeyslotNCCH}},
	}

	// The file table decrypts with the ranges above alone, and locates
	// icon and banner.
	table, err := OpenExeFS(section, false)
	if err == nil {
		for _, name := range []string{"icon", "banner"} {
			if entry, ok := table.Entry(name); ok {
				section.ranges = append(section.ranges, keyRange{
					start: entry.Offset + 0x200,
					end:   entry.Offset + 0x200 + ctrutil.RoundUp(entry.Size, 0x200),
					slot:  crypt.KeyslotNCCH,
				})
			}
		}
	}
	return section
}

// initNested mounts the exefs/ and romfs/ directories over the decrypted
// sections. Failures degrade to a partial tree.
func (fs *NCCH) initNested(extheader, exefsSection, romfsSection Section) {
	if exefsSection != nil {
		decompress := false
		if extheader != nil {
			// sci flag bit 0 marks compressed .code
			flag := make([]byte, 1)
			if _, err := extheader.ReadAt(flag, 0xD); err == nil {
				decompress = flag[0]&1 != 0
			}
		}

		exefs, err := OpenExeFS(exefsSection, decompress)
		if err != nil {
			slog.Warn("ncch: failed to mount exefs", "error", err)
		} else {
			fs.exefs = exefs
			fs.tree.addDir("exefs", "exefs")
			fs.tree.setNested("exefs", exefs)
		}
	}

	if romfsSection != nil {
		romfs, err := OpenRomFS(romfsSection)
		if err != nil {
			slog.Warn("ncch: failed to mount romfs", "error", err)
		} else {
			fs.romfs = romfs
			fs.tree.addDir("romfs", "romfs")
			fs.tree.setNested("romfs", romfs)
		}
	}
}

// initFullDecrypted synthesizes the fully decrypted image: the raw container
// with every encrypted section replaced by its decrypted bytes and the
// crypto flags patched to mark the result as unencrypted.
func (fs *NCCH) initFullDecrypted(extheader, exefsSection, romfsSection Section) {
	patched := append([]byte(nil), fs.header...)
	patched[0x188+3] = 0
	patched[0x188+7] = 0x4

	segments := []segment{{off: 0, size: 0x200, src: newBytesSection(patched)}}
	if extheader != nil {
		segments = append(segments, segment{off: 0x200, size: extheader.Size(), src: extheader})
	}
	if exefsSection != nil {
		segments = append(segments, segment{off: fs.ExeFSRegion.Offset, size: fs.ExeFSRegion.Size, src: exefsSection})
	}
	if romfsSection != nil {
		segments = append(segments, segment{off: fs.RomFSRegion.Offset, size: fs.RomFSRegion.Size, src: romfsSection})
	}

	name := "decrypted.cfa"
	if fs.Flags.Executable {
		name = "decrypted.cxi"
	}
	fs.tree.addFile(name, name, &compositeSection{
		size:     fs.ContentSize,
		segments: segments,
		fallback: newPlainSection(fs.backing, 0, fs.ContentSize),
	})
}

// ExeFS returns the nested ExeFS mount, if present.
func (fs *NCCH) ExeFS() *ExeFS {
	return fs.exefs
}

// RomFS returns the nested RomFS mount, if present.
func (fs *NCCH) RomFS() *RomFS {
	return fs.romfs
}

func (fs *NCCH) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, true)
}

func (fs *NCCH) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *NCCH) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *NCCH) WriteAt(path string, p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (fs *NCCH) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.ContentSize, fs.tree.fileCount()), nil
}
