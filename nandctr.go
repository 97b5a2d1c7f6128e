package ninvfs

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

// ctrNANDSizes maps the NCSD size field to the real NAND size, which the
// header does not carry.
var ctrNANDSizes = map[uint32]int64{
	0x200000: 0x3AF00000,
	0x280000: 0x4D800000,
}

// twlCounterXor masks the known NCSD header bytes used to recover the TWL
// counter from the image itself.
var twlCounterXor = crypt.Key128{Hi: 0x18000601A03F9700, Lo: 0x0000A97D04000004}

// twlCounterCheck is the known plaintext of the NCSD header block at 0x1D0.
var twlCounterCheck = []byte{
	0x8E, 0x40, 0x06, 0x01, 0xA0, 0xC3, 0x8D, 0x80,
	0x04, 0x00, 0xB3, 0x05, 0x01, 0x00, 0x00, 0x00,
}

// NANDCTROptions carries the console-unique inputs of a 3DS NAND mount.
type NANDCTROptions struct {
	// OTP is the raw OTP dump, encrypted or decrypted. When nil it is
	// taken from the essentials backup embedded by GodMode9.
	OTP []byte

	// CID is the NAND CID. When nil it is taken from the essentials
	// backup, falling back to recovery from known plaintext.
	CID []byte

	ReadOnly bool
}

// NANDCTR exposes a 3DS NAND image as decrypted partition files plus the
// essentials backup. Partition files are writable unless the mount is
// read-only.
type NANDCTR struct {
	RawSize  int64
	RealSize int64

	engine     *crypt.Engine
	backing    io.ReaderAt
	writer     io.WriterAt
	mu         sync.Mutex
	tree       *dirTree
	essential  *ExeFS
	counterCTR []byte
	counterTWL []byte
	readOnly   bool
}

var _ FS = &NANDCTR{}

// OpenNANDCTR mounts a 3DS NAND image of the given size. The engine must
// have boot9 keys loaded; console-unique keys are derived from the OTP.
func OpenNANDCTR(backing io.ReaderAt, size int64, writer io.WriterAt, engine *crypt.Engine, opts NANDCTROptions) (*NANDCTR, error) {
	header := make([]byte, 0x100)
	if _, err := backing.ReadAt(header, 0x100); err != nil {
		return nil, fmt.Errorf("nand: failed to read NCSD header: %w", err)
	}
	if !bytes.Equal(header[0:4], []byte("NCSD")) {
		return nil, &InvalidHeaderError{Format: "NAND", Reason: "NCSD magic not found"}
	}
	if ctrutil.LE64(header, 0x8) != 0 {
		return nil, &InvalidHeaderError{Format: "NAND", Reason: "media ID is not zero, this is a cart image"}
	}

	realSize, ok := ctrNANDSizes[ctrutil.LE32(header, 0x4)]
	if !ok {
		return nil, &InvalidHeaderError{Format: "NAND", Reason: "unknown NCSD size"}
	}

	fs := &NANDCTR{
		RawSize:  size,
		RealSize: realSize,
		engine:   engine,
		backing:  backing,
		writer:   writer,
		tree:     newDirTree(),
		readOnly: opts.ReadOnly || writer == nil,
	}

	// GodMode9 embeds an essentials backup right after the NCSD header.
	essential, err := OpenExeFS(ctrutil.NewSubFile(backing, 0x200, size-0x200), false)
	if err == nil {
		fs.essential = essential
	}

	if err := fs.setupKeys(opts.OTP); err != nil {
		return nil, err
	}
	if err := fs.setupCounters(opts.CID); err != nil {
		return nil, err
	}

	fs.init(header)
	return fs, nil
}

// Essential returns the mounted essentials backup, if any.
func (fs *NANDCTR) Essential() *ExeFS {
	return fs.essential
}

func (fs *NANDCTR) setupKeys(otp []byte) error {
	if otp == nil {
		otp = fs.essentialFile("otp.bin", 0x100)
		if otp == nil {
			return &InvalidHeaderError{Format: "NAND", Reason: "no OTP given and no essentials backup found"}
		}
	}
	return fs.engine.SetupOTP(otp)
}

func (fs *NANDCTR) setupCounters(cid []byte) error {
	if cid == nil {
		cid = fs.essentialFile("nand_cid.bin", 0x10)
	}
	if cid != nil {
		ctrDigest := sha256.Sum256(cid)
		fs.counterCTR = ctrDigest[:16]

		// The TWL counter is the little-endian value of the SHA-1 prefix.
		twlDigest := sha1.Sum(cid)
		fs.counterTWL = make([]byte, 16)
		for i := 0; i < 16; i++ {
			fs.counterTWL[i] = twlDigest[15-i]
		}
		return nil
	}

	fs.generateCounterCTR()
	fs.generateCounterTWL()
	if fs.counterCTR == nil && fs.counterTWL == nil {
		return &InvalidHeaderError{Format: "NAND", Reason: "failed to recover CTR and TWL counters, provide the CID"}
	}
	return nil
}

func (fs *NANDCTR) essentialFile(name string, size int64) []byte {
	if fs.essential == nil {
		return nil
	}
	data := make([]byte, size)
	if n, err := fs.essential.ReadAt(name, data, 0); err != nil || int64(n) != size {
		return nil
	}
	return data
}

// generateCounterCTR recovers the CTR counter from two NAND blocks known to
// be zero-filled.
func (fs *NANDCTR) generateCounterCTR() {
	blocks := make([]byte, 32)
	if _, err := fs.backing.ReadAt(blocks, 0xB9301D0); err != nil {
		return
	}

	for _, slot := range []crypt.Keyslot{crypt.KeyslotCTRNANDOld, crypt.KeyslotCTRNANDNew} {
		ecb, err := fs.engine.ECBDecrypter(slot)
		if err != nil {
			continue
		}
		counter := make([]byte, 16)
		ecb.CryptBlocks(counter, blocks[0:16])
		crypt.SubCounter(counter, 0xB9301D)

		stream, err := fs.engine.CTRAt(slot, counter, 0xB9301E0)
		if err != nil {
			continue
		}
		check := make([]byte, 16)
		stream.XORKeyStream(check, blocks[16:32])
		if bytes.Equal(check, make([]byte, 16)) {
			fs.counterCTR = counter
			return
		}
	}
	slog.Warn("nand: failed to recover CTR counter, CTR partitions will not appear")
}

// generateCounterTWL recovers the TWL counter from the known NCSD header
// plaintext.
func (fs *NANDCTR) generateCounterTWL() {
	blocks := make([]byte, 32)
	if _, err := fs.backing.ReadAt(blocks, 0x1C0); err != nil {
		return
	}

	ecb, err := fs.engine.ECBDecrypter(crypt.KeyslotTWLNAND)
	if err != nil {
		return
	}

	// XOR the big-endian value with the known plaintext mask, then feed
	// the byte-reversed result to the raw cipher, matching the DSi AES
	// engine ordering.
	xored := crypt.Key128FromBytes(blocks[0:16]).Xor(twlCounterXor).Bytes()
	reversed := make([]byte, 16)
	for i := 0; i < 16; i++ {
		reversed[i] = xored[15-i]
	}
	counter := make([]byte, 16)
	ecb.CryptBlocks(counter, reversed)
	crypt.SubCounter(counter, 0x1C)

	stream, err := fs.engine.CTRAt(crypt.KeyslotTWLNAND, counter, 0x1D0)
	if err != nil {
		return
	}
	check := make([]byte, 16)
	stream.XORKeyStream(check, blocks[16:32])
	if bytes.Equal(check, twlCounterCheck) {
		fs.counterTWL = counter
		return
	}
	slog.Warn("nand: failed to recover TWL counter, TWL partitions will not appear")
}

func (fs *NANDCTR) init(header []byte) {
	writer := fs.writer
	if fs.readOnly {
		writer = nil
	}

	fs.addFile("nand_hdr.bin", newPlainWritable(fs.backing, writer, 0, 0x200))
	fs.addFile("nand.bin", newPlainWritable(fs.backing, writer, 0, fs.RawSize))
	fs.addFile("nand_minsize.bin", newPlainWritable(fs.backing, writer, 0, fs.RealSize))

	fs.initKeysect(writer)

	if fs.counterTWL != nil {
		fs.addFile("twlmbr.bin", &ctrSection{
			parent:  fs.backing,
			writer:  writer,
			mu:      &fs.mu,
			engine:  fs.engine,
			slot:    crypt.KeyslotTWLNAND,
			counter: fs.counterTWL,
			start:   0x1BE,
			size:    0x42,
		})
	}

	firmIndex := 0
	for i := 0; i < 8; i++ {
		fsType := header[0x10+i]
		cryptType := header[0x18+i]
		offset := int64(ctrutil.LE32(header, 0x20+i*8)) * ncchMediaUnit
		partSize := int64(ctrutil.LE32(header, 0x24+i*8)) * ncchMediaUnit
		if fsType == 0 {
			continue
		}

		if i == 0 {
			if fs.counterTWL != nil {
				fs.addPartition("twlnand_full.img", crypt.KeyslotTWLNAND, fs.counterTWL, offset, partSize, writer)
			}
			continue
		}
		if fs.counterCTR == nil {
			continue
		}

		switch {
		case fsType == 3:
			fs.addPartition(fmt.Sprintf("firm%d.bin", firmIndex), crypt.KeyslotFIRM, fs.counterCTR, offset, partSize, writer)
			firmIndex++
		case fsType == 1 && cryptType >= 2:
			slot := crypt.KeyslotCTRNANDOld
			if cryptType > 2 {
				slot = crypt.KeyslotCTRNANDNew
			}
			fs.addPartition("ctrnand_full.img", slot, fs.counterCTR, offset, partSize, writer)
		case fsType == 4:
			fs.addPartition("agbsave.bin", crypt.KeyslotAGB, fs.counterCTR, offset, partSize, writer)
		}
	}

	// GM9 bonus drive beyond the real NAND size.
	if fs.RawSize > fs.RealSize {
		sig := make([]byte, 0x200)
		if _, err := fs.backing.ReadAt(sig, fs.RealSize); err == nil && bytes.Equal(sig[0x1FE:0x200], []byte{0x55, 0xAA}) {
			fs.addFile("bonus.img", newPlainWritable(fs.backing, writer, fs.RealSize, fs.RawSize-fs.RealSize))
		}
	}

	if fs.essential != nil {
		size := int64(exeFSHeaderSize)
		for _, entry := range fs.essential.Entries {
			size += ctrutil.RoundUp(entry.Size, 0x200)
		}
		fs.addFile("essential.exefs", newPlainSection(fs.backing, 0x200, size))
		fs.tree.addDir("essential", "essential")
		fs.tree.setNested("essential", fs.essential)
	}
}

func (fs *NANDCTR) addFile(name string, section Section) {
	fs.tree.addFile(name, name, section)
}

func (fs *NANDCTR) addPartition(name string, slot crypt.Keyslot, counter []byte, offset, size int64, writer io.WriterAt) {
	fs.addFile(name, &ctrSection{
		parent:  fs.backing,
		writer:  writer,
		mu:      &fs.mu,
		engine:  fs.engine,
		slot:    slot,
		counter: counter,
		start:   offset,
		size:    size,
	})
}

// initKeysect mounts the decrypted new-3DS key sector. The sector uses ECB,
// so the decrypted copy is kept in memory and re-encrypted on writes.
func (fs *NANDCTR) initKeysect(writer io.WriterAt) {
	enc := make([]byte, 0x200)
	if _, err := fs.backing.ReadAt(enc, 0x12C00); err != nil {
		return
	}
	blank := true
	for _, b := range enc {
		if b != enc[0] {
			blank = false
			break
		}
	}
	if blank {
		return
	}

	ecb, err := fs.engine.ECBDecrypter(crypt.KeyslotNewKeySector)
	if err != nil {
		return
	}
	dec := make([]byte, 0x200)
	ecb.CryptBlocks(dec, enc)

	fs.addFile("sector0x96.bin", &keysectSection{
		content: dec,
		writer:  writer,
		mu:      &fs.mu,
		engine:  fs.engine,
		offset:  0x12C00,
	})
}

// keysectSection holds the decrypted key sector in memory and re-encrypts
// the whole sector on write. The mount lock also covers reads, since they
// share the decrypted copy with writers.
type keysectSection struct {
	content []byte
	writer  io.WriterAt
	mu      *sync.Mutex
	engine  *crypt.Engine
	offset  int64
}

func (s *keysectSection) Size() int64 {
	return int64(len(s.content))
}

func (s *keysectSection) Writable() bool {
	return s.writer != nil
}

func (s *keysectSection) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.content)) {
		return 0, io.EOF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *keysectSection) WriteAt(p []byte, off int64) (int, error) {
	if s.writer == nil {
		return 0, ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > int64(len(s.content)) {
		return 0, io.ErrShortWrite
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.content[off:], p)

	ecb, err := s.engine.ECBEncrypter(crypt.KeyslotNewKeySector)
	if err != nil {
		return 0, err
	}
	enc := make([]byte, len(s.content))
	ecb.CryptBlocks(enc, s.content)
	if _, err := s.writer.WriteAt(enc, s.offset); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (fs *NANDCTR) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, fs.readOnly)
}

func (fs *NANDCTR) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *NANDCTR) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *NANDCTR) WriteAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.writeAt(path, p, off, fs.readOnly)
}

func (fs *NANDCTR) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.RealSize, fs.tree.fileCount()), nil
}
