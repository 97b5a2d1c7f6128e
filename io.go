package ninvfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

// Section provides random read access to one decrypted byte region of a
// container.
type Section interface {
	io.ReaderAt
	Size() int64
	Writable() bool
}

// WritableSection is a Section that also accepts writes.
type WritableSection interface {
	Section
	io.WriterAt
}

// readSection reads from a section with filesystem read semantics: reads
// past the end return 0 bytes and no error, reads crossing the end are
// truncated silently.
func readSection(s Section, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("ninvfs: negative offset %d", off)
	}
	size := s.Size()
	if off >= size {
		return 0, nil
	}
	if max := size - off; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := s.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// bytesSection serves an in-memory byte slice, used for synthesized entries
// such as patched headers and decompressed code.
type bytesSection struct {
	data []byte
}

func newBytesSection(data []byte) *bytesSection {
	return &bytesSection{data: data}
}

func (s *bytesSection) Size() int64 {
	return int64(len(s.data))
}

func (s *bytesSection) Writable() bool {
	return false
}

func (s *bytesSection) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// plainSection serves an unencrypted window of the container.
type plainSection struct {
	sub    *ctrutil.SubFile
	writer io.WriterAt
}

func newPlainSection(parent io.ReaderAt, offset, size int64) *plainSection {
	return &plainSection{sub: ctrutil.NewSubFile(parent, offset, size)}
}

func newPlainWritable(parent io.ReaderAt, writer io.WriterAt, offset, size int64) *plainSection {
	s := newPlainSection(parent, offset, size)
	if writer != nil {
		s.writer = ctrutil.NewSubWriter(writer, offset, size)
	}
	return s
}

func (s *plainSection) Size() int64 {
	return s.sub.Size()
}

func (s *plainSection) Writable() bool {
	return s.writer != nil
}

func (s *plainSection) ReadAt(p []byte, off int64) (int, error) {
	return s.sub.ReadAt(p, off)
}

func (s *plainSection) WriteAt(p []byte, off int64) (int, error) {
	if s.writer == nil {
		return 0, ErrReadOnly
	}
	return s.writer.WriteAt(p, off)
}

// ctrSection serves an AES-CTR encrypted window. The counter corresponds to
// cryptoBase, which the hardware counts blocks from: the container start for
// NAND images, the section start for NCCH sections.
type ctrSection struct {
	parent     io.ReaderAt
	writer     io.WriterAt
	mu         *sync.Mutex
	engine     *crypt.Engine
	slot       crypt.Keyslot
	counter    []byte
	cryptoBase int64
	start      int64
	size       int64
}

func (s *ctrSection) Size() int64 {
	return s.size
}

func (s *ctrSection) Writable() bool {
	return s.writer != nil
}

func (s *ctrSection) ReadAt(p []byte, off int64) (int, error) {
	return s.readAtSlot(s.slot, p, off)
}

func (s *ctrSection) readAtSlot(slot crypt.Keyslot, p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	var eof error
	if max := s.size - off; int64(len(p)) > max {
		p = p[:max]
		eof = io.EOF
	}

	buf, aligned, pad, err := s.readAligned(off, int64(len(p)))
	if err != nil {
		return 0, err
	}

	stream, err := s.engine.CTRAt(slot, s.counter, aligned-s.cryptoBase)
	if err != nil {
		return 0, err
	}
	stream.XORKeyStream(buf, buf)

	copy(p, buf[pad:pad+int64(len(p))])
	return len(p), eof
}

func (s *ctrSection) WriteAt(p []byte, off int64) (int, error) {
	if s.writer == nil {
		return 0, ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, io.ErrShortWrite
	}

	// Partial-block writes read back the surrounding ciphertext, so the
	// whole cycle is serialized under the mount lock.
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, aligned, pad, err := s.readAligned(off, int64(len(p)))
	if err != nil {
		return 0, err
	}

	stream, err := s.engine.CTRAt(s.slot, s.counter, aligned-s.cryptoBase)
	if err != nil {
		return 0, err
	}
	stream.XORKeyStream(buf, buf)
	copy(buf[pad:], p)

	stream, err = s.engine.CTRAt(s.slot, s.counter, aligned-s.cryptoBase)
	if err != nil {
		return 0, err
	}
	stream.XORKeyStream(buf, buf)

	if _, err := s.writer.WriteAt(buf, aligned); err != nil {
		return 0, err
	}
	return len(p), nil
}

// readAligned reads the ciphertext spanning [start+off, start+off+length)
// extended to AES block boundaries, zero padding past the container end.
func (s *ctrSection) readAligned(off, length int64) (buf []byte, aligned, pad int64, err error) {
	abs := s.start + off
	aligned = abs &^ 0xF
	pad = abs - aligned
	span := ctrutil.RoundUp(pad+length, 16)

	buf = make([]byte, span)
	n, err := s.parent.ReadAt(buf, aligned)
	if err == io.EOF && int64(n) >= pad+length {
		err = nil
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("ninvfs: section read: %w", err)
	}
	return buf, aligned, pad, nil
}

// keyRange overrides the keyslot of a ctrSection over [start, end) relative
// to the section start.
type keyRange struct {
	start int64
	end   int64
	slot  crypt.Keyslot
}

// rangedCTRSection is a ctrSection whose keyslot differs per byte range, as
// NCCH ExeFS sections do: the file table and icon/banner keep the original
// keyslot while everything else uses the extra keyslot.
type rangedCTRSection struct {
	ctrSection
	ranges []keyRange
}

func (s *rangedCTRSection) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for len(p) > 0 {
		slot, end := s.slotAt(off)
		chunk := p
		if max := end - off; max < int64(len(chunk)) {
			chunk = chunk[:max]
		}
		n, err := s.readAtSlot(slot, chunk, off)
		total += n
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
		p = p[n:]
		off += int64(n)
	}
	return total, nil
}

// slotAt returns the keyslot at offset and the end of the span it covers.
func (s *rangedCTRSection) slotAt(off int64) (crypt.Keyslot, int64) {
	end := s.size
	for _, r := range s.ranges {
		if off >= r.start && off < r.end {
			return r.slot, r.end
		}
		if r.start > off && r.start < end {
			end = r.start
		}
	}
	return s.slot, end
}

// cbcSection serves an AES-CBC encrypted window with random access: the IV
// of any inner block is the previous ciphertext block.
type cbcSection struct {
	parent io.ReaderAt
	engine *crypt.Engine
	slot   crypt.Keyslot
	iv     []byte
	start  int64
	size   int64
}

func (s *cbcSection) Size() int64 {
	return s.size
}

func (s *cbcSection) Writable() bool {
	return false
}

func (s *cbcSection) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	var eof error
	if max := s.size - off; int64(len(p)) > max {
		p = p[:max]
		eof = io.EOF
	}

	abs := s.start + off
	aligned := abs &^ 0xF
	pad := abs - aligned
	span := ctrutil.RoundUp(pad+int64(len(p)), 16)
	if max := s.start + s.size - aligned; span > max {
		span = max
	}

	iv := s.iv
	if aligned > s.start {
		iv = make([]byte, 16)
		if _, err := s.parent.ReadAt(iv, aligned-16); err != nil {
			return 0, fmt.Errorf("ninvfs: cbc iv read: %w", err)
		}
	}

	buf := make([]byte, span)
	if _, err := s.parent.ReadAt(buf, aligned); err != nil && err != io.EOF {
		return 0, fmt.Errorf("ninvfs: section read: %w", err)
	}

	cbc, err := s.engine.CBCDecrypter(s.slot, iv)
	if err != nil {
		return 0, err
	}
	cbc.CryptBlocks(buf, buf)

	copy(p, buf[pad:])
	return len(p), eof
}

// xtsSection serves a Switch NAND partition encrypted with XTSN.
type xtsSection struct {
	parent     io.ReaderAt
	writer     io.WriterAt
	mu         *sync.Mutex
	cipher     *crypt.XTSN
	cryptoBase int64
	start      int64
	size       int64
}

func (s *xtsSection) Size() int64 {
	return s.size
}

func (s *xtsSection) Writable() bool {
	return s.writer != nil
}

func (s *xtsSection) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	var eof error
	if max := s.size - off; int64(len(p)) > max {
		p = p[:max]
		eof = io.EOF
	}

	abs := s.start + off
	aligned := abs &^ 0xF
	pad := abs - aligned
	span := ctrutil.RoundUp(pad+int64(len(p)), 16)

	buf := make([]byte, span)
	if n, err := s.parent.ReadAt(buf, aligned); err != nil {
		if err != io.EOF || int64(n) < pad+int64(len(p)) {
			return 0, fmt.Errorf("ninvfs: section read: %w", err)
		}
	}

	s.cipher.DecryptAt(buf, aligned-s.cryptoBase)
	copy(p, buf[pad:pad+int64(len(p))])
	return len(p), eof
}

func (s *xtsSection) WriteAt(p []byte, off int64) (int, error) {
	if s.writer == nil {
		return 0, ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, io.ErrShortWrite
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	abs := s.start + off
	aligned := abs &^ 0xF
	pad := abs - aligned
	span := ctrutil.RoundUp(pad+int64(len(p)), 16)

	buf := make([]byte, span)
	if _, err := s.parent.ReadAt(buf, aligned); err != nil && err != io.EOF {
		return 0, fmt.Errorf("ninvfs: section read: %w", err)
	}

	s.cipher.DecryptAt(buf, aligned-s.cryptoBase)
	copy(buf[pad:], p)
	s.cipher.EncryptAt(buf, aligned-s.cryptoBase)

	if _, err := s.writer.WriteAt(buf, aligned); err != nil {
		return 0, err
	}
	return len(p), nil
}

// segment maps a byte range of a composite view onto a source section.
type segment struct {
	off    int64
	size   int64
	src    Section
	srcOff int64
}

// compositeSection stitches several sections into one contiguous view, as
// the fully decrypted NCCH image does. Ranges not covered by any segment
// fall back to the raw underlying bytes.
type compositeSection struct {
	size     int64
	segments []segment
	fallback Section
}

func (s *compositeSection) Size() int64 {
	return s.size
}

func (s *compositeSection) Writable() bool {
	return false
}

func (s *compositeSection) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	var eof error
	if max := s.size - off; int64(len(p)) > max {
		p = p[:max]
		eof = io.EOF
	}

	total := 0
	for len(p) > 0 {
		src, srcOff, end := s.sourceAt(off)
		chunk := p
		if max := end - off; max < int64(len(chunk)) {
			chunk = chunk[:max]
		}

		n, err := readSection(src, chunk, srcOff)
		// Sections may end short of the segment; the remainder reads as
		// zeros.
		for i := n; i < len(chunk); i++ {
			chunk[i] = 0
		}
		if err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
		off += int64(len(chunk))
	}
	return total, eof
}

// sourceAt locates the segment covering off, returning the source, the
// offset within it, and the end of the covered span.
func (s *compositeSection) sourceAt(off int64) (Section, int64, int64) {
	end := s.size
	for _, seg := range s.segments {
		if off >= seg.off && off < seg.off+seg.size {
			return seg.src, seg.srcOff + (off - seg.off), seg.off + seg.size
		}
		if seg.off > off && seg.off < end {
			end = seg.off
		}
	}
	return s.fallback, off, end
}
