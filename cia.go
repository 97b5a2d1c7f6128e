package ninvfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/connesc/cipherio"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

// ciaAlign rounds a CIA section size up to the 0x40-byte alignment used
// between sections.
func ciaAlign(size int64) int64 {
	return ctrutil.RoundUp(size, 0x40)
}

// CIA mounts a CTR Importable Archive: the archive sections as raw files,
// plus one directory per content with its decrypted container mounted
// inside.
type CIA struct {
	Ticket *Ticket
	TMD    *TMD

	engine   *crypt.Engine
	backing  io.ReaderAt
	tree     *dirTree
	contents []ciaContent
	size     int64
}

// ciaContent pairs a TMD record with the content's place in the archive.
type ciaContent struct {
	TMDContent
	offset int64
}

var _ FS = &CIA{}

// OpenCIA parses a CIA archive and mounts it. The engine must carry the
// common keys (boot9) so that the titlekey can be unwrapped; it is cloned
// for each content container.
func OpenCIA(backing io.ReaderAt, engine *crypt.Engine) (*CIA, error) {
	header := make([]byte, 0x20)
	if _, err := backing.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("cia: failed to read header: %w", err)
	}

	headerSize := int64(ctrutil.LE32(header, 0x0))
	certsSize := int64(ctrutil.LE32(header, 0x8))
	ticketSize := int64(ctrutil.LE32(header, 0xC))
	tmdSize := int64(ctrutil.LE32(header, 0x10))
	metaSize := int64(ctrutil.LE32(header, 0x14))
	contentSize := int64(ctrutil.LE64(header, 0x18))

	if headerSize < 0x20 {
		return nil, &InvalidHeaderError{Format: "cia", Reason: "header too short"}
	}

	certsOffset := ciaAlign(headerSize)
	ticketOffset := certsOffset + ciaAlign(certsSize)
	tmdOffset := ticketOffset + ciaAlign(ticketSize)
	contentOffset := tmdOffset + ciaAlign(tmdSize)
	metaOffset := contentOffset + ciaAlign(contentSize)

	fs := &CIA{
		engine:  engine,
		backing: backing,
		tree:    newDirTree(),
		size:    metaOffset + ciaAlign(metaSize),
	}

	ticket, err := ParseTicket(io.NewSectionReader(backing, ticketOffset, ticketSize))
	if err != nil {
		return nil, err
	}
	fs.Ticket = ticket

	tmd, err := ParseTMD(io.NewSectionReader(backing, tmdOffset, tmdSize))
	if err != nil {
		return nil, err
	}
	fs.TMD = tmd

	titleKey, err := ticket.DecryptTitleKey(engine)
	if err != nil {
		return nil, err
	}
	engine.SetNormalKey(crypt.KeyslotDecryptedTitlekey, titleKey)

	addRaw := func(name string, offset, size int64) {
		fs.tree.addFile(name, name, newPlainSection(backing, offset, size))
	}
	addRaw("header.bin", 0, headerSize)
	addRaw("cert.bin", certsOffset, certsSize)
	addRaw("ticket.bin", ticketOffset, ticketSize)
	addRaw("tmd.bin", tmdOffset, tmdSize)
	fs.tree.addFile("tmdchunks.bin", "tmdchunks.bin", newBytesSection(tmd.ChunkRecords))

	if metaSize > 0 {
		addRaw("meta.bin", metaOffset, metaSize)
		if metaSize == 0x3AC0 {
			addRaw("icon.bin", metaOffset+0x400, 0x36C0)
		}
	}

	fs.initContents(contentOffset)
	return fs, nil
}

// initContents registers the content files and mounts each container below
// its own directory. Mount failures degrade to the raw file only.
func (fs *CIA) initContents(contentOffset int64) {
	offset := contentOffset
	for _, content := range fs.TMD.Contents {
		fs.contents = append(fs.contents, ciaContent{TMDContent: content, offset: offset})
		dirName := fmt.Sprintf("%04x.%08x", uint16(content.Index), uint32(content.ID))
		isSRL := content.Index == 0 && titleCategoryDSi(uint64(fs.TMD.TitleID))

		ext := ".ncch"
		if isSRL {
			ext = ".nds"
		}
		fileName := dirName + ext

		var section Section
		if content.Encrypted() {
			iv := make([]byte, 16)
			binary.BigEndian.PutUint16(iv[0:2], uint16(content.Index))
			section = &cbcSection{
				parent: fs.backing,
				engine: fs.engine,
				slot:   crypt.KeyslotDecryptedTitlekey,
				iv:     iv,
				start:  offset,
				size:   content.Size,
			}
		} else {
			section = newPlainSection(fs.backing, offset, content.Size)
		}
		fs.tree.addFile(fileName, fileName, section)

		var nested FS
		var err error
		if isSRL {
			nested, err = OpenSRL(section)
		} else {
			nested, err = OpenNCCH(section, fs.engine.Clone())
		}
		if err != nil {
			slog.Warn("cia: failed to mount content", "name", fileName, "error", err)
		} else {
			fs.tree.addDir(dirName, dirName)
			fs.tree.setNested(dirName, nested)
		}

		offset += ciaAlign(content.Size)
	}
}

// VerifyContents checks every content against the SHA-256 recorded in the
// TMD, streaming the decryption instead of loading contents in memory.
func (fs *CIA) VerifyContents() error {
	for _, content := range fs.contents {
		var src io.Reader
		if content.Encrypted() {
			iv := make([]byte, 16)
			binary.BigEndian.PutUint16(iv[0:2], uint16(content.Index))
			cbc, err := fs.engine.CBCDecrypter(crypt.KeyslotDecryptedTitlekey, iv)
			if err != nil {
				return err
			}
			raw := io.NewSectionReader(fs.backing, content.offset, ctrutil.RoundUp(content.Size, 16))
			src = cipherio.NewBlockReader(raw, cbc)
		} else {
			src = io.NewSectionReader(fs.backing, content.offset, content.Size)
		}

		hash := sha256.New()
		if _, err := io.CopyN(hash, src, content.Size); err != nil {
			return fmt.Errorf("cia: content %s: %w", content.ID, err)
		}
		if !bytes.Equal(hash.Sum(nil), content.Hash) {
			return fmt.Errorf("cia: content %s: hash mismatch, expected %s", content.ID, content.Hash)
		}
	}
	return nil
}

// titleCategoryDSi reports whether a title id belongs to the DSi-mode
// category, whose content 0 is an SRL instead of an NCCH.
func titleCategoryDSi(titleID uint64) bool {
	return fmt.Sprintf("%016x", titleID)[3:5] == "48"
}

func (fs *CIA) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, true)
}

func (fs *CIA) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *CIA) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *CIA) WriteAt(path string, p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (fs *CIA) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.size, fs.tree.fileCount()), nil
}
