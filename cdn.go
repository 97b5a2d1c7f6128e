package ninvfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/connesc/cipherio"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

// CDN mounts a title directory as downloaded from the CDN: a tmd file, an
// optional cetk ticket, and one discrete file per content named by its hex
// id. Contents missing on disk are skipped.
type CDN struct {
	TMD    *TMD
	Ticket *Ticket

	engine   *crypt.Engine
	tree     *dirTree
	opened   []*os.File
	contents []cdnContent
	size     int64
}

// cdnContent pairs a TMD record with its on-disk file.
type cdnContent struct {
	TMDContent
	file      *os.File
	decrypted bool
}

var _ FS = &CDN{}

// OpenCDN parses the tmd of a CDN title directory and mounts the contents
// that are present. The titlekey comes from the cetk when one exists,
// otherwise from titleKey, which may be the already decrypted key.
func OpenCDN(dir string, engine *crypt.Engine, titleKey []byte) (*CDN, error) {
	rawTMD, err := os.ReadFile(filepath.Join(dir, "tmd"))
	if err != nil {
		return nil, fmt.Errorf("cdn: failed to read tmd: %w", err)
	}

	tmd, err := ParseTMD(bytes.NewReader(rawTMD))
	if err != nil {
		return nil, err
	}

	fs := &CDN{
		TMD:    tmd,
		engine: engine,
		tree:   newDirTree(),
	}
	fs.tree.addFile("tmd.bin", "tmd.bin", newBytesSection(rawTMD))
	fs.tree.addFile("tmdchunks.bin", "tmdchunks.bin", newBytesSection(tmd.ChunkRecords))

	if cetk, err := os.ReadFile(filepath.Join(dir, "cetk")); err == nil {
		ticket, err := ParseTicket(bytes.NewReader(cetk))
		if err != nil {
			return nil, err
		}
		fs.Ticket = ticket
		fs.tree.addFile("ticket.bin", "ticket.bin", newBytesSection(cetk))

		titleKey, err = ticket.DecryptTitleKey(engine)
		if err != nil {
			return nil, err
		}
	}

	if titleKey != nil {
		engine.SetNormalKey(crypt.KeyslotDecryptedTitlekey, titleKey)
	}

	fs.initContents(dir, titleKey != nil)
	return fs, nil
}

// Close releases the content files held open by the mount.
func (fs *CDN) Close() error {
	var first error
	for _, f := range fs.opened {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (fs *CDN) initContents(dir string, haveTitleKey bool) {
	for _, content := range fs.TMD.Contents {
		id := fmt.Sprintf("%08x", uint32(content.ID))

		file, err := os.Open(filepath.Join(dir, id))
		if err != nil {
			file, err = os.Open(filepath.Join(dir, fmt.Sprintf("%08X", uint32(content.ID))))
		}
		if err != nil {
			slog.Warn("cdn: content not present, skipping", "id", id)
			continue
		}
		fs.opened = append(fs.opened, file)
		fs.size += content.Size
		fs.contents = append(fs.contents, cdnContent{
			TMDContent: content,
			file:       file,
			decrypted:  content.Encrypted() && haveTitleKey,
		})

		dirName := fmt.Sprintf("%04x.%08x", uint16(content.Index), uint32(content.ID))
		isSRL := content.Index == 0 && titleCategoryDSi(uint64(fs.TMD.TitleID))

		ext := ".ncch"
		if isSRL {
			ext = ".nds"
		}
		fileName := dirName + ext

		var section Section
		if content.Encrypted() {
			if !haveTitleKey {
				slog.Warn("cdn: no titlekey for encrypted content, exposing raw", "id", id)
				section = newPlainSection(file, 0, content.Size)
			} else {
				iv := make([]byte, 16)
				binary.BigEndian.PutUint16(iv[0:2], uint16(content.Index))
				section = &cbcSection{
					parent: file,
					engine: fs.engine,
					slot:   crypt.KeyslotDecryptedTitlekey,
					iv:     iv,
					size:   content.Size,
				}
			}
		} else {
			section = newPlainSection(file, 0, content.Size)
		}
		fs.tree.addFile(fileName, fileName, section)

		var nested FS
		if isSRL {
			nested, err = OpenSRL(section)
		} else {
			nested, err = OpenNCCH(section, fs.engine.Clone())
		}
		if err != nil {
			slog.Warn("cdn: failed to mount content", "name", fileName, "error", err)
		} else {
			fs.tree.addDir(dirName, dirName)
			fs.tree.setNested(dirName, nested)
		}
	}
}

// VerifyContents checks the contents present on disk against the SHA-256
// recorded in the TMD, streaming the decryption.
func (fs *CDN) VerifyContents() error {
	for _, content := range fs.contents {
		var src io.Reader
		if content.decrypted {
			iv := make([]byte, 16)
			binary.BigEndian.PutUint16(iv[0:2], uint16(content.Index))
			cbc, err := fs.engine.CBCDecrypter(crypt.KeyslotDecryptedTitlekey, iv)
			if err != nil {
				return err
			}
			raw := io.NewSectionReader(content.file, 0, ctrutil.RoundUp(content.Size, 16))
			src = cipherio.NewBlockReader(raw, cbc)
		} else {
			src = io.NewSectionReader(content.file, 0, content.Size)
		}

		hash := sha256.New()
		if _, err := io.CopyN(hash, src, content.Size); err != nil {
			return fmt.Errorf("cdn: content %s: %w", content.ID, err)
		}
		if !bytes.Equal(hash.Sum(nil), content.Hash) {
			return fmt.Errorf("cdn: content %s: hash mismatch, expected %s", content.ID, content.Hash)
		}
	}
	return nil
}

func (fs *CDN) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, true)
}

func (fs *CDN) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *CDN) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *CDN) WriteAt(path string, p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (fs *CDN) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.size, fs.tree.fileCount()), nil
}
