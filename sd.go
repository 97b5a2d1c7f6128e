package ninvfs

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

// SD mounts the "Nintendo 3DS" directory of an SD card, decrypting file
// contents transparently. The console encrypts each file with AES-CTR under
// the SD keyslot, with a per-file counter derived from its path.
type SD struct {
	// RootDir is the ID0 directory name derived from movable.sed.
	RootDir string

	fsys     afero.Fs
	root     string
	engine   *crypt.Engine
	mu       sync.Mutex
	readOnly bool
}

var _ FS = &SD{}

// OpenSD mounts the SD contents directory dir (on card: /Nintendo 3DS) from
// fsys. movable is the contents of movable.sed, which holds the SD KeyY.
func OpenSD(fsys afero.Fs, dir string, movable []byte, engine *crypt.Engine, readOnly bool) (*SD, error) {
	if len(movable) < 0x120 {
		return nil, &InvalidHeaderError{Format: "movable.sed", Reason: "file too small"}
	}
	keyY := movable[0x110:0x120]
	engine.SetKeyY(crypt.KeyslotSD, keyY)

	// The ID0 directory name is the key hash as four little-endian words.
	digest := sha256.Sum256(keyY)
	rootDir := fmt.Sprintf("%08x%08x%08x%08x",
		ctrutil.LE32(digest[:], 0), ctrutil.LE32(digest[:], 4),
		ctrutil.LE32(digest[:], 8), ctrutil.LE32(digest[:], 12))

	root := path.Join(dir, rootDir)
	if ok, err := afero.DirExists(fsys, root); err != nil {
		return nil, fmt.Errorf("sd: failed to stat %s: %w", root, err)
	} else if !ok {
		return nil, &InvalidHeaderError{Format: "SD", Reason: fmt.Sprintf("directory %s not found", rootDir)}
	}

	return &SD{
		RootDir:  rootDir,
		fsys:     fsys,
		root:     root,
		engine:   engine,
		readOnly: readOnly,
	}, nil
}

func (fs *SD) realPath(p string) string {
	return path.Join(fs.root, strings.TrimPrefix(p, "/"))
}

// encrypted reports whether the console encrypts the file at path. Dotfiles
// and DSiWare exports are stored in plaintext.
func (fs *SD) encrypted(p string) bool {
	if strings.HasPrefix(path.Base(p), ".") {
		return false
	}
	return !strings.Contains(strings.ToLower(p), "nintendo dsiware")
}

// counter derives the per-file counter: the SHA-256 halves of the UTF-16LE
// path below the ID1 directory, XORed together. The path is hashed in lower
// case with a terminating null.
func (fs *SD) counter(p string) ([]byte, error) {
	lower := strings.ToLower(p)
	if !strings.HasPrefix(lower, "/") {
		lower = "/" + lower
	}
	if len(lower) < 34 {
		return nil, &SectionNotFoundError{Path: p}
	}
	rel := lower[33:]

	encoded, err := utf16LE.NewEncoder().Bytes([]byte(rel))
	if err != nil {
		return nil, fmt.Errorf("sd: failed to encode path: %w", err)
	}
	digest := sha256.Sum256(append(encoded, 0, 0))

	counter := make([]byte, 16)
	for i := 0; i < 16; i++ {
		counter[i] = digest[i] ^ digest[16+i]
	}
	return counter, nil
}

func (fs *SD) GetAttr(p string) (Attr, error) {
	info, err := fs.fsys.Stat(fs.realPath(p))
	if err != nil {
		return Attr{}, &SectionNotFoundError{Path: p}
	}
	return Attr{
		Dir:      info.IsDir(),
		Size:     info.Size(),
		ReadOnly: fs.readOnly,
	}, nil
}

func (fs *SD) ReadDir(p string) ([]DirEntry, error) {
	infos, err := afero.ReadDir(fs.fsys, fs.realPath(p))
	if err != nil {
		return nil, &SectionNotFoundError{Path: p}
	}
	entries := make([]DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, DirEntry{Name: info.Name(), Dir: info.IsDir()})
	}
	return entries, nil
}

func (fs *SD) ReadAt(p string, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sd: negative offset %d", off)
	}

	f, err := fs.fsys.Open(fs.realPath(p))
	if err != nil {
		return 0, &SectionNotFoundError{Path: p}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("sd: failed to stat %s: %w", p, err)
	}
	size := info.Size()
	if off >= size {
		return 0, nil
	}
	if max := size - off; int64(len(buf)) > max {
		buf = buf[:max]
	}

	if !fs.encrypted(p) {
		n, err := f.ReadAt(buf, off)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}

	counter, err := fs.counter(p)
	if err != nil {
		return 0, err
	}

	aligned := off &^ 0xF
	pad := off - aligned
	raw := make([]byte, pad+int64(len(buf)))
	if _, err := f.ReadAt(raw, aligned); err != nil && err != io.EOF {
		return 0, fmt.Errorf("sd: read %s: %w", p, err)
	}

	stream, err := fs.engine.CTRAt(crypt.KeyslotSD, counter, aligned)
	if err != nil {
		return 0, err
	}
	stream.XORKeyStream(raw, raw)

	copy(buf, raw[pad:])
	return len(buf), nil
}

func (fs *SD) WriteAt(p string, buf []byte, off int64) (int, error) {
	if fs.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 {
		return 0, fmt.Errorf("sd: negative offset %d", off)
	}

	// One writer at a time: the backing afero filesystem gives no
	// atomicity guarantee for overlapping WriteAt calls.
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.fsys.OpenFile(fs.realPath(p), os.O_RDWR, 0)
	if err != nil {
		return 0, &SectionNotFoundError{Path: p}
	}
	defer f.Close()

	if !fs.encrypted(p) {
		return f.WriteAt(buf, off)
	}

	counter, err := fs.counter(p)
	if err != nil {
		return 0, err
	}

	// CTR is a stream cipher, so the keystream is just realigned to the
	// file offset. No read-modify-write needed.
	aligned := off &^ 0xF
	pad := off - aligned
	out := make([]byte, pad+int64(len(buf)))
	copy(out[pad:], buf)

	stream, err := fs.engine.CTRAt(crypt.KeyslotSD, counter, aligned)
	if err != nil {
		return 0, err
	}
	stream.XORKeyStream(out, out)

	return f.WriteAt(out[pad:], off)
}

func (fs *SD) StatFS(p string) (StatFS, error) {
	return StatFS{BlockSize: 4096}, nil
}
