package ninvfs

import (
	"io"
	"strings"
)

// Attr describes a single entry of a mount.
type Attr struct {
	Dir      bool
	Size     int64
	ReadOnly bool
}

// DirEntry is one name in a directory listing, with its original case.
type DirEntry struct {
	Name string
	Dir  bool
}

// StatFS summarizes a mount for statfs-style queries.
type StatFS struct {
	BlockSize int64
	Blocks    int64
	Files     int64
}

// FS is the boundary implemented by every mount. Paths are slash-separated,
// start with "/", and resolve case-insensitively while listings keep the
// original case.
//
// Reads past the end of an entry return 0 bytes and no error. Writes to
// read-only entries return ErrReadOnly.
type FS interface {
	GetAttr(path string) (Attr, error)
	ReadDir(path string) ([]DirEntry, error)
	ReadAt(path string, p []byte, off int64) (int, error)
	WriteAt(path string, p []byte, off int64) (int, error)
	StatFS(path string) (StatFS, error)
}

// splitPath returns the first segment of a path and the remainder, both
// lowercased for resolution. The remainder keeps its leading slash, or is
// empty when the path has a single segment.
func splitPath(path string) (first, rest string) {
	path = strings.ToLower(strings.TrimPrefix(path, "/"))
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i:]
	}
	return path, ""
}

// isRoot reports whether the path names the mount root.
func isRoot(path string) bool {
	return path == "" || path == "/"
}

// VirtualFile exposes one entry of a mount as an io.ReaderAt and
// io.WriterAt, so that nested mounts read through their parent's own
// decryption path.
type VirtualFile struct {
	fs   FS
	path string
	size int64
}

var _ io.ReaderAt = &VirtualFile{}
var _ io.WriterAt = &VirtualFile{}

// NewVirtualFile opens the entry at path inside the given mount.
func NewVirtualFile(fsys FS, path string) (*VirtualFile, error) {
	attr, err := fsys.GetAttr(path)
	if err != nil {
		return nil, err
	}
	return &VirtualFile{fs: fsys, path: path, size: attr.Size}, nil
}

// Size of the underlying entry.
func (v *VirtualFile) Size() int64 {
	return v.size
}

func (v *VirtualFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := v.fs.ReadAt(v.path, p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (v *VirtualFile) WriteAt(p []byte, off int64) (int, error) {
	return v.fs.WriteAt(v.path, p, off)
}

// dirTree is the case-insensitive entry table shared by the mounts. Keys are
// lowercased paths; values keep the original case for listings.
type dirTree struct {
	entries map[string]*treeEntry
}

type treeEntry struct {
	name     string
	dir      bool
	section  Section
	children []string // lowercased child keys, in insertion order
	nested   FS       // set when a nested mount hangs below this entry
}

func newDirTree() *dirTree {
	t := &dirTree{entries: map[string]*treeEntry{}}
	t.entries[""] = &treeEntry{name: "", dir: true}
	return t
}

// addDir registers a directory at the given lowercased path.
func (t *dirTree) addDir(path, name string) *treeEntry {
	entry := &treeEntry{name: name, dir: true}
	t.add(path, entry)
	return entry
}

// addFile registers a file backed by the given section.
func (t *dirTree) addFile(path, name string, section Section) *treeEntry {
	entry := &treeEntry{name: name, section: section}
	t.add(path, entry)
	return entry
}

func (t *dirTree) add(path string, entry *treeEntry) {
	key := strings.ToLower(path)
	t.entries[key] = entry

	parent := ""
	if i := strings.LastIndexByte(key, '/'); i > 0 {
		parent = key[:i]
	}
	if p, ok := t.entries[parent]; ok {
		p.children = append(p.children, key)
	}
}

// lookup resolves a path to its entry, the remainder below a nested mount,
// and the entry itself.
func (t *dirTree) lookup(path string) (*treeEntry, bool) {
	key := strings.ToLower(strings.TrimPrefix(path, "/"))
	key = strings.TrimSuffix(key, "/")
	entry, ok := t.entries[key]
	return entry, ok
}

// resolve walks the path until it either finds an entry of this tree or
// crosses into a nested mount, in which case the nested FS and the remaining
// path are returned.
func (t *dirTree) resolve(path string) (entry *treeEntry, nested FS, rest string, err error) {
	key := strings.ToLower(strings.TrimPrefix(path, "/"))
	key = strings.TrimSuffix(key, "/")

	if entry, ok := t.entries[key]; ok {
		if entry.nested != nil {
			return entry, entry.nested, "/", nil
		}
		return entry, nil, "", nil
	}

	// Find the longest registered prefix holding a nested mount.
	prefix := key
	for {
		i := strings.LastIndexByte(prefix, '/')
		if i < 0 {
			break
		}
		prefix = prefix[:i]
		if entry, ok := t.entries[prefix]; ok && entry.nested != nil {
			return entry, entry.nested, key[len(prefix):], nil
		}
	}

	return nil, nil, "", &SectionNotFoundError{Path: path}
}

// getAttr implements FS.GetAttr over the tree.
func (t *dirTree) getAttr(path string, readOnly bool) (Attr, error) {
	entry, nested, rest, err := t.resolve(path)
	if err != nil {
		return Attr{}, err
	}
	if nested != nil {
		return nested.GetAttr(rest)
	}
	if entry.dir {
		return Attr{Dir: true, ReadOnly: readOnly}, nil
	}
	ro := readOnly || !entry.section.Writable()
	return Attr{Size: entry.section.Size(), ReadOnly: ro}, nil
}

// readDir implements FS.ReadDir over the tree.
func (t *dirTree) readDir(path string) ([]DirEntry, error) {
	entry, nested, rest, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	if nested != nil {
		return nested.ReadDir(rest)
	}
	if !entry.dir {
		return nil, &SectionNotFoundError{Path: path}
	}

	list := make([]DirEntry, 0, len(entry.children))
	for _, key := range entry.children {
		child := t.entries[key]
		list = append(list, DirEntry{Name: child.name, Dir: child.dir || child.nested != nil})
	}
	return list, nil
}

// readAt implements FS.ReadAt over the tree.
func (t *dirTree) readAt(path string, p []byte, off int64) (int, error) {
	entry, nested, rest, err := t.resolve(path)
	if err != nil {
		return 0, err
	}
	if nested != nil {
		return nested.ReadAt(rest, p, off)
	}
	if entry.dir || entry.section == nil {
		return 0, &SectionNotFoundError{Path: path}
	}
	return readSection(entry.section, p, off)
}

// writeAt implements FS.WriteAt over the tree.
func (t *dirTree) writeAt(path string, p []byte, off int64, readOnly bool) (int, error) {
	entry, nested, rest, err := t.resolve(path)
	if err != nil {
		return 0, err
	}
	if nested != nil {
		return nested.WriteAt(rest, p, off)
	}
	if entry.dir || entry.section == nil {
		return 0, &SectionNotFoundError{Path: path}
	}
	if readOnly {
		return 0, ErrReadOnly
	}
	writable, ok := entry.section.(WritableSection)
	if !ok || !entry.section.Writable() {
		return 0, ErrReadOnly
	}
	return writable.WriteAt(p, off)
}

// setNested hangs a nested mount below the entry at path.
func (t *dirTree) setNested(path string, fsys FS) {
	if entry, ok := t.lookup(path); ok {
		entry.nested = fsys
	}
}

// fileCount returns the number of file entries, for statfs.
func (t *dirTree) fileCount() int64 {
	var n int64
	for _, entry := range t.entries {
		if !entry.dir {
			n++
		}
	}
	return n
}

// statFS builds the statfs aggregate used by all container mounts.
func statFromSize(size, files int64) StatFS {
	const blockSize = 4096
	return StatFS{
		BlockSize: blockSize,
		Blocks:    (size + blockSize - 1) / blockSize,
		Files:     files,
	}
}
