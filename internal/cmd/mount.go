package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/connesc/ninvfs"
)

// mountFlags are shared by every command that opens an image.
var (
	mountFlags  pflag.FlagSet
	otpPath     = mountFlags.String("otp", "", "path to the console OTP dump (3DS NAND)")
	cidPath     = mountFlags.String("cid", "", "path to the eMMC CID dump (3DS and DSi NAND)")
	consoleID   = mountFlags.String("console-id", "", "console ID as hex (DSi NAND)")
	movablePath = mountFlags.String("movable", "", "path to movable.sed (SD card directory)")
	bisKeysPath = mountFlags.String("biskeys", "", "path to a BIS key dump (Switch NAND)")
	titleKeyHex = mountFlags.String("titlekey", "", "decrypted titlekey as hex (CDN without cetk)")
	readOnly    = mountFlags.Bool("ro", false, "open the image read-only")
)

// openImage mounts the image or directory at the given path, guessing its
// format. The returned function releases whatever the mount holds open.
func openImage(imagePath string) (ninvfs.FS, func() error, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return openDir(imagePath)
	}

	file, ro, err := openBacking(imagePath)
	if err != nil {
		return nil, nil, err
	}

	var writer io.WriterAt
	if !ro {
		writer = file
	}

	size := info.Size()
	engine := newEngine()

	var fsys ninvfs.FS
	switch format := ninvfs.Detect(file, size); format {
	case ninvfs.FormatNCCH:
		fsys, err = ninvfs.OpenNCCH(file, engine)
	case ninvfs.FormatCCI:
		fsys, err = ninvfs.OpenCCI(file, engine)
	case ninvfs.FormatCIA:
		fsys, err = ninvfs.OpenCIA(file, engine)
	case ninvfs.FormatRomFS:
		fsys, err = ninvfs.OpenRomFS(file)
	case ninvfs.FormatExeFS:
		fsys, err = ninvfs.OpenExeFS(file, true)
	case ninvfs.FormatSRL:
		fsys, err = ninvfs.OpenSRL(file)
	case ninvfs.FormatNANDCTR:
		var opts ninvfs.NANDCTROptions
		opts.ReadOnly = ro
		if opts.OTP, err = readOptionalFile(*otpPath); err != nil {
			break
		}
		if opts.CID, err = readOptionalFile(*cidPath); err != nil {
			break
		}
		fsys, err = ninvfs.OpenNANDCTR(file, size, writer, engine, opts)
	case ninvfs.FormatNANDTWL:
		var opts ninvfs.NANDTWLOptions
		opts.ReadOnly = ro
		if opts.CID, err = readOptionalFile(*cidPath); err != nil {
			break
		}
		if *consoleID != "" {
			if opts.ConsoleID, err = hex.DecodeString(*consoleID); err != nil {
				err = fmt.Errorf("invalid console ID: %w", err)
				break
			}
		}
		fsys, err = ninvfs.OpenNANDTWL(file, size, writer, engine, opts)
	case ninvfs.FormatNANDHAC:
		if *bisKeysPath == "" {
			err = fmt.Errorf("Switch NAND needs --biskeys")
			break
		}
		var keyDump []byte
		if keyDump, err = os.ReadFile(*bisKeysPath); err != nil {
			break
		}
		fsys, err = ninvfs.OpenNANDHAC(file, writer, string(keyDump), ro)
	case ninvfs.FormatNANDBB:
		fsys, err = ninvfs.OpenNANDBB(file, size)
	default:
		err = fmt.Errorf("unrecognized image format")
	}

	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return fsys, file.Close, nil
}

// openDir mounts a directory: a CDN title when it holds a tmd, otherwise an
// SD card contents directory when movable.sed is given.
func openDir(dir string) (ninvfs.FS, func() error, error) {
	if _, err := os.Stat(path.Join(dir, "tmd")); err == nil {
		var titleKey []byte
		if *titleKeyHex != "" {
			titleKey, err = hex.DecodeString(*titleKeyHex)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid titlekey: %w", err)
			}
		}
		cdn, err := ninvfs.OpenCDN(dir, newEngine(), titleKey)
		if err != nil {
			return nil, nil, err
		}
		return cdn, cdn.Close, nil
	}

	if *movablePath == "" {
		return nil, nil, fmt.Errorf("directory holds no tmd; pass --movable to mount SD contents")
	}
	movable, err := os.ReadFile(*movablePath)
	if err != nil {
		return nil, nil, err
	}
	sd, err := ninvfs.OpenSD(afero.NewOsFs(), dir, movable, newEngine(), *readOnly)
	if err != nil {
		return nil, nil, err
	}
	return sd, func() error { return nil }, nil
}

// openBacking opens the image file, falling back to read-only when the file
// cannot be written.
func openBacking(imagePath string) (*os.File, bool, error) {
	if !*readOnly {
		file, err := os.OpenFile(imagePath, os.O_RDWR, 0)
		if err == nil {
			return file, false, nil
		}
	}
	file, err := os.Open(imagePath)
	return file, true, err
}

func readOptionalFile(p string) ([]byte, error) {
	if p == "" {
		return nil, nil
	}
	return os.ReadFile(p)
}

// walkTree visits every entry below dir in listing order, directories before
// their contents.
func walkTree(fsys ninvfs.FS, dir string, visit func(path string, attr ninvfs.Attr) error) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		entryPath := path.Join(dir, entry.Name)
		attr, err := fsys.GetAttr(entryPath)
		if err != nil {
			return err
		}
		if err := visit(entryPath, attr); err != nil {
			return err
		}
		if attr.Dir {
			if err := walkTree(fsys, entryPath, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
