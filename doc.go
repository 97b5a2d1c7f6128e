// Package ninvfs exposes Nintendo console storage formats as virtual
// filesystems with transparent decryption.
//
// Supported containers include the 3DS formats (NCCH, ExeFS, RomFS, CIA,
// CDN titles, CCI cart dumps, NAND images, SD card contents), the DSi and
// iQue Player NAND layouts, Switch NAND images and DS ROMs. Each Open
// function parses the container header, derives the needed keys through the
// crypt package and returns an FS whose files read as decrypted plaintext.
// Reads and writes are random-access: only the touched cipher blocks are
// processed.
//
// Keys are never embedded. Console-unique material (boot9, OTP, movable.sed,
// BIS keys) must be supplied by the caller.
//
// This package comes with a CLI. You can install it like this:
//
//	go install github.com/connesc/ninvfs/cmd/ninvfs@latest
package ninvfs
