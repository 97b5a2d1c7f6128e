package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/connesc/ninvfs"
)

func init() {
	extractCmd.Flags().AddFlagSet(&mountFlags)
	rootCmd.AddCommand(extractCmd)
}

var extractCmd = &cobra.Command{
	Use:   "extract image dir",
	Short: "Extract the virtual tree of an image",
	Long:  "Mount an image and copy every entry of its virtual tree into a directory",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		fsys, closeFS, err := openImage(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to mount image: %v\n", err)
			os.Exit(3)
		}
		defer closeFS()

		if err := extractTree(fsys, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to extract image: %v\n", err)
			os.Exit(3)
		}
	},
}

func extractTree(fsys ninvfs.FS, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return walkTree(fsys, "/", func(path string, attr ninvfs.Attr) error {
		target := filepath.Join(dest, filepath.FromSlash(path))
		if attr.Dir {
			return os.MkdirAll(target, 0o755)
		}
		return extractFile(fsys, path, target, attr.Size)
	})
}

func extractFile(fsys ninvfs.FS, path, target string, size int64) error {
	src, err := ninvfs.NewVirtualFile(fsys, path)
	if err != nil {
		return err
	}

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, io.NewSectionReader(src, 0, size)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return out.Close()
}
