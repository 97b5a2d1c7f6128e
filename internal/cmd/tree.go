package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/connesc/ninvfs"
)

func init() {
	treeCmd.Flags().AddFlagSet(&mountFlags)
	rootCmd.AddCommand(treeCmd)
}

var treeCmd = &cobra.Command{
	Use:   "tree image",
	Short: "List the virtual tree of an image",
	Long:  "Mount an image and print every entry of its virtual tree",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fsys, closeFS, err := openImage(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to mount image: %v\n", err)
			os.Exit(3)
		}
		defer closeFS()

		err = walkTree(fsys, "/", func(path string, attr ninvfs.Attr) error {
			if attr.Dir {
				fmt.Printf("%s/\n", path)
			} else {
				fmt.Printf("%s\t%d\n", path, attr.Size)
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to walk image: %v\n", err)
			os.Exit(3)
		}
	},
}
