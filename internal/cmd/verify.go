package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/connesc/ninvfs"
)

func init() {
	verifyCmd.Flags().AddFlagSet(&mountFlags)
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify image",
	Short: "Verify the content hashes of a CIA or CDN title",
	Long:  "Mount a title and check its contents against the SHA-256 recorded in the TMD",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fsys, closeFS, err := openImage(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to mount image: %v\n", err)
			os.Exit(3)
		}
		defer closeFS()

		switch title := fsys.(type) {
		case *ninvfs.CIA:
			err = title.VerifyContents()
		case *ninvfs.CDN:
			err = title.VerifyContents()
		default:
			fmt.Fprintln(os.Stderr, "Image carries no content hashes")
			os.Exit(2)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			os.Exit(3)
		}
		fmt.Println("OK")
	},
}
