package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/connesc/ninvfs"
)

func init() {
	smdhCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(smdhCmd)
}

type smdhFile struct {
	File *string
	*ninvfs.SMDH
}

var smdhCmd = &cobra.Command{
	Use:   "smdh [file...]",
	Short: "Parse SMDH icon files",
	Long:  "Parse SMDH files given as arguments, or stdin if none is given",
	Run: func(cmd *cobra.Command, args []string) {
		processFiles(args, func(filename *string, input io.Reader) interface{} {
			smdh, err := ninvfs.ParseSMDH(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid SMDH: %v\n", err)
				os.Exit(3)
			}
			return smdhFile{
				File: filename,
				SMDH: smdh,
			}
		})
	},
}
