package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/connesc/ninvfs"
)

func init() {
	infoCmd.Flags().AddFlagSet(&mountFlags)
	infoCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(infoCmd)
}

type imageInfo struct {
	File    string
	Format  string
	Details interface{} `json:",omitempty"`
}

var infoCmd = &cobra.Command{
	Use:   "info [image...]",
	Short: "Summarize images as JSON",
	Long:  "Mount each image and print its format and parsed metadata",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		encoder := json.NewEncoder(os.Stdout)
		if !*compact {
			encoder.SetIndent("", "  ")
		}
		encoder.SetEscapeHTML(false)

		for _, arg := range args {
			fsys, closeFS, err := openImage(arg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Unable to mount image: %v\n", err)
				os.Exit(3)
			}

			encoder.Encode(imageInfo{
				File:    arg,
				Format:  formatOf(fsys),
				Details: fsys,
			})
			closeFS()
		}
	},
}

func formatOf(fsys ninvfs.FS) string {
	switch fsys.(type) {
	case *ninvfs.NCCH:
		return ninvfs.FormatNCCH.String()
	case *ninvfs.CCI:
		return ninvfs.FormatCCI.String()
	case *ninvfs.CIA:
		return ninvfs.FormatCIA.String()
	case *ninvfs.CDN:
		return "cdn"
	case *ninvfs.SD:
		return "sd"
	case *ninvfs.RomFS:
		return ninvfs.FormatRomFS.String()
	case *ninvfs.ExeFS:
		return ninvfs.FormatExeFS.String()
	case *ninvfs.SRL:
		return ninvfs.FormatSRL.String()
	case *ninvfs.NANDCTR:
		return ninvfs.FormatNANDCTR.String()
	case *ninvfs.NANDTWL:
		return ninvfs.FormatNANDTWL.String()
	case *ninvfs.NANDHAC:
		return ninvfs.FormatNANDHAC.String()
	case *ninvfs.NANDBB:
		return ninvfs.FormatNANDBB.String()
	}
	return ninvfs.FormatUnknown.String()
}
