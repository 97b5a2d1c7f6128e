package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/connesc/ninvfs"
)

func init() {
	ticketCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(ticketCmd)
}

type ticketFile struct {
	File *string
	*ninvfs.Ticket
	DecryptedTitleKey ninvfs.Hex `json:",omitempty"`
}

var ticketCmd = &cobra.Command{
	Use:   "ticket [file...]",
	Short: "Parse ticket files",
	Long:  "Parse ticket files given as arguments, or stdin if none is given",
	Run: func(cmd *cobra.Command, args []string) {
		engine := newEngine()
		processFiles(args, func(filename *string, input io.Reader) interface{} {
			ticket, err := ninvfs.ParseTicket(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid ticket: %v\n", err)
				os.Exit(3)
			}

			// Decrypting the titlekey needs the bootrom common keys.
			var titleKey ninvfs.Hex
			if key, err := ticket.DecryptTitleKey(engine); err == nil {
				titleKey = key
			} else {
				slog.Debug("titlekey not decrypted", "error", err)
			}

			return ticketFile{
				File:              filename,
				Ticket:            ticket,
				DecryptedTitleKey: titleKey,
			}
		})
	},
}
