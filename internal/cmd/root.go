package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/connesc/ninvfs/crypt"
)

var (
	boot9Path  string
	seedDBPath string
	devUnit    bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ninvfs",
	Short: "Inspect and extract Nintendo console images as virtual filesystems",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&boot9Path, "boot9", "", "path to an ARM9 bootROM dump")
	flags.StringVar(&seedDBPath, "seeddb", "", "path to a seeddb.bin dump")
	flags.BoolVar(&devUnit, "dev", false, "use development unit keys")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// configDirs lists the directories searched for bootrom and seeddb dumps.
func configDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".3ds"), filepath.Join(home, "3ds")}
}

// newEngine builds a crypto engine from the persistent flags. A missing
// bootrom is tolerated here: formats that need it fail on their own with a
// more precise error.
func newEngine() *crypt.Engine {
	engine := crypt.NewEngine(devUnit)
	dirs := configDirs()
	if err := engine.LoadBoot9(boot9Path, dirs); err != nil {
		slog.Debug("bootrom not loaded", "error", err)
	}
	if err := engine.LoadSeedDBFile(seedDBPath, dirs); err != nil {
		slog.Debug("seeddb not loaded", "error", err)
	}
	return engine
}

// Execute the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
