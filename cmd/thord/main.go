package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "thord",
	Short: "THORD BLE-MIDI controller link",
	Long: `Connects to a THORD controller over Bluetooth Low Energy and:

- Decodes its BLE-MIDI stream into MIDI messages
- Tracks the orientation (heading, roll, pitch) it reports
- Forwards received MIDI to a local MIDI output port
- Sends text commands and MIDI messages back to the device`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("thord %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendMIDICmd)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("verbose", false, "Enable debug logging")
	flags.String("config", "", "Path to a YAML config file")
	flags.String("name", "", "Advertised device name to connect to (default THORD)")
	flags.String("address", "", "Connect to this device address instead of matching by name")
	flags.Duration("timeout", 0, "Connection timeout (default 30s)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
