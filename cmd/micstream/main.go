package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "micstream",
		Short:   "Stream microphone audio as raw float32 PCM",
		Version: Version + " (" + Commit + ")",
		Long: `micstream captures a microphone and writes its first channel as raw
little-endian float32 samples, or one JSON line per captured frame.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file (default is the platform config dir)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newRecordCmd())
	root.AddCommand(newDevicesCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
