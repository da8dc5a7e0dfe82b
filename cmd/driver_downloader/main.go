package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:               "driver_downloader",
	Short:             "Resumable, verified HTTP downloads for printer drivers and other large files",
	Version:           version,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		die("%v", err)
	}
}

func die(format string, args ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}

	_, _ = fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
