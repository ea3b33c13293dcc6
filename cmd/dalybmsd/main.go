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

func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "dalybmsd",
	Short: "Daly BMS telemetry acquisition and distribution pipeline",
	Long: `dalybmsd continuously reads battery telemetry from a Daly-family
Battery Management System over Bluetooth Low Energy, persists and caches
the readings, detects threshold-based fault conditions, and fans the data
out to live subscribers and a REST surface.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.PersistentFlags().String("config", "", "path to config.yaml")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error), overrides config")
}
