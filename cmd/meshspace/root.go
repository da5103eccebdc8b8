package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshspace/meshspace/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshspace",
	Short: "Virtual room server for peer-to-peer video, screen sharing, and shared text boards",
	Long: `Meshspace hosts virtual rooms where participants connect to each other
directly over WebRTC. The server is only a signaling relay plus durable
storage for each room's text boards; media and room state flow peer to
peer once the mesh is up.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
