package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

var (
	serverURL string
	dataDir   string
	insecure  bool
)

var rootCmd = &cobra.Command{
	Use:   "authgate",
	Short: "AuthGate is a progressive multi-factor login client",
	Long: `A login client that cascades through the strongest available
authentication factor: client certificate, then security key or platform
biometric, then password. Complete documentation is available at
https://github.com/jmcleod/authgate`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "https://localhost:8443", "Authentication server URL")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for persistent client state")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip server certificate verification (development only)")
}

func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "authgate")
	}
	return "./authgate-data"
}
