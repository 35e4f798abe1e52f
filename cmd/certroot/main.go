// Command certroot certifies files by anchoring their digests in an
// append-only ledger and answers verification requests over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/config"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "certroot",
	Short: "File integrity certification service",
	Long: `certroot digests the files dropped into its input directory, anchors each
digest in an append-only ledger, mirrors the (filename, digest, record id)
tuple into a queryable store and appends it to a CSV audit log. Anyone can
later upload a file to learn whether its exact content was certified.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/certroot.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rebuildMirrorCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the certroot version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("certroot %s\n", version)
	},
}
