package main

import (
	"log/slog"
	"os"

	"github.com/opengs/formdecode/config"
	"github.com/spf13/cobra"
)

var mainCMD = &cobra.Command{
	Use:   "formdecode",
	Short: "Decode HTTP form bodies",
	Long:  "Decodes multipart/form-data and application/x-www-form-urlencoded bodies, spooling large uploads to disk.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	mainCMD.PersistentFlags().String("config", "", "Path to the YAML configuration file. Defaults to ./config.yaml or /etc/formdecode/config.yaml when present")

	mainCMD.AddCommand(serveCMD)
	mainCMD.AddCommand(decodeCMD)
}

// loadConfig reads the configuration and installs the configured logger as
// the default one.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := mainCMD.Execute(); err != nil {
		os.Exit(1)
	}
}
