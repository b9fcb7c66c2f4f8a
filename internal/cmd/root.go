package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/dropbridge/internal/config"
	"github.com/rudransh-shrivastava/dropbridge/internal/logger"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "dropbridge",
	Short:        "bridges browsers and command line peers to native AirDrop senders",
	Long:         `dropbridge advertises connected peers over mDNS and relays Discover, Ask and Upload requests from native senders to them`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config and applies --log-level.
func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return cfg, nil, err
		}
	}
	return cfg, logger.NewLoggerWithLevel(cfg.LogLevel), nil
}
