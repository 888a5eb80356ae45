package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anima-research/connectome/internal/log"
	"github.com/anima-research/connectome/internal/version"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "connectome",
	Short:   "Connectome - frame-driven runtime for long-lived autonomous agents",
	Long:    `Connectome hosts autonomous agents inside an event-driven space: a deterministic, phased frame pipeline over a versioned view of the world (VEIL), with replayable, content-addressed history.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./connectome.yaml)")

	rootCmd.PersistentFlags().String("space", "space", "space name (seeds the deterministic id generator)")
	rootCmd.PersistentFlags().Bool("reset", false, "start from empty state instead of restoring from persistence")
	rootCmd.PersistentFlags().String("storage", "./storage", "persistence storage directory")
	rootCmd.PersistentFlags().Bool("persistence", true, "enable persistence (use --persistence=false to disable)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")

	_ = viper.BindPFlag("space", rootCmd.PersistentFlags().Lookup("space"))
	_ = viper.BindPFlag("reset", rootCmd.PersistentFlags().Lookup("reset"))
	_ = viper.BindPFlag("persistence.storage_path", rootCmd.PersistentFlags().Lookup("storage"))
	_ = viper.BindPFlag("persistence.enabled", rootCmd.PersistentFlags().Lookup("persistence"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger, err := log.New(config.Logging.Level, config.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	log.SetLogger(logger)
}
