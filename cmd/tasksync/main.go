package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tasksync/internal/client"
	"github.com/TheMichaelB/tasksync/internal/config"
	"github.com/TheMichaelB/tasksync/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Offline-first sync for the task workspace",
	Long: `tasksync keeps a local, cached view of tasks, teams, projects,
notifications and users in sync with the remote store, and queues writes
made while offline until connectivity returns.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./tasksync.yaml, ~/.config/tasksync/tasksync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
	rootCmd.PersistentFlags().String("remote", "",
		"Remote store base URL")
	rootCmd.PersistentFlags().String("log-level", "",
		"Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{"success": false, "error": err.Error()})
		} else {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the logger before any command
// runs. Commands that only write files skip it.
func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd.Annotations["skipConfig"] == "true" {
		logger = events.NewNopLogger()
		return nil
	}

	loader := config.NewLoader(cfgFile)
	v := loader.Viper()
	if err := v.BindPFlag("remote.base_url", cmd.Root().PersistentFlags().Lookup("remote")); err != nil {
		return err
	}
	if err := v.BindPFlag("log.level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
		return err
	}

	loaded, err := loader.Load()
	if err != nil {
		return err
	}
	if verbose {
		loaded.Log.Level = "debug"
	}

	if err := loaded.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	log, err := events.NewLogger(&loaded.Log)
	if err != nil {
		return err
	}
	events.SetDefault(log)

	cfg = loaded
	logger = log
	if used := loader.ConfigFileUsed(); used != "" {
		logger.WithField("path", used).Debug("Loaded config")
	}
	return nil
}

// newClient wires a client from the loaded config.
func newClient() (*client.Client, error) {
	c, err := client.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}
