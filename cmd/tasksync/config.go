package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TheMichaelB/tasksync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write an example config file",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"skipConfig": "true"},
	RunE:        runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "tasksync.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.SaveExample(path); err != nil {
		return err
	}

	report(map[string]interface{}{"success": true, "path": path}, "Wrote %s", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if shown.Remote.Token != "" {
		shown.Remote.Token = "<redacted>"
	}
	if shown.Identity.SigningSecret != "" {
		shown.Identity.SigningSecret = "<redacted>"
	}
	if shown.Server.SigningSecret != "" {
		shown.Server.SigningSecret = "<redacted>"
	}

	if jsonOutput {
		printJSON(shown)
		return nil
	}

	data, err := yaml.Marshal(shown)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
