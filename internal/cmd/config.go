package cmd

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, the config file, SWARM_*
environment variables and flags have been applied.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path := viper.ConfigFileUsed()
		if path == "" {
			path = config.ConfigFile() + " (not found)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	// Load first so an invalid configuration is reported rather than printed.
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	settings := viper.AllSettings()
	delete(settings, "config")
	delete(settings, "repo")

	data, err := yaml.Marshal(durationsAsStrings(settings))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// durationsAsStrings renders time.Duration values the way they are written
// in a config file.
func durationsAsStrings(m map[string]any) map[string]any {
	for k, v := range m {
		switch v := v.(type) {
		case time.Duration:
			m[k] = v.String()
		case map[string]any:
			m[k] = durationsAsStrings(v)
		}
	}
	return m
}
