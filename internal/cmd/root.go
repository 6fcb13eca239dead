package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

// SetVersion records the build version reported by `swarm version`.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Plan-driven multi-agent orchestrator",
	Long: `Swarm executes a plan of agent steps in dependency waves. Every step
runs in its own git worktree, is verified by configurable gates and merged
into the run's base branch. Failures that cannot be retried away become
conflicts for a human to approve or reject; rejections revise the plan.

Run state lives under .swarm/ in the repository root.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/swarm/config.yaml)")
	rootCmd.PersistentFlags().StringP("repo", "C", "", "repository directory (default is the current directory)")
	rootCmd.PersistentFlags().String("state-dir", "", "run state directory (default is <repo>/.swarm)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("repo", rootCmd.PersistentFlags().Lookup("repo"))
	_ = viper.BindPFlag("paths.state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/swarm")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SWARM")
	// Replace dots with underscores for nested keys in env vars
	// e.g., SWARM_CONFLICTS_POLICY for conflicts.policy
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the swarm version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "swarm version %s\n", version)
	},
}
