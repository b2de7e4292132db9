package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/scheduler"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
)

var (
	showPath  bool
	initForce bool
)

// configKeys is the list of known configuration keys for shell completion
var configKeys = []string{
	"batch.type",
	"batch.default",
	"output_dir",
	"ledger",
	"metrics_file",
	"log_file",
	"proc_grace",
	"account",
}

// configKeysCompletion returns config keys for shell completion
func configKeysCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return configKeys, cobra.ShellCompDirectiveNoFileComp
	}
	if len(args) == 1 {
		return configValueCompletion(args[0]), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

// configValueCompletion returns suggested values for a config key
func configValueCompletion(key string) []string {
	switch key {
	case "batch.type":
		names := strings.Split(kindList(), ", ")
		sort.Strings(names)
		return names
	case "proc_grace":
		return []string{"2s", "5s", "10s", "30s"}
	case "batch.default":
		return []string{"ppn=16,maxtime=24h", "script=5m,missing=10m,complete=2m,logcheck=15s"}
	default:
		return nil
	}
}

// getConfigEnvVars returns the environment variable for every config key
func getConfigEnvVars() []string {
	vars := make([]string, 0, len(configKeys))
	for _, key := range configKeys {
		vars = append(vars, "VVBATCH_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
	sort.Strings(vars)
	return vars
}

// configView is the effective configuration as rendered by `config show`
type configView struct {
	Batch       config.BatchConfig `yaml:"batch"`
	OutputDir   string             `yaml:"output_dir,omitempty"`
	Ledger      string             `yaml:"ledger,omitempty"`
	MetricsFile string             `yaml:"metrics_file,omitempty"`
	LogFile     string             `yaml:"log_file,omitempty"`
	ProcGrace   string             `yaml:"proc_grace"`
	Account     string             `yaml:"account,omitempty"`
}

func newConfigView(c config.Config) configView {
	return configView{
		Batch:       c.Batch,
		OutputDir:   c.OutputDir,
		Ledger:      c.LedgerPath,
		MetricsFile: c.MetricsFile,
		LogFile:     c.LogFile,
		ProcGrace:   c.ProcGrace.String(),
		Account:     c.Account,
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage vvbatch configuration",
	Long: `Manage vvbatch configuration settings.

Configuration priority (highest to lowest):
  1. Command-line flags
  2. Environment variables (VVBATCH_*, optionally loaded from --env-file)
  3. Config file (first config.yaml found in the search paths)
  4. Defaults

Queues are configured under batch.queues, either as strings
("ppn=16,maxtime=24h,maxnodes=500") or as maps with the same keys.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the config file search paths and the effective configuration
as YAML.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showPath {
			configPath, err := config.GetUserConfigPath()
			if err != nil {
				return fmt.Errorf("failed to get config path: %w", err)
			}
			fmt.Println(configPath)
			return nil
		}

		fmt.Println(utils.StyleTitle("Config File Search Paths:"))
		inUse := viper.ConfigFileUsed()
		for i, dir := range config.GetConfigSearchPaths() {
			status := ""
			if inUse != "" && strings.HasPrefix(inUse, dir+string(os.PathSeparator)) {
				status = " " + utils.StyleSuccess("← in use")
			}
			fmt.Printf("  %d. %s%s\n", i+1, dir, status)
		}
		if inUse == "" {
			fmt.Printf("  %s\n", utils.StyleWarning("no config file found, using defaults"))
		}
		fmt.Println()

		out, err := yaml.Marshal(newConfigView(config.Global))
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Println(utils.StyleTitle("Effective Configuration:"))
		fmt.Print(string(out))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a specific configuration value.

Examples:
  vvbatch config get batch.type
  vvbatch config get proc_grace`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: configKeysCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		value := viper.Get(args[0])
		if value == nil {
			return fmt.Errorf("unknown config key: %s", args[0])
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the user config file.

Examples:
  vvbatch config set batch.type slurm
  vvbatch config set batch.queues.short "maxtime=1h,ppn=36"`,
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: configKeysCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := strings.ToLower(args[0]), args[1]
		if err := validateConfigValue(key, value); err != nil {
			return err
		}
		viper.Set(key, value)
		if err := config.SaveConfig(); err != nil {
			return err
		}
		utils.PrintSuccess("Set %s = %s", utils.StyleName(key), value)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a user config file with defaults",
	Long: `Create the user configuration file with default values and the
auto-detected batch type.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := config.GetUserConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
		if utils.FileExists(configPath) && !initForce {
			utils.PrintWarning("Config file already exists: %s", utils.StylePath(configPath))
			utils.PrintHint("Use --force to overwrite it")
			return nil
		}
		if viper.GetString("batch.type") == "" {
			viper.Set("batch.type", config.Global.Batch.Type)
		}
		if err := config.SaveConfig(); err != nil {
			return err
		}
		utils.PrintSuccess("Created config file %s", utils.StylePath(configPath))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the configuration is usable",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := scheduler.New(config.Global.Batch.Type, scheduler.Options{}); err != nil {
			return err
		}
		for _, name := range queueNames(config.Global.Batch, "") {
			utils.PrintMessage("Queue %s: %s", utils.StyleName(name), config.Global.Batch.Queue(name).String())
		}
		utils.PrintSuccess("Configuration is valid")
		return nil
	},
}

// validateConfigValue rejects values that would make the config unloadable
func validateConfigValue(key, value string) error {
	switch {
	case key == "batch.type":
		for _, k := range scheduler.Kinds() {
			if string(k) == strings.ToLower(value) {
				return nil
			}
		}
		return fmt.Errorf("invalid batch type %q: expected one of %s", value, kindList())
	case key == "proc_grace":
		if _, err := utils.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid proc_grace: %w", err)
		}
	case key == "batch.default" || strings.HasPrefix(key, "batch.queues."):
		if _, err := config.ParseQueueConfig(value); err != nil {
			return fmt.Errorf("invalid queue config: %w", err)
		}
	}
	return nil
}

func init() {
	configShowCmd.Flags().BoolVar(&showPath, "path", false, "Show only the user config file path")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(configCmd)
}
