package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rrdrake/vvtools-sub002/internal/utils"
	"github.com/spf13/viper"
)

// ConfigFilename is the name of the config file
const ConfigFilename = "config"

// ConfigType is the type of config file (yaml, json, toml)
const ConfigType = "yaml"

// InitViper initializes Viper with proper search paths and defaults
// Priority (highest to lowest):
// 1. Command-line flags (handled by cobra)
// 2. Environment variables (VVBATCH_*)
// 3. User config file (~/.config/vvbatch/config.yaml)
// 4. System config file (/etc/vvbatch/config.yaml)
// 5. Defaults
func InitViper() error {
	return initViper(viper.GetViper())
}

func initViper(v *viper.Viper) error {
	v.SetConfigName(ConfigFilename)
	v.SetConfigType(ConfigType)

	for _, p := range GetConfigSearchPaths() {
		v.AddConfigPath(p)
	}

	// VVBATCH_BATCH_TYPE -> batch.type
	v.SetEnvPrefix("VVBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (non-fatal if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	utils.PrintDebug("Using config file %s", utils.StylePath(v.ConfigFileUsed()))
	return nil
}

// setDefaults sets default values for all config keys
func setDefaults(v *viper.Viper) {
	v.SetDefault("batch.type", "")
	v.SetDefault("output_dir", "")
	v.SetDefault("ledger", DefaultLedgerPath())
	v.SetDefault("metrics_file", "")
	v.SetDefault("log_file", "")
	v.SetDefault("proc_grace", "5s")
	v.SetDefault("account", "")
}

// GetUserConfigPath returns the path to the user config file
func GetUserConfigPath() (string, error) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		// Fallback to home directory
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "."+AppName, ConfigFilename+"."+ConfigType), nil
	}

	return filepath.Join(userConfigDir, AppName, ConfigFilename+"."+ConfigType), nil
}

// SaveConfig saves current Viper config to user config file
func SaveConfig() error {
	configPath, err := GetUserConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if err := utils.EnsureDir(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DetectBatchType guesses the batch system from the commands found in PATH.
// Returns "proc" when no scheduler is installed.
func DetectBatchType() string {
	return detectBatchType(func(name string) bool {
		_, err := exec.LookPath(name)
		return err == nil
	})
}

func detectBatchType(has func(string) bool) string {
	switch {
	case has("sbatch"):
		return "slurm"
	case has("msub") && has("showq"):
		return "moab"
	case has("qsub") && has("apstat"):
		return "craypbs"
	case has("qsub"):
		return "pbs"
	}
	return "proc"
}

// LoadFromViper loads config from Viper into Global struct
func LoadFromViper() error {
	return loadFromViper(viper.GetViper())
}

func loadFromViper(v *viper.Viper) error {
	batch, err := LoadBatchConfig(v)
	if err != nil {
		return err
	}
	if v.GetString("batch.type") == "" {
		batch.Type = DetectBatchType()
		utils.PrintDebug("Detected batch type %s", utils.StyleName(batch.Type))
	}
	Global.Batch = batch

	if dir := v.GetString("output_dir"); dir != "" {
		Global.OutputDir = utils.ExpandHome(dir)
	}
	Global.LedgerPath = utils.ExpandHome(v.GetString("ledger"))
	if f := v.GetString("metrics_file"); f != "" {
		Global.MetricsFile = utils.ExpandHome(f)
	}
	if f := v.GetString("log_file"); f != "" {
		Global.LogFile = utils.ExpandHome(f)
	}
	if acct := v.GetString("account"); acct != "" {
		Global.Account = acct
	}
	if grace := v.GetString("proc_grace"); grace != "" {
		dur, err := utils.ParseDuration(grace)
		if err != nil {
			return fmt.Errorf("proc_grace: %w", err)
		}
		Global.ProcGrace = dur
	}
	return nil
}
