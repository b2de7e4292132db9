package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
)

var (
	debugMode bool
	quietMode bool
	logFile   string
	envFile   string

	// engineLog receives structured engine events (submissions, polls, timeouts)
	engineLog = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "vvbatch",
	Short:         "vvbatch: submit shell jobs to SLURM/PBS/MOAB or local processes and track them to completion.",
	Version:       config.VERSION,
	SilenceErrors: true,
	SilenceUsage:  true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.DebugMode = debugMode
		utils.QuietMode = quietMode

		// Step 1: Environment file (before viper reads the environment)
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
			utils.PrintDebug("Loaded environment from %s", utils.StylePath(envFile))
		}

		// Step 2: Load defaults
		config.LoadDefaults()

		// Step 3: Initialize Viper (read config file, env vars)
		if err := config.InitViper(); err != nil {
			utils.PrintWarning("%v", err)
		}

		// Step 4: Load values from Viper into Global config
		if err := config.LoadFromViper(); err != nil {
			return err
		}

		// Step 5: Apply command-line flags (highest priority)
		config.Global.Debug = debugMode
		config.Global.Quiet = quietMode
		if logFile != "" {
			config.Global.LogFile = logFile
		}
		if debugMode {
			utils.PrintDebug("Debug mode enabled")
			utils.PrintDebug("vvbatch Version: %s", utils.StyleInfo(config.VERSION))
			utils.PrintDebug("Batch Type: %s", utils.StyleName(config.Global.Batch.Type))
			utils.PrintDebug("Ledger: %s", utils.StylePath(config.Global.LedgerPath))
		}

		// Step 6: Engine logger
		l, err := newEngineLogger(config.Global.LogFile, debugMode)
		if err != nil {
			return err
		}
		engineLog = l
		return nil
	},

	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = engineLog.Sync()
	},
}

// newEngineLogger writes JSON to path when set, a development console log
// in debug mode, and nothing otherwise.
func newEngineLogger(path string, debug bool) (*zap.Logger, error) {
	if path != "" {
		if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{"stderr"}
		if debug {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		l, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		return l, nil
	}
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}

// underscoreFlags lets flags be spelled like config keys (--output_dir)
func underscoreFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if err != errJobsNotOK {
			utils.PrintError("%v", err)
		}
		os.Exit(1)
	}
}

func init() {
	// Subcommands are attached to rootCmd in their respective init() functions
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug mode with verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Only print warnings, errors and results")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write the JSON engine log to this file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file first")
	rootCmd.SetGlobalNormalizationFunc(underscoreFlags)
}
