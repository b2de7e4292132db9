package config

import (
	"time"
)

const VERSION = "0.3.0"

// Config holds global application settings
type Config struct {
	Debug   bool
	Quiet   bool
	Version string

	// Batch is the backend type and per-queue limits
	Batch BatchConfig

	OutputDir   string        // where scripts and logs are written (default: cwd)
	LedgerPath  string        // sqlite result ledger ("" disables it)
	MetricsFile string        // Prometheus textfile written after each run
	LogFile     string        // JSON engine log
	ProcGrace   time.Duration // SIGTERM to SIGKILL grace for local processes
	Account     string        // default account for submitted jobs
}

// Global holds the singleton configuration instance
var Global Config

// LoadDefaults resets Global to the built-in defaults
func LoadDefaults() {
	Global = Config{
		Debug:      false,
		Quiet:      false,
		Version:    VERSION,
		Batch:      DefaultBatchConfig(),
		LedgerPath: DefaultLedgerPath(),
		ProcGrace:  5 * time.Second,
	}
}
