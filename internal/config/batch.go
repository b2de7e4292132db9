package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
	"github.com/spf13/viper"
)

// Built-in defaults applied after the configured default queue
const (
	DefaultPPN      = 1
	DefaultScript   = 5 * time.Minute
	DefaultMissing  = 10 * time.Minute
	DefaultComplete = 2 * time.Minute
	DefaultLogCheck = 15 * time.Second
)

// Timeouts are the named reconciliation timeouts of a queue
type Timeouts struct {
	Script   time.Duration `mapstructure:"script" yaml:"script,omitempty"`     // queue done, waiting for the log start marker
	Missing  time.Duration `mapstructure:"missing" yaml:"missing,omitempty"`   // submitted, no evidence at all
	Complete time.Duration `mapstructure:"complete" yaml:"complete,omitempty"` // started, waiting for the stop marker
	LogCheck time.Duration `mapstructure:"logcheck" yaml:"logcheck,omitempty"` // minimum interval between log reads
}

// QueueConfig holds the limits and timeouts of one queue.
// A zero field means "not set here" and is filled in from the default queue.
type QueueConfig struct {
	PPN      int           `mapstructure:"ppn" yaml:"ppn,omitempty"`
	MaxTime  time.Duration `mapstructure:"maxtime" yaml:"maxtime,omitempty"`
	MaxCores int           `mapstructure:"maxcores" yaml:"maxcores,omitempty"`
	MaxNodes int           `mapstructure:"maxnodes" yaml:"maxnodes,omitempty"`
	Timeouts `mapstructure:",squash" yaml:",inline"`
}

// BatchConfig is the per-site batch configuration
type BatchConfig struct {
	Type    string                 `yaml:"type"`
	Default QueueConfig            `yaml:"default"`
	Queues  map[string]QueueConfig `yaml:"queues,omitempty"`
}

// DefaultBatchConfig returns the built-in configuration for the local process backend
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Type: "proc",
		Default: QueueConfig{
			PPN: DefaultPPN,
			Timeouts: Timeouts{
				Script:   DefaultScript,
				Missing:  DefaultMissing,
				Complete: DefaultComplete,
				LogCheck: DefaultLogCheck,
			},
		},
		Queues: map[string]QueueConfig{},
	}
}

// ParseQueueConfig parses the string form of a queue configuration,
// e.g. "ppn=16,maxtime=24h,maxnodes=500,missing=10m".
func ParseQueueConfig(s string) (QueueConfig, error) {
	var q QueueConfig
	pairs, err := utils.ParseKeyValues(s)
	if err != nil {
		return q, err
	}
	for _, kv := range pairs {
		if err := q.set(kv[0], kv[1]); err != nil {
			return QueueConfig{}, err
		}
	}
	return q, nil
}

func (q *QueueConfig) set(key, val string) error {
	parseInt := func() (int, error) {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid value for %s: %q", key, val)
		}
		return n, nil
	}
	parseDur := func() (time.Duration, error) {
		d, err := utils.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return d, nil
	}

	var err error
	switch key {
	case "ppn":
		q.PPN, err = parseInt()
	case "maxcores":
		q.MaxCores, err = parseInt()
	case "maxnodes":
		q.MaxNodes, err = parseInt()
	case "maxtime":
		q.MaxTime, err = parseDur()
	case "script":
		q.Script, err = parseDur()
	case "missing":
		q.Missing, err = parseDur()
	case "complete":
		q.Complete, err = parseDur()
	case "logcheck":
		q.LogCheck, err = parseDur()
	default:
		return fmt.Errorf("unknown queue setting %q", key)
	}
	return err
}

// String renders q in the same form ParseQueueConfig accepts. Unset fields are omitted.
func (q QueueConfig) String() string {
	var parts []string
	addInt := func(k string, v int) {
		if v > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, v))
		}
	}
	addDur := func(k string, v time.Duration) {
		if v > 0 {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	addInt("ppn", q.PPN)
	addDur("maxtime", q.MaxTime)
	addInt("maxcores", q.MaxCores)
	addInt("maxnodes", q.MaxNodes)
	addDur("script", q.Script)
	addDur("missing", q.Missing)
	addDur("complete", q.Complete)
	addDur("logcheck", q.LogCheck)
	return strings.Join(parts, ",")
}

// Merge returns q with every unset field taken from base
func (q QueueConfig) Merge(base QueueConfig) QueueConfig {
	pickInt := func(v, b int) int {
		if v > 0 {
			return v
		}
		return b
	}
	pickDur := func(v, b time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return b
	}
	return QueueConfig{
		PPN:      pickInt(q.PPN, base.PPN),
		MaxTime:  pickDur(q.MaxTime, base.MaxTime),
		MaxCores: pickInt(q.MaxCores, base.MaxCores),
		MaxNodes: pickInt(q.MaxNodes, base.MaxNodes),
		Timeouts: Timeouts{
			Script:   pickDur(q.Script, base.Script),
			Missing:  pickDur(q.Missing, base.Missing),
			Complete: pickDur(q.Complete, base.Complete),
			LogCheck: pickDur(q.LogCheck, base.LogCheck),
		},
	}
}

// Queue resolves the settings of a named queue: the queue entry, then the
// configured default, then the built-in defaults. An unknown or empty
// name resolves to the default queue.
func (b BatchConfig) Queue(name string) QueueConfig {
	builtin := DefaultBatchConfig().Default
	resolved := b.Default.Merge(builtin)
	if name == "" {
		return resolved
	}
	if q, ok := b.Queues[strings.ToLower(name)]; ok {
		return q.Merge(resolved)
	}
	return resolved
}

// SetQueue parses spec and stores it under name. The name "default"
// replaces the default queue.
func (b *BatchConfig) SetQueue(name, spec string) error {
	q, err := ParseQueueConfig(spec)
	if err != nil {
		return fmt.Errorf("queue %s: %w", name, err)
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "default" {
		b.Default = q.Merge(b.Default)
		return nil
	}
	if b.Queues == nil {
		b.Queues = map[string]QueueConfig{}
	}
	b.Queues[name] = q
	return nil
}

// LoadBatchConfig reads the batch section of v. Queues may be given in
// string form or as maps:
//
//	batch:
//	  type: slurm
//	  default: "ppn=36,maxtime=24h"
//	  queues:
//	    short: "maxtime=4h,missing=5m"
//	    long:
//	      maxtime: 96h
//	      maxnodes: 64
func LoadBatchConfig(v *viper.Viper) (BatchConfig, error) {
	cfg := DefaultBatchConfig()
	if t := strings.TrimSpace(v.GetString("batch.type")); t != "" {
		cfg.Type = strings.ToLower(t)
	}

	if raw := v.Get("batch.default"); raw != nil {
		q, err := decodeQueueConfig(raw)
		if err != nil {
			return cfg, fmt.Errorf("batch.default: %w", err)
		}
		cfg.Default = q.Merge(cfg.Default)
	}

	for name, raw := range v.GetStringMap("batch.queues") {
		q, err := decodeQueueConfig(raw)
		if err != nil {
			return cfg, fmt.Errorf("batch.queues.%s: %w", name, err)
		}
		cfg.Queues[strings.ToLower(name)] = q
	}
	return cfg, nil
}

func decodeQueueConfig(raw any) (QueueConfig, error) {
	if s, ok := raw.(string); ok {
		return ParseQueueConfig(s)
	}
	var q QueueConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       toDurationHook(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &q,
	})
	if err != nil {
		return q, err
	}
	if err := dec.Decode(raw); err != nil {
		return QueueConfig{}, err
	}
	return q, nil
}

// toDurationHook accepts any form ParseDuration understands, and treats
// bare numbers as seconds
func toDurationHook() mapstructure.DecodeHookFuncType {
	durType := reflect.TypeOf(time.Duration(0))
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durType || f == durType {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			return utils.ParseDuration(data.(string))
		case reflect.Int, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		}
		return data, nil
	}
}
