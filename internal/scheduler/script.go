package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/job"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
)

// Composer renders job scripts for a backend
type Composer struct {
	Backend   Backend
	Batch     config.BatchConfig
	OutputDir string // where scripts go when the spec has no path (default: work dir, then cwd)

	newID func() string
}

// NewComposer creates a composer for b
func NewComposer(b Backend, batch config.BatchConfig, outputDir string) *Composer {
	return &Composer{
		Backend:   b,
		Batch:     batch,
		OutputDir: outputDir,
		newID:     func() string { return uuid.NewString()[:8] },
	}
}

// Prepare fills in every derived field of spec: absolute script, log and
// work paths, cores per node, node count and the clamped walltime.
func (c *Composer) Prepare(spec *job.Spec) error {
	dir, err := c.scriptDir(spec)
	if err != nil {
		return NewScriptCreationError(spec.Name, c.OutputDir, err)
	}

	switch {
	case spec.ScriptPath != "":
		spec.ScriptPath = utils.AbsFrom(dir, spec.ScriptPath)
	case spec.Name != "":
		spec.ScriptPath = filepath.Join(dir, utils.SafeName(spec.Name)+c.Backend.Ext())
	default:
		spec.ScriptPath = filepath.Join(dir, "job-"+c.newID()+c.Backend.Ext())
	}
	scriptDir := filepath.Dir(spec.ScriptPath)

	if spec.LogPath != "" {
		spec.LogPath = utils.AbsFrom(scriptDir, spec.LogPath)
	} else {
		spec.LogPath = strings.TrimSuffix(spec.ScriptPath, filepath.Ext(spec.ScriptPath)) + ".log"
	}

	if spec.WorkDir == "" {
		spec.WorkDir = scriptDir
	} else if abs, err := filepath.Abs(spec.WorkDir); err == nil {
		spec.WorkDir = abs
	}

	return c.applyLimits(spec)
}

func (c *Composer) scriptDir(spec *job.Spec) (string, error) {
	dir := c.OutputDir
	if dir == "" {
		dir = spec.WorkDir
	}
	if dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}

// applyLimits fills cores per node from the queue and checks the queue limits
func (c *Composer) applyLimits(spec *job.Spec) error {
	q := c.Batch.Queue(spec.Queue)

	if spec.Cores <= 0 {
		spec.Cores = 1
	}
	if spec.PPN <= 0 {
		spec.PPN = q.PPN
	}
	if spec.Nodes <= 0 {
		spec.Nodes = c.Backend.ComputeNumNodes(spec.Cores, spec.PPN)
	}

	if q.MaxCores > 0 && spec.Cores > q.MaxCores {
		return &ValidationError{Field: "cores", Requested: spec.Cores, Limit: q.MaxCores, Queue: spec.Queue}
	}
	if q.MaxNodes > 0 && spec.Nodes > q.MaxNodes {
		return &ValidationError{Field: "nodes", Requested: spec.Nodes, Limit: q.MaxNodes, Queue: spec.Queue}
	}

	spec.Walltime = spec.Walltime.Truncate(time.Second)
	if q.MaxTime > 0 && (spec.Walltime <= 0 || spec.Walltime > q.MaxTime) {
		spec.Walltime = q.MaxTime
	}
	return nil
}

// Write prepares rec.Spec and writes the script: header, a blank line,
// then the command body verbatim. Returns the script path.
func (c *Composer) Write(rec *job.Record) (string, error) {
	spec := &rec.Spec
	if err := c.Prepare(spec); err != nil {
		return "", err
	}

	if err := utils.EnsureDir(filepath.Dir(spec.ScriptPath)); err != nil {
		return "", NewScriptCreationError(spec.Name, spec.ScriptPath, err)
	}
	if err := utils.EnsureDir(filepath.Dir(spec.LogPath)); err != nil {
		return "", NewScriptCreationError(spec.Name, spec.LogPath, err)
	}

	// a log left by an earlier run of the same job would be read as this run's
	if err := os.Remove(spec.LogPath); err != nil && !os.IsNotExist(err) {
		return "", NewScriptCreationError(spec.Name, spec.LogPath, err)
	}

	file, err := os.Create(spec.ScriptPath)
	if err != nil {
		return "", NewScriptCreationError(spec.Name, spec.ScriptPath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := c.Backend.WriteScriptHeader(writer, spec); err != nil {
		return "", NewScriptCreationError(spec.Name, spec.ScriptPath, err)
	}
	fmt.Fprintln(writer)
	body := spec.Command
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	writer.WriteString(body)
	if err := writer.Flush(); err != nil {
		return "", NewScriptCreationError(spec.Name, spec.ScriptPath, err)
	}

	// Make executable
	if err := os.Chmod(spec.ScriptPath, utils.PermExec); err != nil {
		return "", NewScriptCreationError(spec.Name, spec.ScriptPath, err)
	}

	utils.PrintDebug("Wrote %s script %s", c.Backend.Name(), utils.StylePath(spec.ScriptPath))
	return spec.ScriptPath, nil
}
