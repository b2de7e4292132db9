package scheduler

import (
	"fmt"
	"io"

	"github.com/rrdrake/vvtools-sub002/internal/job"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
)

// shebang is the interpreter line of every generated script
const shebang = "#!/bin/bash"

// headerWriter writes header lines and keeps the first write error
type headerWriter struct {
	w      io.Writer
	prefix string // directive prefix, e.g. "#SBATCH"
	err    error
}

func newHeaderWriter(w io.Writer, prefix string) *headerWriter {
	h := &headerWriter{w: w, prefix: prefix}
	h.line(shebang)
	return h
}

func (h *headerWriter) line(format string, a ...interface{}) {
	if h.err != nil {
		return
	}
	_, h.err = fmt.Fprintf(h.w, format+"\n", a...)
}

func (h *headerWriter) directive(format string, a ...interface{}) {
	h.line(h.prefix+" "+format, a...)
}

// finish writes the cd into the working directory and returns the first error
func (h *headerWriter) finish(spec *job.Spec) error {
	if spec.WorkDir != "" {
		h.line("cd %s || exit 1", shellQuote(spec.WorkDir))
	}
	return h.err
}

// jobName returns a directive-safe job name
func jobName(spec *job.Spec) string {
	if spec.Name == "" {
		return "vvbatch"
	}
	return utils.SafeName(spec.Name)
}

// coresFor returns the requested core count with a floor of one
func coresFor(spec *job.Spec) int {
	if spec.Cores <= 0 {
		return 1
	}
	return spec.Cores
}
