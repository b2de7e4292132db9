package cmd

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/scheduler"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
)

var schedulerQueue string

// backendCommands lists the external commands each batch type relies on
var backendCommands = map[scheduler.Kind][]string{
	scheduler.KindSLURM:   {"sbatch", "squeue", "scancel"},
	scheduler.KindPBS:     {"qsub", "qstat", "qdel"},
	scheduler.KindCrayPBS: {"qsub", "qstat", "qdel", "apstat"},
	scheduler.KindMOAB:    {"msub", "showq", "canceljob"},
	scheduler.KindProc:    {"sh"},
}

var schedulerCmd = &cobra.Command{
	Use:     "scheduler",
	Aliases: []string{"sched"},
	Short:   "Display the batch backend and queue configuration",
	Long: `Display the configured batch backend, whether its commands are installed,
and the resolved limits and timeouts of each configured queue.`,
	Example: `  vvbatch scheduler              # Show backend and queues
  vvbatch sched -p short         # Show how queue "short" resolves`,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.Flags().StringVarP(&schedulerQueue, "queue", "p", "", "Show only this queue")
	_ = schedulerCmd.RegisterFlagCompletionFunc("queue", queueCompletion)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	batch := config.Global.Batch
	backend, err := scheduler.New(batch.Type, scheduler.Options{Logger: engineLog})
	if err != nil {
		return err
	}

	fmt.Println("Scheduler Information:")
	fmt.Printf("  Type:      %s\n", utils.StyleInfo(backend.Name()))
	fmt.Printf("  Detected:  %s\n", utils.StyleInfo(config.DetectBatchType()))
	fmt.Printf("  Scripts:   *%s\n", backend.Ext())

	missing := missingCommands(backend.Name(), func(name string) bool {
		_, err := exec.LookPath(name)
		return err == nil
	})
	if len(missing) == 0 {
		fmt.Printf("  Status:    %s\n", utils.StyleSuccess("Available"))
	} else {
		fmt.Printf("  Status:    %s (missing %s)\n", utils.StyleError("Unavailable"), strings.Join(missing, ", "))
	}

	fmt.Println()
	fmt.Println("Queues:")
	for _, name := range queueNames(batch, schedulerQueue) {
		fmt.Printf("  %s: %s\n", utils.StyleName(name), batch.Queue(name).String())
	}
	return nil
}

// missingCommands returns the commands of kind that has reports absent
func missingCommands(kind string, has func(string) bool) []string {
	var missing []string
	for _, c := range backendCommands[scheduler.Kind(kind)] {
		if !has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// kindList renders the supported batch types for help text
func kindList() string {
	names := make([]string, 0, len(scheduler.Kinds()))
	for _, k := range scheduler.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

// queueNames returns "default" followed by the configured queues, or only
// the requested one
func queueNames(batch config.BatchConfig, only string) []string {
	if only != "" {
		return []string{strings.ToLower(only)}
	}
	names := make([]string, 0, len(batch.Queues))
	for name := range batch.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{"default"}, names...)
}
