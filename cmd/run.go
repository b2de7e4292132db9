package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rrdrake/vvtools-sub002/internal/accountant"
	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/job"
	"github.com/rrdrake/vvtools-sub002/internal/ledger"
	"github.com/rrdrake/vvtools-sub002/internal/metrics"
	"github.com/rrdrake/vvtools-sub002/internal/scheduler"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
)

var (
	runFile        string
	runName        string
	runCores       int
	runTime        string
	runQueue       string
	runAccount     string
	runOutputDir   string
	runBatchType   string
	runMetricsFile string
	runNoLedger    bool
	runTimeout     string
	runPoll        string
)

// errJobsNotOK is returned after the summary when any job did not pass.
// The summary already said everything, so Execute prints nothing more.
var errJobsNotOK = errors.New("some jobs did not pass")

// cancelDrain bounds how long an interrupted run waits for cancelled jobs
const cancelDrain = time.Minute

var runCmd = &cobra.Command{
	Use:   "run [flags] <command>...",
	Short: "Submit commands as batch jobs and wait for them to finish",
	Long: `Submit each command as its own batch job, wait until every job is done,
and print a summary.

Each command runs in a generated script wrapped with start/stop markers so
the job's log shows when it really started and how it exited. Jobs are
classified as ok, fail, missing (never showed up) or killed (cancelled).

Commands come from the arguments or, with --file, one per line (blank lines
and lines starting with # are skipped).

Exits non-zero unless every job is ok.`,
	Example: `  vvbatch run "make test"                          # One job on the configured backend
  vvbatch run -n 16 -t 2h -p short "./sim a" "./sim b"
  vvbatch run --batch proc -f commands.txt         # Run locally
  vvbatch run --metrics-file /var/lib/node_exporter/vvbatch.prom -f nightly.txt`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Read commands from file, one per line")
	runCmd.Flags().StringVar(&runName, "name", "", "Job name (numbered when there are several commands)")
	runCmd.Flags().IntVarP(&runCores, "cores", "n", 1, "Cores per job")
	runCmd.Flags().StringVarP(&runTime, "time", "t", "", "Walltime per job (e.g. 2h, 1:30:00)")
	runCmd.Flags().StringVarP(&runQueue, "queue", "p", "", "Queue or partition")
	runCmd.Flags().StringVarP(&runAccount, "account", "A", "", "Account to charge")
	runCmd.Flags().StringVarP(&runOutputDir, "output-dir", "o", "", "Directory for scripts and logs")
	runCmd.Flags().StringVar(&runBatchType, "batch", "", "Batch type: "+kindList())
	runCmd.Flags().StringVar(&runMetricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile when done")
	runCmd.Flags().BoolVar(&runNoLedger, "no-ledger", false, "Do not record results in the ledger")
	runCmd.Flags().StringVar(&runTimeout, "timeout", "", "Cancel all jobs after this long")
	runCmd.Flags().StringVar(&runPoll, "poll", "", "Minimum delay between scheduler polls (default: queue logcheck)")

	_ = runCmd.RegisterFlagCompletionFunc("batch", batchTypeCompletion)
	_ = runCmd.RegisterFlagCompletionFunc("queue", queueCompletion)
}

func runRun(cmd *cobra.Command, args []string) error {
	commands, err := collectCommands(args, runFile)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return fmt.Errorf("no commands to run")
	}

	walltime, err := parseOptionalDuration("time", runTime)
	if err != nil {
		return err
	}
	timeout, err := parseOptionalDuration("timeout", runTimeout)
	if err != nil {
		return err
	}
	pollInterval, err := parseOptionalDuration("poll", runPoll)
	if err != nil {
		return err
	}

	batch := config.Global.Batch
	if runBatchType != "" {
		batch.Type = strings.ToLower(runBatchType)
	}
	queue := batch.Queue(runQueue)

	backend, err := scheduler.New(batch.Type, scheduler.Options{
		Logger: engineLog,
		PPN:    queue.PPN,
		Grace:  config.Global.ProcGrace,
	})
	if err != nil {
		return err
	}

	outputDir := runOutputDir
	if outputDir == "" {
		outputDir = config.Global.OutputDir
	}
	composer := scheduler.NewComposer(backend, batch, outputDir)

	opts := []accountant.Option{accountant.WithLogger(engineLog)}
	if pollInterval > 0 {
		opts = append(opts, accountant.WithPollInterval(pollInterval))
	}

	metricsFile := runMetricsFile
	if metricsFile == "" {
		metricsFile = config.Global.MetricsFile
	}
	var recorder *metrics.PrometheusRecorder
	if metricsFile != "" {
		recorder = metrics.NewPrometheusRecorder()
		opts = append(opts, accountant.WithRecorder(recorder))
	}

	if !runNoLedger && config.Global.LedgerPath != "" {
		store, err := ledger.Open(config.Global.LedgerPath)
		if err != nil {
			utils.PrintWarning("Results will not be recorded: %v", err)
		} else {
			defer store.Close()
			opts = append(opts, accountant.WithSink(store))
		}
	}

	acct := accountant.New(backend, batch, opts...)

	account := runAccount
	if account == "" {
		account = config.Global.Account
	}
	names := jobNames(runName, commands)
	var records []*job.Record
	for i, command := range commands {
		rec := job.NewRecord(job.Spec{
			Name:     names[i],
			Cores:    runCores,
			Walltime: walltime,
			Queue:    runQueue,
			Account:  account,
			Command:  job.WrapCommand(command),
		})
		if _, err := composer.Write(rec); err != nil {
			utils.PrintError("Job %s: %v", utils.StyleName(names[i]), err)
			continue
		}
		acct.Add(rec)
		records = append(records, rec)
	}
	if len(records) == 0 {
		return fmt.Errorf("no job scripts could be written")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	utils.PrintMessage("Submitting %s job(s) to %s", utils.StyleNumber(len(records)), utils.StyleInfo(backend.Name()))
	if err := acct.SubmitAll(ctx); err != nil {
		utils.PrintWarning("Some submissions failed:\n%v", err)
	}

	if acct.Active() {
		utils.PrintMessage("Waiting for %s job(s)", utils.StyleNumber(acct.Counts().Started))
		if err := acct.Wait(ctx); err != nil {
			drainCancelled(acct, err)
		}
	}

	printSummary(records)

	if recorder != nil {
		if err := recorder.WriteTextfile(metricsFile); err != nil {
			utils.PrintWarning("%v", err)
		} else {
			utils.PrintDebug("Metrics written to %s", utils.StylePath(metricsFile))
		}
	}

	if countPassed(records) != len(commands) {
		return errJobsNotOK
	}
	utils.PrintSuccess("All %d job(s) passed", len(records))
	return nil
}

// drainCancelled cancels every job after an interrupt or timeout and keeps
// polling for a bounded time so the cancellations are observed.
func drainCancelled(acct *accountant.Accountant, cause error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		utils.PrintWarning("Timeout reached, cancelling jobs")
	} else {
		utils.PrintWarning("Interrupted, cancelling jobs")
	}
	acct.Cancel(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), cancelDrain)
	defer cancel()
	if err := acct.Wait(ctx); err != nil {
		utils.PrintWarning("%d job(s) did not confirm cancellation", acct.Counts().Started+acct.Counts().Stopped)
	}
}

// collectCommands returns the argument commands followed by those in file
func collectCommands(args []string, file string) ([]string, error) {
	commands := make([]string, 0, len(args))
	for _, a := range args {
		if strings.TrimSpace(a) != "" {
			commands = append(commands, a)
		}
	}
	if file == "" {
		return commands, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read commands: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		commands = append(commands, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read commands: %w", err)
	}
	return commands, nil
}

// jobNames names one job per command. An explicit name is numbered when
// there are several commands; otherwise the name comes from the program.
func jobNames(name string, commands []string) []string {
	names := make([]string, len(commands))
	for i, c := range commands {
		switch {
		case name != "" && len(commands) == 1:
			names[i] = name
		case name != "":
			names[i] = fmt.Sprintf("%s-%d", name, i+1)
		default:
			base := "job"
			if fields := strings.Fields(c); len(fields) > 0 {
				base = filepath.Base(fields[0])
			}
			names[i] = fmt.Sprintf("%s-%d", base, i+1)
		}
	}
	return names
}

func parseOptionalDuration(flag, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := utils.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", flag, err)
	}
	return d, nil
}

// statusOf is the summary status: the classification, or "notrun" for jobs
// that were never resolved
func statusOf(snap job.Snapshot) string {
	if snap.Exit == job.ExitNone {
		return "notrun"
	}
	return string(snap.Exit)
}

func countPassed(records []*job.Record) int {
	n := 0
	for _, rec := range records {
		if rec.ExitStatus() == job.ExitOK {
			n++
		}
	}
	return n
}

func printSummary(records []*job.Record) {
	fmt.Println()
	fmt.Println(utils.StyleTitle("Summary:"))
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tJOB ID\tSTATUS\tEXIT\tRUNTIME\tLOG")
	for _, rec := range records {
		snap := rec.Snapshot()
		exit := "-"
		if snap.HasExit {
			exit = fmt.Sprintf("%d", snap.ExitCode)
		}
		runtime := "-"
		if !snap.Script.Start.IsZero() && !snap.Script.Stop.IsZero() {
			runtime = snap.Script.Stop.Sub(snap.Script.Start).String()
		}
		jobID := snap.JobID
		if jobID == "" {
			jobID = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			snap.Spec.Name, jobID, utils.StyleExit(statusOf(snap)), exit, runtime, snap.Spec.LogPath)
	}
	tw.Flush()

	passed := countPassed(records)
	fmt.Println()
	if passed == len(records) {
		return
	}
	utils.PrintWarning("%s of %s job(s) passed", utils.StyleNumber(passed), utils.StyleNumber(len(records)))
}
