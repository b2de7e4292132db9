package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/ledger"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
)

var (
	historyLimit  int
	historyMatch  string
	historyStatus []string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished jobs from the ledger",
	Long: `List jobs recorded by previous runs, newest first.

--match filters job names with a glob pattern; ** matches across "/" so
"suite/**" selects every job under suite/.`,
	Example: `  vvbatch history                       # Last 20 jobs
  vvbatch history -m 'nightly/**' -s fail,missing
  vvbatch history -l 0                  # Everything`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum number of jobs to show (0 = all)")
	historyCmd.Flags().StringVarP(&historyMatch, "match", "m", "", "Only jobs whose name matches this glob")
	historyCmd.Flags().StringSliceVarP(&historyStatus, "status", "s", nil, "Only jobs with these statuses (ok, fail, missing, killed)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyMatch != "" && !doublestar.ValidatePattern(historyMatch) {
		return fmt.Errorf("invalid pattern %q", historyMatch)
	}
	if config.Global.LedgerPath == "" {
		return fmt.Errorf("no ledger configured")
	}
	if !utils.FileExists(config.Global.LedgerPath) {
		utils.PrintMessage("No jobs recorded yet")
		return nil
	}

	store, err := ledger.Open(config.Global.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(0)
	if err != nil {
		return err
	}
	entries = filterEntries(entries, historyMatch, historyStatus, historyLimit)
	if len(entries) == 0 {
		utils.PrintMessage("No matching jobs")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tNAME\tBACKEND\tJOB ID\tSTATUS\tEXIT\tLOG")
	for _, e := range entries {
		finished := "-"
		if !e.Finished.IsZero() {
			finished = e.Finished.Format(time.DateTime)
		}
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprintf("%d", *e.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			finished, e.Name, e.Backend, e.JobID, utils.StyleExit(e.Status), exit, e.Log)
	}
	return tw.Flush()
}

// filterEntries keeps entries matching the name pattern and any of the
// statuses, then truncates to limit (0 = no limit). pattern must be valid.
func filterEntries(entries []ledger.Entry, pattern string, statuses []string, limit int) []ledger.Entry {
	want := map[string]bool{}
	for _, s := range statuses {
		want[strings.ToLower(strings.TrimSpace(s))] = true
	}

	var out []ledger.Entry
	for _, e := range entries {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, e.Name); !ok {
				continue
			}
		}
		if len(want) > 0 && !want[e.Status] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
