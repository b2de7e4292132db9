package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rrdrake/vvtools-sub002/internal/config"
)

// detectShell auto-detects the current shell from environment
func detectShell() string {
	shell := strings.ToLower(os.Getenv("SHELL"))
	switch {
	case strings.Contains(shell, "fish"):
		return "fish"
	case strings.Contains(shell, "zsh"):
		return "zsh"
	case strings.Contains(shell, "pwsh"), strings.Contains(shell, "powershell"):
		return "powershell"
	}
	return "bash"
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for vvbatch.

If no shell is specified, it is auto-detected from $SHELL.

To load completions:

Bash:
  $ source <(vvbatch completion bash)

Zsh:
  $ vvbatch completion zsh > "${fpath[1]}/_vvbatch"

Fish:
  $ vvbatch completion fish > ~/.config/fish/completions/vvbatch.fish

PowerShell:
  PS> vvbatch completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		shell := detectShell()
		if len(args) > 0 {
			shell = args[0]
		}

		switch shell {
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return cmd.Root().GenBashCompletionV2(os.Stdout, true)
	},
}

// batchTypeCompletion completes --batch with the supported batch types
func batchTypeCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return strings.Split(kindList(), ", "), cobra.ShellCompDirectiveNoFileComp
}

// queueCompletion completes --queue with the configured queue names
func queueCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return queueNames(config.Global.Batch, ""), cobra.ShellCompDirectiveNoFileComp
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
