package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for the ctxcache CLI. Layer names,
intents and log levels complete in flag values.

  $ ctxcache completion bash > /etc/bash_completion.d/ctxcache
  $ ctxcache completion zsh > "${fpath[1]}/_ctxcache"
  $ ctxcache completion fish > ~/.config/fish/completions/ctxcache.fish
  PS> ctxcache completion powershell | Out-String | Invoke-Expression
`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(out, true)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		}
		return fmt.Errorf("unsupported shell %q", args[0])
	},
}

// flagValues lists the fixed completions of flags by name. Flags are looked
// up on every command, so one entry covers --layer wherever it appears.
var flagValues = map[string][]string{
	"layer":     layer.Names,
	"intent":    {"reuse", "context", "knowledge"},
	"log-level": {"debug", "info", "warn", "error"},
	"transport": {"stdio", "http"},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(completionCmd)
}

// registerFlagCompletions runs once every command has defined its flags.
func registerFlagCompletions(root *cobra.Command) {
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		for name, values := range flagValues {
			if c.Flags().Lookup(name) == nil {
				continue
			}
			_ = c.RegisterFlagCompletionFunc(name, cobra.FixedCompletions(values, cobra.ShellCompDirectiveNoFileComp))
		}
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(root)
}
