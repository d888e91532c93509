package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"southwinds.dev/secevents"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
   $  source <(secevents completion bash)

  # To load completions for each session, execute once:
  # Linux:
   $  secevents completion bash > /etc/bash_completion.d/secevents
  # macOS:
  $ secevents completion bash >  $ (brew --prefix)/etc/bash_completion.d/secevents

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
   $  echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ secevents completion zsh > "${fpath[1]}/_secevents"

  # You will need to start a new shell for this setup to take effect.

fish:
   $  secevents completion fish | source

  # To load completions for each session, execute once:
   $  secevents completion fish > ~/.config/fish/completions/secevents.fish

PowerShell:
  PS> secevents completion powershell | Out-String | Invoke-Expression

  # To load completions for each session, execute once:
  PS> secevents completion powershell > secevents.ps1
  PS> . secevents.ps1
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletionV2(os.Stdout, true)
	case "zsh":
		return cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		return cmd.Root().GenFishCompletion(os.Stdout, true)
	default:
		return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
}

// completeProfileNames offers stored profile names for positional arguments
func completeProfileNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	if err := initializeApp(cmd, args); err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	profiles, err := app.profiles.List(context.Background())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return lo.FilterMap(profiles, func(p *secevents.Profile, _ int) (string, bool) {
		return p.Name, strings.HasPrefix(p.Name, toComplete)
	}), cobra.ShellCompDirectiveNoFileComp
}
