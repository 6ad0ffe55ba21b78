package setup

import (
	"github.com/kzh/vaultops/pkg/config"
	ops "github.com/kzh/vaultops/pkg/setup"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var flags struct {
	yes          bool
	keyShares    int
	keyThreshold int
	cancelRoot   bool
	skipGithub   bool
}

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Bootstrap the vault cluster, retrying transient states",
		RunE: func(cmd *cobra.Command, args []string) error {
			answers := ops.Answers{Yes: flags.yes}
			if flags.keyShares > 0 && flags.keyThreshold > 0 {
				answers.Ints = []int{flags.keyShares, flags.keyThreshold}
			}
			return ops.Run(cmd.Context(), ops.Options{
				Settings:             config.SettingsFrom(viper.GetViper()),
				Prompter:             ops.NewTerminalPrompter(answers),
				CancelRootGeneration: flags.cancelRoot,
				SkipGithub:           flags.skipGithub,
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.yes, "yes", false, "initialize without asking")
	f.IntVar(&flags.keyShares, "key-shares", 0, "unseal key shares on initialization")
	f.IntVar(&flags.keyThreshold, "key-threshold", 0, "unseal key threshold on initialization")
	f.BoolVar(&flags.cancelRoot, "cancel-root-generation", true, "cancel a generate-root left in progress")
	f.BoolVar(&flags.skipGithub, "skip-github", false, "skip pushing vault access to github")
	return cmd
}
