package inventory

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/inventory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var flags struct {
	list bool
	host string
}

// Cmd is the ansible dynamic inventory entry point.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Print the ansible dynamic inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flags.list && flags.host == "" {
				return errors.New("one of --list or --host is required")
			}
			cfg, err := config.Load(cmd.Context(), config.SettingsFrom(viper.GetViper()))
			if err != nil {
				return err
			}
			inv, err := inventory.Build(cfg.File, cfg.TmpDir())
			if err != nil {
				return err
			}

			var out any = inv
			if !flags.list {
				out = inv.Host(flags.host)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return errors.Wrap(enc.Encode(out), "write inventory")
		},
	}
	cmd.Flags().BoolVar(&flags.list, "list", false, "print every group and host")
	cmd.Flags().StringVar(&flags.host, "host", "", "print the vars of one host")
	cmd.MarkFlagsMutuallyExclusive("list", "host")
	return cmd
}
