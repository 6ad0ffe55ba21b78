package vault

import (
	"fmt"

	"github.com/kzh/vaultops/pkg/config"
	ops "github.com/kzh/vaultops/pkg/setup"
	"github.com/kzh/vaultops/pkg/vault"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Single vault operations",
	}
	revokeTokens.Flags().Bool("cancel-root-generation", true, "cancel a generate-root left in progress")
	cmd.AddCommand(
		status,
		unseal,
		snapshot,
		revokeTokens,
	)
	return cmd
}

func prepare(cmd *cobra.Command) (*ops.Env, error) {
	return ops.Prepare(cmd.Context(), config.SettingsFrom(viper.GetViper()), nil)
}

var status = &cobra.Command{
	Use:   "status",
	Short: "Show the health of every raft node",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := prepare(cmd)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), ops.StatusTable(env.Status(cmd.Context())))
		return nil
	},
}

var unseal = &cobra.Command{
	Use:   "unseal",
	Short: "Unseal every node with the stored keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := prepare(cmd)
		if err != nil {
			return err
		}
		return env.Cluster.Unseal(cmd.Context())
	},
}

var snapshot = &cobra.Command{
	Use:   "snapshot",
	Short: "Store a raft snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := prepare(cmd)
		if err != nil {
			return err
		}
		client, err := env.HA.Client(ctx)
		if err != nil {
			return err
		}
		key, err := vault.Snapshot(ctx, client, env.Config.State)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var revokeTokens = &cobra.Command{
	Use:   "revoke-tokens",
	Short: "Revoke every token and approle secret id, then the operator token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := prepare(cmd)
		if err != nil {
			return err
		}
		ready, err := env.Cluster.FindReady(ctx)
		if err != nil {
			return err
		}
		cancel, _ := cmd.Flags().GetBool("cancel-root-generation")
		client, _, err := env.OperatorClient(ctx, ready, cancel)
		if err != nil {
			return err
		}
		report, err := vault.RevokeTokens(ctx, client)
		if err != nil {
			return err
		}
		zap.L().Named("vault").Info("tokens revoked",
			zap.Int("tokens", len(report.Tokens)), zap.Int("secret_ids", len(report.SecretIDs)))
		fmt.Fprint(cmd.OutOrStdout(), report.TokensTable(), report.SecretIDsTable())
		return nil
	},
}
