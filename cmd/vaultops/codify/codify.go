package codify

import (
	"context"
	"fmt"
	"sort"

	"github.com/kzh/vaultops/pkg/codify"
	"github.com/kzh/vaultops/pkg/config"
	ops "github.com/kzh/vaultops/pkg/setup"
	"github.com/pulumi/pulumi/sdk/v3/go/common/apitype"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codify",
		Short: "Reconcile vault mounts, roles and policies",
	}
	cmd.AddCommand(up)
	cmd.AddCommand(destroy)
	cmd.AddCommand(preview)
	return cmd
}

func openStack(ctx context.Context) (*ops.Env, *codify.Stack, error) {
	env, err := ops.Prepare(ctx, config.SettingsFrom(viper.GetViper()), nil)
	if err != nil {
		return nil, nil, err
	}
	client, err := env.HA.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	managed, err := env.HoldsUnsealKeys(ctx)
	if err != nil {
		return nil, nil, err
	}
	stack, err := env.CodifyStack(ctx, client.Token(), managed)
	if err != nil {
		return nil, nil, err
	}
	return env, stack, nil
}

var up = &cobra.Command{
	Use: "up",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, stack, err := openStack(ctx)
		if err != nil {
			return err
		}
		if err := stack.Up(ctx); err != nil {
			return err
		}
		return env.PublishKubernetes(ctx)
	},
}

var destroy = &cobra.Command{
	Use: "destroy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, stack, err := openStack(ctx)
		if err != nil {
			return err
		}
		return stack.Destroy(ctx)
	},
}

var preview = &cobra.Command{
	Use: "preview",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, stack, err := openStack(ctx)
		if err != nil {
			return err
		}
		changes, err := stack.Preview(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(changes))
		for op := range changes {
			names = append(names, string(op))
		}
		sort.Strings(names)
		for _, op := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", op, changes[apitype.OpType(op)])
		}
		return nil
	},
}
