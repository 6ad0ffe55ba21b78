package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kzh/vaultops/cmd/vaultops/codify"
	"github.com/kzh/vaultops/cmd/vaultops/github"
	"github.com/kzh/vaultops/cmd/vaultops/inventory"
	"github.com/kzh/vaultops/cmd/vaultops/pki"
	"github.com/kzh/vaultops/cmd/vaultops/setup"
	"github.com/kzh/vaultops/cmd/vaultops/vault"
	ghapi "github.com/kzh/vaultops/pkg/github"
	"github.com/kzh/vaultops/pkg/logger"
	vaultops "github.com/kzh/vaultops/pkg/vault"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	cmd := &cobra.Command{
		Use:           "vaultops",
		Short:         "Bootstrap and operate a Vault raft cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(viper.GetBool("debug"))
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("inventory", "inventory.yml", "inventory file")
	flags.Bool("debug", false, "debug logging")
	flags.Int("retries", 5, "bootstrap attempts")
	flags.Duration("retry-wait", 10*time.Second, "wait between bootstrap attempts")
	flags.String("codify-dir", "", "pulumi workspace directory (default <tmp>/codify)")
	flags.String("github-api-url", ghapi.DefaultAPIURL, "github api url")

	for key, flag := range map[string]string{
		"inventory":      "inventory",
		"debug":          "debug",
		"retries":        "retries",
		"retry_wait":     "retry-wait",
		"codify_dir":     "codify-dir",
		"github_api_url": "github-api-url",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("vaultops")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindEnv("debug", "VAULTOPS_DEBUG", "DEBUG"); err != nil {
		panic(err)
	}

	cmd.AddCommand(setup.Cmd())
	cmd.AddCommand(inventory.Cmd())
	cmd.AddCommand(vault.Cmd())
	cmd.AddCommand(pki.Cmd())
	cmd.AddCommand(codify.Cmd())
	cmd.AddCommand(github.Cmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, vaultops.ErrSafeExit) {
		zap.L().Info("exiting without changes", zap.Error(err))
		return
	}
	zap.L().Error("vaultops failed", zap.Error(err))
	os.Exit(1)
}
