package setup

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/vault"
	"go.uber.org/zap"
)

const (
	vaultSecretsPrefix     = "vault_secrets"
	externalServicesPrefix = "external_services"
)

type Options struct {
	Settings config.Settings
	Prompter vault.Prompter
	// CancelRootGeneration cancels a generate-root left in progress instead
	// of waiting for it.
	CancelRootGeneration bool
	SkipGithub           bool
}

// Run bootstraps the cluster, retrying transient states.
func Run(ctx context.Context, opts Options) error {
	return Retry(ctx, opts.Settings.Retries, opts.Settings.RetryWait, func(ctx context.Context) error {
		env, err := Prepare(ctx, opts.Settings, opts.Prompter)
		if err != nil {
			return err
		}
		return Bootstrap(ctx, env, opts)
	})
}

// Bootstrap is one full pass: init, unseal, token, raft membership, vault
// configuration, credential cleanup, snapshot and the GitHub hand-off.
func Bootstrap(ctx context.Context, env *Env, opts Options) error {
	log := zap.L().Named("setup")
	cluster := env.Cluster
	file := env.Config.File
	state := env.Config.State

	if err := cluster.Initialize(ctx); err != nil {
		return err
	}
	if err := cluster.Unseal(ctx); err != nil {
		return err
	}
	ready, err := cluster.FindReady(ctx)
	if err != nil {
		return err
	}
	log.Info("vault node ready", zap.String("node_id", ready.ID()))

	client, managed, err := env.OperatorClient(ctx, ready, opts.CancelRootGeneration)
	if err != nil {
		return err
	}
	token := client.Token()
	if err := cluster.SetToken(ctx, token); err != nil {
		return err
	}

	if err := cluster.RaftOps(ctx, ready, env.CA.PEM()); err != nil {
		return err
	}
	if managed {
		if err := vault.EnsureAdminUser(ctx, client, file.VaultSecrets.AdminUserpass); err != nil {
			return err
		}
	}
	if err := vault.SetupRootPKI(ctx, client, env.CA); err != nil {
		return err
	}

	stack, err := env.openStack(ctx, token, managed)
	if err != nil {
		return err
	}
	if err := stack.Up(ctx); err != nil {
		return err
	}
	if err := env.PublishKubernetes(ctx); err != nil {
		return err
	}

	if err := vault.ReplaceKVTree(ctx, client, vault.VaultSecretsMount, vaultSecretsPrefix, file.RawVaultSecrets); err != nil {
		return err
	}

	if _, err := vault.RevokeTokens(ctx, client); err != nil {
		return err
	}

	ha, err := env.haClient(ctx)
	if err != nil {
		return err
	}
	if len(file.VaultSecrets.ExternalServices) > 0 {
		err := vault.WriteKVTree(ctx, ha, vault.SecretMount, externalServicesPrefix, file.VaultSecrets.ExternalServices)
		if err != nil {
			return errors.Wrap(err, "write external services")
		}
	}
	if _, err := vault.Snapshot(ctx, ha, state); err != nil {
		return err
	}

	if opts.SkipGithub {
		log.Info("skipping github setup")
		return nil
	}
	if err := env.handOff(ctx, ha, opts.Settings.GithubAPIURL); err != nil {
		return err
	}
	log.Info("vault setup complete")
	return nil
}

// OperatorClient returns a client holding an operator token: a fresh root
// token on ready when vaultops holds the unseal keys, the HA admin login
// otherwise. managed reports which one it is.
func (e *Env) OperatorClient(ctx context.Context, ready *vault.NodeClient, cancelRootGeneration bool) (client *api.Client, managed bool, err error) {
	managed, err = e.HoldsUnsealKeys(ctx)
	if err != nil {
		return nil, false, err
	}
	if !managed {
		zap.L().Named("setup").Info("unseal keys not held, using the ha client")
		client, err = e.haClient(ctx)
		return client, false, err
	}
	root, err := e.Cluster.RegenerateRootToken(ctx, ready, cancelRootGeneration)
	if err != nil {
		return nil, true, err
	}
	ready.API.SetToken(root.Token)
	return ready.API, true, nil
}
