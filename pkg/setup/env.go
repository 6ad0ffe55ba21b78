package setup

import (
	"context"

	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/codify"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/github"
	"github.com/kzh/vaultops/pkg/k8s"
	"github.com/kzh/vaultops/pkg/pki"
	"github.com/kzh/vaultops/pkg/raft"
	"github.com/kzh/vaultops/pkg/vault"
	"go.uber.org/zap"
)

// Env is what every vault facing command builds first: the loaded config,
// the root CA, one client per raft node and the HA client.
type Env struct {
	Config   *config.Config
	CA       *pki.Authority
	CAFile   string
	Topology *raft.Topology
	Cluster  *vault.Cluster
	HA       *vault.HAClient

	openStack func(ctx context.Context, token string, manageAdmin bool) (Stack, error)
	haClient  func(ctx context.Context) (*api.Client, error)
	handOff   func(ctx context.Context, ha *api.Client, apiURL string) error
}

// Stack is the part of the codify stack the bootstrap drives.
type Stack interface {
	Up(ctx context.Context) error
}

func Prepare(ctx context.Context, settings config.Settings, prompter vault.Prompter) (*Env, error) {
	cfg, err := config.Load(ctx, settings)
	if err != nil {
		return nil, err
	}
	return newEnv(cfg, prompter)
}

func newEnv(cfg *config.Config, prompter vault.Prompter) (*Env, error) {
	root := cfg.File.VaultSecrets.RootPKI
	ca, err := pki.LoadRootCA(root.RootCAKeyPEM, root.RootCAKeyPassword, root.RootCACertPEM)
	if err != nil {
		return nil, err
	}
	caFile, err := vault.WriteRootCA(cfg.TmpDir(), ca)
	if err != nil {
		return nil, err
	}
	topo, err := raft.Build(cfg.File, cfg.TmpDir())
	if err != nil {
		return nil, err
	}
	nodes, err := vault.NewNodeClients(topo, ca, caFile)
	if err != nil {
		return nil, err
	}
	summary, err := vault.BuildHASummary(cfg.File, topo, ca, cfg.TmpDir())
	if err != nil {
		return nil, err
	}
	ha, err := vault.NewHAClient(summary, cfg.TmpDir())
	if err != nil {
		return nil, err
	}

	env := &Env{
		Config:   cfg,
		CA:       ca,
		CAFile:   caFile,
		Topology: topo,
		Cluster:  vault.NewCluster(nodes, cfg.State, prompter),
		HA:       ha,
		haClient: ha.Client,
	}
	env.openStack = func(ctx context.Context, token string, manageAdmin bool) (Stack, error) {
		stack, err := env.CodifyStack(ctx, token, manageAdmin)
		if err != nil {
			return nil, err
		}
		return stack, nil
	}
	env.handOff = env.githubHandOff
	return env, nil
}

// HoldsUnsealKeys reports whether vaultops initialized the cluster itself.
func (e *Env) HoldsUnsealKeys(ctx context.Context) (bool, error) {
	keys, err := e.Config.State.UnsealKeys(ctx)
	return keys != nil, err
}

func (e *Env) codifyProgram(token string, manageAdmin bool) *codify.Program {
	file := e.Config.File
	p := &codify.Program{
		Address:        e.HA.Summary.Addr(),
		CACertFile:     e.HA.Files.RootCACert,
		ClientCertFile: e.HA.Files.ClientCert,
		ClientKeyFile:  e.HA.Files.ClientKey,
		Token:          token,
		Repositories:   file.Codify.GithubRepositories,
		HAHostname:     file.VaultSecrets.HAHostname,
		HADNS:          file.Codify.HADNS,
	}
	if manageAdmin {
		p.Admin = &codify.AdminLogin{
			User:     file.VaultSecrets.AdminUserpass.User,
			Password: file.VaultSecrets.AdminUserpass.Password,
			Mount:    file.VaultSecrets.AdminUserpass.MountPath,
		}
	}
	for _, n := range e.Topology.Nodes {
		if n.APIIP != "" {
			p.NodeIPs = append(p.NodeIPs, n.APIIP)
		}
	}
	return p
}

// CodifyStack opens the codify stack. The provider authenticates with
// token, and with the admin userpass user when manageAdmin is set.
func (e *Env) CodifyStack(ctx context.Context, token string, manageAdmin bool) (*codify.Stack, error) {
	return codify.New(ctx, e.codifyProgram(token, manageAdmin), codify.Options{
		Dir:        e.Config.CodifyDir(),
		Passphrase: e.Config.File.VaultSecrets.RootPKI.RootCAKeyPassword,
		State:      e.Config.State,
	})
}

// githubHandOff pushes approle access to the repositories and registers
// the bot gpg key.
func (e *Env) githubHandOff(ctx context.Context, ha *api.Client, apiURL string) error {
	access := github.NewAccess(ha, &e.HA.Summary, apiURL)
	if err := access.Setup(ctx); err != nil {
		return err
	}
	return access.SetupBotGPG(ctx)
}

func (e *Env) kubernetesBundle() map[string][]byte {
	s := e.HA.Summary
	return map[string][]byte{
		"ca.crt":     []byte(s.RootCACertPEM),
		"tls.crt":    []byte(s.ClientCertPEM),
		"tls.key":    []byte(s.ClientKeyPEM),
		"VAULT_ADDR": []byte(s.Addr()),
	}
}

// PublishKubernetes hands the HA client bundle to the configured cluster.
// It is a no-op without codify.kubernetes_secret.
func (e *Env) PublishKubernetes(ctx context.Context) error {
	target := e.Config.File.Codify.KubernetesSecret
	if target == nil {
		return nil
	}
	cs, err := k8s.Clientset(target.Kubeconfig)
	if err != nil {
		return err
	}
	zap.L().Named("setup").Info("publishing vault client bundle",
		zap.String("namespace", target.Namespace), zap.String("name", target.Name))
	return k8s.PublishSecret(ctx, cs, target.Namespace, target.Name, e.kubernetesBundle())
}
