package github

import (
	"context"
	"encoding/base64"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/go-github/v62/github"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/codify"
	"github.com/kzh/vaultops/pkg/vault"
	"go.uber.org/zap"
)

const (
	prodSecretPath = "vault_secrets/github_details/github_prod"
	botSecretPath  = "vault_secrets/github_details/github_bot"
	gpgSecretPath  = "vault_secrets/bot_gpg_key"

	ProdTokenKey = "GH_PROD_API_TOKEN"
	BotTokenKey  = "GH_BOT_API_TOKEN"
)

// Access pushes vault credentials into the repositories of the GitHub user
// owning the prod token.
type Access struct {
	Vault   *api.Client
	Summary *vault.HASummary
	APIURL  string

	log *zap.Logger
}

func NewAccess(client *api.Client, summary *vault.HASummary, apiURL string) *Access {
	return &Access{Vault: client, Summary: summary, APIURL: apiURL, log: zap.L().Named("github")}
}

type accessSecret struct {
	name  string
	value string
}

// readToken returns the token stored under key at path, "" when either is
// missing.
func (a *Access) readToken(ctx context.Context, path, key string) (string, error) {
	data, err := vault.ReadKV(ctx, a.Vault, vault.VaultSecretsMount, path)
	if err != nil {
		return "", err
	}
	if data == nil {
		a.log.Info("secret not found", zap.String("path", path))
		return "", nil
	}
	token, _ := data[key].(string)
	if token == "" {
		a.log.Warn("token not found in secret", zap.String("path", path), zap.String("key", key))
	}
	return token, nil
}

func (a *Access) botLogin(ctx context.Context) (string, error) {
	token, err := a.readToken(ctx, botSecretPath, BotTokenKey)
	if err != nil || token == "" {
		return "", err
	}
	gh, err := NewClient(token, a.APIURL)
	if err != nil {
		return "", err
	}
	user, _, err := gh.Users.Get(ctx, "")
	if err != nil {
		return "", errors.Wrap(err, "get bot user")
	}
	return user.GetLogin(), nil
}

// ProdClient returns a client for the stored prod token, nil when there is
// none.
func (a *Access) ProdClient(ctx context.Context) (*github.Client, error) {
	token, err := a.readToken(ctx, prodSecretPath, ProdTokenKey)
	if err != nil || token == "" {
		return nil, err
	}
	return NewClient(token, a.APIURL)
}

// Setup is a no-op when the prod token is not stored.
func (a *Access) Setup(ctx context.Context) error {
	a.log.Info("adding vault access to github user repositories")
	bot, err := a.botLogin(ctx)
	if err != nil {
		return err
	}

	gh, err := a.ProdClient(ctx)
	if err != nil {
		return err
	}
	if gh == nil {
		a.log.Info("skipping github setup")
		return nil
	}

	user, _, err := gh.Users.Get(ctx, "")
	if err != nil {
		return errors.Wrap(err, "get github user")
	}
	login := user.GetLogin()
	a.log.Info("github user", zap.String("login", login))

	repos, err := ownedPublicRepos(ctx, gh, login)
	if err != nil {
		return err
	}
	roles, err := vault.ListKeys(ctx, a.Vault, "auth/"+codify.AppRoleMount+"/role")
	if err != nil {
		return err
	}

	for _, repo := range repos {
		role := codify.AppRoleName(login, repo.GetName())
		if !slices.Contains(roles, role) {
			a.log.Info("no approle for repository", zap.String("repository", repo.GetFullName()))
			continue
		}
		a.log.Info("adding vault access", zap.String("repository", repo.GetFullName()), zap.String("approle", role))

		secrets, err := a.accessSecrets(ctx, role)
		if err != nil {
			return errors.Wrapf(err, "repository %s", repo.GetFullName())
		}
		for _, s := range secrets {
			err := Apply(ctx, gh, Variable{
				Name:       s.name,
				Value:      s.value,
				Repository: repo.GetFullName(),
				IsSecret:   true,
				State:      StatePresent,
			})
			if err != nil {
				return err
			}
		}

		if bot != "" {
			a.log.Info("adding bot as collaborator", zap.String("repository", repo.GetFullName()), zap.String("bot", bot))
			_, _, err := gh.Repositories.AddCollaborator(ctx, login, repo.GetName(), bot, &github.RepositoryAddCollaboratorOptions{Permission: "admin"})
			if err != nil {
				return errors.Wrapf(err, "add %s to %s", bot, repo.GetFullName())
			}
		}
	}
	return nil
}

func ownedPublicRepos(ctx context.Context, gh *github.Client, login string) ([]*github.Repository, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Affiliation: "owner",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []*github.Repository
	for {
		repos, resp, err := gh.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, errors.Wrap(err, "list repositories")
		}
		for _, r := range repos {
			if r.GetOwner().GetLogin() == login && !r.GetPrivate() {
				out = append(out, r)
			}
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (a *Access) accessSecrets(ctx context.Context, role string) ([]accessSecret, error) {
	logical := a.Vault.Logical()
	base := "auth/" + codify.AppRoleMount + "/role/" + role

	roleID, err := logical.ReadWithContext(ctx, base+"/role-id")
	if err != nil {
		return nil, errors.Wrap(err, "read role id")
	}
	secretID, err := logical.WriteWithContext(ctx, base+"/secret-id", nil)
	if err != nil {
		return nil, errors.Wrap(err, "generate secret id")
	}
	cert, err := logical.WriteWithContext(ctx, codify.PKIMount+"/issue/"+codify.ClientCertRole, map[string]any{
		"common_name": a.Summary.HAHostname,
	})
	if err != nil {
		return nil, errors.Wrap(err, "issue client certificate")
	}
	if roleID == nil || secretID == nil || cert == nil {
		return nil, errors.Newf("empty response for approle %s", role)
	}

	chain := []string{stringValue(cert.Data["certificate"])}
	if cas, ok := cert.Data["ca_chain"].([]any); ok {
		for _, ca := range cas {
			chain = append(chain, stringValue(ca))
		}
	}
	fullChain := base64.StdEncoding.EncodeToString([]byte(strings.Join(chain, "\n")))

	return []accessSecret{
		{"VAULT_ADDR", a.Summary.Addr()},
		{"VAULT_APPROLE_ROLE_ID", stringValue(roleID.Data["role_id"])},
		{"VAULT_APPROLE_SECRET_ID", stringValue(secretID.Data["secret_id"])},
		{"VAULT_CLIENT_PRIVATE_KEY_CONTENT_BASE64", base64.StdEncoding.EncodeToString([]byte(stringValue(cert.Data["private_key"])))},
		{"ROOT_CA_CERTIFICATE_CONTENT_BASE64", fullChain},
		{"VAULT_CLIENT_CERTIFICATE_CONTENT_BASE64", fullChain},
	}, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
