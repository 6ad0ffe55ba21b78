package github

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	gh "github.com/google/go-github/v62/github"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/github"
	ops "github.com/kzh/vaultops/pkg/setup"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "github",
		Short: "GitHub actions secrets and vault access",
	}
	cmd.PersistentFlags().String("token", "", "github token (default GITHUB_TOKEN, then the prod token stored in vault)")
	_ = viper.BindEnv("github_token", "GITHUB_TOKEN")

	f := secret.Flags()
	f.StringVar(&secretFlags.Name, "name", "", "secret or variable name")
	f.StringVar(&secretFlags.Value, "value", "", "value")
	f.StringVar(&secretFlags.Repository, "repository", "", "owner/repo")
	f.StringVar(&secretFlags.Organization, "organization", "", "organization")
	f.StringVar(&secretFlags.Environment, "environment", "", "repository environment")
	f.StringVar(&secretFlags.Visibility, "visibility", "", "organization visibility: private, all or selected")
	f.BoolVar(&secretFlags.IsSecret, "is-secret", true, "encrypted secret instead of a plain variable")
	f.BoolVar(&secretFlags.Base64Encode, "base64-encode", false, "base64 encode the value")
	f.StringVar(&secretFlags.State, "state", github.StatePresent, "present or absent")

	f = dispatch.Flags()
	f.StringVar(&dispatchFlags.repository, "repository", "", "owner/repo")
	f.StringVar(&dispatchFlags.workflow, "workflow", "", "workflow file name")
	f.StringVar(&dispatchFlags.ref, "ref", "main", "git ref")
	f.StringVar(&dispatchFlags.inputs, "inputs", "", "workflow inputs as a JSON object")

	cmd.AddCommand(sync, secret, gpg, dispatch)
	return cmd
}

func access(ctx context.Context) (*github.Access, error) {
	settings := config.SettingsFrom(viper.GetViper())
	env, err := ops.Prepare(ctx, settings, nil)
	if err != nil {
		return nil, err
	}
	client, err := env.HA.Client(ctx)
	if err != nil {
		return nil, err
	}
	return github.NewAccess(client, &env.HA.Summary, settings.GithubAPIURL), nil
}

func client(cmd *cobra.Command) (*gh.Client, error) {
	ctx := cmd.Context()
	apiURL := config.SettingsFrom(viper.GetViper()).GithubAPIURL

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = viper.GetString("github_token")
	}
	if token != "" {
		return github.NewClient(token, apiURL)
	}

	a, err := access(ctx)
	if err != nil {
		return nil, err
	}
	c, err := a.ProdClient(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("no github token: pass --token, set GITHUB_TOKEN or store the prod token in vault")
	}
	return c, nil
}

var sync = &cobra.Command{
	Use:   "sync",
	Short: "Push vault approle access to every owned repository with a role",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := access(cmd.Context())
		if err != nil {
			return err
		}
		return a.Setup(cmd.Context())
	},
}

var secretFlags github.Variable

var secret = &cobra.Command{
	Use:   "secret",
	Short: "Create, update or delete an actions secret or variable",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client(cmd)
		if err != nil {
			return err
		}
		return github.Apply(cmd.Context(), c, secretFlags)
	},
}

var gpg = &cobra.Command{
	Use:   "gpg",
	Short: "Register the bot gpg key with the bot account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := access(cmd.Context())
		if err != nil {
			return err
		}
		return a.SetupBotGPG(cmd.Context())
	},
}

var dispatchFlags struct {
	repository string
	workflow   string
	ref        string
	inputs     string
}

var dispatch = &cobra.Command{
	Use:   "dispatch",
	Short: "Trigger a workflow_dispatch event",
	RunE: func(cmd *cobra.Command, args []string) error {
		var inputs map[string]any
		if dispatchFlags.inputs != "" {
			if err := json.Unmarshal([]byte(dispatchFlags.inputs), &inputs); err != nil {
				return errors.Wrap(err, "parse --inputs")
			}
		}
		c, err := client(cmd)
		if err != nil {
			return err
		}
		return github.DispatchWorkflow(cmd.Context(), c, dispatchFlags.repository, dispatchFlags.workflow, dispatchFlags.ref, inputs)
	},
}
