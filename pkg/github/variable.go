package github

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/go-github/v62/github"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"
)

const (
	StatePresent = "present"
	StateAbsent  = "absent"
)

// Variable is one Actions secret or variable on a repository, one of its
// environments, or an organization.
type Variable struct {
	Name         string
	Value        string
	Repository   string
	Organization string
	Environment  string
	Visibility   string
	IsSecret     bool
	Base64Encode bool
	State        string
}

func (v *Variable) Validate() error {
	switch {
	case v.Name == "":
		return errors.New("name is required")
	case v.Repository != "" && v.Organization != "":
		return errors.New("repository and organization are mutually exclusive")
	case v.Repository != "" && v.Visibility != "":
		return errors.New("repository and visibility are mutually exclusive")
	case v.Repository == "" && v.Organization == "":
		return errors.New("repository or organization is mandatory")
	case v.Organization != "" && v.Environment != "":
		return errors.New("organization and environment are mutually exclusive")
	case v.State != StatePresent && v.State != StateAbsent:
		return errors.Newf("state should be either present or absent, %s", v.State)
	case v.Visibility != "" && v.Visibility != "private" && v.Visibility != "all" && v.Visibility != "selected":
		return errors.New("visibility should be one of private, all, selected")
	case v.State == StateAbsent && v.Value != "":
		return errors.New("value is not allowed for state absent")
	case v.State == StateAbsent && v.Base64Encode:
		return errors.New("base64 encoding is not allowed for state absent")
	case v.State == StateAbsent && v.Visibility != "":
		return errors.New("visibility is not allowed for state absent")
	case v.State == StatePresent && v.Value == "":
		return errors.New("value is required for state present")
	}
	if v.Repository != "" {
		if _, _, err := splitRepository(v.Repository); err != nil {
			return err
		}
	}
	return nil
}

func (v *Variable) value() string {
	if v.Base64Encode {
		return base64.StdEncoding.EncodeToString([]byte(v.Value))
	}
	return v.Value
}

func (v *Variable) visibility() string {
	if v.Visibility == "" {
		return "all"
	}
	return v.Visibility
}

func (v *Variable) kind() string {
	if v.IsSecret {
		return "secret"
	}
	return "variable"
}

// Apply creates, updates or deletes v.
func Apply(ctx context.Context, client *github.Client, v Variable) error {
	if v.State == "" {
		v.State = StatePresent
	}
	if err := v.Validate(); err != nil {
		return errors.Wrapf(err, "%s %s", v.kind(), v.Name)
	}

	log := zap.L().Named("github").With(zap.String("name", v.Name), zap.String("kind", v.kind()))
	target := v.Repository
	if target == "" {
		target = v.Organization
	}
	if v.Environment != "" {
		target += "@" + v.Environment
	}

	var err error
	switch {
	case v.State == StateAbsent && v.Organization != "":
		return errors.New("organization delete not supported")
	case v.State == StateAbsent:
		err = deleteRepoVariable(ctx, client, v)
	case v.IsSecret:
		err = putSecret(ctx, client, v)
	default:
		err = putVariable(ctx, client, v)
	}
	if err != nil {
		return errors.Wrapf(err, "%s %s on %s", v.kind(), v.Name, target)
	}
	log.Info("github "+v.kind()+" "+v.State, zap.String("target", target))
	return nil
}

// sealSecret encrypts value for key with a libsodium sealed box.
func sealSecret(key *github.PublicKey, name, value string) (*github.EncryptedSecret, error) {
	raw, err := base64.StdEncoding.DecodeString(key.GetKey())
	if err != nil {
		return nil, errors.Wrap(err, "decode public key")
	}
	if len(raw) != 32 {
		return nil, errors.Newf("public key is %d bytes, expected 32", len(raw))
	}
	var pk [32]byte
	copy(pk[:], raw)

	sealed, err := box.SealAnonymous(nil, []byte(value), &pk, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "seal secret")
	}
	return &github.EncryptedSecret{
		Name:           name,
		KeyID:          key.GetKeyID(),
		EncryptedValue: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func putSecret(ctx context.Context, client *github.Client, v Variable) error {
	actions := client.Actions

	if v.Organization != "" {
		key, _, err := actions.GetOrgPublicKey(ctx, v.Organization)
		if err != nil {
			return errors.Wrap(err, "get organization public key")
		}
		secret, err := sealSecret(key, v.Name, v.value())
		if err != nil {
			return err
		}
		secret.Visibility = v.visibility()
		_, err = actions.CreateOrUpdateOrgSecret(ctx, v.Organization, secret)
		return err
	}

	owner, repo, _ := splitRepository(v.Repository)
	if v.Environment != "" {
		r, _, err := client.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return errors.Wrap(err, "get repository")
		}
		key, _, err := actions.GetEnvPublicKey(ctx, int(r.GetID()), v.Environment)
		if err != nil {
			return errors.Wrap(err, "get environment public key")
		}
		secret, err := sealSecret(key, v.Name, v.value())
		if err != nil {
			return err
		}
		_, err = actions.CreateOrUpdateEnvSecret(ctx, int(r.GetID()), v.Environment, secret)
		return err
	}

	key, _, err := actions.GetRepoPublicKey(ctx, owner, repo)
	if err != nil {
		return errors.Wrap(err, "get repository public key")
	}
	secret, err := sealSecret(key, v.Name, v.value())
	if err != nil {
		return err
	}
	_, err = actions.CreateOrUpdateRepoSecret(ctx, owner, repo, secret)
	return err
}

func isNotFound(resp *github.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

// putVariable updates the variable, creating it when it does not exist.
func putVariable(ctx context.Context, client *github.Client, v Variable) error {
	actions := client.Actions
	variable := &github.ActionsVariable{Name: v.Name, Value: v.value()}

	if v.Organization != "" {
		visibility := v.visibility()
		variable.Visibility = &visibility
		resp, err := actions.UpdateOrgVariable(ctx, v.Organization, variable)
		if isNotFound(resp) {
			_, err = actions.CreateOrgVariable(ctx, v.Organization, variable)
		}
		return err
	}

	owner, repo, _ := splitRepository(v.Repository)
	if v.Environment != "" {
		resp, err := actions.UpdateEnvVariable(ctx, owner, repo, v.Environment, variable)
		if isNotFound(resp) {
			_, err = actions.CreateEnvVariable(ctx, owner, repo, v.Environment, variable)
		}
		return err
	}

	resp, err := actions.UpdateRepoVariable(ctx, owner, repo, variable)
	if isNotFound(resp) {
		_, err = actions.CreateRepoVariable(ctx, owner, repo, variable)
	}
	return err
}

func deleteRepoVariable(ctx context.Context, client *github.Client, v Variable) error {
	actions := client.Actions
	owner, repo, _ := splitRepository(v.Repository)

	var (
		resp *github.Response
		err  error
	)
	switch {
	case v.Environment != "" && v.IsSecret:
		r, _, gerr := client.Repositories.Get(ctx, owner, repo)
		if gerr != nil {
			return errors.Wrap(gerr, "get repository")
		}
		resp, err = actions.DeleteEnvSecret(ctx, int(r.GetID()), v.Environment, v.Name)
	case v.Environment != "":
		resp, err = actions.DeleteEnvVariable(ctx, owner, repo, v.Environment, v.Name)
	case v.IsSecret:
		resp, err = actions.DeleteRepoSecret(ctx, owner, repo, v.Name)
	default:
		resp, err = actions.DeleteRepoVariable(ctx, owner, repo, v.Name)
	}
	if isNotFound(resp) {
		return nil
	}
	return err
}
