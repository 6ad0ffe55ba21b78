package vault

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/config"
	"go.uber.org/zap"
)

// EnsureAdminUser writes the admin policy and the admin userpass user the
// HA client logs in with.
func EnsureAdminUser(ctx context.Context, client *api.Client, details config.AdminUserpassDetails) error {
	log := zap.L().Named("vault")
	sys := client.Sys()

	if err := sys.PutPolicyWithContext(ctx, details.PolicyName, AdminPolicy()); err != nil {
		return errors.Wrapf(err, "put policy %s", details.PolicyName)
	}

	mount := strings.Trim(details.MountPath, "/")
	auths, err := sys.ListAuthWithContext(ctx)
	if err != nil {
		return errors.Wrap(err, "list auth methods")
	}
	if _, ok := auths[mount+"/"]; !ok {
		log.Info("enabling userpass auth method", zap.String("mount", mount))
		err := sys.EnableAuthWithOptionsWithContext(ctx, mount, &api.EnableAuthOptions{Type: "userpass"})
		if err != nil {
			return errors.Wrapf(err, "enable userpass at %s", mount)
		}
	}

	description := "Userpass auth method for admin user"
	err = sys.TuneMountWithContext(ctx, "auth/"+mount, api.MountConfigInput{
		Description:     &description,
		DefaultLeaseTTL: "1h",
		MaxLeaseTTL:     "24h",
	})
	if err != nil {
		return errors.Wrapf(err, "tune auth/%s", mount)
	}

	log.Info("writing admin user", zap.String("user", details.User))
	_, err = client.Logical().WriteWithContext(ctx, "auth/"+mount+"/users/"+details.User, map[string]any{
		"password":       details.Password,
		"token_policies": []string{details.PolicyName, "default"},
		"token_ttl":      "1h",
	})
	return errors.Wrapf(err, "write user %s", details.User)
}
