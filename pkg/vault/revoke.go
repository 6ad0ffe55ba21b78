package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

type RevokedToken struct {
	DisplayName  string
	CreationTime string
	ExpireTime   string
	Policies     string
	Accessor     string
	Revoked      string
}

type DestroyedSecretID struct {
	Mount    string
	Role     string
	Accessor string
}

type RevokeReport struct {
	Tokens    []RevokedToken
	SecretIDs []DestroyedSecretID
}

func (r *RevokeReport) TokensTable() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Display Name", "Creation Time", "Expiration Time", "Policies", "Token Accessor", "Revoked"})
	for _, t := range r.Tokens {
		table.Append([]string{t.DisplayName, t.CreationTime, t.ExpireTime, t.Policies, t.Accessor, t.Revoked})
	}
	table.Render()
	return buf.String()
}

func (r *RevokeReport) SecretIDsTable() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Auth Mount", "Role Name", "Secret ID Accessor", "Revoked"})
	for _, s := range r.SecretIDs {
		table.Append([]string{s.Mount, s.Role, s.Accessor, "true"})
	}
	table.Render()
	return buf.String()
}

// RevokeTokens revokes every token but the caller's, destroys every approle
// secret id and finally revokes the caller's own token.
func RevokeTokens(ctx context.Context, client *api.Client) (*RevokeReport, error) {
	log := zap.L().Named("vault")
	report := &RevokeReport{}

	self, err := client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "lookup self")
	}
	current, _ := self.Data["accessor"].(string)

	accessors, err := ListKeys(ctx, client, "auth/token/accessors")
	if err != nil {
		return nil, err
	}
	for _, accessor := range accessors {
		row, err := revokeAccessor(ctx, client, accessor, current)
		if err != nil {
			return nil, err
		}
		report.Tokens = append(report.Tokens, row)
	}
	log.Info("revoked tokens\n" + report.TokensTable())

	auths, err := client.Sys().ListAuthWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list auth methods")
	}
	mounts := make([]string, 0, len(auths))
	for path, auth := range auths {
		if auth.Type == "approle" {
			mounts = append(mounts, strings.TrimSuffix(path, "/"))
		}
	}
	sort.Strings(mounts)
	for _, mount := range mounts {
		destroyed, err := destroySecretIDs(ctx, client, mount)
		if err != nil {
			return nil, err
		}
		report.SecretIDs = append(report.SecretIDs, destroyed...)
	}
	log.Info("destroyed approle secret id accessors\n" + report.SecretIDsTable())

	log.Info("revoking own token")
	if err := client.Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
		return nil, errors.Wrap(err, "revoke self")
	}
	client.ClearToken()
	return report, nil
}

func revokeAccessor(ctx context.Context, client *api.Client, accessor, current string) (RevokedToken, error) {
	row := RevokedToken{Accessor: accessor}
	lookup, err := client.Auth().Token().LookupAccessorWithContext(ctx, accessor)
	if err != nil {
		if code := statusCode(err); code == http.StatusBadRequest || code == http.StatusNotFound {
			zap.L().Named("vault").Warn("token lookup failed", zap.String("accessor", accessor), zap.Error(err))
			row.Revoked = "false: " + err.Error()
			return row, nil
		}
		return row, errors.Wrapf(err, "lookup accessor %s", accessor)
	}
	if lookup != nil {
		row.DisplayName, _ = lookup.Data["display_name"].(string)
		row.CreationTime = formatUnix(lookup.Data["creation_time"])
		row.ExpireTime = fmt.Sprint(valueOrEmpty(lookup.Data["expire_time"]))
		row.Policies = fmt.Sprint(valueOrEmpty(lookup.Data["policies"]))
	}

	if accessor == current {
		row.Revoked = "false: current accessor"
		return row, nil
	}
	if err := client.Auth().Token().RevokeAccessorWithContext(ctx, accessor); err != nil {
		if statusCode(err) == http.StatusBadRequest {
			row.Revoked = "false: " + err.Error()
			return row, nil
		}
		return row, errors.Wrapf(err, "revoke accessor %s", accessor)
	}
	row.Revoked = "true"
	return row, nil
}

func destroySecretIDs(ctx context.Context, client *api.Client, mount string) ([]DestroyedSecretID, error) {
	roles, err := ListKeys(ctx, client, "auth/"+mount+"/role")
	if err != nil {
		return nil, err
	}
	var out []DestroyedSecretID
	for _, role := range roles {
		accessors, err := ListKeys(ctx, client, "auth/"+mount+"/role/"+role+"/secret-id")
		if err != nil {
			if statusCode(err) == http.StatusNotFound {
				continue
			}
			return nil, err
		}
		for _, accessor := range accessors {
			_, err := client.Logical().WriteWithContext(ctx, "auth/"+mount+"/role/"+role+"/secret-id-accessor/destroy",
				map[string]any{"secret_id_accessor": accessor})
			if err != nil {
				return nil, errors.Wrapf(err, "destroy secret id accessor of %s/%s", mount, role)
			}
			out = append(out, DestroyedSecretID{Mount: mount, Role: role, Accessor: accessor})
		}
	}
	return out, nil
}

// ListKeys returns the keys of a LIST response, empty when the path has
// nothing under it.
func ListKeys(ctx context.Context, client *api.Client, path string) ([]string, error) {
	secret, err := client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", path)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]any)
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

func formatUnix(v any) string {
	var sec int64
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return t.String()
		}
		sec = n
	case float64:
		sec = int64(t)
	case int64:
		sec = t
	default:
		return ""
	}
	return time.Unix(sec, 0).UTC().Format("2006-01-02 15:04:05")
}

func valueOrEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}
