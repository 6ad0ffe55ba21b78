package vault

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

const (
	SecretMount       = "secret"
	VaultSecretsMount = "vault-secrets"
)

// WriteKVTree writes tree into a KV v2 mount. The scalar values of one level
// become a single secret at prefix; nested maps recurse into prefix/<key>.
func WriteKVTree(ctx context.Context, client *api.Client, mount, prefix string, tree map[string]any) error {
	if len(tree) == 0 {
		return nil
	}

	leaves := map[string]any{}
	var children []string
	for k, v := range tree {
		if _, ok := asMap(v); ok {
			children = append(children, k)
			continue
		}
		leaves[k] = v
	}

	if len(leaves) > 0 {
		if _, err := client.KVv2(mount).Put(ctx, prefix, leaves); err != nil {
			return errors.Wrapf(err, "write %s/%s", mount, prefix)
		}
		zap.L().Named("vault").Debug("wrote kv secret", zap.String("mount", mount), zap.String("path", prefix))
	}

	sort.Strings(children)
	for _, k := range children {
		child, _ := asMap(tree[k])
		if err := WriteKVTree(ctx, client, mount, prefix+"/"+k, child); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceKVTree deletes everything under prefix before writing tree.
func ReplaceKVTree(ctx context.Context, client *api.Client, mount, prefix string, tree map[string]any) error {
	if len(tree) == 0 {
		return nil
	}
	if err := DeleteKVTree(ctx, client, mount, prefix); err != nil {
		return err
	}
	return WriteKVTree(ctx, client, mount, prefix, tree)
}

// DeleteKVTree removes the metadata and every version of prefix and of
// everything below it.
func DeleteKVTree(ctx context.Context, client *api.Client, mount, prefix string) error {
	if err := client.KVv2(mount).DeleteMetadata(ctx, prefix); err != nil && statusCode(err) != http.StatusNotFound {
		return errors.Wrapf(err, "delete %s/%s", mount, prefix)
	}
	zap.L().Named("vault").Info("deleted kv secret", zap.String("mount", mount), zap.String("path", prefix))

	keys, err := ListKeys(ctx, client, mount+"/metadata/"+prefix)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil
		}
		return err
	}
	for _, k := range keys {
		if err := DeleteKVTree(ctx, client, mount, prefix+"/"+strings.TrimSuffix(k, "/")); err != nil {
			return err
		}
	}
	return nil
}

// ReadKV returns the latest version of a KV v2 secret, nil when missing.
func ReadKV(ctx context.Context, client *api.Client, mount, path string) (map[string]any, error) {
	secret, err := client.KVv2(mount).Get(ctx, path)
	if errors.Is(err, api.ErrSecretNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s/%s", mount, path)
	}
	return secret.Data, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}
