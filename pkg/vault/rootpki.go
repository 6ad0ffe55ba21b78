package vault

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/pki"
	"go.uber.org/zap"
)

const (
	RootCAMount      = "root-ca"
	RootCAIssuerName = "root-ca-issuer"
	rootCATTL        = "350400h"
)

func normalizeSerial(s string) string {
	s = strings.ToUpper(strings.ReplaceAll(s, ":", ""))
	return strings.TrimLeft(s, "0")
}

// SetupRootPKI imports the root CA into the root-ca mount and leaves its
// issuer as the only, default issuer.
func SetupRootPKI(ctx context.Context, client *api.Client, ca *pki.Authority) error {
	log := zap.L().Named("vault")
	sys := client.Sys()

	mounts, err := sys.ListMountsWithContext(ctx)
	if err != nil {
		return errors.Wrap(err, "list mounts")
	}
	if _, ok := mounts[RootCAMount+"/"]; !ok {
		err := sys.MountWithContext(ctx, RootCAMount, &api.MountInput{
			Type:   "pki",
			Config: api.MountConfigInput{DefaultLeaseTTL: rootCATTL, MaxLeaseTTL: rootCATTL},
		})
		if err != nil {
			return errors.Wrapf(err, "mount %s", RootCAMount)
		}
	}
	err = sys.TuneMountWithContext(ctx, RootCAMount, api.MountConfigInput{DefaultLeaseTTL: rootCATTL, MaxLeaseTTL: rootCATTL})
	if err != nil {
		return errors.Wrapf(err, "tune %s", RootCAMount)
	}

	keyPEM, err := pki.EncodePrivateKey(ca.Key, "")
	if err != nil {
		return err
	}
	_, err = client.Logical().WriteWithContext(ctx, RootCAMount+"/config/ca", map[string]any{
		"pem_bundle": keyPEM + ca.PEM(),
	})
	if err != nil {
		return errors.Wrap(err, "submit root ca bundle")
	}

	serial := normalizeSerial(fmt.Sprintf("%x", ca.Cert.SerialNumber))
	log.Info("root ca serial number", zap.String("serial", serial))

	issuers, err := listIssuers(ctx, client)
	if err != nil {
		return err
	}
	defaultRef := ""
	for _, ref := range sortedIssuerRefs(issuers) {
		if issuers[ref] != serial {
			continue
		}
		_, err := client.Logical().WriteWithContext(ctx, RootCAMount+"/config/issuers", map[string]any{
			"default":                       ref,
			"default_follows_latest_issuer": true,
		})
		if err != nil {
			return errors.Wrap(err, "set default issuer")
		}
		defaultRef = ref
		break
	}
	if defaultRef == "" {
		return errors.Newf("no issuer in %s matches the root ca serial %s", RootCAMount, serial)
	}
	log.Info("default issuer set", zap.String("issuer_ref", defaultRef))

	issuers, err = listIssuers(ctx, client)
	if err != nil {
		return err
	}
	for _, ref := range sortedIssuerRefs(issuers) {
		if issuers[ref] == serial {
			continue
		}
		log.Info("deleting issuer", zap.String("issuer_ref", ref))
		if _, err := client.Logical().DeleteWithContext(ctx, RootCAMount+"/issuer/"+ref); err != nil {
			return errors.Wrapf(err, "delete issuer %s", ref)
		}
	}

	_, err = client.Logical().WriteWithContext(ctx, RootCAMount+"/issuer/"+defaultRef, map[string]any{
		"issuer_name": RootCAIssuerName,
	})
	return errors.Wrap(err, "name root ca issuer")
}

// listIssuers maps issuer refs to their normalized serial numbers.
func listIssuers(ctx context.Context, client *api.Client) (map[string]string, error) {
	secret, err := client.Logical().ListWithContext(ctx, RootCAMount+"/issuers")
	if err != nil {
		return nil, errors.Wrap(err, "list issuers")
	}
	out := map[string]string{}
	if secret == nil {
		return out, nil
	}
	info, _ := secret.Data["key_info"].(map[string]any)
	for ref, v := range info {
		m, _ := v.(map[string]any)
		s, _ := m["serial_number"].(string)
		out[ref] = normalizeSerial(s)
	}
	return out, nil
}

func sortedIssuerRefs(issuers map[string]string) []string {
	refs := make([]string, 0, len(issuers))
	for ref := range issuers {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
