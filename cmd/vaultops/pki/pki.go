package pki

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/codify"
	"github.com/kzh/vaultops/pkg/config"
	ops "github.com/kzh/vaultops/pkg/setup"
	"github.com/kzh/vaultops/pkg/vault"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var flags struct {
	out        string
	commonName string
	ttl        string
}

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pki",
		Short: "Fetch certificates from the vault PKI mounts",
	}
	cmd.PersistentFlags().StringVar(&flags.out, "out", ".", "output directory")
	genClientCert.Flags().StringVar(&flags.commonName, "cn", "", "certificate common name (default the ha hostname)")
	genClientCert.Flags().StringVar(&flags.ttl, "ttl", "", "certificate ttl")
	cmd.AddCommand(rootCa)
	cmd.AddCommand(genClientCert)
	return cmd
}

var rootCa = &cobra.Command{
	Use:   "root-ca",
	Short: "Write the root CA certificate served by vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := ops.Prepare(ctx, config.SettingsFrom(viper.GetViper()), nil)
		if err != nil {
			return err
		}
		client, err := env.HA.Client(ctx)
		if err != nil {
			return err
		}

		secret, err := client.Logical().ReadWithContext(ctx, vault.RootCAMount+"/cert/ca")
		if err != nil {
			return errors.Wrap(err, "read root ca")
		}
		if secret == nil {
			return errors.Newf("%s has no ca certificate", vault.RootCAMount)
		}
		return writeFile(filepath.Join(flags.out, "root_ca.crt"), str(secret.Data["certificate"]), 0o644)
	},
}

var genClientCert = &cobra.Command{
	Use:   "gen-client-cert",
	Short: "Issue a vault client certificate from the intermediate PKI",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := ops.Prepare(ctx, config.SettingsFrom(viper.GetViper()), nil)
		if err != nil {
			return err
		}
		client, err := env.HA.Client(ctx)
		if err != nil {
			return err
		}

		cn := flags.commonName
		if cn == "" {
			cn = env.HA.Summary.HAHostname
		}
		data := map[string]any{"common_name": cn}
		if flags.ttl != "" {
			data["ttl"] = flags.ttl
		}
		secret, err := client.Logical().WriteWithContext(ctx, codify.PKIMount+"/issue/"+codify.ClientCertRole, data)
		if err != nil {
			return errors.Wrapf(err, "issue client certificate for %s", cn)
		}
		return writeCertificate(flags.out, strings.ReplaceAll(cn, "*", "wildcard"), secret)
	},
}

func writeCertificate(dir, name string, secret *api.Secret) error {
	if secret == nil {
		return errors.New("empty response from vault")
	}
	if err := writeFile(filepath.Join(dir, name+".crt"), str(secret.Data["certificate"]), 0o644); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, name+".key"), str(secret.Data["private_key"]), 0o600); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, "issuing_ca.crt"), str(secret.Data["issuing_ca"]), 0o644)
}

func writeFile(path, content string, perm os.FileMode) error {
	if content == "" {
		return errors.Newf("nothing to write to %s", path)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), perm); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	fmt.Println(path)
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
