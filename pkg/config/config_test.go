package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kzh/vaultops/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVaultConfig = `
vault_servers:
  vm1:
    api_ip: 10.0.0.1
    cluster_ip: 10.0.0.1
    host_keys: ["10.0.0.1 ssh-ed25519 AAAA"]
    ansible_opts:
      ansible_user: ubuntu
    vault_nodes:
      n1:
        node_port: 8200
        cluster_port: 8201
      n2:
        node_port: 8210
        cluster_port: 8211
        explicit_retry_join_nodes:
  vm2:
    root_ca_key_pem_as_ansible_priv_ssh_key: false
    vault_nodes:
      n1:
        api_addr_fqdn: vm2.example.com
        cluster_addr_fqdn: vm2.example.com
        node_port: 8200
        cluster_port: 8201
        explicit_retry_join_nodes:
          vm1-n1: null
vault_secrets:
  vault_ha_hostname: vault.example.com
  vault_ha_port: 8200
  root_pki_details:
    root_ca_key_password: pass
    root_ca_key_pem: key
    root_ca_cert_pem: cert
  vault_admin_userpass_details:
    vault_admin_user: admin
    vault_admin_password: secret
    vault_admin_userpass_mount_path: userpass
    vault_admin_policy_name: admin
    vault_admin_client_cert_p12_passphrase: p12
  external_services:
    cloudflare:
      api_token: abc
codify:
  github_repositories:
    - owner: kzh
      repo: infra.faust
`

func TestParseFile(t *testing.T) {
	f, err := ParseFile([]byte(testVaultConfig))
	require.NoError(t, err)

	require.Len(t, f.VaultServers, 2)
	vm1 := f.VaultServers["vm1"]
	assert.True(t, vm1.UseRootCAKeyAsSSHKey())
	assert.False(t, f.VaultServers["vm2"].UseRootCAKeyAsSSHKey())
	assert.Equal(t, "ubuntu", vm1.AnsibleOpts["ansible_user"])

	assert.False(t, vm1.VaultNodes["n1"].RetryJoinDisabled)
	assert.True(t, vm1.VaultNodes["n2"].RetryJoinDisabled)
	assert.Contains(t, f.VaultServers["vm2"].VaultNodes["n1"].ExplicitRetryJoinNodes, "vm1-n1")

	assert.Equal(t, "DNS:vault.example.com", f.VaultSecrets.HASANEntry())
	assert.Contains(t, f.RawVaultSecrets, "external_services")
	assert.Len(t, f.Codify.GithubRepositories, 1)
}

func TestParseFileValidation(t *testing.T) {
	_, err := ParseFile([]byte("vault_servers: {}\n"))
	assert.Error(t, err)

	bad := `
vault_servers:
  vm1:
    vault_nodes:
      n1: {node_port: 8200, cluster_port: 8201, api_ip: not-an-ip}
vault_secrets:
  vault_ha_hostname: 10.0.0.10
  vault_ha_port: 8200
`
	_, err = ParseFile([]byte(bad))
	assert.ErrorContains(t, err, "APIIP")
}

func TestHASANEntryIP(t *testing.T) {
	s := VaultSecrets{HAHostname: "10.0.0.10"}
	assert.Equal(t, "IP:10.0.0.10", s.HASANEntry())
}

func TestLoadInventory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
plugin: vault_inventory_builder
vaultops_tmp_dir_path: `+filepath.Join(dir, "tmp")+`
vaultops_config_dir_path: `+filepath.Join(dir, "cfg")+`
vaultops_s3_bucket_name: bucket
`), 0o600))
	t.Setenv("VAULTOPS_S3_REGION", "eu-west-1")

	inv, err := LoadInventory(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tmp"), inv.TmpDir)
	assert.Equal(t, "bucket", inv.S3.Bucket)
	assert.Equal(t, "eu-west-1", inv.S3.Region)
	assert.Equal(t, "s3v4", inv.S3.SignatureVersion)

	opts := inv.StorageOptions()
	require.NotNil(t, opts.S3)
	assert.Nil(t, opts.OnePassword)
}

func TestLoadInventorySameDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
vaultops_tmp_dir_path: `+dir+`
vaultops_config_dir_path: `+dir+`
`), 0o600))

	_, err := LoadInventory(path)
	assert.ErrorContains(t, err, "must differ")
}

func TestState(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	state := NewState(store)
	state.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	keys, err := state.UnsealKeys(ctx)
	require.NoError(t, err)
	assert.Nil(t, keys)

	require.NoError(t, state.SaveUnsealKeys(ctx, &UnsealKeys{
		Keys:       []string{"aa"},
		KeysBase64: []string{"qg=="},
		RootToken:  "hvs.root",
	}))
	keys, err = state.UnsealKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hvs.root", keys.RootToken)
	assert.Equal(t, []string{"qg=="}, keys.KeysBase64)

	key, err := state.SaveRaftSnapshot(ctx, []byte("snap"))
	require.NoError(t, err)
	assert.Equal(t, "raft_snapshot/20240501T100000Z.snap", key)

	_, err = state.VaultConfig(ctx)
	assert.ErrorContains(t, err, VaultConfigKey)

	require.NoError(t, store.Put(ctx, VaultConfigKey, []byte(testVaultConfig), ""))
	f, err := state.VaultConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8200, f.VaultSecrets.HAPort)
}
