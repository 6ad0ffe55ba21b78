package config

import (
	"net"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	VaultConfigKey = "vault_config.yml"
	UnsealKeysKey  = "vault_unseal_keys.yml"
	CodifyStateKey = "codify_state.json"
	SnapshotPrefix = "raft_snapshot/"
)

type Addr struct {
	APIAddrFQDN     string `yaml:"api_addr_fqdn,omitempty" json:"api_addr_fqdn,omitempty" validate:"omitempty,hostname_rfc1123"`
	APIIP           string `yaml:"api_ip,omitempty" json:"api_ip,omitempty" validate:"omitempty,ip"`
	ClusterAddrFQDN string `yaml:"cluster_addr_fqdn,omitempty" json:"cluster_addr_fqdn,omitempty" validate:"omitempty,hostname_rfc1123"`
	ClusterIP       string `yaml:"cluster_ip,omitempty" json:"cluster_ip,omitempty" validate:"omitempty,ip"`
}

type VaultNode struct {
	Addr        `yaml:",inline"`
	NodePort    int `yaml:"node_port" validate:"required,min=1,max=65535"`
	ClusterPort int `yaml:"cluster_port" validate:"required,min=1,max=65535"`

	// ExplicitRetryJoinNodes limits retry_join to the listed node ids.
	ExplicitRetryJoinNodes map[string]any `yaml:"explicit_retry_join_nodes,omitempty"`
	// RetryJoinDisabled is set when explicit_retry_join_nodes is null.
	RetryJoinDisabled bool `yaml:"-"`
}

func (n *VaultNode) UnmarshalYAML(value *yaml.Node) error {
	type plain VaultNode
	if err := value.Decode((*plain)(n)); err != nil {
		return err
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "explicit_retry_join_nodes" && value.Content[i+1].ShortTag() == "!!null" {
			n.RetryJoinDisabled = true
		}
	}
	return nil
}

type VaultServer struct {
	Addr        `yaml:",inline"`
	VaultNodes  map[string]*VaultNode `yaml:"vault_nodes" validate:"required,min=1,dive,required"`
	AnsibleOpts map[string]any        `yaml:"ansible_opts,omitempty"`
	HostKeys    []string              `yaml:"host_keys,omitempty"`

	RootCAKeyAsSSHKey *bool `yaml:"root_ca_key_pem_as_ansible_priv_ssh_key,omitempty"`
}

func (s *VaultServer) UseRootCAKeyAsSSHKey() bool {
	return s.RootCAKeyAsSSHKey == nil || *s.RootCAKeyAsSSHKey
}

type RootPKIDetails struct {
	RootCAKeyPassword string `yaml:"root_ca_key_password" validate:"required"`
	RootCAKeyPEM      string `yaml:"root_ca_key_pem" validate:"required"`
	RootCACertPEM     string `yaml:"root_ca_cert_pem" validate:"required"`
}

type AdminUserpassDetails struct {
	User                string `yaml:"vault_admin_user" validate:"required"`
	Password            string `yaml:"vault_admin_password" validate:"required"`
	MountPath           string `yaml:"vault_admin_userpass_mount_path" validate:"required"`
	PolicyName          string `yaml:"vault_admin_policy_name" validate:"required"`
	ClientCertP12Passwd string `yaml:"vault_admin_client_cert_p12_passphrase" validate:"required"`
}

type VaultSecrets struct {
	HAHostname    string               `yaml:"vault_ha_hostname" validate:"required"`
	HAPort        int                  `yaml:"vault_ha_port" validate:"required,min=1,max=65535"`
	RootPKI       RootPKIDetails       `yaml:"root_pki_details"`
	AdminUserpass AdminUserpassDetails `yaml:"vault_admin_userpass_details"`

	GithubDetails    map[string]map[string]string `yaml:"github_details,omitempty"`
	BotGPGKey        map[string]string            `yaml:"bot_gpg_key,omitempty"`
	ExternalServices map[string]any               `yaml:"external_services,omitempty"`
	AnsibleInventory map[string]any               `yaml:"ansible_inventory,omitempty"`
}

// HASANEntry is the SAN entry of the HA hostname: IP: for addresses,
// DNS: otherwise.
func (s *VaultSecrets) HASANEntry() string {
	if net.ParseIP(s.HAHostname) != nil {
		return "IP:" + s.HAHostname
	}
	return "DNS:" + s.HAHostname
}

type GithubRepository struct {
	Owner    string   `yaml:"owner" validate:"required"`
	Repo     string   `yaml:"repo" validate:"required"`
	Policies []string `yaml:"policies,omitempty"`
}

type HADNS struct {
	ZoneID   string `yaml:"zone_id" validate:"required"`
	APIToken string `yaml:"api_token" validate:"required"`
	TTL      int    `yaml:"ttl,omitempty"`
	Proxied  bool   `yaml:"proxied,omitempty"`
}

type KubernetesSecret struct {
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
	Namespace  string `yaml:"namespace" validate:"required"`
	Name       string `yaml:"name" validate:"required"`
}

type Codify struct {
	GithubRepositories []GithubRepository `yaml:"github_repositories,omitempty" validate:"dive"`
	HADNS              *HADNS             `yaml:"ha_dns,omitempty"`
	KubernetesSecret   *KubernetesSecret  `yaml:"kubernetes_secret,omitempty"`
}

// File is the content of vault_config.yml.
type File struct {
	VaultServers map[string]*VaultServer `yaml:"vault_servers" validate:"required,min=1,dive,required"`
	VaultSecrets VaultSecrets            `yaml:"vault_secrets"`
	Codify       Codify                  `yaml:"codify,omitempty"`

	// RawVaultSecrets keeps vault_secrets as written, for mirroring into KV.
	RawVaultSecrets map[string]any `yaml:"-"`
}

func ParseFile(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, errors.Wrap(err, "parse vault config")
	}

	var raw struct {
		VaultSecrets map[string]any `yaml:"vault_secrets"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse vault secrets")
	}
	f.RawVaultSecrets = raw.VaultSecrets

	if err := validator.New().Struct(f); err != nil {
		return nil, errors.Wrap(err, "invalid vault config")
	}
	return f, nil
}

// UnsealKeys mirrors the init response persisted in storage.
type UnsealKeys struct {
	Keys       []string `yaml:"keys"`
	KeysBase64 []string `yaml:"keys_base64"`
	RootToken  string   `yaml:"root_token"`
}
