package vault

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/userpass"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/pki"
	"github.com/kzh/vaultops/pkg/raft"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// HASummary is what vault-ha-client.yml and the vault_ha_client inventory
// variable carry.
type HASummary struct {
	AdminUser               string `yaml:"admin_user" json:"admin_user"`
	AdminPassword           string `yaml:"admin_password" json:"admin_password"`
	UserpassMount           string `yaml:"userpass_mount" json:"userpass_mount"`
	PolicyName              string `yaml:"policy_name" json:"policy_name"`
	ClientCertPEM           string `yaml:"client_cert_pem" json:"client_cert_pem"`
	ClientKeyPEM            string `yaml:"client_key_pem" json:"client_key_pem"`
	HAHostname              string `yaml:"vault_ha_hostname" json:"vault_ha_hostname"`
	HAPort                  int    `yaml:"vault_ha_port" json:"vault_ha_port"`
	ClientCertP12Base64     string `yaml:"client_cert_p12_base64" json:"client_cert_p12_base64"`
	ClientCertP12Passphrase string `yaml:"client_cert_p12_passphrase" json:"client_cert_p12_passphrase"`
	RootCACertPEM           string `yaml:"root_ca_cert_pem" json:"root_ca_cert_pem"`
}

func (s *HASummary) Addr() string {
	return "https://" + net.JoinHostPort(s.HAHostname, strconv.Itoa(s.HAPort))
}

type HAFiles struct {
	Summary    string
	RootCACert string
	ClientCert string
	ClientKey  string
	ClientP12  string
}

func haFiles(tmpDir string) HAFiles {
	return HAFiles{
		Summary:    filepath.Join(tmpDir, "vault-ha-client.yml"),
		RootCACert: filepath.Join(tmpDir, "vault-ha-root-ca.pem"),
		ClientCert: filepath.Join(tmpDir, "vault-ha-client-cert.pem"),
		ClientKey:  filepath.Join(tmpDir, "vault-ha-client-priv.key"),
		ClientP12:  filepath.Join(tmpDir, "vault-ha-client-cert.p12"),
	}
}

// HAClient reaches the cluster through the HA hostname and authenticates
// as the admin userpass user.
type HAClient struct {
	Summary HASummary
	Files   HAFiles

	api *api.Client
	log *zap.Logger
}

// LoadHASummary reads the vault-ha-client.yml an earlier run wrote into
// tmpDir. It returns nil when there is none.
func LoadHASummary(tmpDir string) (*HASummary, error) {
	path := haFiles(tmpDir).Summary
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	summary := &HASummary{}
	if err := yaml.Unmarshal(data, summary); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return summary, nil
}

// BuildHASummary issues the HA client certificate. Its SANs cover the HA
// hostname and every node. The key and certificate persisted in tmpDir are
// kept as long as they still match the root CA and the topology.
func BuildHASummary(file *config.File, topo *raft.Topology, ca *pki.Authority, tmpDir string) (*HASummary, error) {
	log := zap.L().Named("vault")
	secrets := file.VaultSecrets
	sans := []string{secrets.HASANEntry()}
	for _, n := range topo.Nodes {
		sans = append(sans, n.SubjectAltNames()...)
	}

	prev, err := LoadHASummary(tmpDir)
	if err != nil {
		log.Warn("ignoring persisted ha client", zap.Error(err))
		prev = nil
	}

	var key *rsa.PrivateKey
	var keyPEM, content string
	if prev != nil && prev.RootCACertPEM == secrets.RootPKI.RootCACertPEM {
		if k, err := pki.ParsePrivateKey(prev.ClientKeyPEM, ""); err == nil {
			key, keyPEM, content = k, prev.ClientKeyPEM, prev.ClientCertPEM
		}
	}
	if key == nil {
		generated, err := pki.GenerateKey(pki.KeyProperties{})
		if err != nil {
			return nil, err
		}
		key, keyPEM = generated.Key, generated.PEM
	}

	cert, err := pki.GenerateCertificate(key, content, pki.ClientCertificateDetails("vault_ha_client_cert", pki.MergeSANs(sans)), ca)
	if err != nil {
		return nil, err
	}

	var p12Base64 string
	if !cert.NeedToGenerate && prev.ClientCertP12Passphrase == secrets.AdminUserpass.ClientCertP12Passwd {
		p12Base64 = prev.ClientCertP12Base64
	} else {
		if cert.NeedToGenerate {
			log.Info("issuing ha client certificate", zap.String("reason", cert.Reason))
		}
		p12, err := pki.EncodePKCS12(key, cert.Cert, []*x509.Certificate{ca.Cert}, secrets.AdminUserpass.ClientCertP12Passwd)
		if err != nil {
			return nil, err
		}
		p12Base64 = base64.StdEncoding.EncodeToString(p12)
	}

	return &HASummary{
		AdminUser:               secrets.AdminUserpass.User,
		AdminPassword:           secrets.AdminUserpass.Password,
		UserpassMount:           secrets.AdminUserpass.MountPath,
		PolicyName:              secrets.AdminUserpass.PolicyName,
		ClientCertPEM:           cert.FullChain,
		ClientKeyPEM:            keyPEM,
		HAHostname:              secrets.HAHostname,
		HAPort:                  secrets.HAPort,
		ClientCertP12Base64:     p12Base64,
		ClientCertP12Passphrase: secrets.AdminUserpass.ClientCertP12Passwd,
		RootCACertPEM:           secrets.RootPKI.RootCACertPEM,
	}, nil
}

// NewHAClient writes the HA client bundle into tmpDir and builds an mTLS
// client for the HA address.
func NewHAClient(summary *HASummary, tmpDir string) (*HAClient, error) {
	files, err := WriteHAFiles(summary, tmpDir)
	if err != nil {
		return nil, err
	}
	h := &HAClient{
		Summary: *summary,
		Files:   files,
		log:     zap.L().Named("vault"),
	}
	h.api, err = NewAPIClient(summary.Addr(), &api.TLSConfig{
		CACert:     files.RootCACert,
		ClientCert: files.ClientCert,
		ClientKey:  files.ClientKey,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// WriteHAFiles persists summary and the PEM and p12 files derived from it.
func WriteHAFiles(summary *HASummary, tmpDir string) (HAFiles, error) {
	paths := haFiles(tmpDir)
	data, err := yaml.Marshal(summary)
	if err != nil {
		return paths, errors.Wrap(err, "encode ha client summary")
	}
	p12, err := base64.StdEncoding.DecodeString(summary.ClientCertP12Base64)
	if err != nil {
		return paths, errors.Wrap(err, "decode ha client p12")
	}

	files := []struct {
		path string
		data []byte
	}{
		{paths.Summary, data},
		{paths.RootCACert, []byte(summary.RootCACertPEM)},
		{paths.ClientCert, []byte(summary.ClientCertPEM)},
		{paths.ClientKey, []byte(summary.ClientKeyPEM)},
		{paths.ClientP12, p12},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, 0o600); err != nil {
			return paths, errors.Wrapf(err, "write %s", f.path)
		}
	}
	zap.L().Named("vault").Info("ha client files written", zap.String("summary", paths.Summary))
	return paths, nil
}

// Client returns the HA client, logging in with userpass when it holds no
// valid token.
func (h *HAClient) Client(ctx context.Context) (*api.Client, error) {
	if h.api.Token() != "" {
		if _, err := h.api.Auth().Token().LookupSelfWithContext(ctx); err == nil {
			return h.api, nil
		}
		h.api.ClearToken()
	}

	auth, err := userpass.NewUserpassAuth(
		h.Summary.AdminUser,
		&userpass.Password{FromString: h.Summary.AdminPassword},
		userpass.WithMountPath(h.Summary.UserpassMount),
	)
	if err != nil {
		return nil, errors.Wrap(err, "userpass auth")
	}
	secret, err := h.api.Auth().Login(ctx, auth)
	if err != nil {
		return nil, errors.Wrapf(err, "login as %s", h.Summary.AdminUser)
	}
	if secret == nil || secret.Auth == nil {
		return nil, errors.New("userpass login returned no auth info")
	}
	h.log.Info("logged in to vault ha", zap.String("user", h.Summary.AdminUser))
	return h.api, nil
}
