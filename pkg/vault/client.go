package vault

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/pki"
	"github.com/kzh/vaultops/pkg/raft"
	"go.uber.org/zap"
)

const RootCAFileName = "vault_root_ca_cert.pem"

// NodeClient talks to a single raft node with its own client certificate.
type NodeClient struct {
	Node *raft.Node
	API  *api.Client

	CertFile string
	KeyFile  string
	CertPEM  string
	KeyPEM   string
}

func (n *NodeClient) ID() string {
	return n.Node.ID()
}

// WriteRootCA writes the root CA certificate every client trusts.
func WriteRootCA(tmpDir string, ca *pki.Authority) (string, error) {
	path := filepath.Join(tmpDir, RootCAFileName)
	if err := os.WriteFile(path, []byte(ca.PEM()), 0o600); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}

func NewNodeClients(topo *raft.Topology, ca *pki.Authority, caFile string) ([]*NodeClient, error) {
	clients := make([]*NodeClient, 0, len(topo.Nodes))
	for _, node := range topo.Nodes {
		c, err := NewNodeClient(node, ca, caFile)
		if err != nil {
			return nil, errors.Wrapf(err, "node %s", node.ID())
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// NewNodeClient issues a fresh client certificate for node and points an
// mTLS vault client at its api_addr.
func NewNodeClient(node *raft.Node, ca *pki.Authority, caFile string) (*NodeClient, error) {
	dir := node.NodeTmpDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}

	key, err := pki.GenerateKey(pki.KeyProperties{})
	if err != nil {
		return nil, err
	}
	cert, err := pki.GenerateCertificate(key.Key, "", pki.ClientCertificateDetails(node.ID(), node.SubjectAltNames()), ca)
	if err != nil {
		return nil, err
	}

	c := &NodeClient{
		Node:     node,
		CertFile: filepath.Join(dir, "vault-client-cert.pem"),
		KeyFile:  filepath.Join(dir, "vault-client-priv.key"),
		CertPEM:  cert.FullChain,
		KeyPEM:   key.PEM,
	}
	if err := os.WriteFile(c.KeyFile, []byte(c.KeyPEM), 0o600); err != nil {
		return nil, errors.Wrapf(err, "write %s", c.KeyFile)
	}
	if err := os.WriteFile(c.CertFile, []byte(c.CertPEM), 0o600); err != nil {
		return nil, errors.Wrapf(err, "write %s", c.CertFile)
	}

	c.API, err = NewAPIClient(node.APIAddr(), &api.TLSConfig{
		CACert:     caFile,
		ClientCert: c.CertFile,
		ClientKey:  c.KeyFile,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Named("vault").Debug("node client ready", zap.String("node_id", node.ID()), zap.String("addr", node.APIAddr()))
	return c, nil
}

// NewAPIClient builds a vault client without picking up VAULT_TOKEN from
// the environment.
func NewAPIClient(addr string, tlsConfig *api.TLSConfig) (*api.Client, error) {
	cfg := api.DefaultConfig()
	if cfg.Error != nil {
		return nil, errors.Wrap(cfg.Error, "vault default config")
	}
	cfg.Address = addr
	cfg.MaxRetries = 2
	if tlsConfig != nil {
		if err := cfg.ConfigureTLS(tlsConfig); err != nil {
			return nil, errors.Wrap(err, "configure vault tls")
		}
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new vault client")
	}
	client.ClearToken()
	return client, nil
}
