package pki

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/ssh"
	"software.sslmate.com/src/go-pkcs12"
)

// LoadRootCA parses the root CA key and certificate kept in vault_secrets.
func LoadRootCA(keyPEM, password, certPEM string) (*Authority, error) {
	key, err := ParsePrivateKey(keyPEM, password)
	if err != nil {
		return nil, errors.Wrap(err, "root ca key")
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, errors.Wrap(err, "root ca certificate")
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, errors.New("root ca key does not match the root ca certificate")
	}
	if !cert.IsCA {
		return nil, errors.New("root ca certificate is not a CA")
	}
	return &Authority{Cert: cert, Key: key}, nil
}

func EncodePKCS12(key *rsa.PrivateKey, cert *x509.Certificate, cas []*x509.Certificate, passphrase string) ([]byte, error) {
	data, err := pkcs12.Modern.Encode(key, cert, cas, passphrase)
	return data, errors.Wrap(err, "encode pkcs12")
}

type SSHKeyPair struct {
	AuthorizedKey string
	PrivateKey    string
}

// SSHKeys derives an OpenSSH key pair from key, used as the ansible ssh
// identity of the vault servers.
func SSHKeys(key *rsa.PrivateKey) (*SSHKeyPair, error) {
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "ssh public key")
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return nil, errors.Wrap(err, "ssh private key")
	}
	return &SSHKeyPair{
		AuthorizedKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
		PrivateKey:    string(pem.EncodeToMemory(block)),
	}, nil
}
