package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/cockroachdb/errors"
	"github.com/youmark/pkcs8"
)

const (
	DefaultKeySize  = 2048
	DefaultExponent = 65537
)

type KeyProperties struct {
	Content    string
	Passphrase string
	KeySize    int
	Exponent   int
}

type GeneratedKey struct {
	Key            *rsa.PrivateKey
	PEM            string
	NeedToGenerate bool
	Reason         string
}

// GenerateKey reuses the key in props.Content when it is a valid RSA key of
// the requested shape and generates a fresh one otherwise.
func GenerateKey(props KeyProperties) (*GeneratedKey, error) {
	size := props.KeySize
	if size == 0 {
		size = DefaultKeySize
	}
	exponent := props.Exponent
	if exponent == 0 {
		exponent = DefaultExponent
	}

	out := &GeneratedKey{}
	switch {
	case props.Content == "":
		out.NeedToGenerate, out.Reason = true, "private key content is empty"
	default:
		key, err := ParsePrivateKey(props.Content, props.Passphrase)
		switch {
		case err != nil:
			out.NeedToGenerate, out.Reason = true, "private key content is invalid: "+err.Error()
		case key.N.BitLen() != size:
			out.NeedToGenerate, out.Reason = true, "key size is not valid"
		case key.E != exponent:
			out.NeedToGenerate, out.Reason = true, "public exponent is not valid"
		default:
			out.Key = key
		}
	}

	if out.NeedToGenerate {
		if exponent != DefaultExponent {
			return nil, errors.Newf("unsupported public exponent %d", exponent)
		}
		key, err := rsa.GenerateKey(rand.Reader, size)
		if err != nil {
			return nil, errors.Wrap(err, "generate rsa key")
		}
		out.Key = key
	}

	pemData, err := EncodePrivateKey(out.Key, props.Passphrase)
	if err != nil {
		return nil, err
	}
	out.PEM = pemData
	return out, nil
}

// ParsePrivateKey accepts PKCS#1, PKCS#8, encrypted PKCS#8 and legacy
// encrypted PEM RSA keys.
func ParsePrivateKey(content, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(content))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	der := block.Bytes
	//nolint:staticcheck
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return nil, errors.New("key is encrypted but no passphrase was given")
		}
		var err error
		//nolint:staticcheck
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, errors.Wrap(err, "decrypt private key")
		}
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(der)
		return key, errors.Wrap(err, "parse pkcs1 key")
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, errors.Wrap(err, "parse pkcs8 key")
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Newf("expected an rsa key, got %T", key)
		}
		return rsaKey, nil
	case "ENCRYPTED PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(der, []byte(passphrase))
		return key, errors.Wrap(err, "parse encrypted pkcs8 key")
	}
	return nil, errors.Newf("unsupported PEM block %q", block.Type)
}

func EncodePrivateKey(key *rsa.PrivateKey, passphrase string) (string, error) {
	if passphrase == "" {
		return string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})), nil
	}

	der, err := pkcs8.MarshalPrivateKey(key, []byte(passphrase), nil)
	if err != nil {
		return "", errors.Wrap(err, "encrypt private key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})), nil
}
