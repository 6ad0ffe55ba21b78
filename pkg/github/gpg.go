package github

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/cockroachdb/errors"
	"github.com/google/go-github/v62/github"
	"github.com/kzh/vaultops/pkg/vault"
	"go.uber.org/zap"
)

const (
	gpgPrivateKeyKey = "BOT_GPG_PRIVATE_KEY"
	gpgPassphraseKey = "BOT_GPG_PASSPHRASE"
)

var gpgKeyExists = []string{"key_id already exists", "public_key already exists"}

// PublicKeyFromPrivate returns the fingerprint and the armored public key of
// the single key in an armored private key ring.
func PublicKeyFromPrivate(armored, passphrase string) (string, string, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return "", "", errors.Wrap(err, "read gpg private key")
	}
	switch {
	case len(entities) == 0:
		return "", "", errors.New("no keys found")
	case len(entities) > 1:
		return "", "", errors.New("multiple keys found")
	}
	entity := entities[0]

	if entity.PrivateKey == nil {
		return "", "", errors.New("key ring holds no private key")
	}
	if entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return "", "", errors.Wrap(err, "decrypt gpg private key")
		}
	}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return "", "", errors.Wrap(err, "decrypt gpg private subkey")
			}
		}
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", "", errors.Wrap(err, "armor gpg public key")
	}
	if err := entity.Serialize(w); err != nil {
		return "", "", errors.Wrap(err, "serialize gpg public key")
	}
	if err := w.Close(); err != nil {
		return "", "", errors.Wrap(err, "armor gpg public key")
	}
	return fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint), buf.String(), nil
}

type gpgKeyRequest struct {
	ArmoredPublicKey string `json:"armored_public_key"`
	Name             string `json:"name"`
}

// UploadGPGKey adds the key to the authenticated user. A key GitHub already
// knows is not an error.
func UploadGPGKey(ctx context.Context, gh *github.Client, fingerprint, armoredPublicKey string) error {
	log := zap.L().Named("github").With(zap.String("fingerprint", fingerprint))
	req, err := gh.NewRequest(http.MethodPost, "user/gpg_keys", &gpgKeyRequest{
		ArmoredPublicKey: armoredPublicKey,
		Name:             "GPG KEY - BOT - " + fingerprint,
	})
	if err != nil {
		return errors.Wrap(err, "build gpg key request")
	}

	resp, err := gh.Do(ctx, req, nil)
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusUnprocessableEntity {
		for _, e := range errResp.Errors {
			for _, exists := range gpgKeyExists {
				if e.Message == exists {
					log.Info("gpg key already exists in github")
					return nil
				}
			}
		}
		return errors.Wrap(err, "add gpg key to github")
	}
	if err != nil {
		return errors.Wrap(err, "add gpg key to github")
	}
	if resp.StatusCode != http.StatusCreated {
		return errors.Newf("add gpg key to github: unexpected status %d", resp.StatusCode)
	}
	log.Info("gpg key added to github")
	return nil
}

// SetupBotGPG registers the bot GPG key with the bot account. Missing
// secrets skip the step.
func (a *Access) SetupBotGPG(ctx context.Context) error {
	key, err := vault.ReadKV(ctx, a.Vault, vault.VaultSecretsMount, gpgSecretPath)
	if err != nil {
		return err
	}
	private, _ := key[gpgPrivateKeyKey].(string)
	passphrase, _ := key[gpgPassphraseKey].(string)
	if private == "" {
		a.log.Info("bot gpg key not found, skipping", zap.String("path", gpgSecretPath))
		return nil
	}

	token, err := a.readToken(ctx, botSecretPath, BotTokenKey)
	if err != nil {
		return err
	}
	if token == "" {
		a.log.Info("bot token not found, skipping gpg setup")
		return nil
	}

	fingerprint, public, err := PublicKeyFromPrivate(private, passphrase)
	if err != nil {
		return err
	}
	a.log.Debug("bot gpg key", zap.String("fingerprint", fingerprint))

	gh, err := NewClient(token, a.APIURL)
	if err != nil {
		return err
	}
	return UploadGPGKey(ctx, gh, fingerprint, public)
}
