package setup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rootToken = "hvs.root-token-01"
	rootOTP   = "otp-value-0123456"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func snapshotArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range map[string]string{"meta.json": "{}", "state.bin": "raft", "SHA256SUMS": "sums", "SHA256SUMS.sealed": "sealed"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// fakeVault serves one active raft node. The kv mounts answer 404 until
// the codify stack has run, as on a fresh cluster.
type fakeVault struct {
	mu          sync.Mutex
	steps       []string
	mounted     bool
	failRootPKI bool
	serial      string
	archive     []byte
	stackToken  string
	stackAdmin  bool
	stackOpened bool
}

func (f *fakeVault) step(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.steps); n > 0 && f.steps[n-1] == name {
		return
	}
	f.steps = append(f.steps, name)
}

func (f *fakeVault) Steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.steps...)
}

func (f *fakeVault) Up(context.Context) error {
	f.step("codify")
	f.mu.Lock()
	f.mounted = true
	f.mu.Unlock()
	return nil
}

func (f *fakeVault) kv(step string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		mounted := f.mounted
		f.mu.Unlock()
		if !mounted {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"errors": []string{fmt.Sprintf("no handler for route %q. route entry not found.", r.URL.Path)}})
			return
		}
		f.step(step)
		switch {
		case r.Method == http.MethodPut || r.Method == http.MethodPost:
			writeJSON(w, map[string]any{"data": map[string]any{
				"created_time": "2024-01-01T00:00:00Z", "deletion_time": "", "destroyed": false, "version": 1,
			}})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"errors": []string{}})
		}
	}
}

func (f *fakeVault) handler() http.Handler {
	ok := func(step string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.step(step)
			w.WriteHeader(http.StatusNoContent)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/init", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"initialized": true})
	})
	mux.HandleFunc("GET /v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"initialized": true, "sealed": false, "standby": false})
	})

	raw := make([]byte, len(rootToken))
	for i := range rootToken {
		raw[i] = rootToken[i] ^ rootOTP[i]
	}
	mux.HandleFunc("GET /v1/sys/generate-root/attempt", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"started": false, "required": 1})
	})
	mux.HandleFunc("PUT /v1/sys/generate-root/attempt", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"started": true, "nonce": "n1", "otp": rootOTP, "required": 1})
	})
	mux.HandleFunc("PUT /v1/sys/generate-root/update", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"progress": 1, "required": 1, "complete": true,
			"encoded_root_token": base64.RawStdEncoding.EncodeToString(raw),
		})
	})

	mux.HandleFunc("GET /v1/sys/storage/raft/configuration", func(w http.ResponseWriter, r *http.Request) {
		f.step("raft")
		writeJSON(w, map[string]any{"data": map[string]any{"config": map[string]any{"servers": []any{
			map[string]any{"node_id": "vm1-a", "address": "10.0.0.1:8201", "leader": true, "voter": true},
			map[string]any{"node_id": "vm1-b", "address": "10.0.0.1:8211", "leader": false, "voter": true},
		}}}})
	})

	mux.HandleFunc("PUT /v1/sys/policies/acl/admin", ok("admin"))
	mux.HandleFunc("GET /v1/sys/auth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"token/": map[string]any{"type": "token"}}})
	})
	mux.HandleFunc("POST /v1/sys/auth/admin-userpass", ok("admin"))
	mux.HandleFunc("POST /v1/sys/mounts/auth/admin-userpass/tune", ok("admin"))
	mux.HandleFunc("PUT /v1/auth/admin-userpass/users/ops", ok("admin"))

	mux.HandleFunc("GET /v1/sys/mounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"sys/": map[string]any{"type": "system"}}})
	})
	mux.HandleFunc("POST /v1/sys/mounts/root-ca", func(w http.ResponseWriter, r *http.Request) {
		f.step("root_pki")
		f.mu.Lock()
		fail := f.failRootPKI
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]any{"errors": []string{"storage unavailable"}})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/sys/mounts/root-ca/tune", ok("root_pki"))
	mux.HandleFunc("PUT /v1/root-ca/config/ca", ok("root_pki"))
	mux.HandleFunc("GET /v1/root-ca/issuers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{
			"keys":     []string{"root-issuer"},
			"key_info": map[string]any{"root-issuer": map[string]any{"serial_number": f.serial}},
		}})
	})
	mux.HandleFunc("PUT /v1/root-ca/config/issuers", ok("root_pki"))
	mux.HandleFunc("PUT /v1/root-ca/issuer/{ref}", ok("root_pki"))

	mux.HandleFunc("/v1/"+vault.VaultSecretsMount+"/", f.kv("vault_secrets"))
	mux.HandleFunc("/v1/"+vault.SecretMount+"/", f.kv("external_services"))

	mux.HandleFunc("GET /v1/auth/token/lookup-self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"accessor": "self"}})
	})
	mux.HandleFunc("GET /v1/auth/token/accessors", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"keys": []string{"self"}}})
	})
	mux.HandleFunc("POST /v1/auth/token/lookup-accessor", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"display_name": "root"}})
	})
	mux.HandleFunc("PUT /v1/auth/token/revoke-self", ok("revoke"))

	mux.HandleFunc("GET /v1/sys/storage/raft/snapshot", func(w http.ResponseWriter, r *http.Request) {
		f.step("snapshot")
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(f.archive)
	})
	return mux
}

// bootstrapEnv points every vault client of a prepared env at f and stubs
// the codify stack and the GitHub hand-off.
func bootstrapEnv(t *testing.T, f *fakeVault) *Env {
	t.Helper()
	env, err := Prepare(context.Background(), writeFixture(t), nil)
	require.NoError(t, err)

	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	newClient := func() *api.Client {
		c, err := vault.NewAPIClient(srv.URL, nil)
		require.NoError(t, err)
		c.SetMaxRetries(0)
		return c
	}
	for _, n := range env.Cluster.Nodes {
		n.API = newClient()
	}

	f.serial = fmt.Sprintf("%x", env.CA.Cert.SerialNumber)
	f.archive = snapshotArchive(t)
	env.Config.File.Codify.KubernetesSecret = nil
	env.Config.File.VaultSecrets.ExternalServices = map[string]any{
		"db": map[string]any{"user": "app", "password": "pw"},
	}

	env.haClient = func(context.Context) (*api.Client, error) {
		c := newClient()
		c.SetToken("hvs.ha")
		return c, nil
	}
	env.openStack = func(_ context.Context, token string, manageAdmin bool) (Stack, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stackOpened = true
		f.stackToken = token
		f.stackAdmin = manageAdmin
		return f, nil
	}
	env.handOff = func(context.Context, *api.Client, string) error {
		f.step("github")
		return nil
	}
	return env
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("held unseal keys manage the admin user", func(t *testing.T) {
		f := &fakeVault{}
		env := bootstrapEnv(t, f)
		require.NoError(t, env.Config.State.SaveUnsealKeys(ctx, &config.UnsealKeys{KeysBase64: []string{"qg=="}}))

		require.NoError(t, Bootstrap(ctx, env, Options{}))

		assert.Equal(t, []string{
			"raft", "admin", "root_pki", "codify", "vault_secrets", "revoke", "external_services", "snapshot", "github",
		}, f.Steps())
		assert.Equal(t, rootToken, f.stackToken)
		assert.True(t, f.stackAdmin)
	})

	t.Run("ha client without unseal keys", func(t *testing.T) {
		f := &fakeVault{}
		env := bootstrapEnv(t, f)

		require.NoError(t, Bootstrap(ctx, env, Options{SkipGithub: true}))

		assert.Equal(t, []string{
			"raft", "root_pki", "codify", "vault_secrets", "revoke", "external_services", "snapshot",
		}, f.Steps())
		assert.Equal(t, "hvs.ha", f.stackToken)
		assert.False(t, f.stackAdmin)
	})

	t.Run("failure before codify stops the run", func(t *testing.T) {
		f := &fakeVault{failRootPKI: true}
		env := bootstrapEnv(t, f)
		require.NoError(t, env.Config.State.SaveUnsealKeys(ctx, &config.UnsealKeys{KeysBase64: []string{"qg=="}}))

		err := Bootstrap(ctx, env, Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mount root-ca")

		assert.Equal(t, []string{"raft", "admin", "root_pki"}, f.Steps())
		assert.False(t, f.stackOpened)
		for _, later := range []string{"codify", "vault_secrets", "revoke", "external_services", "snapshot", "github"} {
			assert.NotContains(t, f.Steps(), later)
		}
	})

	t.Run("kv writes need the codify mounts", func(t *testing.T) {
		f := &fakeVault{}
		env := bootstrapEnv(t, f)
		client := env.Cluster.Nodes[0].API

		err := vault.ReplaceKVTree(ctx, client, vault.VaultSecretsMount, vaultSecretsPrefix, env.Config.File.RawVaultSecrets)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "no handler for route"))

		require.NoError(t, f.Up(ctx))
		require.NoError(t, vault.ReplaceKVTree(ctx, client, vault.VaultSecretsMount, vaultSecretsPrefix, env.Config.File.RawVaultSecrets))
	})
}
