package vault

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/raft"
	"github.com/kzh/vaultops/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	body := map[string]any{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	return body
}

func testClient(t *testing.T, h http.Handler) *api.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewAPIClient(srv.URL, nil)
	require.NoError(t, err)
	c.SetMaxRetries(0)
	c.SetToken("test-token")
	return c
}

func testNode(t *testing.T, server, name, ip string, h http.Handler) *NodeClient {
	t.Helper()
	return &NodeClient{
		Node: &raft.Node{
			ServerName:  server,
			NodeName:    name,
			Addr:        config.Addr{APIIP: ip, ClusterIP: ip},
			NodePort:    8200,
			ClusterPort: 8201,
		},
		API:     testClient(t, h),
		CertPEM: "cert-" + server + "-" + name,
		KeyPEM:  "key-" + server + "-" + name,
	}
}

func testState(t *testing.T) *config.State {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return config.NewState(store)
}

type fakePrompter struct {
	yes  bool
	ints []int
}

func (p *fakePrompter) Confirm(string) (bool, error) {
	return p.yes, nil
}

func (p *fakePrompter) Int(string) (int, error) {
	if len(p.ints) == 0 {
		return 0, errors.New("no answer")
	}
	v := p.ints[0]
	p.ints = p.ints[1:]
	return v, nil
}

func healthHandler(initialized, sealed, standby bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"initialized": initialized, "sealed": sealed, "standby": standby})
	}
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	initialized := false
	var initReq map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/init", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		writeJSON(w, map[string]any{"initialized": initialized})
	})
	mux.HandleFunc("PUT /v1/sys/init", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		initReq = readJSON(t, r)
		initialized = true
		writeJSON(w, map[string]any{
			"keys":        []string{"aa", "bb", "cc"},
			"keys_base64": []string{"qg==", "uw==", "zA=="},
			"root_token":  "hvs.root",
		})
	})
	other := http.NewServeMux()
	other.HandleFunc("GET /v1/sys/init", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"initialized": false})
	})

	state := testState(t)
	nodes := []*NodeClient{testNode(t, "vm1", "a", "10.0.0.1", mux), testNode(t, "vm2", "a", "10.0.0.2", other)}

	declined := NewCluster(nodes, state, &fakePrompter{yes: false})
	err := declined.Initialize(ctx)
	assert.True(t, errors.Is(err, ErrSafeExit))

	invalid := NewCluster(nodes, state, &fakePrompter{yes: true, ints: []int{1, 2}})
	err = invalid.Initialize(ctx)
	assert.ErrorContains(t, err, "key shares must be greater than or equal to key threshold")

	zero := NewCluster(nodes, state, &fakePrompter{yes: true, ints: []int{0, 0}})
	assert.ErrorContains(t, zero.Initialize(ctx), "must be greater than 0")

	cluster := NewCluster(nodes, state, &fakePrompter{yes: true, ints: []int{3, 2}})
	require.NoError(t, cluster.Initialize(ctx))
	mu.Lock()
	assert.EqualValues(t, 3, initReq["secret_shares"])
	assert.EqualValues(t, 2, initReq["secret_threshold"])
	mu.Unlock()

	keys, err := state.UnsealKeys(ctx)
	require.NoError(t, err)
	require.NotNil(t, keys)
	assert.Equal(t, "hvs.root", keys.RootToken)
	assert.Equal(t, []string{"qg==", "uw==", "zA=="}, keys.KeysBase64)

	// already initialized: nothing to do
	require.NoError(t, cluster.Initialize(ctx))
}

func TestInitializeRefusesWithStoredKeys(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/init", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"initialized": false})
	})

	state := testState(t)
	require.NoError(t, state.SaveUnsealKeys(ctx, &config.UnsealKeys{KeysBase64: []string{"qg=="}}))

	cluster := NewCluster([]*NodeClient{testNode(t, "vm1", "a", "10.0.0.1", mux)}, state, &fakePrompter{yes: true})
	err := cluster.Initialize(ctx)
	assert.True(t, errors.Is(err, ErrRetry))
}

func TestUnseal(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var submitted []string
	sealed := true

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		healthHandler(true, sealed, false)(w, r)
	})
	mux.HandleFunc("PUT /v1/sys/unseal", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		submitted = append(submitted, readJSON(t, r)["key"].(string))
		if len(submitted) == 2 {
			sealed = false
		}
		writeJSON(w, map[string]any{"sealed": sealed, "t": 2, "n": 3, "progress": len(submitted)})
	})

	uninit := http.NewServeMux()
	uninit.HandleFunc("GET /v1/sys/health", healthHandler(false, true, false))

	state := testState(t)
	nodes := []*NodeClient{testNode(t, "vm1", "a", "10.0.0.1", mux), testNode(t, "vm1", "b", "10.0.0.1", uninit)}
	cluster := NewCluster(nodes, state, nil)

	err := cluster.Unseal(ctx)
	assert.True(t, errors.Is(err, ErrRetry), "missing keys must be retried")

	raw := [][]byte{{0xaa, 0x01}, {0xbb, 0x02}, {0xcc, 0x03}}
	keys := &config.UnsealKeys{}
	for _, k := range raw {
		keys.KeysBase64 = append(keys.KeysBase64, base64.StdEncoding.EncodeToString(k))
	}
	require.NoError(t, state.SaveUnsealKeys(ctx, keys))

	require.NoError(t, cluster.Unseal(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{hex.EncodeToString(raw[0]), hex.EncodeToString(raw[1])}, submitted)
}

func TestFindReady(t *testing.T) {
	ctx := context.Background()
	standby := http.NewServeMux()
	standby.HandleFunc("GET /v1/sys/health", healthHandler(true, false, true))
	sealed := http.NewServeMux()
	sealed.HandleFunc("GET /v1/sys/health", healthHandler(true, true, false))
	active := http.NewServeMux()
	active.HandleFunc("GET /v1/sys/health", healthHandler(true, false, false))

	cluster := NewCluster([]*NodeClient{
		testNode(t, "vm1", "a", "10.0.0.1", standby),
		testNode(t, "vm2", "a", "10.0.0.2", sealed),
		testNode(t, "vm3", "a", "10.0.0.3", active),
	}, testState(t), nil)

	ready, err := cluster.FindReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vm3-a", ready.ID())

	none := NewCluster(cluster.Nodes[:2], testState(t), nil)
	_, err = none.FindReady(ctx)
	assert.True(t, errors.Is(err, ErrRetry))
}

func TestSetToken(t *testing.T) {
	ctx := context.Background()
	up := http.NewServeMux()
	up.HandleFunc("GET /v1/sys/health", healthHandler(true, false, true))
	down := http.NewServeMux()
	down.HandleFunc("GET /v1/sys/health", healthHandler(true, true, false))

	a := testNode(t, "vm1", "a", "10.0.0.1", up)
	b := testNode(t, "vm2", "a", "10.0.0.2", down)
	cluster := NewCluster([]*NodeClient{a, b}, testState(t), nil)

	require.NoError(t, cluster.SetToken(ctx, "hvs.new"))
	assert.Equal(t, "hvs.new", a.API.Token())
	assert.Equal(t, "test-token", b.API.Token())
}

func TestDecodeRootToken(t *testing.T) {
	token := "hvs.0123456789abcdefghijklmn"
	otp := "ZYXWVUTSRQPONMLKJIHGFEDCBAzyx"
	raw := make([]byte, len(token))
	for i := range token {
		raw[i] = token[i] ^ otp[i]
	}

	got, err := DecodeRootToken(base64.RawStdEncoding.EncodeToString(raw), otp)
	require.NoError(t, err)
	assert.Equal(t, token, got)

	got, err = DecodeRootToken(base64.StdEncoding.EncodeToString(raw), otp)
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestRegenerateRootToken(t *testing.T) {
	ctx := context.Background()
	token := "hvs.regenerated-root-token1"
	otp := "abcdefghijklmnopqrstuvwxyz012"
	raw := make([]byte, len(token))
	for i := range token {
		raw[i] = token[i] ^ otp[i]
	}

	var mu sync.Mutex
	var cancelled bool
	var updates int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/generate-root/attempt", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"started": true, "required": 2})
	})
	mux.HandleFunc("DELETE /v1/sys/generate-root/attempt", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /v1/sys/generate-root/attempt", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"started": true, "nonce": "n1", "otp": otp, "required": 2})
	})
	mux.HandleFunc("PUT /v1/sys/generate-root/update", func(w http.ResponseWriter, r *http.Request) {
		body := readJSON(t, r)
		assert.Equal(t, "n1", body["nonce"])
		mu.Lock()
		defer mu.Unlock()
		updates++
		resp := map[string]any{"progress": updates, "required": 2, "complete": updates == 2}
		if updates == 2 {
			resp["encoded_root_token"] = base64.RawStdEncoding.EncodeToString(raw)
		}
		writeJSON(w, resp)
	})

	state := testState(t)
	require.NoError(t, state.SaveUnsealKeys(ctx, &config.UnsealKeys{KeysBase64: []string{"qg==", "uw==", "zA=="}}))
	node := testNode(t, "vm1", "a", "10.0.0.1", mux)
	cluster := NewCluster([]*NodeClient{node}, state, nil)

	_, err := cluster.RegenerateRootToken(ctx, node, false)
	assert.True(t, errors.Is(err, ErrRetry), "in-progress generation without cancel")

	root, err := cluster.RegenerateRootToken(ctx, node, true)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, cancelled)
	assert.Equal(t, 2, updates)
	assert.Equal(t, token, root.Token)
	assert.Equal(t, otp, root.OTP)
}

func TestRegenerateRootTokenLostQuorum(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/generate-root/attempt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"errors": []string{"local node not active but active cluster node not found"}})
	})

	state := testState(t)
	require.NoError(t, state.SaveUnsealKeys(ctx, &config.UnsealKeys{KeysBase64: []string{"qg=="}}))
	node := testNode(t, "vm1", "a", "10.0.0.1", mux)

	_, err := NewCluster([]*NodeClient{node}, state, nil).RegenerateRootToken(ctx, node, true)
	assert.True(t, errors.Is(err, ErrRetry))
	assert.ErrorContains(t, err, "lost quorum")
}

func TestRegenerateRootTokenNotEnoughKeys(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/generate-root/attempt", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"started": false, "required": 3})
	})

	state := testState(t)
	require.NoError(t, state.SaveUnsealKeys(ctx, &config.UnsealKeys{KeysBase64: []string{"qg=="}}))
	node := testNode(t, "vm1", "a", "10.0.0.1", mux)

	_, err := NewCluster([]*NodeClient{node}, state, nil).RegenerateRootToken(ctx, node, true)
	assert.True(t, errors.Is(err, ErrRetry))
	assert.ErrorContains(t, err, "less than the required number")
}

func TestRaftOps(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	servers := []RaftServer{
		{NodeID: "vm1-a", Address: "10.0.0.1:8201", Leader: true, Voter: true},
		{NodeID: "ghost", Address: "10.0.0.9:8201", Voter: true},
	}
	var removed []string
	var join map[string]any

	leader := http.NewServeMux()
	leader.HandleFunc("GET /v1/sys/storage/raft/configuration", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		writeJSON(w, map[string]any{"data": map[string]any{"config": map[string]any{"servers": servers}}})
	})
	leader.HandleFunc("PUT /v1/sys/storage/raft/remove-peer", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		id := readJSON(t, r)["server_id"].(string)
		removed = append(removed, id)
		kept := servers[:0]
		for _, s := range servers {
			if s.NodeID != id {
				kept = append(kept, s)
			}
		}
		servers = kept
		w.WriteHeader(http.StatusNoContent)
	})

	follower := http.NewServeMux()
	follower.HandleFunc("POST /v1/sys/storage/raft/join", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		join = readJSON(t, r)
		servers = append(servers, RaftServer{NodeID: "vm2-a", Address: "10.0.0.2:8201", Voter: true})
		writeJSON(w, map[string]any{"joined": true})
	})

	a := testNode(t, "vm1", "a", "10.0.0.1", leader)
	b := testNode(t, "vm2", "a", "10.0.0.2", follower)
	cluster := NewCluster([]*NodeClient{a, b}, testState(t), nil)

	require.NoError(t, cluster.RaftOps(ctx, a, "root-ca-pem"))
	assert.Equal(t, []string{"ghost"}, removed)
	assert.Equal(t, "https://10.0.0.1:8200", join["leader_api_addr"])
	assert.Equal(t, "root-ca-pem", join["leader_ca_cert"])
	assert.Equal(t, "cert-vm1-a", join["leader_client_cert"])
	assert.Equal(t, "key-vm1-a", join["leader_client_key"])
	assert.Equal(t, true, join["retry"])

	mu.Lock()
	servers[1].Address = "10.0.0.2:9999"
	mu.Unlock()
	err := cluster.ValidateRaft(ctx, a)
	assert.True(t, errors.Is(err, ErrRetry))
	assert.ErrorContains(t, err, "cluster address is not matching")

	mu.Lock()
	servers = servers[:1]
	mu.Unlock()
	err = cluster.ValidateRaft(ctx, a)
	assert.ErrorContains(t, err, "[vm2-a] are not in raft servers")
}

func TestRaftOpsLeaderNotInInventory(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/storage/raft/configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"config": map[string]any{"servers": []RaftServer{
			{NodeID: "vm1-a", Address: "10.0.0.1:8201"},
		}}}})
	})
	a := testNode(t, "vm1", "a", "10.0.0.1", mux)
	err := NewCluster([]*NodeClient{a}, testState(t), nil).RaftOps(ctx, a, "")
	assert.True(t, errors.Is(err, ErrRetry))
}
