package inventory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/pki"
	"github.com/kzh/vaultops/pkg/raft"
	"github.com/kzh/vaultops/pkg/vault"
	"go.uber.org/zap"
)

const (
	ServersGroup = "vault_vm_servers"
	NodesGroup   = "vault_nodes_servers"
	Localhost    = "localhost"

	knownHostsFile = "UserKnownHostsFile"
	sshKeyFile     = "ansible_ssh_private_key_file"
)

type Group struct {
	Hosts    []string       `json:"hosts,omitempty"`
	Children []string       `json:"children,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
}

// Inventory is an ansible dynamic inventory.
type Inventory struct {
	Groups   map[string]*Group
	HostVars map[string]map[string]any
}

func newInventory() *Inventory {
	return &Inventory{
		Groups: map[string]*Group{
			"all":        {Children: []string{"ungrouped", ServersGroup, NodesGroup}, Vars: map[string]any{}},
			"ungrouped":  {},
			ServersGroup: {},
			NodesGroup:   {},
		},
		HostVars: map[string]map[string]any{},
	}
}

func (inv *Inventory) addHost(host, group string) {
	g := inv.Groups[group]
	g.Hosts = append(g.Hosts, host)
	if _, ok := inv.HostVars[host]; !ok {
		inv.HostVars[host] = map[string]any{}
	}
}

func (inv *Inventory) set(host, key string, value any) {
	inv.HostVars[host][key] = value
}

// Host returns the vars of host, empty when it is unknown.
func (inv *Inventory) Host(host string) map[string]any {
	if vars, ok := inv.HostVars[host]; ok {
		return vars
	}
	return map[string]any{}
}

// MarshalJSON renders the --list form, host vars under _meta.
func (inv *Inventory) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"_meta": map[string]any{"hostvars": inv.HostVars},
	}
	for name, g := range inv.Groups {
		out[name] = g
	}
	return json.Marshal(out)
}

// Build renders the inventory for file and writes the ansible ssh identity
// derived from the root CA key into tmpDir.
func Build(file *config.File, tmpDir string) (*Inventory, error) {
	log := zap.L().Named("inventory")
	root := file.VaultSecrets.RootPKI

	ca, err := pki.LoadRootCA(root.RootCAKeyPEM, root.RootCAKeyPassword, root.RootCACertPEM)
	if err != nil {
		return nil, err
	}
	keys, err := pki.SSHKeys(ca.Key)
	if err != nil {
		return nil, err
	}
	topo, err := raft.Build(file, tmpDir)
	if err != nil {
		return nil, err
	}
	summary, err := vault.BuildHASummary(file, topo, ca, tmpDir)
	if err != nil {
		return nil, err
	}
	if _, err := vault.WriteHAFiles(summary, tmpDir); err != nil {
		return nil, err
	}

	keyFile := filepath.Join(tmpDir, sshKeyFile)
	if err := writePrivate(keyFile, keys.PrivateKey); err != nil {
		return nil, err
	}
	knownHosts := filepath.Join(tmpDir, knownHostsFile)

	inv := newInventory()
	all := inv.Groups["all"].Vars
	for k, v := range file.VaultSecrets.AnsibleInventory {
		all[k] = v
	}
	all["root_ca_key_passphrase"] = root.RootCAKeyPassword
	all["root_ca_key_pem"] = root.RootCAKeyPEM
	all["root_ca_cert_pem"] = root.RootCACertPEM
	all["vaultops_tmp_dir_path"] = tmpDir
	all["vault_vm_server_ssh_user_known_hosts_file"] = knownHosts
	all["ansible_ssh_public_key_content"] = keys.AuthorizedKey
	all["ansible_ssh_common_args"] = "-o UserKnownHostsFile=" + knownHosts
	all["pv_vault_dr_lost_quorum_recovery_nodes"] = topo.LostQuorumPeers()

	inv.addHost(Localhost, "ungrouped")
	inv.set(Localhost, "vault_ha_client", summary)

	// Peer details are taken before any node gets its retry join list.
	base := map[string]map[string]any{}
	for _, n := range topo.Nodes {
		base[n.ID()] = n.Details()
	}

	for _, serverName := range topo.ServerNames() {
		server := file.VaultServers[serverName]
		inv.addHost(serverName, ServersGroup)
		hostVars(inv, serverName, server, keyFile)

		inHost := map[string]any{}
		for _, n := range topo.ServerNodes(serverName) {
			peers, err := topo.RetryJoinNodes(n)
			if err != nil {
				return nil, err
			}
			retryJoin := map[string]any{}
			for id := range peers {
				retryJoin[id] = base[id]
			}
			details := map[string]any{}
			for k, v := range base[n.ID()] {
				details[k] = v
			}
			details["retry_join_nodes"] = retryJoin

			inv.addHost(n.ID(), NodesGroup)
			hostVars(inv, n.ID(), server, keyFile)
			inv.set(n.ID(), "pv_vault_raft_node_details", details)
			inHost[n.ID()] = details
		}
		inv.set(serverName, "pv_vault_raft_nodes_in_host", inHost)
	}

	for _, g := range inv.Groups {
		sort.Strings(g.Hosts)
	}
	log.Debug("inventory built", zap.Int("servers", len(topo.Servers)), zap.Int("nodes", len(topo.Nodes)))
	return inv, nil
}

func hostVars(inv *Inventory, host string, server *config.VaultServer, keyFile string) {
	hostKeys := server.HostKeys
	if hostKeys == nil {
		hostKeys = []string{}
	}
	inv.set(host, "host_keys", hostKeys)
	for k, v := range server.AnsibleOpts {
		inv.set(host, k, v)
	}
	if server.UseRootCAKeyAsSSHKey() {
		inv.set(host, "ansible_ssh_private_key_file", keyFile)
	}
}

func writePrivate(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(os.Chmod(path, 0o600), "chmod %s", path)
}
