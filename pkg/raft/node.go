package raft

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/kzh/vaultops/pkg/config"
)

// Node is one vault raft member, identified by <server>-<node>.
type Node struct {
	ServerName string `json:"server_name"`
	NodeName   string `json:"node_name"`

	config.Addr
	NodePort    int `json:"node_port"`
	ClusterPort int `json:"cluster_port"`

	ExplicitRetryJoinNodes map[string]any `json:"explicit_retry_join_nodes"`
	RetryJoinDisabled      bool           `json:"-"`
	RetryJoinNodes         map[string]any `json:"retry_join_nodes"`

	HASANEntry string `json:"ha_hostname_san_entry"`
	TmpDir     string `json:"vaultops_tmp_dir_path"`
}

func (n *Node) ID() string {
	return n.ServerName + "-" + n.NodeName
}

func (n *Node) NodeTmpDir() string {
	return filepath.Join(n.TmpDir, n.ID())
}

func (n *Node) APIAddr() string {
	host := n.APIAddrFQDN
	if n.APIIP != "" {
		host = n.APIIP
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(n.NodePort))
}

func (n *Node) ClusterAddr() string {
	host := n.ClusterAddrFQDN
	if n.ClusterIP != "" {
		host = n.ClusterIP
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(n.ClusterPort))
}

// ClusterHostPort is the host:port form vault reports in the raft
// configuration.
func (n *Node) ClusterHostPort() string {
	u, err := url.Parse(n.ClusterAddr())
	if err != nil {
		return ""
	}
	return u.Host
}

func (n *Node) SubjectAltNames() []string {
	set := map[string]struct{}{n.HASANEntry: {}}
	if n.APIAddrFQDN != "" {
		set["DNS:"+n.APIAddrFQDN] = struct{}{}
	}
	if n.ClusterAddrFQDN != "" {
		set["DNS:"+n.ClusterAddrFQDN] = struct{}{}
	}
	if n.APIIP != "" {
		set["IP:"+n.APIIP] = struct{}{}
	}
	if n.ClusterIP != "" {
		set["IP:"+n.ClusterIP] = struct{}{}
	}

	sans := make([]string, 0, len(set))
	for san := range set {
		sans = append(sans, san)
	}
	sort.Strings(sans)
	return sans
}

// Details is the flattened view handed to the playbooks.
func (n *Node) Details() map[string]any {
	return map[string]any{
		"server_name":                     n.ServerName,
		"node_name":                       n.NodeName,
		"node_id":                         n.ID(),
		"node_port":                       n.NodePort,
		"cluster_port":                    n.ClusterPort,
		"api_addr_fqdn":                   nilIfEmpty(n.APIAddrFQDN),
		"api_ip":                          nilIfEmpty(n.APIIP),
		"cluster_addr_fqdn":               nilIfEmpty(n.ClusterAddrFQDN),
		"cluster_ip":                      nilIfEmpty(n.ClusterIP),
		"api_addr":                        n.APIAddr(),
		"cluster_addr":                    n.ClusterAddr(),
		"subject_alt_name":                n.SubjectAltNames(),
		"ha_hostname_san_entry":           n.HASANEntry,
		"explicit_retry_join_nodes":       n.ExplicitRetryJoinNodes,
		"retry_join_nodes":                n.RetryJoinNodes,
		"vaultops_tmp_dir_path":           n.TmpDir,
		"vaultops_raft_node_tmp_dir_path": n.NodeTmpDir(),
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.ID(), n.APIAddr())
}
