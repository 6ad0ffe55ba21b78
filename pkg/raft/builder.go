package raft

import (
	"net"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/kzh/vaultops/pkg/config"
)

type Topology struct {
	// Servers maps server name to its nodes keyed by node id.
	Servers map[string]map[string]*Node
	// Nodes lists every node ordered by server name then node name.
	Nodes []*Node
}

func (t *Topology) Node(id string) *Node {
	for _, n := range t.Nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

func (t *Topology) ServerNames() []string {
	names := make([]string, 0, len(t.Servers))
	for name := range t.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Topology) ServerNodes(server string) []*Node {
	var nodes []*Node
	for _, n := range t.Nodes {
		if n.ServerName == server {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func Build(file *config.File, tmpDir string) (*Topology, error) {
	topo := &Topology{Servers: map[string]map[string]*Node{}}
	ids := map[string]struct{}{}

	for _, serverName := range sortedKeys(file.VaultServers) {
		server := file.VaultServers[serverName]
		ports := map[int]struct{}{}
		topo.Servers[serverName] = map[string]*Node{}

		for _, nodeName := range sortedKeys(server.VaultNodes) {
			cfg := server.VaultNodes[nodeName]
			node := &Node{
				ServerName:             serverName,
				NodeName:               nodeName,
				Addr:                   inherit(cfg.Addr, server.Addr),
				NodePort:               cfg.NodePort,
				ClusterPort:            cfg.ClusterPort,
				ExplicitRetryJoinNodes: cfg.ExplicitRetryJoinNodes,
				RetryJoinDisabled:      cfg.RetryJoinDisabled,
				HASANEntry:             file.VaultSecrets.HASANEntry(),
				TmpDir:                 tmpDir,
			}

			for _, ip := range []string{node.APIIP, node.ClusterIP} {
				if ip != "" && net.ParseIP(ip) == nil {
					return nil, errors.Newf("vault server %s, vault node %s: %s is not a valid IP address", serverName, nodeName, ip)
				}
			}
			if node.APIAddrFQDN == "" && node.APIIP == "" {
				return nil, errors.Newf("vault server %s, vault node %s: api_addr_fqdn or api_ip are required", serverName, nodeName)
			}
			if node.ClusterAddrFQDN == "" && node.ClusterIP == "" {
				return nil, errors.Newf("vault server %s, vault node %s: cluster_addr_fqdn or cluster_ip are required", serverName, nodeName)
			}

			_, nodeUsed := ports[node.NodePort]
			_, clusterUsed := ports[node.ClusterPort]
			if nodeUsed || clusterUsed || node.NodePort == node.ClusterPort {
				return nil, errors.Newf("vault server %s, vault node %s: node_port %d or cluster_port %d is already in use",
					serverName, nodeName, node.NodePort, node.ClusterPort)
			}
			ports[node.NodePort] = struct{}{}
			ports[node.ClusterPort] = struct{}{}

			if _, ok := ids[node.ID()]; ok {
				return nil, errors.Newf("vault server %s, vault node %s: node_id %s is already in use", serverName, nodeName, node.ID())
			}
			ids[node.ID()] = struct{}{}

			topo.Servers[serverName][node.ID()] = node
			topo.Nodes = append(topo.Nodes, node)
		}
	}
	return topo, nil
}

func inherit(node, server config.Addr) config.Addr {
	if node.APIAddrFQDN == "" {
		node.APIAddrFQDN = server.APIAddrFQDN
	}
	if node.APIIP == "" {
		node.APIIP = server.APIIP
	}
	if node.ClusterAddrFQDN == "" {
		node.ClusterAddrFQDN = server.ClusterAddrFQDN
	}
	if node.ClusterIP == "" {
		node.ClusterIP = server.ClusterIP
	}
	return node
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
