package raft

import (
	"github.com/cockroachdb/errors"
)

// RetryJoinNodes returns the peers node should list in its retry_join
// stanzas, keyed by node id.
func (t *Topology) RetryJoinNodes(node *Node) (map[string]*Node, error) {
	peers := map[string]*Node{}
	if node.RetryJoinDisabled {
		return peers, nil
	}
	for _, n := range t.Nodes {
		if n.ID() != node.ID() {
			peers[n.ID()] = n
		}
	}
	if len(node.ExplicitRetryJoinNodes) == 0 {
		return peers, nil
	}

	for id := range node.ExplicitRetryJoinNodes {
		if _, ok := peers[id]; !ok {
			return nil, errors.Newf("vault server %s, vault node %s: retry_join_node_id %s not found in inventory",
				node.ServerName, node.NodeName, id)
		}
	}
	for id := range peers {
		if _, ok := node.ExplicitRetryJoinNodes[id]; !ok {
			delete(peers, id)
		}
	}
	return peers, nil
}

type Peer struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	NonVoter bool   `json:"non_voter"`
}

// LostQuorumPeers renders the peers.json entries used for lost quorum
// recovery.
func (t *Topology) LostQuorumPeers() []Peer {
	peers := make([]Peer, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		peers = append(peers, Peer{ID: n.ID(), Address: n.ClusterHostPort()})
	}
	return peers
}
