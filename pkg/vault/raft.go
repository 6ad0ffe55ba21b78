package vault

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

type RaftServer struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Leader  bool   `json:"leader"`
	Voter   bool   `json:"voter"`
}

func RaftServers(ctx context.Context, client *api.Client) ([]RaftServer, error) {
	secret, err := client.Logical().ReadWithContext(ctx, "sys/storage/raft/configuration")
	if err != nil {
		return nil, errors.Wrap(err, "read raft configuration")
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.New("empty raft configuration")
	}

	data, err := json.Marshal(secret.Data)
	if err != nil {
		return nil, errors.Wrap(err, "encode raft configuration")
	}
	var cfg struct {
		Config struct {
			Servers []RaftServer `json:"servers"`
		} `json:"config"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode raft configuration")
	}
	return cfg.Config.Servers, nil
}

// RaftOps makes the raft membership seen by ready match the inventory:
// unknown peers are removed, missing nodes join the leader, and the
// result is validated.
func (c *Cluster) RaftOps(ctx context.Context, ready *NodeClient, caPEM string) error {
	c.log.Info("removing unmatched raft peers")
	if err := c.removeRaftPeers(ctx, ready); err != nil {
		return err
	}
	c.log.Info("adding new raft nodes")
	if err := c.joinRaftNodes(ctx, ready, caPEM); err != nil {
		return err
	}
	c.log.Info("validating raft nodes")
	if err := c.ValidateRaft(ctx, ready); err != nil {
		return err
	}
	c.log.Info("vault cluster is ready")
	return nil
}

func (c *Cluster) removeRaftPeers(ctx context.Context, ready *NodeClient) error {
	servers, err := RaftServers(ctx, ready.API)
	if err != nil {
		return err
	}
	for _, s := range servers {
		if c.Node(s.NodeID) != nil {
			continue
		}
		c.log.Warn("removing raft peer missing from inventory", zap.String("node_id", s.NodeID))
		_, err := ready.API.Logical().WriteWithContext(ctx, "sys/storage/raft/remove-peer", map[string]any{
			"server_id": s.NodeID,
		})
		if err != nil {
			return errors.Wrapf(err, "remove raft peer %s", s.NodeID)
		}
	}
	return nil
}

func (c *Cluster) joinRaftNodes(ctx context.Context, ready *NodeClient, caPEM string) error {
	servers, err := RaftServers(ctx, ready.API)
	if err != nil {
		return err
	}

	var leader *NodeClient
	current := map[string]bool{}
	for _, s := range servers {
		current[s.NodeID] = true
		if s.Leader {
			leader = c.Node(s.NodeID)
		}
	}
	if leader == nil {
		return retryf("raft leader not found in inventory")
	}
	c.log.Info("raft leader found", zap.String("node_id", leader.ID()), zap.String("api_addr", leader.Node.APIAddr()))

	for _, n := range c.Nodes {
		if current[n.ID()] {
			continue
		}
		resp, err := n.API.Sys().RaftJoinWithContext(ctx, &api.RaftJoinRequest{
			LeaderAPIAddr:    leader.Node.APIAddr(),
			LeaderCACert:     caPEM,
			LeaderClientCert: leader.CertPEM,
			LeaderClientKey:  leader.KeyPEM,
			Retry:            true,
		})
		if err != nil {
			return errors.Wrapf(err, "%s: raft join", n.ID())
		}
		c.log.Info("raft join", zap.String("node_id", n.ID()), zap.Bool("joined", resp.Joined))
	}
	return nil
}

// ValidateRaft checks that every configured peer is in the inventory at
// its expected cluster address and that every inventory node is a peer.
func (c *Cluster) ValidateRaft(ctx context.Context, ready *NodeClient) error {
	servers, err := RaftServers(ctx, ready.API)
	if err != nil {
		return err
	}

	current := map[string]bool{}
	for _, s := range servers {
		n := c.Node(s.NodeID)
		if n == nil {
			return retryf("node id %s not found in current inventory", s.NodeID)
		}
		if want := n.Node.ClusterHostPort(); want != s.Address {
			return retryf("%s: cluster address is not matching with expected address %s, got %s", s.NodeID, want, s.Address)
		}
		current[s.NodeID] = true
	}

	var missing []string
	for _, n := range c.Nodes {
		if !current[n.ID()] {
			missing = append(missing, n.ID())
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return retryf("nodes %v are not in raft servers", missing)
	}
	return nil
}
