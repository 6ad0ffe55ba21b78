package vault

import (
	"context"
	"encoding/base64"
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/config"
	"go.uber.org/zap"
)

// Prompter asks the operator before the cluster is initialized.
type Prompter interface {
	Confirm(msg string) (bool, error)
	Int(msg string) (int, error)
}

// Cluster is the set of raft node clients, in inventory order.
type Cluster struct {
	Nodes    []*NodeClient
	State    *config.State
	Prompter Prompter

	log *zap.Logger
}

func NewCluster(nodes []*NodeClient, state *config.State, prompter Prompter) *Cluster {
	return &Cluster{
		Nodes:    nodes,
		State:    state,
		Prompter: prompter,
		log:      zap.L().Named("vault"),
	}
}

func (c *Cluster) Node(id string) *NodeClient {
	for _, n := range c.Nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

// Initialize initializes the first node when no node is initialized yet and
// stores the unseal keys.
func (c *Cluster) Initialize(ctx context.Context) error {
	if len(c.Nodes) == 0 {
		return errors.New("no vault nodes")
	}
	for _, n := range c.Nodes {
		ok, err := n.API.Sys().InitStatusWithContext(ctx)
		if err != nil {
			return errors.Wrapf(err, "%s: init status", n.ID())
		}
		if ok {
			c.log.Info("vault is already initialized", zap.String("node_id", n.ID()))
			return nil
		}
	}

	keys, err := c.State.UnsealKeys(ctx)
	if err != nil {
		return err
	}
	if keys != nil {
		return retryf("vault is not initialized but unseal keys are stored")
	}

	first := c.Nodes[0]
	c.log.Info("vault is not initialized", zap.String("node_id", first.ID()))
	if c.Prompter == nil {
		return errors.New("vault is not initialized and no prompter is configured")
	}

	yes, err := c.Prompter.Confirm("Do you want to continue? type 'yes' to continue: ")
	if err != nil {
		return err
	}
	if !yes {
		c.log.Info("exiting the initialization process")
		return errors.Mark(errors.New("initialization declined"), ErrSafeExit)
	}
	shares, err := c.Prompter.Int("Enter the number of key shares: ")
	if err != nil {
		return err
	}
	threshold, err := c.Prompter.Int("Enter the number of key threshold: ")
	if err != nil {
		return err
	}
	if shares < 1 || threshold < 1 {
		return errors.New("key shares and key threshold must be greater than 0")
	}
	if shares < threshold {
		return errors.New("key shares must be greater than or equal to key threshold")
	}

	c.log.Info("initializing vault",
		zap.String("node_id", first.ID()), zap.Int("shares", shares), zap.Int("threshold", threshold))
	resp, err := first.API.Sys().InitWithContext(ctx, &api.InitRequest{
		SecretShares:    shares,
		SecretThreshold: threshold,
	})
	if err != nil {
		return errors.Wrapf(err, "%s: init", first.ID())
	}

	err = c.State.SaveUnsealKeys(ctx, &config.UnsealKeys{
		Keys:       resp.Keys,
		KeysBase64: resp.KeysB64,
		RootToken:  resp.RootToken,
	})
	if err != nil {
		return err
	}
	c.log.Info("vault init secrets saved", zap.String("node_id", first.ID()))

	ok, err := first.API.Sys().InitStatusWithContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "%s: init status", first.ID())
	}
	if !ok {
		return retryf("%s: vault initialization failed", first.ID())
	}
	c.log.Info("vault initialization is complete", zap.String("node_id", first.ID()))
	return nil
}

// unsealShards decodes the stored base64 key shares into the hex form
// vault accepts for unseal and generate-root.
func unsealShards(keys *config.UnsealKeys) ([]string, error) {
	shards := make([]string, 0, len(keys.KeysBase64))
	for i, k := range keys.KeysBase64 {
		raw, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, errors.Wrapf(err, "decode unseal key %d", i)
		}
		shards = append(shards, hex.EncodeToString(raw))
	}
	return shards, nil
}

func (c *Cluster) Unseal(ctx context.Context) error {
	for _, n := range c.Nodes {
		log := c.log.With(zap.String("node_id", n.ID()))
		health, err := n.API.Sys().HealthWithContext(ctx)
		if err != nil {
			return errors.Wrapf(err, "%s: health", n.ID())
		}
		if !health.Initialized {
			log.Info("vault is not initialized, skipping unseal")
			continue
		}
		if !health.Sealed {
			log.Info("vault is already unsealed")
			continue
		}

		log.Info("vault is sealed, unsealing")
		keys, err := c.State.UnsealKeys(ctx)
		if err != nil {
			return err
		}
		if keys == nil {
			return retryf("vault cluster unseal keys not found in storage")
		}
		shards, err := unsealShards(keys)
		if err != nil {
			return err
		}

		sealed := true
		for _, shard := range shards {
			status, err := n.API.Sys().UnsealWithContext(ctx, shard)
			if err != nil {
				return errors.Wrapf(err, "%s: unseal", n.ID())
			}
			if !status.Sealed {
				sealed = false
				break
			}
		}
		if sealed {
			log.Warn("vault is still sealed after submitting every unseal key")
			continue
		}
		log.Info("vault is unsealed")
	}
	return nil
}

// FindReady returns the first initialized, unsealed, active node.
func (c *Cluster) FindReady(ctx context.Context) (*NodeClient, error) {
	for _, n := range c.Nodes {
		health, err := n.API.Sys().HealthWithContext(ctx)
		if err != nil {
			c.log.Warn("vault health check failed", zap.String("node_id", n.ID()), zap.Error(err))
			continue
		}
		if health.Initialized && !health.Sealed && !health.Standby {
			c.log.Info("vault is ready", zap.String("node_id", n.ID()))
			return n, nil
		}
		c.log.Info("vault is not ready", zap.String("node_id", n.ID()),
			zap.Bool("initialized", health.Initialized), zap.Bool("sealed", health.Sealed), zap.Bool("standby", health.Standby))
	}
	return nil, retryf("no ready node found")
}

// SetToken hands token to every initialized, unsealed node client.
func (c *Cluster) SetToken(ctx context.Context, token string) error {
	for _, n := range c.Nodes {
		health, err := n.API.Sys().HealthWithContext(ctx)
		if err != nil {
			return errors.Wrapf(err, "%s: health", n.ID())
		}
		if health.Sealed || !health.Initialized {
			c.log.Info("vault is sealed or not initialized, skipping token", zap.String("node_id", n.ID()))
			continue
		}
		n.API.SetToken(token)
	}
	return nil
}
