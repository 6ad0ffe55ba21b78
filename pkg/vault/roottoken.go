package vault

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const lostQuorumHint = "vault cluster lost quorum, see 'Vault cluster lost quorum recovery' at " +
	"https://developer.hashicorp.com/vault/tutorials/raft/raft-lost-quorum"

type RootToken struct {
	OTP          string
	EncodedToken string
	Token        string
}

// RegenerateRootToken runs a generate-root operation on node with the
// stored unseal keys. An in-progress generation is cancelled when cancel
// is set, otherwise it is an ErrRetry.
func (c *Cluster) RegenerateRootToken(ctx context.Context, node *NodeClient, cancel bool) (*RootToken, error) {
	keys, err := c.State.UnsealKeys(ctx)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, retryf("vault cluster unseal keys not found in storage")
	}
	shards, err := unsealShards(keys)
	if err != nil {
		return nil, err
	}

	sys := node.API.Sys()
	status, err := sys.GenerateRootStatusWithContext(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "local node not active but active cluster node not found") {
			return nil, errors.Mark(errors.Wrap(err, lostQuorumHint), ErrRetry)
		}
		return nil, errors.Wrapf(err, "%s: generate root status", node.ID())
	}
	if len(shards) < status.Required {
		return nil, retryf("number of unseal keys provided (%d) is less than the required number of unseal keys (%d)",
			len(shards), status.Required)
	}

	if status.Started {
		if !cancel {
			return nil, retryf("root token generation is already in progress")
		}
		c.log.Info("cancelling root token generation in progress", zap.String("node_id", node.ID()))
		if err := sys.GenerateRootCancelWithContext(ctx); err != nil {
			return nil, errors.Wrapf(err, "%s: cancel generate root", node.ID())
		}
	}

	start, err := sys.GenerateRootInitWithContext(ctx, "", "")
	if err != nil {
		return nil, errors.Wrapf(err, "%s: start generate root", node.ID())
	}

	encoded := ""
	for _, shard := range shards {
		st, err := sys.GenerateRootUpdateWithContext(ctx, shard, start.Nonce)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: generate root update", node.ID())
		}
		encoded = st.EncodedRootToken
		if encoded == "" {
			encoded = st.EncodedToken
		}
		if st.Complete || (st.Required > 0 && st.Progress == st.Required) {
			break
		}
	}
	if encoded == "" {
		return nil, retryf("root token could not be generated")
	}

	token, err := DecodeRootToken(encoded, start.OTP)
	if err != nil {
		return nil, err
	}
	return &RootToken{OTP: start.OTP, EncodedToken: encoded, Token: token}, nil
}

// DecodeRootToken xors the base64 decoded token with the otp.
func DecodeRootToken(encoded, otp string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return "", errors.Wrap(err, "decode root token")
	}
	n := min(len(raw), len(otp))
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = raw[i] ^ otp[i]
	}
	return string(out), nil
}
