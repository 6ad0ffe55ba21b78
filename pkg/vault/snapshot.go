package vault

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/kzh/vaultops/pkg/config"
	"go.uber.org/zap"
)

// Snapshot stores a raft snapshot and returns its storage key.
func Snapshot(ctx context.Context, client *api.Client, state *config.State) (string, error) {
	var buf bytes.Buffer
	if err := client.Sys().RaftSnapshotWithContext(ctx, &buf); err != nil {
		return "", errors.Wrap(err, "raft snapshot")
	}
	key, err := state.SaveRaftSnapshot(ctx, buf.Bytes())
	if err != nil {
		return "", err
	}
	zap.L().Named("vault").Info("raft snapshot saved", zap.String("key", key), zap.Int("bytes", buf.Len()))
	return key, nil
}
