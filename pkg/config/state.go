package config

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kzh/vaultops/pkg/storage"
	"gopkg.in/yaml.v3"
)

// State reads and writes the objects vaultops keeps between runs.
type State struct {
	store storage.Store
	now   func() time.Time
}

func NewState(store storage.Store) *State {
	return &State{store: store, now: time.Now}
}

func (s *State) VaultConfig(ctx context.Context) (*File, error) {
	data, err := s.store.Get(ctx, VaultConfigKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Newf("%s not found in storage", VaultConfigKey)
		}
		return nil, err
	}
	return ParseFile(data)
}

// UnsealKeys returns nil when vaultops never initialized the cluster.
func (s *State) UnsealKeys(ctx context.Context) (*UnsealKeys, error) {
	data, err := s.store.Get(ctx, UnsealKeysKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read unseal keys")
	}

	keys := &UnsealKeys{}
	if err := yaml.Unmarshal(data, keys); err != nil {
		return nil, errors.Wrap(err, "parse unseal keys")
	}
	return keys, nil
}

func (s *State) SaveUnsealKeys(ctx context.Context, keys *UnsealKeys) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return errors.Wrap(err, "encode unseal keys")
	}
	return errors.Wrap(s.store.Put(ctx, UnsealKeysKey, data, "text/yaml"), "save unseal keys")
}

// CodifyState returns nil when no deployment was exported yet.
func (s *State) CodifyState(ctx context.Context) ([]byte, error) {
	data, err := s.store.Get(ctx, CodifyStateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, errors.Wrap(err, "read codify state")
}

func (s *State) SaveCodifyState(ctx context.Context, data []byte) error {
	return errors.Wrap(s.store.Put(ctx, CodifyStateKey, data, "application/json"), "save codify state")
}

func (s *State) SaveRaftSnapshot(ctx context.Context, data []byte) (string, error) {
	key := SnapshotPrefix + s.now().UTC().Format("20060102T150405Z") + ".snap"
	if err := s.store.Put(ctx, key, data, "application/octet-stream"); err != nil {
		return "", errors.Wrap(err, "save raft snapshot")
	}
	return key, nil
}
