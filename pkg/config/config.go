package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kzh/vaultops/pkg/storage"
	"github.com/spf13/viper"
)

// Settings are the process-level knobs bound to flags and VAULTOPS_* env.
type Settings struct {
	Inventory    string
	Debug        bool
	Retries      int
	RetryWait    time.Duration
	CodifyDir    string
	GithubAPIURL string
}

func SettingsFrom(v *viper.Viper) Settings {
	return Settings{
		Inventory:    v.GetString("inventory"),
		Debug:        v.GetBool("debug"),
		Retries:      v.GetInt("retries"),
		RetryWait:    v.GetDuration("retry_wait"),
		CodifyDir:    v.GetString("codify_dir"),
		GithubAPIURL: v.GetString("github_api_url"),
	}
}

// Inventory is the inventory.yml handed to the tool and to ansible.
type Inventory struct {
	Plugin    string `mapstructure:"plugin"`
	TmpDir    string `mapstructure:"vaultops_tmp_dir_path"`
	ConfigDir string `mapstructure:"vaultops_config_dir_path"`

	S3 storage.S3Options `mapstructure:",squash"`

	OnePasswordVault string `mapstructure:"vaultops_onepassword_vault"`
	OnePasswordItem  string `mapstructure:"vaultops_onepassword_item"`
}

var inventoryKeys = []string{
	"plugin",
	"vaultops_tmp_dir_path",
	"vaultops_config_dir_path",
	"vaultops_s3_bucket_name",
	"vaultops_s3_endpoint_url",
	"vaultops_s3_access_key",
	"vaultops_s3_secret_key",
	"vaultops_s3_region",
	"vaultops_s3_aes256_sse_customer_key_base64",
	"vaultops_s3_signature_version",
	"vaultops_onepassword_vault",
	"vaultops_onepassword_item",
}

// LoadInventory reads the inventory file. Every key can be overridden by
// the upper-cased environment variable of the same name.
func LoadInventory(path string) (*Inventory, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	for _, key := range inventoryKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "bind %s", key)
		}
	}
	v.SetDefault("vaultops_s3_signature_version", "s3v4")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read inventory %s", path)
	}

	inv := &Inventory{}
	if err := v.Unmarshal(inv); err != nil {
		return nil, errors.Wrapf(err, "decode inventory %s", path)
	}
	if err := inv.normalize(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (inv *Inventory) normalize() error {
	if inv.Plugin != "" && inv.Plugin != "vault_inventory_builder" {
		return errors.Newf("unexpected inventory plugin %q", inv.Plugin)
	}
	if inv.TmpDir == "" {
		return errors.New("vaultops_tmp_dir_path is required")
	}

	tmp, err := filepath.Abs(inv.TmpDir)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", inv.TmpDir)
	}
	inv.TmpDir = tmp

	if inv.ConfigDir != "" {
		dir, err := filepath.Abs(inv.ConfigDir)
		if err != nil {
			return errors.Wrapf(err, "resolve %s", inv.ConfigDir)
		}
		if dir == tmp {
			return errors.New("vaultops_config_dir_path must differ from vaultops_tmp_dir_path")
		}
		inv.ConfigDir = dir
	}
	return nil
}

func (inv *Inventory) StorageOptions() storage.Options {
	opts := storage.Options{LocalDir: inv.ConfigDir}
	if inv.S3.Bucket != "" {
		s3 := inv.S3
		opts.S3 = &s3
	}
	if inv.OnePasswordItem != "" {
		opts.OnePassword = &storage.OnePasswordOptions{
			Vault: inv.OnePasswordVault,
			Item:  inv.OnePasswordItem,
		}
	}
	return opts
}

// Config is everything a command needs: where files go, where state lives
// and the parsed vault_config.yml.
type Config struct {
	Settings  Settings
	Inventory *Inventory
	State     *State
	File      *File
}

func (c *Config) TmpDir() string {
	return c.Inventory.TmpDir
}

func (c *Config) CodifyDir() string {
	if c.Settings.CodifyDir != "" {
		return c.Settings.CodifyDir
	}
	return filepath.Join(c.Inventory.TmpDir, "codify")
}

func Load(ctx context.Context, settings Settings) (*Config, error) {
	inv, err := LoadInventory(settings.Inventory)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(inv.TmpDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create %s", inv.TmpDir)
	}

	store, err := storage.Open(ctx, inv.StorageOptions())
	if err != nil {
		return nil, err
	}
	state := NewState(store)

	file, err := state.VaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return &Config{
		Settings:  settings,
		Inventory: inv,
		State:     state,
		File:      file,
	}, nil
}
