package storage

import (
	"context"

	"github.com/cockroachdb/errors"
)

var ErrNotFound = errors.New("storage: object not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type S3Options struct {
	Bucket           string `mapstructure:"vaultops_s3_bucket_name" validate:"required"`
	EndpointURL      string `mapstructure:"vaultops_s3_endpoint_url" validate:"required,url"`
	AccessKey        string `mapstructure:"vaultops_s3_access_key" validate:"required"`
	SecretKey        string `mapstructure:"vaultops_s3_secret_key" validate:"required"`
	Region           string `mapstructure:"vaultops_s3_region" validate:"required"`
	SSECustomerKey   string `mapstructure:"vaultops_s3_aes256_sse_customer_key_base64" validate:"required,base64"`
	SignatureVersion string `mapstructure:"vaultops_s3_signature_version"`
}

type OnePasswordOptions struct {
	Vault string
	Item  string
}

type Options struct {
	LocalDir    string
	S3          *S3Options
	OnePassword *OnePasswordOptions
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch {
	case opts.OnePassword != nil && opts.OnePassword.Item != "":
		s3opts, err := S3OptionsFromOnePassword(*opts.OnePassword)
		if err != nil {
			return nil, err
		}
		return NewS3Store(ctx, *s3opts)
	case opts.S3 != nil && opts.S3.Bucket != "":
		return NewS3Store(ctx, *opts.S3)
	case opts.LocalDir != "":
		return NewLocalStore(opts.LocalDir)
	}
	return nil, errors.New("no storage configured: set vaultops_config_dir_path, vaultops_s3_bucket_name or vaultops_onepassword_item")
}
