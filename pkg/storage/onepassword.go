package storage

import (
	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
	"github.com/cockroachdb/errors"
)

type itemReader interface {
	GetVaultsByTitle(title string) ([]onepassword.Vault, error)
	GetItemByTitle(title string, vaultQuery string) (*onepassword.Item, error)
}

// S3OptionsFromOnePassword resolves the S3 settings from the fields of a
// 1Password item. Connection details come from OP_CONNECT_HOST and
// OP_CONNECT_TOKEN.
func S3OptionsFromOnePassword(opts OnePasswordOptions) (*S3Options, error) {
	opc, err := connect.NewClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "create 1password connect client")
	}
	return s3OptionsFromItem(opc, opts)
}

func s3OptionsFromItem(opc itemReader, opts OnePasswordOptions) (*S3Options, error) {
	title := opts.Vault
	if title == "" {
		title = "vaultops"
	}

	vaults, err := opc.GetVaultsByTitle(title)
	if err != nil {
		return nil, errors.Wrapf(err, "find 1password vault %s", title)
	}
	if len(vaults) == 0 {
		return nil, errors.Newf("missing onepassword vault %s", title)
	}

	item, err := opc.GetItemByTitle(opts.Item, vaults[0].ID)
	if err != nil {
		return nil, errors.Wrapf(err, "read 1password item %s", opts.Item)
	}

	s3opts := &S3Options{
		Bucket:           item.GetValue("vaultops_s3_bucket_name"),
		EndpointURL:      item.GetValue("vaultops_s3_endpoint_url"),
		AccessKey:        item.GetValue("vaultops_s3_access_key"),
		SecretKey:        item.GetValue("vaultops_s3_secret_key"),
		Region:           item.GetValue("vaultops_s3_region"),
		SSECustomerKey:   item.GetValue("vaultops_s3_aes256_sse_customer_key_base64"),
		SignatureVersion: item.GetValue("vaultops_s3_signature_version"),
	}
	if s3opts.SignatureVersion == "" {
		s3opts.SignatureVersion = "s3v4"
	}
	return s3opts, nil
}
