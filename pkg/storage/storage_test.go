package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"path/filepath"
	"testing"

	"github.com/1Password/connect-sdk-go/onepassword"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "cfg"))
	require.NoError(t, err)

	_, err = s.Get(ctx, "vault_config.yml")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "raft_snapshot/a.snap", []byte("snap"), ""))
	data, err := s.Get(ctx, "raft_snapshot/a.snap")
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), data)

	assert.Error(t, s.Put(ctx, "../escape", []byte("x"), ""))
}

type fakeS3 struct {
	objects    map[string][]byte
	versioning types.BucketVersioningStatus
	location   types.BucketLocationConstraint
	lastPut    *s3.PutObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.lastPut = in
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetBucketVersioning(context.Context, *s3.GetBucketVersioningInput, ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	return &s3.GetBucketVersioningOutput{Status: f.versioning}, nil
}

func (f *fakeS3) GetBucketLocation(context.Context, *s3.GetBucketLocationInput, ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	return &s3.GetBucketLocationOutput{LocationConstraint: f.location}, nil
}

func testS3Options() S3Options {
	return S3Options{
		Bucket:         "vaultops",
		EndpointURL:    "https://s3.example.com",
		AccessKey:      "ak",
		SecretKey:      "sk",
		Region:         "eu-west-1",
		SSECustomerKey: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)),
	}
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	api := &fakeS3{
		objects:    map[string][]byte{},
		versioning: types.BucketVersioningStatusEnabled,
		location:   types.BucketLocationConstraintEuWest1,
	}
	s, err := newS3Store(ctx, api, testS3Options())
	require.NoError(t, err)

	_, err = s.Get(ctx, "vault_unseal_keys.yml")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put(ctx, "vault_unseal_keys.yml", []byte("keys: []"), "application/x-yaml"))
	assert.Equal(t, "AES256", aws.ToString(api.lastPut.SSECustomerAlgorithm))
	assert.Equal(t, types.ObjectCannedACLPrivate, api.lastPut.ACL)
	assert.NotEmpty(t, aws.ToString(api.lastPut.SSECustomerKeyMD5))

	data, err := s.Get(ctx, "vault_unseal_keys.yml")
	require.NoError(t, err)
	assert.Equal(t, "keys: []", string(data))
}

func TestS3StoreChecks(t *testing.T) {
	ctx := context.Background()

	_, err := newS3Store(ctx, &fakeS3{location: types.BucketLocationConstraintEuWest1}, testS3Options())
	assert.ErrorContains(t, err, "versioning")

	_, err = newS3Store(ctx, &fakeS3{versioning: types.BucketVersioningStatusEnabled}, testS3Options())
	assert.ErrorContains(t, err, "us-east-1")

	opts := testS3Options()
	opts.SSECustomerKey = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = newS3Store(ctx, &fakeS3{}, opts)
	assert.ErrorContains(t, err, "32 bytes")
}

type fakeItems struct {
	item *onepassword.Item
}

func (f fakeItems) GetVaultsByTitle(title string) ([]onepassword.Vault, error) {
	return []onepassword.Vault{{ID: "v1", Name: title}}, nil
}

func (f fakeItems) GetItemByTitle(string, string) (*onepassword.Item, error) {
	return f.item, nil
}

func TestS3OptionsFromItem(t *testing.T) {
	item := &onepassword.Item{Fields: []*onepassword.ItemField{
		{Label: "vaultops_s3_bucket_name", Value: "bucket"},
		{Label: "vaultops_s3_region", Value: "eu-west-1"},
		{Label: "vaultops_s3_endpoint_url", Value: "https://s3.example.com"},
	}}
	opts, err := s3OptionsFromItem(fakeItems{item: item}, OnePasswordOptions{Item: "storage"})
	require.NoError(t, err)
	assert.Equal(t, "bucket", opts.Bucket)
	assert.Equal(t, "eu-west-1", opts.Region)
	assert.Equal(t, "s3v4", opts.SignatureVersion)
}

func TestOpenWithoutBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	assert.Error(t, err)
}
