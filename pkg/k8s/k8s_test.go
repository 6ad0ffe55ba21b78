package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestPublishSecretCreates(t *testing.T) {
	ctx := context.Background()
	cs := fake.NewSimpleClientset()

	err := PublishSecret(ctx, cs, "vault", "vault-client", map[string][]byte{"VAULT_ADDR": []byte("https://vault:8200")})
	require.NoError(t, err)

	got, err := cs.CoreV1().Secrets("vault").Get(ctx, "vault-client", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.SecretTypeOpaque, got.Type)
	assert.Equal(t, "https://vault:8200", string(got.Data["VAULT_ADDR"]))
	assert.Equal(t, "vaultops", got.Labels["app.kubernetes.io/managed-by"])
}

func TestPublishSecretUpdates(t *testing.T) {
	ctx := context.Background()
	cs := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "vault-client", Namespace: "vault", Labels: map[string]string{"team": "infra"}},
		Data:       map[string][]byte{"stale": []byte("x")},
	})

	err := PublishSecret(ctx, cs, "vault", "vault-client", map[string][]byte{"tls.crt": []byte("cert")})
	require.NoError(t, err)

	got, err := cs.CoreV1().Secrets("vault").Get(ctx, "vault-client", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"tls.crt": []byte("cert")}, got.Data)
	assert.Equal(t, "infra", got.Labels["team"])
	assert.Equal(t, "vaultops", got.Labels["app.kubernetes.io/managed-by"])
}
