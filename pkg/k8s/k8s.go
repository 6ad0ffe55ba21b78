package k8s

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const managedBy = "vaultops"

// Config loads kubeconfig, defaulting to ~/.kube/config.
func Config(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		kubeconfig = filepath.Join(homedir.HomeDir(), ".kube", "config")
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	return cfg, errors.Wrapf(err, "load kubeconfig %s", kubeconfig)
}

func Clientset(kubeconfig string) (*kubernetes.Clientset, error) {
	config, err := Config(kubeconfig)
	if err != nil {
		return nil, err
	}

	cs, err := kubernetes.NewForConfig(config)
	return cs, errors.Wrap(err, "kubernetes clientset")
}

// PublishSecret creates namespace/name with data, or replaces the data of
// the existing secret.
func PublishSecret(ctx context.Context, cs kubernetes.Interface, namespace, name string, data map[string][]byte) error {
	log := zap.L().Named("k8s").With(zap.String("namespace", namespace), zap.String("name", name))
	secrets := cs.CoreV1().Secrets(namespace)

	existing, err := secrets.Get(ctx, name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: namespace,
				Labels:    map[string]string{"app.kubernetes.io/managed-by": managedBy},
			},
			Type: corev1.SecretTypeOpaque,
			Data: data,
		}
		if _, err := secrets.Create(ctx, secret, metav1.CreateOptions{}); err != nil {
			return errors.Wrapf(err, "create secret %s/%s", namespace, name)
		}
		log.Info("created secret")
		return nil
	case err != nil:
		return errors.Wrapf(err, "get secret %s/%s", namespace, name)
	}

	existing.Data = data
	if existing.Labels == nil {
		existing.Labels = map[string]string{}
	}
	existing.Labels["app.kubernetes.io/managed-by"] = managedBy
	if _, err := secrets.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return errors.Wrapf(err, "update secret %s/%s", namespace, name)
	}
	log.Info("updated secret")
	return nil
}
