package translator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
)

// ActorKeyAnnotation pins the expected actor public key for a Pod's
// containers.
const ActorKeyAnnotation = "wasmcloud.dev/actor-key"

// ObjectResolver reads the cluster objects a Pod spec references. A missing
// object must be reported as a dependency error so the reconciler can
// surface "blocked on dependency" rather than failing the Pod.
type ObjectResolver interface {
	ConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error)
	Secret(ctx context.Context, namespace, name string) (*corev1.Secret, error)
}

// KubeResolver resolves objects through the cluster API.
type KubeResolver struct {
	Client kubernetes.Interface
}

func (r *KubeResolver) ConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error) {
	cm, err := r.Client.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, models.NewDependencyError("", "configmap %s/%s does not exist", namespace, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading configmap %s/%s: %w", namespace, name, err)
	}
	return cm, nil
}

func (r *KubeResolver) Secret(ctx context.Context, namespace, name string) (*corev1.Secret, error) {
	sec, err := r.Client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, models.NewDependencyError("", "secret %s/%s does not exist", namespace, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret %s/%s: %w", namespace, name, err)
	}
	return sec, nil
}

// Translator converts a Pod spec into the ordered set of actor intents, one
// per container in declaration order.
type Translator struct {
	Binder   *Binder
	Resolver ObjectResolver
}

// Translate validates the Pod and derives its intents. It never mutates
// the Pod and never partially succeeds: any container that cannot be
// mapped fails the whole translation.
func (t *Translator) Translate(ctx context.Context, pod *corev1.Pod) ([]models.ActorIntent, error) {
	if len(pod.Spec.InitContainers) > 0 {
		return nil, models.NewTranslationError("", "init containers are not supported on wasmCloud")
	}
	if arch, ok := pod.Spec.NodeSelector["kubernetes.io/arch"]; ok && arch != models.NodeArch {
		return nil, models.NewTranslationError("", "pod selects arch %q, node runs %s", arch, models.NodeArch)
	}

	volumes := make(map[string]corev1.Volume, len(pod.Spec.Volumes))
	for _, v := range pod.Spec.Volumes {
		volumes[v.Name] = v
	}

	seenPorts := make(map[int32]string)
	intents := make([]models.ActorIntent, 0, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		intent, err := t.translateContainer(ctx, pod, c, volumes)
		if err != nil {
			return nil, err
		}
		if intent.HTTPPort != 0 {
			if other, dup := seenPorts[intent.HTTPPort]; dup {
				return nil, models.NewTranslationError(c.Name,
					"port %d already claimed by container %q", intent.HTTPPort, other)
			}
			seenPorts[intent.HTTPPort] = c.Name
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func (t *Translator) translateContainer(ctx context.Context, pod *corev1.Pod, c corev1.Container, volumes map[string]corev1.Volume) (models.ActorIntent, error) {
	if len(c.Args) > 0 {
		return models.ActorIntent{}, models.NewTranslationError(c.Name,
			"container args are not supported on wasmCloud")
	}
	if strings.HasPrefix(c.Image, "k8s.gcr.io/kube-proxy") || strings.HasPrefix(c.Image, "registry.k8s.io/kube-proxy") {
		return models.ActorIntent{}, models.NewTranslationError(c.Name, "cannot run kube-proxy")
	}

	ref, err := models.ParseModuleRef(c.Image)
	if err != nil {
		return models.ActorIntent{}, models.NewTranslationError(c.Name,
			"image is not a valid actor module reference: %v", err)
	}

	env := make(map[string]string, len(c.Env))
	for _, e := range c.Env {
		if e.ValueFrom != nil {
			return models.ActorIntent{}, models.NewTranslationError(c.Name,
				"env var %q uses valueFrom, which is not supported", e.Name)
		}
		env[e.Name] = e.Value
	}

	intent := models.ActorIntent{
		ContainerName: c.Name,
		Module:        ref,
		PublicKey:     pod.Annotations[ActorKeyAnnotation],
		Env:           env,
	}

	// One HTTP port per actor: the httpserver capability binds a single
	// listener.
	if len(c.Ports) > 1 {
		return models.ActorIntent{}, models.NewTranslationError(c.Name,
			"at most one container port is supported, got %d", len(c.Ports))
	}
	if len(c.Ports) == 1 {
		p := c.Ports[0]
		port := p.ContainerPort
		if p.HostPort != 0 {
			port = p.HostPort
		}
		intent.HTTPPort = port
		intent.Bindings = append(intent.Bindings, t.Binder.HTTP(port))
	}

	for _, mount := range c.VolumeMounts {
		vol, ok := volumes[mount.Name]
		if !ok {
			return models.ActorIntent{}, models.NewTranslationError(c.Name,
				"volume mount %q references an undeclared volume", mount.Name)
		}
		binding, err := t.Binder.Volume(ctx, t.Resolver, pod, c.Name, vol)
		if err != nil {
			var te *models.TranslationError
			if errors.As(err, &te) && te.Container == "" {
				te.Container = c.Name
			}
			return models.ActorIntent{}, err
		}
		intent.Bindings = append(intent.Bindings, binding)
	}

	intent.Bindings = append(intent.Bindings, t.Binder.Logging(pod, c.Name))
	return intent, nil
}
