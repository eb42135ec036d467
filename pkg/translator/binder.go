package translator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	corev1 "k8s.io/api/core/v1"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
)

// Binder maps Pod volume and port declarations to capability-provider link
// configuration. It is deterministic: the same spec and resolved objects
// always produce the same bindings.
type Binder struct {
	// DataDir is the node-local root under which volume contents and
	// actor logs are materialized.
	DataDir string
}

// HTTP returns the httpserver binding for a declared container port.
func (b *Binder) HTTP(port int32) models.CapabilityBinding {
	return models.CapabilityBinding{
		Kind: models.CapabilityHTTPServer,
		Values: map[string]string{
			models.HTTPPortKey: strconv.Itoa(int(port)),
		},
	}
}

// Logging returns the logging binding for a container. The runtime writes
// the actor's log output to the configured path.
func (b *Binder) Logging(pod *corev1.Pod, container string) models.CapabilityBinding {
	return models.CapabilityBinding{
		Kind: models.CapabilityLogging,
		Values: map[string]string{
			models.LogPathKey: filepath.Join(b.DataDir, "logs", string(pod.UID), container+".log"),
		},
	}
}

// Volume returns the blobstore binding for one volume mount. ConfigMap and
// Secret contents are resolved now so that a missing reference surfaces as
// a dependency error instead of a half-configured actor. Volume source
// kinds outside the supported set are rejected explicitly.
func (b *Binder) Volume(ctx context.Context, resolver ObjectResolver, pod *corev1.Pod, container string, vol corev1.Volume) (models.CapabilityBinding, error) {
	binding := models.CapabilityBinding{
		Kind:        models.CapabilityBlobStore,
		BindingName: vol.Name,
		Values: map[string]string{
			models.BlobRootKey:    filepath.Join(b.DataDir, "volumes", string(pod.UID), vol.Name),
			models.BlobBindingKey: vol.Name,
		},
		Files: map[string][]byte{},
	}

	switch {
	case vol.ConfigMap != nil:
		cm, err := resolver.ConfigMap(ctx, pod.Namespace, vol.ConfigMap.Name)
		if err != nil {
			return models.CapabilityBinding{}, err
		}
		for k, v := range cm.Data {
			binding.Files[k] = []byte(v)
		}
		for k, v := range cm.BinaryData {
			binding.Files[k] = v
		}
	case vol.Secret != nil:
		sec, err := resolver.Secret(ctx, pod.Namespace, vol.Secret.SecretName)
		if err != nil {
			return models.CapabilityBinding{}, err
		}
		for k, v := range sec.Data {
			binding.Files[k] = v
		}
	case vol.EmptyDir != nil:
		// Nothing to resolve; the root directory is created empty.
	default:
		return models.CapabilityBinding{}, models.NewTranslationError(container,
			"volume %q has an unsupported source; only configMap, secret and emptyDir map to the blobstore capability", vol.Name)
	}
	return binding, nil
}

// Materialize writes a binding's resolved file contents under its root
// directory. Called by the reconciler immediately before the actor start so
// the blobstore provider never observes a partially written tree.
func Materialize(binding models.CapabilityBinding) error {
	root, ok := binding.Values[models.BlobRootKey]
	if !ok {
		return nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating volume root %s: %w", root, err)
	}
	for name, data := range binding.Files {
		if err := os.WriteFile(filepath.Join(root, name), data, 0o600); err != nil {
			return fmt.Errorf("writing volume file %s: %w", name, err)
		}
	}
	return nil
}
