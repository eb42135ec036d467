package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/virtual-kubelet/virtual-kubelet/errdefs"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/wasmcloud"
)

// Arch is the architecture the virtual node advertises. The matching
// taints keep ordinary container workloads off this node.
const Arch = models.NodeArch

// RuntimePinger reports reachability of the actor runtime host.
type RuntimePinger interface {
	Ping(ctx context.Context) error
}

// Provider is the process-scoped object tying the record store, the actor
// runtime client and the log buffer together for node registration and
// the node-agent API. It is constructed once at startup and passed
// explicitly.
type Provider struct {
	nodeName   string
	listenPort int
	runtime    wasmcloud.RuntimeClient
	pinger     RuntimePinger
	store      *Store
	logs       *LogBuffer
}

// NewProvider assembles the provider around already-constructed
// components.
func NewProvider(nodeName string, listenPort int, runtime wasmcloud.RuntimeClient, pinger RuntimePinger, store *Store, logs *LogBuffer) (*Provider, error) {
	if nodeName == "" {
		return nil, fmt.Errorf("node name is required")
	}
	return &Provider{
		nodeName:   nodeName,
		listenPort: listenPort,
		runtime:    runtime,
		pinger:     pinger,
		store:      store,
		logs:       logs,
	}, nil
}

// Ping checks connectivity to the actor runtime host.
func (p *Provider) Ping(ctx context.Context) error {
	if p.pinger == nil {
		return nil
	}
	return p.pinger.Ping(ctx)
}

// GetPods returns the provider's view of all tracked Pods with their
// computed status.
func (p *Provider) GetPods(ctx context.Context) ([]*corev1.Pod, error) {
	records := p.store.List()
	pods := make([]*corev1.Pod, 0, len(records))
	for _, rec := range records {
		pods = append(pods, p.podFor(rec))
	}
	return pods, nil
}

// GetPod returns one tracked Pod with computed status.
func (p *Provider) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	rec := p.store.GetByName(namespace, name)
	if rec == nil {
		return nil, errdefs.NotFoundf("pod %s/%s is not known to this node", namespace, name)
	}
	return p.podFor(rec), nil
}

// GetPodStatus returns the computed status for one Pod.
func (p *Provider) GetPodStatus(ctx context.Context, namespace, name string) (*corev1.PodStatus, error) {
	rec := p.store.GetByName(namespace, name)
	if rec == nil {
		return nil, errdefs.NotFoundf("pod %s/%s is not known to this node", namespace, name)
	}
	status := ComputeStatus(rec)
	return &status, nil
}

func (p *Provider) podFor(rec *models.PodRecord) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: rec.Namespace,
			Name:      rec.Name,
			UID:       rec.UID,
		},
		Status: ComputeStatus(rec),
	}
	rec.Mu.RLock()
	if rec.Pod != nil {
		pod.Spec = *rec.Pod.Spec.DeepCopy()
	}
	rec.Mu.RUnlock()
	return pod
}

// GetContainerLogs returns the log stream for one container: the actor's
// logging-capability output when the actor is live, prefixed with the
// provider's own lifecycle lines. A known container always yields a
// stream, possibly empty.
func (p *Provider) GetContainerLogs(ctx context.Context, namespace, name, container string, tail int) (io.ReadCloser, error) {
	rec := p.store.GetByName(namespace, name)
	if rec == nil {
		return nil, errdefs.NotFoundf("pod %s/%s is not known to this node", namespace, name)
	}

	rec.Mu.RLock()
	handle := rec.Handles[container]
	_, tracked := rec.Containers[container]
	declared := rec.Pod != nil && podDeclaresContainer(rec.Pod, container)
	rec.Mu.RUnlock()

	if handle == nil && !tracked && !declared {
		return nil, errdefs.NotFoundf("container %q not found in pod %s/%s", container, namespace, name)
	}

	lifecycle := p.logs.Dump(rec.UID, container, tail)

	if handle != nil {
		actorLogs, err := p.runtime.ActorLogs(ctx, handle, tail)
		if err == nil {
			return chainReadCloser(strings.NewReader(lifecycle), actorLogs), nil
		}
		// Runtime unreachable; serve what we retained locally.
	}
	return io.NopCloser(bytes.NewReader([]byte(lifecycle))), nil
}

// PortForwardTarget resolves the local HTTP port an actor of the Pod
// serves on, if any.
func (p *Provider) PortForwardTarget(namespace, name string) (int32, bool) {
	rec := p.store.GetByName(namespace, name)
	if rec == nil {
		return 0, false
	}
	rec.Mu.RLock()
	defer rec.Mu.RUnlock()
	for _, h := range rec.Handles {
		if h.HTTPPort != 0 {
			return h.HTTPPort, true
		}
	}
	return 0, false
}

// GetNode builds the virtual node object registered with the cluster.
// Only Pods tolerating the wasm architecture taints are scheduled here.
func (p *Provider) GetNode() *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: p.nodeName,
			Labels: map[string]string{
				"type":                   "virtual-kubelet",
				"kubernetes.io/role":     "agent",
				"kubernetes.io/hostname": p.nodeName,
				"kubernetes.io/arch":     Arch,
				"kubernetes.io/os":       "linux",
			},
		},
		Spec: corev1.NodeSpec{
			Taints: []corev1.Taint{
				{Key: "kubernetes.io/arch", Value: Arch, Effect: corev1.TaintEffectNoSchedule},
				{Key: "kubernetes.io/arch", Value: Arch, Effect: corev1.TaintEffectNoExecute},
			},
		},
		Status: corev1.NodeStatus{
			Phase: corev1.NodeRunning,
			Conditions: []corev1.NodeCondition{
				{
					Type:   corev1.NodeReady,
					Status: corev1.ConditionTrue,
				},
			},
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeHostName, Address: p.nodeName},
			},
			DaemonEndpoints: corev1.NodeDaemonEndpoints{
				KubeletEndpoint: corev1.DaemonEndpoint{Port: int32(p.listenPort)},
			},
			Capacity: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("4"),
				corev1.ResourceMemory: resource.MustParse("4Gi"),
				corev1.ResourcePods:   resource.MustParse("200"),
			},
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("4"),
				corev1.ResourceMemory: resource.MustParse("4Gi"),
				corev1.ResourcePods:   resource.MustParse("200"),
			},
			NodeInfo: corev1.NodeSystemInfo{
				KubeletVersion:  "vk-wasmcloud-v0.1.0",
				Architecture:    Arch,
				OperatingSystem: "linux",
			},
		},
	}
}

func podDeclaresContainer(pod *corev1.Pod, name string) bool {
	for _, c := range pod.Spec.Containers {
		if c.Name == name {
			return true
		}
	}
	return false
}

// chainReadCloser concatenates a prefix reader with a stream whose Close
// must propagate.
func chainReadCloser(prefix io.Reader, stream io.ReadCloser) io.ReadCloser {
	return &chainedReadCloser{Reader: io.MultiReader(prefix, stream), closer: stream}
}

type chainedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (c *chainedReadCloser) Close() error { return c.closer.Close() }
