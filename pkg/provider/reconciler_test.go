package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/logger"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/metrics"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/translator"
)

// fakeRuntime records control API calls and serves canned outcomes.
type fakeRuntime struct {
	mu       sync.Mutex
	calls    []string
	startErr map[string]error
	stopErr  error
	health   map[string]models.HealthState
	nextID   int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		startErr: make(map[string]error),
		health:   make(map[string]models.HealthState),
	}
}

func (f *fakeRuntime) StartActor(_ context.Context, intent models.ActorIntent) (*models.ActorHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+intent.ContainerName)
	if err := f.startErr[intent.ContainerName]; err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("MACTOR%d", f.nextID)
	f.health[id] = models.HealthHealthy
	return &models.ActorHandle{
		ActorID:       id,
		ContainerName: intent.ContainerName,
		IntentHash:    intent.Hash(),
		HTTPPort:      intent.HTTPPort,
		Health:        models.HealthStarting,
		StartedAt:     time.Now(),
	}, nil
}

func (f *fakeRuntime) StopActor(_ context.Context, handle *models.ActorHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+handle.ActorID)
	if f.stopErr != nil {
		return f.stopErr
	}
	delete(f.health, handle.ActorID)
	return nil
}

func (f *fakeRuntime) QueryHealth(_ context.Context, handle *models.ActorHandle) (models.HealthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.health[handle.ActorID]; ok {
		return h, nil
	}
	return models.HealthStopped, nil
}

func (f *fakeRuntime) ActorLogs(_ context.Context, handle *models.ActorHandle, _ int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("actor output\n")), nil
}

func (f *fakeRuntime) setHealth(actorID string, h models.HealthState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[actorID] = h
}

func (f *fakeRuntime) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRuntime) countCalls(prefix string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// memResolver serves cluster objects from memory for translation.
type memResolver struct {
	mu         sync.Mutex
	configMaps map[string]*corev1.ConfigMap
}

func (r *memResolver) ConfigMap(_ context.Context, namespace, name string) (*corev1.ConfigMap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cm, ok := r.configMaps[namespace+"/"+name]; ok {
		return cm, nil
	}
	return nil, models.NewDependencyError("", "configmap %s/%s does not exist", namespace, name)
}

func (r *memResolver) Secret(_ context.Context, namespace, name string) (*corev1.Secret, error) {
	return nil, models.NewDependencyError("", "secret %s/%s does not exist", namespace, name)
}

type reconcilerFixture struct {
	store      *Store
	runtime    *fakeRuntime
	resolver   *memResolver
	kube       *fake.Clientset
	reconciler *Reconciler
	notified   []types.UID
	mu         sync.Mutex
}

func newFixture(t *testing.T, pods ...*corev1.Pod) *reconcilerFixture {
	t.Helper()

	f := &reconcilerFixture{
		store:    NewStore(),
		runtime:  newFakeRuntime(),
		resolver: &memResolver{configMaps: make(map[string]*corev1.ConfigMap)},
	}

	f.kube = fake.NewSimpleClientset()
	for _, p := range pods {
		_, err := f.kube.CoreV1().Pods(p.Namespace).Create(context.Background(), p.DeepCopy(), metav1.CreateOptions{})
		require.NoError(t, err)
	}

	trans := &translator.Translator{
		Binder:   &translator.Binder{DataDir: t.TempDir()},
		Resolver: f.resolver,
	}

	f.reconciler = NewReconciler(f.store, f.runtime, trans, f.kube, NewLogBuffer(0),
		metrics.New(), logger.NewNop(), 2*time.Second, func(uid types.UID) {
			f.mu.Lock()
			f.notified = append(f.notified, uid)
			f.mu.Unlock()
		})

	for _, p := range pods {
		f.store.Upsert(p)
	}
	return f
}

func (f *reconcilerFixture) sync(t *testing.T, uid types.UID) {
	t.Helper()
	requeue, err := f.reconciler.sync(context.Background(), uid)
	require.NoError(t, err)
	require.False(t, requeue)
}

func reconcilerPod(uid, name string, containers ...corev1.Container) *corev1.Pod {
	if len(containers) == 0 {
		containers = []corev1.Container{{
			Name:  "web",
			Image: "echo:v1",
			Ports: []corev1.ContainerPort{{ContainerPort: 8080}},
		}}
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "default",
			Name:      name,
			UID:       types.UID(uid),
		},
		Spec: corev1.PodSpec{Containers: containers},
	}
}

func TestReconcileConvergesPod(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)

	f.sync(t, "uid-1")

	assert.Equal(t, 1, f.runtime.countCalls("start:"))
	rec := f.store.Get("uid-1")
	require.NotNil(t, rec)

	rec.Mu.RLock()
	handle := rec.Handles["web"]
	state := rec.Containers["web"]
	rec.Mu.RUnlock()

	require.NotNil(t, handle)
	assert.Equal(t, types.UID("uid-1"), handle.PodUID)
	assert.Equal(t, int32(8080), handle.HTTPPort)
	require.NotNil(t, state)
	assert.Equal(t, models.ContainerRunning, state.Kind)

	status := ComputeStatus(rec)
	assert.Equal(t, corev1.PodRunning, status.Phase)
	require.Len(t, status.ContainerStatuses, 1)
	assert.True(t, status.ContainerStatuses[0].Ready)
	assert.Equal(t, "wasmcloud://"+handle.ActorID, status.ContainerStatuses[0].ContainerID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)

	f.sync(t, "uid-1")
	f.sync(t, "uid-1")
	f.sync(t, "uid-1")

	assert.Equal(t, 1, f.runtime.countCalls("start:"), "an up-to-date actor is not restarted")
	assert.Zero(t, f.runtime.countCalls("stop:"))
}

func TestReconcileReplacesActorOnSpecChange(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)
	f.sync(t, "uid-1")

	rec := f.store.Get("uid-1")
	rec.Mu.RLock()
	oldID := rec.Handles["web"].ActorID
	rec.Mu.RUnlock()

	changed := pod.DeepCopy()
	changed.Spec.Containers[0].Image = "echo:v2"
	f.store.Upsert(changed)
	f.sync(t, "uid-1")

	calls := f.runtime.callLog()
	require.Equal(t, []string{"start:web", "stop:" + oldID, "start:web"}, calls,
		"the old actor stops before the replacement starts")

	rec.Mu.RLock()
	newID := rec.Handles["web"].ActorID
	rec.Mu.RUnlock()
	assert.NotEqual(t, oldID, newID)
}

func TestReconcileStopsRemovedContainers(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo",
		corev1.Container{Name: "web", Image: "echo:v1"},
		corev1.Container{Name: "sidecar", Image: "logger:v1"},
	)
	f := newFixture(t, pod)
	f.sync(t, "uid-1")
	require.Equal(t, 2, f.runtime.countCalls("start:"))

	trimmed := pod.DeepCopy()
	trimmed.Spec.Containers = trimmed.Spec.Containers[:1]
	f.store.Upsert(trimmed)
	f.sync(t, "uid-1")

	assert.Equal(t, 1, f.runtime.countCalls("stop:"))
	rec := f.store.Get("uid-1")
	rec.Mu.RLock()
	defer rec.Mu.RUnlock()
	assert.Contains(t, rec.Handles, "web")
	assert.NotContains(t, rec.Handles, "sidecar")
	assert.NotContains(t, rec.Containers, "sidecar")
}

func TestReconcileBlockedOnMissingConfigMap(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo", corev1.Container{
		Name:         "web",
		Image:        "echo:v1",
		VolumeMounts: []corev1.VolumeMount{{Name: "conf", MountPath: "/conf"}},
	})
	pod.Spec.Volumes = []corev1.Volume{{
		Name: "conf",
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: "conf"},
			},
		},
	}}
	f := newFixture(t, pod)

	f.sync(t, "uid-1")
	assert.Zero(t, f.runtime.countCalls("start:"), "a blocked pod must not start actors")

	rec := f.store.Get("uid-1")
	rec.Mu.RLock()
	state := rec.Containers["web"]
	rec.Mu.RUnlock()
	require.NotNil(t, state)
	assert.Equal(t, models.ContainerWaiting, state.Kind)
	assert.Equal(t, models.ReasonContainerCreating, state.Reason)
	assert.Contains(t, state.Message, "blocked on dependency")

	// The ConfigMap appears; the next event unblocks the pod.
	f.resolver.mu.Lock()
	f.resolver.configMaps["default/conf"] = &corev1.ConfigMap{
		Data: map[string]string{"app.toml": "port = 8080"},
	}
	f.resolver.mu.Unlock()

	f.sync(t, "uid-1")
	assert.Equal(t, 1, f.runtime.countCalls("start:"))
	rec.Mu.RLock()
	assert.Equal(t, models.ContainerRunning, rec.Containers["web"].Kind)
	rec.Mu.RUnlock()
}

func TestReconcileTerminalStartFailure(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)
	f.runtime.startErr["web"] = models.NewRuntimeError(models.InvalidModule, "start actor",
		fmt.Errorf("module signature rejected"))

	f.sync(t, "uid-1")
	f.sync(t, "uid-1")

	assert.Equal(t, 1, f.runtime.countCalls("start:"), "terminal failures are not retried within a generation")

	rec := f.store.Get("uid-1")
	rec.Mu.RLock()
	state := rec.Containers["web"]
	rec.Mu.RUnlock()
	assert.Equal(t, models.ContainerFailed, state.Kind)
	assert.Equal(t, models.ReasonInvalidModule, state.Reason)

	status := ComputeStatus(rec)
	assert.Equal(t, corev1.PodFailed, status.Phase)
}

func TestReconcileRedeliveredSpecStaysTerminal(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	grace := int64(30)
	pod.Spec.TerminationGracePeriodSeconds = &grace
	f := newFixture(t, pod)
	f.runtime.startErr["web"] = models.NewRuntimeError(models.InvalidModule, "start actor",
		fmt.Errorf("module signature rejected"))

	f.sync(t, "uid-1")

	// The informer redelivers the same spec as a freshly decoded object;
	// that is not a new generation and must not clear the failure.
	f.store.Upsert(pod.DeepCopy())
	f.sync(t, "uid-1")
	f.store.Upsert(pod.DeepCopy())
	f.sync(t, "uid-1")

	assert.Equal(t, 1, f.runtime.countCalls("start:"))
	rec := f.store.Get("uid-1")
	rec.Mu.RLock()
	defer rec.Mu.RUnlock()
	assert.Equal(t, models.ContainerFailed, rec.Containers["web"].Kind)
	assert.Equal(t, models.ReasonInvalidModule, rec.Containers["web"].Reason)
}

func TestReconcileSpecChangeClearsFailure(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)
	f.runtime.startErr["web"] = models.NewRuntimeError(models.RuntimeUnreachable, "start actor",
		fmt.Errorf("host down"))

	f.sync(t, "uid-1")

	rec := f.store.Get("uid-1")
	rec.Mu.RLock()
	assert.Equal(t, models.ContainerFailed, rec.Containers["web"].Kind)
	assert.Equal(t, models.ReasonRetriesExhausted, rec.Containers["web"].Reason)
	rec.Mu.RUnlock()

	f.runtime.mu.Lock()
	delete(f.runtime.startErr, "web")
	f.runtime.mu.Unlock()

	changed := pod.DeepCopy()
	changed.Spec.Containers[0].Image = "echo:v2"
	f.store.Upsert(changed)
	f.sync(t, "uid-1")

	rec.Mu.RLock()
	defer rec.Mu.RUnlock()
	assert.Equal(t, models.ContainerRunning, rec.Containers["web"].Kind)
	assert.Equal(t, 1, rec.Containers["web"].Attempts, "attempts reset on the new generation")
}

func TestReconcilePortConflictBlocks(t *testing.T) {
	first := reconcilerPod("uid-1", "echo")
	second := reconcilerPod("uid-2", "rival")
	f := newFixture(t, first, second)

	f.sync(t, "uid-1")
	f.sync(t, "uid-2")

	assert.Equal(t, 1, f.runtime.countCalls("start:"), "only one actor may hold a node port")

	rec := f.store.Get("uid-2")
	rec.Mu.RLock()
	defer rec.Mu.RUnlock()
	assert.Equal(t, models.ContainerWaiting, rec.Containers["web"].Kind)
	assert.Contains(t, rec.Containers["web"].Message, "port in use")
}

func TestTeardownStopsActorsAndRemovesRecord(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)
	f.sync(t, "uid-1")

	f.store.MarkDeleted("uid-1")
	f.sync(t, "uid-1")

	assert.Equal(t, 1, f.runtime.countCalls("stop:"))
	assert.Nil(t, f.store.Get("uid-1"), "the record is removed after teardown")

	_, err := f.kube.CoreV1().Pods("default").Get(context.Background(), "echo", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "teardown acknowledges the deletion to the cluster")
}

func TestTeardownRetriesTransientStopFailure(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)
	f.sync(t, "uid-1")

	f.runtime.mu.Lock()
	f.runtime.stopErr = models.NewRuntimeError(models.RuntimeUnreachable, "stop actor",
		fmt.Errorf("host down"))
	f.runtime.mu.Unlock()

	f.store.MarkDeleted("uid-1")
	requeue, err := f.reconciler.sync(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.True(t, requeue, "a failed stop inside the budget requeues the teardown")
	assert.NotNil(t, f.store.Get("uid-1"), "the record survives until actors are stopped")

	f.runtime.mu.Lock()
	f.runtime.stopErr = nil
	f.runtime.mu.Unlock()

	f.sync(t, "uid-1")
	assert.Nil(t, f.store.Get("uid-1"))
}

func TestTeardownForceRemovesAfterBudget(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)
	f.sync(t, "uid-1")

	f.runtime.mu.Lock()
	f.runtime.stopErr = models.NewRuntimeError(models.RuntimeUnreachable, "stop actor",
		fmt.Errorf("connection refused"))
	f.runtime.mu.Unlock()

	f.store.MarkDeleted("uid-1")
	requeue, err := f.reconciler.sync(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.True(t, requeue)

	// The budget runs from the first delete observation, so repeated
	// fast-failing passes cannot keep the record alive past it.
	rec := f.store.Get("uid-1")
	rec.Mu.Lock()
	rec.DeletedAt = time.Now().Add(-3 * time.Second)
	rec.Mu.Unlock()

	requeue, err = f.reconciler.sync(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.False(t, requeue)
	assert.Nil(t, f.store.Get("uid-1"), "the record is force-removed once the budget elapses")
}

func TestHealthStoppedRestartsActor(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)
	f.sync(t, "uid-1")

	rec := f.store.Get("uid-1")
	rec.Mu.RLock()
	actorID := rec.Handles["web"].ActorID
	rec.Mu.RUnlock()

	f.runtime.setHealth(actorID, models.HealthStopped)
	f.sync(t, "uid-1")

	rec.Mu.RLock()
	_, hasHandle := rec.Handles["web"]
	state := rec.Containers["web"]
	rec.Mu.RUnlock()
	assert.False(t, hasHandle, "a dead actor's handle is dropped")
	assert.Equal(t, models.ContainerWaiting, state.Kind)

	// The next pass brings it back.
	f.sync(t, "uid-1")
	assert.Equal(t, 2, f.runtime.countCalls("start:"))
}

func TestHealthUnhealthyFailsContainer(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)
	f.sync(t, "uid-1")

	rec := f.store.Get("uid-1")
	rec.Mu.RLock()
	actorID := rec.Handles["web"].ActorID
	rec.Mu.RUnlock()

	f.runtime.setHealth(actorID, models.HealthUnhealthy)
	f.sync(t, "uid-1")

	rec.Mu.RLock()
	defer rec.Mu.RUnlock()
	assert.Equal(t, models.ContainerFailed, rec.Containers["web"].Kind)
	assert.Equal(t, models.ReasonActorUnhealthy, rec.Containers["web"].Reason)
}

func TestWorkersCoalesceRepeatedEnqueues(t *testing.T) {
	pod := reconcilerPod("uid-1", "echo")
	f := newFixture(t, pod)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx, 4)
		close(done)
	}()

	for i := 0; i < 20; i++ {
		f.reconciler.Enqueue("uid-1")
	}

	require.Eventually(t, func() bool {
		rec := f.store.Get("uid-1")
		rec.Mu.RLock()
		defer rec.Mu.RUnlock()
		state := rec.Containers["web"]
		return state != nil && state.Kind == models.ContainerRunning
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	// The queue never hands one key to two workers, so repeated enqueues
	// collapse into a handful of serialized passes and exactly one start.
	assert.Equal(t, 1, f.runtime.countCalls("start:"))
}

func TestCancelInFlightIsSafeWithoutTask(t *testing.T) {
	f := newFixture(t, reconcilerPod("uid-1", "echo"))
	f.reconciler.CancelInFlight("uid-1")
	f.sync(t, "uid-1")
	assert.Equal(t, 1, f.runtime.countCalls("start:"))
}
