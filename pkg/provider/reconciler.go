package provider

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/workqueue"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/logger"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/metrics"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/translator"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/wasmcloud"
)

// Reconciler drives actual actor state toward the desired Pod specs. Work
// items are Pod UIDs on a rate-limited queue; the queue never hands the
// same key to two workers at once, so reconciliation is serialized per UID
// while distinct Pods proceed fully in parallel. Repeated events for an
// in-flight UID coalesce into one pending re-run.
type Reconciler struct {
	store      *Store
	runtime    wasmcloud.RuntimeClient
	translator *translator.Translator
	kube       kubernetes.Interface
	logs       *LogBuffer
	metrics    *metrics.Metrics
	log        *logger.Logger

	queue           workqueue.RateLimitingInterface
	teardownTimeout time.Duration

	// notify nudges the status reporter after a pass changes anything.
	notify func(types.UID)

	mu       sync.Mutex
	inflight map[types.UID]context.CancelFunc
}

// NewReconciler wires the reconciliation engine.
func NewReconciler(store *Store, runtime wasmcloud.RuntimeClient, trans *translator.Translator, kube kubernetes.Interface, logs *LogBuffer, m *metrics.Metrics, log *logger.Logger, teardownTimeout time.Duration, notify func(types.UID)) *Reconciler {
	if notify == nil {
		notify = func(types.UID) {}
	}
	return &Reconciler{
		store:           store,
		runtime:         runtime,
		translator:      trans,
		kube:            kube,
		logs:            logs,
		metrics:         m,
		log:             log.With("component", "reconciler"),
		queue:           workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter()),
		teardownTimeout: teardownTimeout,
		notify:          notify,
		inflight:        make(map[types.UID]context.CancelFunc),
	}
}

// Enqueue schedules a reconciliation for a Pod UID.
func (r *Reconciler) Enqueue(uid types.UID) {
	r.queue.Add(uid)
}

// CancelInFlight interrupts the in-flight task for a UID, if any. Used on
// delete events to abort a pending retry backoff and proceed to teardown.
func (r *Reconciler) CancelInFlight(uid types.UID) {
	r.mu.Lock()
	cancel := r.inflight[uid]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Reconciler) track(uid types.UID, cancel context.CancelFunc) {
	r.mu.Lock()
	r.inflight[uid] = cancel
	r.mu.Unlock()
}

func (r *Reconciler) untrack(uid types.UID) {
	r.mu.Lock()
	delete(r.inflight, uid)
	r.mu.Unlock()
}

// Run starts the worker pool and blocks until ctx is cancelled, then
// drains in-flight work.
func (r *Reconciler) Run(ctx context.Context, workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r.processNext(ctx) {
			}
		}()
	}

	<-ctx.Done()
	r.queue.ShutDownWithDrain()
	wg.Wait()
}

func (r *Reconciler) processNext(ctx context.Context) bool {
	item, shutdown := r.queue.Get()
	if shutdown {
		return false
	}
	defer r.queue.Done(item)

	uid := item.(types.UID)
	start := time.Now()
	requeue, err := r.sync(ctx, uid)
	r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		r.log.Error("reconciliation failed", err, "uid", string(uid))
		r.metrics.ReconcilesTotal.WithLabelValues(string(models.ResultRetry)).Inc()
		r.queue.AddRateLimited(item)
	case requeue:
		r.metrics.ReconcilesTotal.WithLabelValues(string(models.ResultRetry)).Inc()
		r.queue.AddRateLimited(item)
	default:
		r.queue.Forget(item)
	}
	return true
}

// mutate applies fn under the record's write lock. All record state
// transitions go through here so the status reporter and node-agent API
// always observe consistent state.
func mutate(rec *models.PodRecord, fn func()) {
	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	fn()
}

// sync runs one reconciliation pass for one Pod. requeue=true asks for a
// rate-limited re-run.
func (r *Reconciler) sync(ctx context.Context, uid types.UID) (requeue bool, err error) {
	rec := r.store.Get(uid)
	if rec == nil {
		return false, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(uid, cancel)
	defer r.untrack(uid)

	pod, specHash, deleted, ok := r.store.Snapshot(uid)
	if !ok {
		return false, nil
	}

	if deleted {
		return r.teardown(taskCtx, rec)
	}

	// A new spec generation clears per-generation failure markers.
	mutate(rec, func() {
		if rec.SyncedSpecHash == specHash {
			return
		}
		for _, state := range rec.Containers {
			if state.Kind == models.ContainerFailed {
				state.Kind = models.ContainerWaiting
				state.Reason = models.ReasonContainerCreating
				state.Message = ""
			}
			state.Attempts = 0
		}
		rec.SyncedSpecHash = specHash
	})

	intents, terr := r.translator.Translate(taskCtx, pod)
	if terr != nil {
		r.markBlocked(rec, pod, terr)
		r.metrics.ReconcilesTotal.WithLabelValues(string(models.ResultBlocked)).Inc()
		r.updateGauges()
		r.notify(uid)
		// Dependency errors clear when the referenced object appears,
		// which arrives as a new watch event; spec errors clear on a
		// spec change. Either way the next event retriggers us.
		return false, nil
	}

	desired := make(map[string]models.ActorIntent, len(intents))
	for _, in := range intents {
		desired[in.ContainerName] = in
	}

	// Stop actors whose container entry is gone from the spec.
	for name, handle := range r.handleSnapshot(rec) {
		if _, keep := desired[name]; keep {
			continue
		}
		if err := r.stopActor(taskCtx, rec, name, handle); err != nil {
			return false, err
		}
		mutate(rec, func() { delete(rec.Containers, name) })
	}

	result := models.ResultSuccess
	for _, intent := range intents {
		switch r.syncContainer(taskCtx, rec, intent) {
		case models.ResultFailed:
			result = models.ResultFailed
		case models.ResultBlocked:
			if result == models.ResultSuccess {
				result = models.ResultBlocked
			}
		}
	}

	r.metrics.ReconcilesTotal.WithLabelValues(string(result)).Inc()
	r.updateGauges()
	r.notify(uid)
	return false, nil
}

func (r *Reconciler) handleSnapshot(rec *models.PodRecord) map[string]*models.ActorHandle {
	rec.Mu.RLock()
	defer rec.Mu.RUnlock()
	out := make(map[string]*models.ActorHandle, len(rec.Handles))
	for name, h := range rec.Handles {
		out[name] = h
	}
	return out
}

// syncContainer reconciles one container against its intent.
func (r *Reconciler) syncContainer(ctx context.Context, rec *models.PodRecord, intent models.ActorIntent) models.ReconcileResult {
	name := intent.ContainerName

	var state *models.ContainerState
	var handle *models.ActorHandle
	mutate(rec, func() {
		state = rec.Containers[name]
		if state == nil {
			state = &models.ContainerState{Kind: models.ContainerWaiting, Reason: models.ReasonContainerCreating}
			rec.Containers[name] = state
		}
		handle = rec.Handles[name]
	})

	if handle != nil && handle.IntentHash == intent.Hash() {
		r.observeHealth(ctx, rec, state, handle)
		return models.ResultSuccess
	}

	// Replacement is the only update strategy: the old actor is fully
	// stopped before the new one starts, so no two actors ever serve the
	// same container name.
	if handle != nil {
		r.logs.Append(rec.UID, name, "replacing actor %s (spec change)", handle.ActorID)
		if err := r.stopActor(ctx, rec, name, handle); err != nil {
			mutate(rec, func() {
				state.Kind = models.ContainerWaiting
				state.Reason = models.ReasonContainerCreating
				state.Message = "waiting for previous actor to stop: " + err.Error()
			})
			return models.ResultBlocked
		}
	}

	if state.Kind == models.ContainerFailed {
		// Terminal for this generation; only a spec change clears it.
		return models.ResultFailed
	}

	if r.store.PortInUse(intent.HTTPPort, rec.UID) {
		mutate(rec, func() {
			state.Kind = models.ContainerWaiting
			state.Reason = models.ReasonContainerCreating
			state.Message = "blocked on dependency: node port in use"
		})
		return models.ResultBlocked
	}

	for _, binding := range intent.Bindings {
		if err := translator.Materialize(binding); err != nil {
			mutate(rec, func() {
				state.Kind = models.ContainerWaiting
				state.Reason = models.ReasonContainerCreating
				state.Message = "materializing volumes: " + err.Error()
			})
			return models.ResultBlocked
		}
	}

	mutate(rec, func() { state.Attempts++ })
	started, err := r.runtime.StartActor(ctx, intent)
	if err != nil {
		return r.recordStartFailure(rec, state, intent, err)
	}

	mutate(rec, func() {
		started.PodUID = rec.UID
		rec.Handles[name] = started
		state.Kind = models.ContainerRunning
		state.Reason = ""
		state.Message = ""
		state.StartedAt = started.StartedAt
	})
	r.metrics.ActorStartsTotal.Inc()
	r.logs.Append(rec.UID, name, "started actor %s from module %s", started.ActorID, intent.Module)
	r.log.Info("actor started", "pod", rec.Key(), "container", name, "actor", started.ActorID, "module", intent.Module.String())
	return models.ResultSuccess
}

func (r *Reconciler) recordStartFailure(rec *models.PodRecord, state *models.ContainerState, intent models.ActorIntent, err error) models.ReconcileResult {
	kind := models.RuntimeErrorOf(err)
	r.metrics.RuntimeErrors.WithLabelValues(string(kind)).Inc()
	r.logs.Append(rec.UID, intent.ContainerName, "start failed: %v", err)

	mutate(rec, func() {
		state.Kind = models.ContainerFailed
		state.Message = err.Error()
		switch kind {
		case models.InvalidModule:
			state.Reason = models.ReasonInvalidModule
		case models.CapabilityUnavailable:
			state.Reason = models.ReasonCapabilityUnavailable
		default:
			// The runtime client already retried with bounded backoff;
			// exhausting that bound fails the container for this
			// generation. The record stays under reconciliation and a
			// delete is always honored.
			state.Reason = models.ReasonRetriesExhausted
		}
	})
	r.log.Warn("actor start failed", "pod", rec.Key(), "container", intent.ContainerName, "reason", state.Reason, "error", err.Error())
	return models.ResultFailed
}

// observeHealth refreshes the handle's health inside the serialized task,
// keeping the status reporter a pure reader of ActorHandles.
func (r *Reconciler) observeHealth(ctx context.Context, rec *models.PodRecord, state *models.ContainerState, handle *models.ActorHandle) {
	health, err := r.runtime.QueryHealth(ctx, handle)
	if err != nil {
		// Transient; keep the last observation.
		r.log.Debug("health query failed", "actor", handle.ActorID, "error", err.Error())
		return
	}
	if health == handle.Health {
		return
	}
	r.logs.Append(rec.UID, handle.ContainerName, "actor %s health: %s", handle.ActorID, health)

	mutate(rec, func() {
		handle.Health = health
		switch health {
		case models.HealthStopped:
			// The actor died underneath us; drop the handle so the
			// next pass restarts it.
			delete(rec.Handles, handle.ContainerName)
			state.Kind = models.ContainerWaiting
			state.Reason = models.ReasonContainerCreating
			state.Message = "actor stopped unexpectedly"
		case models.HealthUnhealthy:
			state.Kind = models.ContainerFailed
			state.Reason = models.ReasonActorUnhealthy
			state.Message = "actor reported unhealthy"
		default:
			state.Kind = models.ContainerRunning
			state.Reason = ""
			state.Message = ""
		}
	})
	if health == models.HealthStopped {
		r.Enqueue(rec.UID)
	}
	r.notify(rec.UID)
}

// stopActor stops one actor and removes its handle only after the stop is
// acknowledged.
func (r *Reconciler) stopActor(ctx context.Context, rec *models.PodRecord, name string, handle *models.ActorHandle) error {
	if err := r.runtime.StopActor(ctx, handle); err != nil {
		r.metrics.RuntimeErrors.WithLabelValues(string(models.RuntimeErrorOf(err))).Inc()
		return err
	}
	mutate(rec, func() { delete(rec.Handles, name) })
	r.metrics.ActorStopsTotal.Inc()
	r.logs.Append(rec.UID, name, "stopped actor %s", handle.ActorID)
	return nil
}

// teardown stops every actor of a deleted Pod, then removes the record and
// acknowledges the deletion to the orchestrator. The budget runs from the
// moment the deletion was first observed, so fast-failing stops cannot
// restart the clock; past it, handles are force-removed with a warning
// rather than leaking the record forever.
func (r *Reconciler) teardown(ctx context.Context, rec *models.PodRecord) (requeue bool, err error) {
	rec.Mu.RLock()
	deletedAt := rec.DeletedAt
	rec.Mu.RUnlock()
	if deletedAt.IsZero() {
		deletedAt = time.Now()
		mutate(rec, func() { rec.DeletedAt = deletedAt })
	}
	deadline := deletedAt.Add(r.teardownTimeout)

	stopCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for name, handle := range r.handleSnapshot(rec) {
		if stopErr := r.runtime.StopActor(stopCtx, handle); stopErr != nil {
			if time.Now().Before(deadline) && models.IsRetryable(stopErr) {
				// Still inside the budget; retry the whole teardown.
				return true, nil
			}
			r.log.Warn("force-removing actor after failed stop", "pod", rec.Key(), "container", name, "actor", handle.ActorID, "error", stopErr.Error())
		} else {
			r.metrics.ActorStopsTotal.Inc()
		}
		mutate(rec, func() { delete(rec.Handles, name) })
	}

	r.store.Remove(rec.UID)
	r.logs.Drop(rec.UID)
	r.updateGauges()

	if err := r.ackDelete(ctx, rec); err != nil {
		r.log.Warn("failed to acknowledge pod deletion", "pod", rec.Key(), "error", err.Error())
	}
	r.log.Info("pod torn down", "pod", rec.Key(), "uid", string(rec.UID))
	return false, nil
}

// ackDelete force-removes the Pod object so the orchestrator considers the
// deletion complete.
func (r *Reconciler) ackDelete(ctx context.Context, rec *models.PodRecord) error {
	if r.kube == nil {
		return nil
	}
	zero := int64(0)
	err := r.kube.CoreV1().Pods(rec.Namespace).Delete(ctx, rec.Name, metav1.DeleteOptions{
		GracePeriodSeconds: &zero,
		Preconditions:      &metav1.Preconditions{UID: &rec.UID},
	})
	if apierrors.IsNotFound(err) || apierrors.IsConflict(err) {
		return nil
	}
	return err
}

func (r *Reconciler) markBlocked(rec *models.PodRecord, pod *corev1.Pod, terr error) {
	message := terr.Error()
	if models.IsDependencyError(terr) {
		message = "blocked on dependency: " + message
	}
	mutate(rec, func() {
		for _, c := range pod.Spec.Containers {
			state := rec.Containers[c.Name]
			if state == nil {
				state = &models.ContainerState{}
				rec.Containers[c.Name] = state
			}
			if state.Kind == models.ContainerRunning {
				// A running container keeps running; the blocked
				// spec only affects what we cannot (re)create.
				continue
			}
			state.Kind = models.ContainerWaiting
			state.Reason = models.ReasonContainerCreating
			state.Message = message
		}
	})
	r.log.Info("pod blocked", "pod", rec.Key(), "message", message)
}

func (r *Reconciler) updateGauges() {
	r.metrics.PodsManaged.Set(float64(r.store.Len()))
	r.metrics.ActorsLive.Set(float64(r.store.ActorCount()))
}
