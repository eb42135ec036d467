package provider

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/logger"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/metrics"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
)

// Reporter publishes Pod status back to the orchestrator: on a fixed
// interval, and immediately when the reconciler reports a transition. A
// status identical to the last successfully published one is not
// re-written.
type Reporter struct {
	store    *Store
	kube     kubernetes.Interface
	interval time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics

	notifyCh chan types.UID

	mu        sync.Mutex
	published map[types.UID]*corev1.PodStatus
}

// NewReporter creates the status reporter.
func NewReporter(store *Store, kube kubernetes.Interface, interval time.Duration, m *metrics.Metrics, log *logger.Logger) *Reporter {
	return &Reporter{
		store:     store,
		kube:      kube,
		interval:  interval,
		log:       log.With("component", "status"),
		metrics:   m,
		notifyCh:  make(chan types.UID, 64),
		published: make(map[types.UID]*corev1.PodStatus),
	}
}

// Notify asks for a prompt publish of one Pod's status. Never blocks; a
// full pass picks up anything dropped here.
func (p *Reporter) Notify(uid types.UID) {
	select {
	case p.notifyCh <- uid:
	default:
	}
}

// Run blocks publishing status until ctx is cancelled.
func (p *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case uid := <-p.notifyCh:
			p.publish(ctx, uid)
		case <-ticker.C:
			for _, uid := range p.store.UIDs() {
				p.publish(ctx, uid)
			}
		}
	}
}

// publish computes and writes one Pod's status if it changed.
func (p *Reporter) publish(ctx context.Context, uid types.UID) {
	rec := p.store.Get(uid)
	if rec == nil || rec.Deleted {
		p.forget(uid)
		return
	}

	status := ComputeStatus(rec)

	p.mu.Lock()
	last := p.published[uid]
	p.mu.Unlock()
	if last != nil && apiequality.Semantic.DeepEqual(*last, status) {
		return
	}

	if err := p.write(ctx, rec, status); err != nil {
		p.metrics.StatusUpdates.WithLabelValues("error").Inc()
		p.log.Warn("status update failed", "pod", rec.Key(), "error", err.Error())
		return
	}
	p.metrics.StatusUpdates.WithLabelValues("ok").Inc()

	p.mu.Lock()
	p.published[uid] = &status
	p.mu.Unlock()
}

// write pushes the status through the subresource, tolerating one write
// conflict by re-fetching and retrying once before dropping with a log.
func (p *Reporter) write(ctx context.Context, rec *models.PodRecord, status corev1.PodStatus) error {
	for attempt := 0; ; attempt++ {
		pod, err := p.kube.CoreV1().Pods(rec.Namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if pod.UID != rec.UID {
			// The name was reused by a different Pod; nothing to do.
			return nil
		}

		pod.Status = status
		_, err = p.kube.CoreV1().Pods(rec.Namespace).UpdateStatus(ctx, pod, metav1.UpdateOptions{})
		if err == nil {
			return nil
		}
		if apierrors.IsConflict(err) && attempt == 0 {
			continue
		}
		return err
	}
}

func (p *Reporter) forget(uid types.UID) {
	p.mu.Lock()
	delete(p.published, uid)
	p.mu.Unlock()
}

// ComputeStatus derives the Pod status from the record's container states
// and actor handles.
func ComputeStatus(rec *models.PodRecord) corev1.PodStatus {
	rec.Mu.RLock()
	defer rec.Mu.RUnlock()

	var (
		statuses []corev1.ContainerStatus
		running  int
		failed   int
		total    int
	)
	if rec.Pod != nil {
		total = len(rec.Pod.Spec.Containers)
		for _, c := range rec.Pod.Spec.Containers {
			state := rec.Containers[c.Name]
			cs := corev1.ContainerStatus{
				Name:  c.Name,
				Image: c.Image,
			}
			switch {
			case state == nil:
				cs.State = corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{
					Reason: models.ReasonContainerCreating,
				}}
			case state.Kind == models.ContainerRunning:
				cs.Ready = true
				cs.State = corev1.ContainerState{Running: &corev1.ContainerStateRunning{
					StartedAt: metav1.NewTime(state.StartedAt),
				}}
				if h := rec.Handles[c.Name]; h != nil {
					cs.ContainerID = "wasmcloud://" + h.ActorID
				}
				running++
			case state.Kind == models.ContainerFailed:
				cs.State = corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
					ExitCode: 1,
					Reason:   state.Reason,
					Message:  state.Message,
				}}
				failed++
			default:
				cs.State = corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{
					Reason:  state.Reason,
					Message: state.Message,
				}}
			}
			statuses = append(statuses, cs)
		}
	}

	phase := corev1.PodPending
	ready := corev1.ConditionFalse
	switch {
	case failed > 0:
		phase = corev1.PodFailed
	case total > 0 && running == total:
		phase = corev1.PodRunning
		ready = corev1.ConditionTrue
	}

	return corev1.PodStatus{
		Phase: phase,
		Conditions: []corev1.PodCondition{{
			Type:   corev1.PodReady,
			Status: ready,
		}},
		ContainerStatuses: statuses,
	}
}
