package provider

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/logger"
)

// Watcher subscribes to Pod events scoped to this node and feeds the
// reconciliation queue. The shared informer gives list-then-watch resync on
// every (re)connect and backs off transient subscription errors internally,
// so delivery is at-least-once and never silently dropped.
type Watcher struct {
	client   kubernetes.Interface
	nodeName string
	resync   time.Duration
	store    *Store
	log      *logger.Logger

	// enqueue schedules a reconciliation for a UID.
	enqueue func(types.UID)
	// cancelInFlight interrupts a pending retry backoff so deletes tear
	// down immediately.
	cancelInFlight func(types.UID)
}

// NewWatcher creates the watch ingestor.
func NewWatcher(client kubernetes.Interface, nodeName string, resync time.Duration, store *Store, log *logger.Logger, enqueue, cancelInFlight func(types.UID)) *Watcher {
	return &Watcher{
		client:         client,
		nodeName:       nodeName,
		resync:         resync,
		store:          store,
		log:            log.With("component", "watcher"),
		enqueue:        enqueue,
		cancelInFlight: cancelInFlight,
	}
}

// Validate performs the startup list that proves the node identity is
// accepted by the API server. A failure here is fatal; once running,
// subscription errors are only retried.
func (w *Watcher) Validate(ctx context.Context) error {
	_, err := w.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", w.nodeName).String(),
		Limit:         1,
	})
	if err != nil {
		return fmt.Errorf("listing pods for node %q: %w", w.nodeName, err)
	}
	return nil
}

// Run blocks pumping Pod events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	lw := cache.NewListWatchFromClient(
		w.client.CoreV1().RESTClient(),
		"pods",
		metav1.NamespaceAll,
		fields.OneTermEqualSelector("spec.nodeName", w.nodeName),
	)
	informer := cache.NewSharedIndexInformer(lw, &corev1.Pod{}, w.resync, cache.Indexers{})

	_, _ = informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    w.onAddOrUpdate,
		UpdateFunc: func(_, newObj interface{}) { w.onAddOrUpdate(newObj) },
		DeleteFunc: w.onDelete,
	})

	w.log.Info("starting pod watch", "node", w.nodeName, "resync", w.resync.String())
	informer.Run(ctx.Done())
}

func (w *Watcher) onAddOrUpdate(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		w.log.Warn("watch delivered a non-pod object", "type", fmt.Sprintf("%T", obj))
		return
	}
	uid := w.store.Upsert(pod)
	if pod.DeletionTimestamp != nil {
		// The orchestrator signals deletion through the deletion
		// timestamp; the object itself only disappears after we
		// acknowledge teardown.
		w.cancelInFlight(uid)
	}
	w.enqueue(uid)
}

func (w *Watcher) onDelete(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			w.log.Warn("watch delivered an unexpected delete object", "type", fmt.Sprintf("%T", obj))
			return
		}
		pod, ok = tombstone.Obj.(*corev1.Pod)
		if !ok {
			w.log.Warn("tombstone carried a non-pod object")
			return
		}
	}
	w.store.MarkDeleted(pod.UID)
	w.cancelInFlight(pod.UID)
	w.enqueue(pod.UID)
}
