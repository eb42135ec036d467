package models

import (
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
)

// ContainerStateKind mirrors the coarse container lifecycle the provider
// reports back to Kubernetes.
type ContainerStateKind string

const (
	ContainerWaiting    ContainerStateKind = "Waiting"
	ContainerRunning    ContainerStateKind = "Running"
	ContainerFailed     ContainerStateKind = "Failed"
	ContainerTerminated ContainerStateKind = "Terminated"
)

// Well-known waiting/failure reasons surfaced in Pod status.
const (
	ReasonContainerCreating     = "ContainerCreating"
	ReasonInvalidModule         = "InvalidModule"
	ReasonCapabilityUnavailable = "CapabilityUnavailable"
	ReasonRetriesExhausted      = "RetriesExhausted"
	ReasonActorUnhealthy        = "ActorUnhealthy"
)

// ContainerState is the provider's view of one container.
type ContainerState struct {
	Kind      ContainerStateKind
	Reason    string
	Message   string
	StartedAt time.Time
	// Attempts counts runtime start attempts for the current spec
	// generation.
	Attempts int
}

// PodRecord tracks one Pod assigned to this node. It is created on the
// first watch event and removed only after every actor belonging to it has
// been torn down. All mutation happens inside the per-UID reconciliation
// task; reads from other loops go through the store.
type PodRecord struct {
	// Mu guards Handles and Containers: the reconciliation task takes
	// the write lock for its (short) state transitions, the status
	// reporter and node-agent API take the read lock.
	Mu sync.RWMutex

	UID       types.UID
	Namespace string
	Name      string

	// Pod is the latest desired spec from the watch.
	Pod *corev1.Pod
	// SpecHash detects spec generations; attempts reset when it changes.
	SpecHash string
	// SyncedSpecHash is the generation last processed by the reconciler.
	SyncedSpecHash string
	// Deleted marks the record for teardown. DeletedAt is stamped when the
	// deletion is first observed; the teardown budget runs from it, not
	// from each reconciliation pass.
	Deleted   bool
	DeletedAt time.Time

	// Handles maps container name to the live actor, if any.
	Handles map[string]*ActorHandle
	// Containers maps container name to its reported state.
	Containers map[string]*ContainerState

	CreatedAt time.Time
}

// NewPodRecord creates a record for a newly observed Pod.
func NewPodRecord(pod *corev1.Pod) *PodRecord {
	return &PodRecord{
		UID:        pod.UID,
		Namespace:  pod.Namespace,
		Name:       pod.Name,
		Pod:        pod,
		Handles:    make(map[string]*ActorHandle),
		Containers: make(map[string]*ContainerState),
		CreatedAt:  time.Now(),
	}
}

// Key returns the namespace/name key for the record.
func (r *PodRecord) Key() string {
	return r.Namespace + "/" + r.Name
}
