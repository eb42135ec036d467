package models

import (
	"time"

	"k8s.io/apimachinery/pkg/types"
)

// HealthState is the last-observed health of a running actor.
type HealthState string

const (
	HealthStarting  HealthState = "Starting"
	HealthHealthy   HealthState = "Healthy"
	HealthUnhealthy HealthState = "Unhealthy"
	HealthStopped   HealthState = "Stopped"
)

// ActorHandle binds a runtime-assigned actor identifier to one container of
// one Pod. The reconciliation engine owns it; the status reporter only
// reads it.
type ActorHandle struct {
	// ActorID is the runtime-assigned identifier (the actor public key).
	ActorID string
	// PodUID and ContainerName identify the owning container entry.
	PodUID        types.UID
	ContainerName string
	// IntentHash is the digest of the intent the actor was started from.
	IntentHash string
	// HTTPPort is the host port the actor serves on, 0 if none.
	HTTPPort int32
	Health   HealthState
	// Capabilities lists the contracts linked at start, needed for
	// teardown.
	Capabilities []string
	StartedAt    time.Time
}
