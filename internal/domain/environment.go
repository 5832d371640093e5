package domain

import (
	"encoding/json"
	"time"
)

// Slot labels. Every service has exactly these two environments.
const (
	SlotA = "slot-a"
	SlotB = "slot-b"

	// PrimarySlot receives traffic after registration.
	PrimarySlot = SlotB
)

// SlotLabels lists the slots in display order.
var SlotLabels = []string{SlotA, SlotB}

// EnvironmentStatus is the last observed health of a slot.
type EnvironmentStatus string

const (
	StatusUnknown   EnvironmentStatus = "unknown"
	StatusHealthy   EnvironmentStatus = "healthy"
	StatusDegraded  EnvironmentStatus = "degraded"
	StatusUnhealthy EnvironmentStatus = "unhealthy"
	StatusDraining  EnvironmentStatus = "draining"
)

// Valid reports whether s is one of the known statuses.
func (s EnvironmentStatus) Valid() bool {
	switch s {
	case StatusUnknown, StatusHealthy, StatusDegraded, StatusUnhealthy, StatusDraining:
		return true
	}
	return false
}

// ContainerState is the persisted view of a slot's container.
type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerStopped ContainerState = "stopped"
)

// Environment is one of the two deployment slots of a service.
type Environment struct {
	ID            string            `json:"id"`
	ServiceID     string            `json:"serviceId"`
	Label         string            `json:"label"`
	TargetURL     string            `json:"targetUrl"`
	DockerImage   string            `json:"dockerImage"`
	WeightPercent int               `json:"weightPercent"`
	IsActive      bool              `json:"isActive"`
	Status        EnvironmentStatus `json:"status"`
	LastLatencyMs *int              `json:"lastLatencyMs"`
	LastCheckAt   *time.Time        `json:"lastCheckAt"`
	Metadata      Metadata          `json:"metadata"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Running reports whether the slot's container is recorded as running.
func (e Environment) Running() bool {
	return e.Metadata.ContainerState == ContainerRunning
}

// Metadata holds the runtime placement of a slot.
type Metadata struct {
	HostPort       int            `json:"hostPort,omitempty"`
	AppPort        int            `json:"appPort,omitempty"`
	ContainerName  string         `json:"containerName,omitempty"`
	ContainerState ContainerState `json:"containerState"`
}

// ParseMetadata decodes a stored metadata document. Unknown or missing
// container states become stopped and out-of-range ports are dropped.
func ParseMetadata(raw []byte) Metadata {
	var doc struct {
		HostPort       any    `json:"hostPort"`
		AppPort        any    `json:"appPort"`
		ContainerName  any    `json:"containerName"`
		ContainerState string `json:"containerState"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Metadata{ContainerState: ContainerStopped}
		}
	}
	meta := Metadata{
		HostPort: portValue(doc.HostPort),
		AppPort:  portValue(doc.AppPort),
	}
	if name, ok := doc.ContainerName.(string); ok {
		meta.ContainerName = name
	}
	switch ContainerState(doc.ContainerState) {
	case ContainerRunning:
		meta.ContainerState = ContainerRunning
	default:
		meta.ContainerState = ContainerStopped
	}
	return meta
}

// Encode serializes metadata for storage.
func (m Metadata) Encode() []byte {
	if m.ContainerState == "" {
		m.ContainerState = ContainerStopped
	}
	out, _ := json.Marshal(m)
	return out
}

func portValue(v any) int {
	n, ok := v.(float64)
	if !ok || n != float64(int(n)) || n < 1 || n > 65535 {
		return 0
	}
	return int(n)
}
