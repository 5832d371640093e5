// Package events carries engine notifications to observers.
package events

import (
	"encoding/json"
	"time"
)

// Type names an engine notification.
type Type string

const (
	ServiceUpdated    Type = "service.updated"
	ServiceSwitched   Type = "service.switched"
	ServiceDeleted    Type = "service.deleted"
	DeploymentCreated Type = "deployment.created"
	EnvironmentHealth Type = "environment.health"
)

// Event is the wire form shared by the bus, the relay and observer streams.
type Event struct {
	Type      Type            `json:"type"`
	ServiceID string          `json:"serviceId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event, encoding payload as JSON.
func New(t Type, serviceID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, ServiceID: serviceID, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// SwitchedPayload describes a traffic cutover.
type SwitchedPayload struct {
	ServiceID string `json:"serviceId"`
	FromLabel string `json:"fromLabel,omitempty"`
	ToLabel   string `json:"toLabel"`
	Reason    string `json:"reason,omitempty"`
}

// DeploymentPayload describes a queued deployment.
type DeploymentPayload struct {
	ServiceID     string `json:"serviceId"`
	EnvironmentID string `json:"environmentId"`
	Version       string `json:"version"`
	DockerImage   string `json:"dockerImage,omitempty"`
}

// HealthPayload describes a recorded health check.
type HealthPayload struct {
	ServiceID     string `json:"serviceId"`
	EnvironmentID string `json:"environmentId"`
	Status        string `json:"status"`
	LatencyMs     *int   `json:"latencyMs,omitempty"`
}

// DeletedPayload identifies a removed service.
type DeletedPayload struct {
	ServiceID string `json:"serviceId"`
}
