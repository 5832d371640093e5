package domain

import (
	"encoding/json"
	"time"
)

// Deployment statuses.
const (
	DeploymentPending   = "pending"
	DeploymentDeploying = "deploying"
	DeploymentSucceeded = "succeeded"
	DeploymentFailed    = "failed"
)

// Deployment records the intent to roll a version onto a slot.
type Deployment struct {
	ID            string          `json:"id"`
	ServiceID     string          `json:"serviceId"`
	EnvironmentID string          `json:"environmentId"`
	Version       string          `json:"version"`
	DockerImage   string          `json:"dockerImage"`
	Status        string          `json:"status"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	InitiatedByID string          `json:"initiatedById,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// SwitchEvent is the audit record of one traffic cutover.
type SwitchEvent struct {
	ID          string    `json:"id"`
	ServiceID   string    `json:"serviceId"`
	FromLabel   string    `json:"fromLabel,omitempty"`
	ToLabel     string    `json:"toLabel"`
	Reason      string    `json:"reason,omitempty"`
	InitiatedBy string    `json:"initiatedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
